package store

type quotaBucketRow struct {
	Tier      string `gorm:"column:tier;primaryKey"`
	ScopeKey  string `gorm:"column:scope_key;primaryKey"`
	Action    string `gorm:"column:action;primaryKey"`
	Day       string `gorm:"column:day;primaryKey"`
	Used      int    `gorm:"column:used"`
	UpdatedAt string `gorm:"column:updated_at"`
}

func (quotaBucketRow) TableName() string { return "quota_buckets" }
