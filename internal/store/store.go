package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"eversaid-wrapper/internal/quota"
)

// Store keeps daily quota buckets in SQL. It satisfies quota.Store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

type Options struct {
	Now func() time.Time
}

func New(gormDB *gorm.DB, opts Options) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: gormDB, now: now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func bucketWhere(b quota.Bucket) (string, []any) {
	return "tier = ? AND scope_key = ? AND action = ? AND day = ?",
		[]any{string(b.Tier), b.Key, string(b.Action), b.Day}
}

// IncrementIfAllowed inserts the bucket at 1 or bumps it by one, in a single
// upsert whose update branch only fires while used < limit. A row count of
// zero means the bucket was already at its ceiling.
func (s *Store) IncrementIfAllowed(ctx context.Context, b quota.Bucket, limit int) (bool, int, error) {
	if limit <= 0 {
		count, err := s.Peek(ctx, b)
		return false, count, err
	}

	now := s.timestamp()
	row := quotaBucketRow{
		Tier:      string(b.Tier),
		ScopeKey:  b.Key,
		Action:    string(b.Action),
		Day:       b.Day,
		Used:      1,
		UpdatedAt: now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tier"}, {Name: "scope_key"}, {Name: "action"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]any{
				"used":       gorm.Expr("quota_buckets.used + 1"),
				"updated_at": now,
			}),
			Where: clause.Where{Exprs: []clause.Expression{gorm.Expr("quota_buckets.used < ?", limit)}},
		}).
		Create(&row)
	if res.Error != nil {
		return false, 0, res.Error
	}

	count, err := s.Peek(ctx, b)
	if err != nil {
		return false, 0, err
	}
	return res.RowsAffected == 1, count, nil
}

func (s *Store) Peek(ctx context.Context, b quota.Bucket) (int, error) {
	query, args := bucketWhere(b)
	var used []int
	if err := s.db.WithContext(ctx).
		Model(&quotaBucketRow{}).
		Where(query, args...).
		Pluck("used", &used).Error; err != nil {
		return 0, err
	}
	if len(used) == 0 {
		return 0, nil
	}
	return used[0], nil
}

func (s *Store) Decrement(ctx context.Context, b quota.Bucket) error {
	query, args := bucketWhere(b)
	return s.db.WithContext(ctx).
		Model(&quotaBucketRow{}).
		Where(query+" AND used > 0", args...).
		Updates(map[string]any{
			"used":       gorm.Expr("used - 1"),
			"updated_at": s.timestamp(),
		}).Error
}

// PruneBefore deletes buckets whose day sorts before day and reports how many
// rows were removed.
func (s *Store) PruneBefore(ctx context.Context, day string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("day < ?", day).
		Delete(&quotaBucketRow{})
	return res.RowsAffected, res.Error
}

var _ quota.Store = (*Store)(nil)
