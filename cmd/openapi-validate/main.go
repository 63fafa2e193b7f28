package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/getkin/kin-openapi/openapi3"

	"eversaid-wrapper/internal/api"
)

func main() {
	specPath := flag.String("spec", "", "path to OpenAPI spec (yaml/json); empty validates the document embedded in the server")
	flag.Parse()

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if *specPath == "" {
		doc, err = loader.LoadFromData(api.OpenAPISpec())
	} else {
		doc, err = loader.LoadFromFile(*specPath)
	}
	if err != nil {
		log.Fatalf("load spec: %v", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		log.Fatalf("validate spec: %v", err)
	}

	fmt.Println("ok")
}
