package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/ports"
)

// SchemaService manages per-collection JSON schemas and validates row data
// before a mutation is queued.
type SchemaService struct {
	repo  ports.CollectionSchemaRepository
	cache sync.Map // collection → *santhosh.Schema
}

func NewSchemaService(repo ports.CollectionSchemaRepository) *SchemaService {
	return &SchemaService{repo: repo}
}

// Upsert replaces the collection schema on behalf of ownerID.
func (s *SchemaService) Upsert(ctx context.Context, collection string, schemaJSON json.RawMessage, ownerID string) (domain.CollectionSchema, error) {
	if err := domain.ValidateCollection(collection); err != nil {
		return domain.CollectionSchema{}, err
	}
	if !json.Valid(schemaJSON) {
		return domain.CollectionSchema{}, fmt.Errorf("%w: schema must be valid json", domain.ErrInvalidSchema)
	}
	if _, err := compileSchema(schemaJSON); err != nil {
		return domain.CollectionSchema{}, fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}
	s.cache.Delete(collection)
	return s.repo.Upsert(ctx, domain.CollectionSchema{
		Collection: collection,
		Schema:     schemaJSON,
		UpdatedBy:  ownerID,
	})
}

func (s *SchemaService) Get(ctx context.Context, collection string) (domain.CollectionSchema, error) {
	if err := domain.ValidateCollection(collection); err != nil {
		return domain.CollectionSchema{}, err
	}
	return s.repo.Get(ctx, collection)
}

func (s *SchemaService) Delete(ctx context.Context, collection string) (bool, error) {
	if err := domain.ValidateCollection(collection); err != nil {
		return false, err
	}
	s.cache.Delete(collection)
	return s.repo.Delete(ctx, collection)
}

// Validate checks data against the collection schema. If no schema is configured
// the data passes validation. Returns *domain.ErrSchemaViolation on failure.
func (s *SchemaService) Validate(ctx context.Context, collection string, data json.RawMessage) error {
	if cached, ok := s.cache.Load(collection); ok {
		return runValidation(cached.(*santhosh.Schema), data)
	}

	cs, err := s.repo.Get(ctx, collection)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	compiled, err := compileSchema(cs.Schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	s.cache.Store(collection, compiled)
	return runValidation(compiled, data)
}

func compileSchema(schemaJSON json.RawMessage) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func runValidation(sch *santhosh.Schema, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &domain.ErrSchemaViolation{Errors: collectValidationErrors(ve)}
		}
		return &domain.ErrSchemaViolation{Errors: []string{err.Error()}}
	}
	return nil
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}
