package ports

import (
	"context"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

type CollectionSchemaRepository interface {
	Upsert(ctx context.Context, schema domain.CollectionSchema) (domain.CollectionSchema, error)
	Get(ctx context.Context, collection string) (domain.CollectionSchema, error)
	Delete(ctx context.Context, collection string) (bool, error)
}
