package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

type APIKeyRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error)
	Upsert(ctx context.Context, key domain.APIKey) error
	MarkUsed(ctx context.Context, tokenHash string, at time.Time) error
}
