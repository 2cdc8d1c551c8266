package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

type apiKeyModel struct {
	TokenHash  string     `gorm:"column:token_hash;primaryKey"`
	OwnerID    string     `gorm:"column:owner_id;not null"`
	Name       string     `gorm:"column:name;not null"`
	Active     bool       `gorm:"column:active;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
}

func (apiKeyModel) TableName() string {
	return "api_keys"
}

type APIKeyRepository struct {
	db *gormsqlite.DB
}

func NewAPIKeyRepository(db *gormsqlite.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("token_hash = ?", tokenHash).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("find api key: %w", err)
	}

	key := domain.APIKey{
		TokenHash: model.TokenHash,
		OwnerID:   model.OwnerID,
		Name:      model.Name,
		Active:    model.Active,
		CreatedAt: model.CreatedAt,
	}
	if model.LastUsedAt != nil {
		key.LastUsedAt = *model.LastUsedAt
	}
	return key, nil
}

func (r *APIKeyRepository) MarkUsed(ctx context.Context, tokenHash string, at time.Time) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&apiKeyModel{}).
			Where("token_hash = ?", tokenHash).
			Update("last_used_at", at.UTC()).Error
	})
	if err != nil {
		return fmt.Errorf("mark api key used: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) Upsert(ctx context.Context, key domain.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	model := apiKeyModel{
		TokenHash: key.TokenHash,
		OwnerID:   key.OwnerID,
		Name:      key.Name,
		Active:    key.Active,
		CreatedAt: key.CreatedAt,
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id", "name", "active"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	return nil
}
