package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

type collectionSchemaModel struct {
	Collection string    `gorm:"column:collection;primaryKey"`
	SchemaJSON string    `gorm:"column:schema_json;not null"`
	UpdatedBy  string    `gorm:"column:updated_by;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (collectionSchemaModel) TableName() string {
	return "collection_schemas"
}

type SchemaRepository struct {
	db *gormsqlite.DB
}

func NewSchemaRepository(db *gormsqlite.DB) *SchemaRepository {
	return &SchemaRepository{db: db}
}

func (r *SchemaRepository) Upsert(ctx context.Context, schema domain.CollectionSchema) (domain.CollectionSchema, error) {
	now := time.Now().UTC()
	model := collectionSchemaModel{
		Collection: schema.Collection,
		SchemaJSON: string(schema.Schema),
		UpdatedBy:  schema.UpdatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var out domain.CollectionSchema
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}},
			DoUpdates: clause.AssignmentColumns([]string{"schema_json", "updated_by", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return fmt.Errorf("upsert schema: %w", err)
		}

		var saved collectionSchemaModel
		if err := tx.Where("collection = ?", schema.Collection).First(&saved).Error; err != nil {
			return fmt.Errorf("load upserted schema: %w", err)
		}
		out = toSchemaDomain(saved)
		return nil
	})
	if err != nil {
		return domain.CollectionSchema{}, err
	}
	return out, nil
}

func (r *SchemaRepository) Get(ctx context.Context, collection string) (domain.CollectionSchema, error) {
	var model collectionSchemaModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("collection = ?", collection).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CollectionSchema{}, domain.ErrNotFound
		}
		return domain.CollectionSchema{}, fmt.Errorf("get schema: %w", err)
	}
	return toSchemaDomain(model), nil
}

func (r *SchemaRepository) Delete(ctx context.Context, collection string) (bool, error) {
	var affected int64
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Where("collection = ?", collection).Delete(&collectionSchemaModel{})
		if res.Error != nil {
			return fmt.Errorf("delete schema: %w", res.Error)
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func toSchemaDomain(model collectionSchemaModel) domain.CollectionSchema {
	return domain.CollectionSchema{
		Collection: model.Collection,
		Schema:     json.RawMessage(model.SchemaJSON),
		UpdatedBy:  model.UpdatedBy,
		CreatedAt:  model.CreatedAt,
		UpdatedAt:  model.UpdatedAt,
	}
}
