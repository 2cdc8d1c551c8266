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

const queueCategory = "offline_queue"

type entryModel struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Category  string    `gorm:"column:category;not null"`
	Value     string    `gorm:"column:value;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (entryModel) TableName() string {
	return "kv_entries"
}

// QueueStore keeps each queue as one JSON array under its key, so a Set
// replaces the whole list atomically.
type QueueStore struct {
	db *gormsqlite.DB
}

func NewQueueStore(db *gormsqlite.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Get(ctx context.Context, key string) ([]domain.MutationRecord, error) {
	var model entryModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("key = ?", key).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get queue %s: %w", key, err)
	}

	var records []domain.MutationRecord
	if err := json.Unmarshal([]byte(model.Value), &records); err != nil {
		return nil, fmt.Errorf("%w: queue %s: %v", domain.ErrPayloadCorrupt, key, err)
	}
	return records, nil
}

func (s *QueueStore) Set(ctx context.Context, key string, records []domain.MutationRecord) error {
	if records == nil {
		records = []domain.MutationRecord{}
	}
	value, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal queue %s: %w", key, err)
	}

	now := time.Now().UTC()
	model := entryModel{
		Key:       key,
		Category:  queueCategory,
		Value:     string(value),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"category", "value", "updated_at"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("set queue %s: %w", key, err)
	}
	return nil
}
