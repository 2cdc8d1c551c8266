package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

type journalModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MutationID string    `gorm:"column:mutation_id;not null"`
	Collection string    `gorm:"column:collection;not null"`
	Kind       string    `gorm:"column:kind;not null"`
	Action     string    `gorm:"column:action;not null"`
	OwnerID    string    `gorm:"column:owner_id;not null"`
	Retries    int       `gorm:"column:retries;not null"`
	Error      string    `gorm:"column:error;not null"`
	At         time.Time `gorm:"column:at;not null"`
}

func (journalModel) TableName() string {
	return "journal_entries"
}

type JournalRepository struct {
	db *gormsqlite.DB
}

func NewJournalRepository(db *gormsqlite.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

func (r *JournalRepository) Append(ctx context.Context, entry domain.JournalEntry) error {
	model := journalModel{
		MutationID: entry.MutationID,
		Collection: entry.Collection,
		Kind:       entry.Kind,
		Action:     entry.Action,
		OwnerID:    entry.OwnerID,
		Retries:    entry.Retries,
		Error:      entry.Error,
		At:         entry.At,
	}
	if model.At.IsZero() {
		model.At = time.Now().UTC()
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// List returns entries newest first. AfterID is a cursor: only entries older
// than it are returned.
func (r *JournalRepository) List(ctx context.Context, filter domain.JournalFilter) ([]domain.JournalEntry, error) {
	var rows []journalModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&journalModel{})
		if filter.MutationID != "" {
			query = query.Where("mutation_id = ?", filter.MutationID)
		}
		if filter.Action != "" {
			query = query.Where("action = ?", filter.Action)
		}
		if filter.AfterID > 0 {
			query = query.Where("id < ?", filter.AfterID)
		}
		return query.Order("id DESC").Limit(filter.Limit).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}

	out := make([]domain.JournalEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.JournalEntry{
			ID:         row.ID,
			MutationID: row.MutationID,
			Collection: row.Collection,
			Kind:       row.Kind,
			Action:     row.Action,
			OwnerID:    row.OwnerID,
			Retries:    row.Retries,
			Error:      row.Error,
			At:         row.At,
		})
	}
	return out, nil
}
