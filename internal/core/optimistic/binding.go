// Package optimistic applies mutations to cached query results before the
// backend confirms them, and rolls them back when it refuses.
package optimistic

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

const (
	DefaultIDField = "id"
	CreatedAtField = "created_at"
	UpdatedAtField = "updated_at"
)

// Binding projects operations onto the cached rows of one resource. Apply
// never modifies its input.
type Binding struct {
	IDField string
	NewID   func() string
	Now     func() time.Time
	// OnRPC lets a resource mirror a remote procedure locally. Without it
	// remote calls leave the cache untouched.
	OnRPC func(current []domain.Row, args domain.Row) ([]domain.Row, error)
}

func (b Binding) idField() string {
	if b.IDField == "" {
		return DefaultIDField
	}
	return b.IDField
}

func (b Binding) newID() string {
	if b.NewID == nil {
		return uuid.NewString()
	}
	return b.NewID()
}

func (b Binding) stamp() string {
	now := time.Now().UTC()
	if b.Now != nil {
		now = b.Now()
	}
	return now.Format(time.RFC3339Nano)
}

// Prepare assigns an id to an insert that has none, so the optimistic row
// and the row sent to the backend share it.
func (b Binding) Prepare(op domain.Operation) domain.Operation {
	ins, ok := op.(domain.Insert)
	if !ok {
		return op
	}
	if _, has := ins.Row[b.idField()]; has {
		return op
	}
	row := maps.Clone(ins.Row)
	row[b.idField()] = b.newID()
	return domain.Insert{Row: row}
}

func (b Binding) Apply(current []domain.Row, op domain.Operation) ([]domain.Row, error) {
	switch o := op.(type) {
	case domain.Insert:
		return append(slices.Clone(current), b.newRow(o.Row)), nil
	case domain.Upsert:
		out := slices.Clone(current)
		keys := conflictColumns(o.OnConflict, b.idField())
		for _, row := range o.Rows {
			if i := indexMatching(out, row, keys); i >= 0 {
				out[i] = b.merge(out[i], row)
				continue
			}
			out = append(out, b.newRow(row))
		}
		return out, nil
	case domain.Update:
		return b.updateWhere(current, o.Fields, func(id string) bool { return id == o.ID }), nil
	case domain.BulkUpdate:
		return b.updateWhere(current, o.Fields, idSet(o.IDs)), nil
	case domain.Delete:
		return b.deleteWhere(current, func(id string) bool { return id == o.ID }), nil
	case domain.BulkDelete:
		return b.deleteWhere(current, idSet(o.IDs)), nil
	case domain.RemoteCall:
		if b.OnRPC == nil {
			return slices.Clone(current), nil
		}
		return b.OnRPC(slices.Clone(current), o.Args)
	default:
		return nil, fmt.Errorf("%w: unsupported operation %T", domain.ErrInvalidOperation, op)
	}
}

func (b Binding) newRow(src domain.Row) domain.Row {
	row := maps.Clone(src)
	if row == nil {
		row = domain.Row{}
	}
	if _, ok := row[b.idField()]; !ok {
		row[b.idField()] = b.newID()
	}
	ts := b.stamp()
	if _, ok := row[CreatedAtField]; !ok {
		row[CreatedAtField] = ts
	}
	row[UpdatedAtField] = ts
	return row
}

func (b Binding) merge(existing, fields domain.Row) domain.Row {
	row := maps.Clone(existing)
	maps.Copy(row, fields)
	row[UpdatedAtField] = b.stamp()
	return row
}

func (b Binding) updateWhere(current []domain.Row, fields domain.Row, match func(string) bool) []domain.Row {
	out := slices.Clone(current)
	for i, row := range out {
		if match(rowID(row, b.idField())) {
			out[i] = b.merge(row, fields)
		}
	}
	return out
}

func (b Binding) deleteWhere(current []domain.Row, match func(string) bool) []domain.Row {
	out := make([]domain.Row, 0, len(current))
	for _, row := range current {
		if !match(rowID(row, b.idField())) {
			out = append(out, row)
		}
	}
	return out
}

func rowID(row domain.Row, field string) string {
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func idSet(ids []string) func(string) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

func conflictColumns(onConflict, idField string) []string {
	var cols []string
	for _, c := range strings.Split(onConflict, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return []string{idField}
	}
	return cols
}

// indexMatching finds the row equal to candidate on every key column. A
// candidate missing any key column matches nothing.
func indexMatching(rows []domain.Row, candidate domain.Row, keys []string) int {
	for _, k := range keys {
		if _, ok := candidate[k]; !ok {
			return -1
		}
	}
	for i, row := range rows {
		match := true
		for _, k := range keys {
			if fmt.Sprint(row[k]) != fmt.Sprint(candidate[k]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
