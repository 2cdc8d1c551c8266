// Package versiondiff compares two snapshots of a project's estimate items
// and builds a resolution plan a user can apply selectively.
package versiondiff

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Category string

const (
	Materials Category = "materials"
	Labor     Category = "labor"
	Equipment Category = "equipment"
	MiscCosts Category = "misc_costs"
	Risks     Category = "risks"
	Groups    Category = "groups"
)

// Categories lists every category, groups last so item changes are applied
// before group carry-over.
var Categories = []Category{Materials, Labor, Equipment, MiscCosts, Risks, Groups}

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrItemType        = errors.New("item does not belong to category")
	ErrUnknownAction   = errors.New("unknown resolution action")
)

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Item is one estimate row of any category.
type Item interface {
	ItemID() string
	// GroupRef is the id of the group the item belongs to, if any.
	GroupRef() string
	WithID(id string) Item
}

type Material struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Supplier  string  `json:"supplier,omitempty"`
	GroupID   string  `json:"group_id,omitempty"`
}

type LaborItem struct {
	ID         string  `json:"id"`
	WorkerType string  `json:"worker_type"`
	Workers    int     `json:"workers"`
	Hours      float64 `json:"hours"`
	HourlyRate float64 `json:"hourly_rate"`
	GroupID    string  `json:"group_id,omitempty"`
}

type EquipmentItem struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	PurchaseMode string  `json:"purchase_mode"` // rent or buy
	PeriodUnit   string  `json:"period_unit"`
	Quantity     float64 `json:"quantity"`
	Periods      float64 `json:"periods"`
	UnitCost     float64 `json:"unit_cost"`
	GroupID      string  `json:"group_id,omitempty"`
}

type MiscCost struct {
	ID          string  `json:"id"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	GroupID     string  `json:"group_id,omitempty"`
}

type Risk struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Probability float64 `json:"probability"`
	Impact      float64 `json:"impact"`
	Mitigation  string  `json:"mitigation,omitempty"`
	GroupID     string  `json:"group_id,omitempty"`
}

type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

func (i Material) ItemID() string      { return i.ID }
func (i LaborItem) ItemID() string     { return i.ID }
func (i EquipmentItem) ItemID() string { return i.ID }
func (i MiscCost) ItemID() string      { return i.ID }
func (i Risk) ItemID() string          { return i.ID }
func (i Group) ItemID() string         { return i.ID }

func (i Material) GroupRef() string      { return i.GroupID }
func (i LaborItem) GroupRef() string     { return i.GroupID }
func (i EquipmentItem) GroupRef() string { return i.GroupID }
func (i MiscCost) GroupRef() string      { return i.GroupID }
func (i Risk) GroupRef() string          { return i.GroupID }
func (i Group) GroupRef() string         { return "" }

func (i Material) WithID(id string) Item      { i.ID = id; return i }
func (i LaborItem) WithID(id string) Item     { i.ID = id; return i }
func (i EquipmentItem) WithID(id string) Item { i.ID = id; return i }
func (i MiscCost) WithID(id string) Item      { i.ID = id; return i }
func (i Risk) WithID(id string) Item          { i.ID = id; return i }
func (i Group) WithID(id string) Item         { i.ID = id; return i }

// Snapshot is the full estimate of a project at one point in time.
type Snapshot struct {
	Materials []Material      `json:"materials"`
	Labor     []LaborItem     `json:"labor"`
	Equipment []EquipmentItem `json:"equipment"`
	MiscCosts []MiscCost      `json:"misc_costs"`
	Risks     []Risk          `json:"risks"`
	Groups    []Group         `json:"groups"`
}

// Items returns the category's rows as Items.
func (s Snapshot) Items(c Category) []Item {
	switch c {
	case Materials:
		return toItems(s.Materials)
	case Labor:
		return toItems(s.Labor)
	case Equipment:
		return toItems(s.Equipment)
	case MiscCosts:
		return toItems(s.MiscCosts)
	case Risks:
		return toItems(s.Risks)
	case Groups:
		return toItems(s.Groups)
	}
	return nil
}

// SetItems replaces the category's rows. Every item must be of the
// category's concrete type.
func (s *Snapshot) SetItems(c Category, items []Item) error {
	var err error
	switch c {
	case Materials:
		s.Materials, err = fromItems[Material](c, items)
	case Labor:
		s.Labor, err = fromItems[LaborItem](c, items)
	case Equipment:
		s.Equipment, err = fromItems[EquipmentItem](c, items)
	case MiscCosts:
		s.MiscCosts, err = fromItems[MiscCost](c, items)
	case Risks:
		s.Risks, err = fromItems[Risk](c, items)
	case Groups:
		s.Groups, err = fromItems[Group](c, items)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCategory, c)
	}
	return err
}

// DecodeItem parses a JSON row of the given category.
func DecodeItem(c Category, raw json.RawMessage) (Item, error) {
	switch c {
	case Materials:
		return decodeAs[Material](raw)
	case Labor:
		return decodeAs[LaborItem](raw)
	case Equipment:
		return decodeAs[EquipmentItem](raw)
	case MiscCosts:
		return decodeAs[MiscCost](raw)
	case Risks:
		return decodeAs[Risk](raw)
	case Groups:
		return decodeAs[Group](raw)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, c)
}

func decodeAs[T Item](raw json.RawMessage) (Item, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decode item: %v", ErrItemType, err)
	}
	return v, nil
}

func toItems[T Item](in []T) []Item {
	out := make([]Item, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func fromItems[T Item](c Category, items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		v, ok := it.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %T in %s", ErrItemType, it, c)
		}
		out = append(out, v)
	}
	return out, nil
}
