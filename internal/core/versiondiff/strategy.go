package versiondiff

import (
	"fmt"
	"math"
	"strings"
)

// Strategy decides which items of two snapshots are the same real-world
// item and whether their values differ. Identities are natural keys: row
// ids are snapshot specific and cannot be compared across snapshots.
//
// Natural keys collide when two distinct items share the key fields; the
// later item wins the identity in CompareItems.
type Strategy interface {
	Identity(item Item) (string, error)
	Equal(a, b Item) (bool, error)
}

type typedStrategy[T Item] struct {
	category Category
	key      func(T) string
	equal    func(a, b T) bool
}

func (s typedStrategy[T]) cast(item Item) (T, error) {
	v, ok := item.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %T in %s", ErrItemType, item, s.category)
	}
	return v, nil
}

func (s typedStrategy[T]) Identity(item Item) (string, error) {
	v, err := s.cast(item)
	if err != nil {
		return "", err
	}
	return s.key(v), nil
}

func (s typedStrategy[T]) Equal(a, b Item) (bool, error) {
	va, err := s.cast(a)
	if err != nil {
		return false, err
	}
	vb, err := s.cast(b)
	if err != nil {
		return false, err
	}
	return s.equal(va, vb), nil
}

// DefaultStrategies returns the natural-key strategies for every category.
func DefaultStrategies() map[Category]Strategy {
	return map[Category]Strategy{
		Materials: typedStrategy[Material]{
			category: Materials,
			key:      func(m Material) string { return naturalKey(m.Name, m.Unit) },
			equal: func(a, b Material) bool {
				return a.Name == b.Name && a.Unit == b.Unit && a.Supplier == b.Supplier && a.GroupID == b.GroupID &&
					a.Quantity == b.Quantity && moneyEqual(a.UnitPrice, b.UnitPrice)
			},
		},
		Labor: typedStrategy[LaborItem]{
			category: Labor,
			key:      func(l LaborItem) string { return naturalKey(l.WorkerType) },
			equal: func(a, b LaborItem) bool {
				return a.WorkerType == b.WorkerType && a.GroupID == b.GroupID && a.Workers == b.Workers &&
					a.Hours == b.Hours && moneyEqual(a.HourlyRate, b.HourlyRate)
			},
		},
		Equipment: typedStrategy[EquipmentItem]{
			category: Equipment,
			key: func(e EquipmentItem) string {
				return naturalKey(e.Name, e.Type, e.PurchaseMode, e.PeriodUnit)
			},
			equal: func(a, b EquipmentItem) bool {
				return a.Name == b.Name && a.Type == b.Type && a.PurchaseMode == b.PurchaseMode &&
					a.PeriodUnit == b.PeriodUnit && a.GroupID == b.GroupID && a.Quantity == b.Quantity &&
					a.Periods == b.Periods && moneyEqual(a.UnitCost, b.UnitCost)
			},
		},
		MiscCosts: typedStrategy[MiscCost]{
			category: MiscCosts,
			key:      func(c MiscCost) string { return naturalKey(c.Category, c.Description) },
			equal: func(a, b MiscCost) bool {
				return a.Category == b.Category && a.Description == b.Description && a.GroupID == b.GroupID &&
					moneyEqual(a.Amount, b.Amount)
			},
		},
		Risks: typedStrategy[Risk]{
			category: Risks,
			key:      func(r Risk) string { return naturalKey(r.Description) },
			equal: func(a, b Risk) bool {
				return a.Description == b.Description && a.Mitigation == b.Mitigation && a.GroupID == b.GroupID &&
					a.Probability == b.Probability && moneyEqual(a.Impact, b.Impact)
			},
		},
		Groups: typedStrategy[Group]{
			category: Groups,
			key:      func(g Group) string { return naturalKey(g.Name) },
			equal: func(a, b Group) bool {
				return a.Name == b.Name && a.Description == b.Description && a.SortOrder == b.SortOrder
			},
		},
	}
}

func naturalKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// moneyEqual compares amounts at cent precision.
func moneyEqual(a, b float64) bool {
	return math.Round(a*100) == math.Round(b*100)
}
