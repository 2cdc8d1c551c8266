package versiondiff

import (
	"fmt"
	"slices"
)

type Action string

const (
	ActionAdd         Action = "add"
	ActionRemove      Action = "remove"
	ActionUpdate      Action = "update"
	ActionKeepCurrent Action = "keep_current"
	ActionIgnore      Action = "ignore"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionUpdate, ActionKeepCurrent, ActionIgnore:
		return true
	}
	return false
}

type staged struct {
	key  string
	item Item
}

type categoryPlan struct {
	toAdd    []staged
	toRemove []string
	toUpdate []staged
}

func (p *categoryPlan) purge(key string) {
	p.toAdd = slices.DeleteFunc(p.toAdd, func(s staged) bool { return s.key == key })
	p.toRemove = slices.DeleteFunc(p.toRemove, func(k string) bool { return k == key })
	p.toUpdate = slices.DeleteFunc(p.toUpdate, func(s staged) bool { return s.key == key })
}

// Resolution is the plan for one category.
type Resolution struct {
	ToAdd    []Item   `json:"to_add"`
	ToRemove []string `json:"to_remove"`
	ToUpdate []Item   `json:"to_update"`
}

// ResolutionMap accumulates the user's choices per category. Every item is
// tracked under a canonical id: the id of the current item sharing its
// natural key, or its own id when no current item does. A canonical id is in
// at most one list of its category.
type ResolutionMap struct {
	engine        *Engine
	plans         map[Category]*categoryPlan
	currentIDs    map[Category]map[string]string
	versionGroups []Group
}

// NewResolutionMap compares the snapshots and stages every item that only
// exists in version for addition.
func (e *Engine) NewResolutionMap(current, version Snapshot) (*ResolutionMap, Diff, error) {
	diff, err := e.Compare(current, version)
	if err != nil {
		return nil, nil, err
	}
	m := &ResolutionMap{
		engine:        e,
		plans:         make(map[Category]*categoryPlan, len(Categories)),
		currentIDs:    make(map[Category]map[string]string, len(Categories)),
		versionGroups: slices.Clone(version.Groups),
	}
	for _, c := range Categories {
		s, _ := e.strategy(c)
		ids := make(map[string]string)
		for _, item := range current.Items(c) {
			key, err := s.Identity(item)
			if err != nil {
				return nil, nil, err
			}
			ids[key] = item.ItemID()
		}
		m.currentIDs[c] = ids

		plan := &categoryPlan{}
		for _, item := range diff[c].OnlyInVersion {
			plan.toAdd = append(plan.toAdd, staged{key: item.ItemID(), item: item})
		}
		m.plans[c] = plan
	}
	return m, diff, nil
}

func (m *ResolutionMap) canonicalID(item Item, c Category) (string, error) {
	s, err := m.engine.strategy(c)
	if err != nil {
		return "", err
	}
	key, err := s.Identity(item)
	if err != nil {
		return "", err
	}
	if id, ok := m.currentIDs[c][key]; ok {
		return id, nil
	}
	return item.ItemID(), nil
}

// Toggle records action for item, replacing any earlier choice for it. Items
// staged for update carry the version's values under the current item's id.
func (m *ResolutionMap) Toggle(item Item, c Category, action Action) (*ResolutionMap, error) {
	if !action.Valid() {
		return m, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	plan, ok := m.plans[c]
	if !ok {
		return m, fmt.Errorf("%w: %s", ErrUnknownCategory, c)
	}
	key, err := m.canonicalID(item, c)
	if err != nil {
		return m, err
	}

	plan.purge(key)
	switch action {
	case ActionAdd:
		plan.toAdd = append(plan.toAdd, staged{key: key, item: item})
	case ActionRemove:
		plan.toRemove = append(plan.toRemove, key)
	case ActionUpdate:
		plan.toUpdate = append(plan.toUpdate, staged{key: key, item: item.WithID(key)})
	}
	return m, nil
}

func (m *ResolutionMap) Resolution(c Category) Resolution {
	r := Resolution{ToAdd: []Item{}, ToRemove: []string{}, ToUpdate: []Item{}}
	plan, ok := m.plans[c]
	if !ok {
		return r
	}
	for _, s := range plan.toAdd {
		r.ToAdd = append(r.ToAdd, s.item)
	}
	r.ToRemove = append(r.ToRemove, plan.toRemove...)
	for _, s := range plan.toUpdate {
		r.ToUpdate = append(r.ToUpdate, s.item)
	}
	return r
}

// Resolutions returns the plan of every category.
func (m *ResolutionMap) Resolutions() map[Category]Resolution {
	out := make(map[Category]Resolution, len(Categories))
	for _, c := range Categories {
		out[c] = m.Resolution(c)
	}
	return out
}

// Apply builds the resolved snapshot: per category, current items not staged
// for removal, with staged updates swapped in, followed by staged additions.
// Groups referenced by added or updated items but missing from the result
// are carried over from the version snapshot.
func (m *ResolutionMap) Apply(current Snapshot) (Snapshot, error) {
	var out Snapshot
	referenced := make(map[string]struct{})

	for _, c := range Categories {
		r := m.Resolution(c)
		removed := make(map[string]struct{}, len(r.ToRemove))
		for _, id := range r.ToRemove {
			removed[id] = struct{}{}
		}
		updates := make(map[string]Item, len(r.ToUpdate))
		for _, it := range r.ToUpdate {
			updates[it.ItemID()] = it
		}

		final := make([]Item, 0, len(current.Items(c))+len(r.ToAdd))
		for _, item := range current.Items(c) {
			if _, ok := removed[item.ItemID()]; ok {
				continue
			}
			if upd, ok := updates[item.ItemID()]; ok {
				item = upd
			}
			final = append(final, item)
		}
		final = append(final, r.ToAdd...)

		for _, it := range r.ToAdd {
			if ref := it.GroupRef(); ref != "" {
				referenced[ref] = struct{}{}
			}
		}
		for _, it := range r.ToUpdate {
			if ref := it.GroupRef(); ref != "" {
				referenced[ref] = struct{}{}
			}
		}

		if c == Groups {
			final = m.carryGroups(final, referenced)
		}
		if err := out.SetItems(c, final); err != nil {
			return Snapshot{}, err
		}
	}
	return out, nil
}

func (m *ResolutionMap) carryGroups(groups []Item, referenced map[string]struct{}) []Item {
	have := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		have[g.ItemID()] = struct{}{}
	}
	for _, g := range m.versionGroups {
		if _, ok := referenced[g.ID]; !ok {
			continue
		}
		if _, ok := have[g.ID]; ok {
			continue
		}
		groups = append(groups, g)
		have[g.ID] = struct{}{}
	}
	return groups
}

// ApplyResolution is Apply as a function of the current snapshot and map.
func ApplyResolution(current Snapshot, m *ResolutionMap) (Snapshot, error) {
	return m.Apply(current)
}
