package versiondiff

import "fmt"

// Pair is one item present in both snapshots with different values.
type Pair struct {
	Current Item `json:"current"`
	Version Item `json:"version"`
}

type DiffResult struct {
	OnlyInCurrent   []Item `json:"only_in_current"`
	OnlyInVersion   []Item `json:"only_in_version"`
	ModifiedInBoth  []Pair `json:"modified_in_both"`
	UnchangedInBoth []Item `json:"unchanged_in_both"`
}

// Diff holds a DiffResult per category.
type Diff map[Category]DiffResult

// Engine compares snapshots with one Strategy per category.
type Engine struct {
	strategies map[Category]Strategy
}

// NewEngine uses the default strategies, replaced by any in overrides.
func NewEngine(overrides map[Category]Strategy) *Engine {
	s := DefaultStrategies()
	for c, st := range overrides {
		s[c] = st
	}
	return &Engine{strategies: s}
}

func (e *Engine) strategy(c Category) (Strategy, error) {
	s, ok := e.strategies[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, c)
	}
	return s, nil
}

// CompareItems classifies current and version items of one category. Output
// order follows the input order of the respective side.
func (e *Engine) CompareItems(current, version []Item, c Category) (DiffResult, error) {
	s, err := e.strategy(c)
	if err != nil {
		return DiffResult{}, err
	}
	currentKeys, _, err := index(s, current)
	if err != nil {
		return DiffResult{}, err
	}
	versionKeys, versionByKey, err := index(s, version)
	if err != nil {
		return DiffResult{}, err
	}

	result := DiffResult{
		OnlyInCurrent:   []Item{},
		OnlyInVersion:   []Item{},
		ModifiedInBoth:  []Pair{},
		UnchangedInBoth: []Item{},
	}
	currentSet := make(map[string]struct{}, len(currentKeys))
	for i, item := range current {
		key := currentKeys[i]
		currentSet[key] = struct{}{}
		other, ok := versionByKey[key]
		if !ok {
			result.OnlyInCurrent = append(result.OnlyInCurrent, item)
			continue
		}
		eq, err := s.Equal(item, other)
		if err != nil {
			return DiffResult{}, err
		}
		if eq {
			result.UnchangedInBoth = append(result.UnchangedInBoth, item)
		} else {
			result.ModifiedInBoth = append(result.ModifiedInBoth, Pair{Current: item, Version: other})
		}
	}
	for i, item := range version {
		if _, ok := currentSet[versionKeys[i]]; !ok {
			result.OnlyInVersion = append(result.OnlyInVersion, item)
		}
	}
	return result, nil
}

// Compare runs CompareItems for every category.
func (e *Engine) Compare(current, version Snapshot) (Diff, error) {
	diff := make(Diff, len(Categories))
	for _, c := range Categories {
		r, err := e.CompareItems(current.Items(c), version.Items(c), c)
		if err != nil {
			return nil, err
		}
		diff[c] = r
	}
	return diff, nil
}

func index(s Strategy, items []Item) ([]string, map[string]Item, error) {
	keys := make([]string, len(items))
	byKey := make(map[string]Item, len(items))
	for i, item := range items {
		k, err := s.Identity(item)
		if err != nil {
			return nil, nil, err
		}
		keys[i] = k
		byKey[k] = item
	}
	return keys, byKey, nil
}
