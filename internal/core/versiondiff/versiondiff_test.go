package versiondiff

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"reflect"
	"slices"
	"testing"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Materials: []Material{
			{ID: "m1", Name: "Sand", Unit: "m3", Quantity: 4, UnitPrice: 10, GroupID: "g1"},
			{ID: "m2", Name: "Cement", Unit: "bag", Quantity: 20, UnitPrice: 5},
		},
		Labor: []LaborItem{
			{ID: "l1", WorkerType: "mason", Workers: 2, Hours: 16, HourlyRate: 25},
		},
		Equipment: []EquipmentItem{
			{ID: "e1", Name: "Mixer", Type: "concrete", PurchaseMode: "rent", PeriodUnit: "day", Quantity: 1, Periods: 3, UnitCost: 40},
		},
		MiscCosts: []MiscCost{
			{ID: "c1", Category: "transport", Description: "Delivery", Amount: 120},
		},
		Risks: []Risk{
			{ID: "r1", Description: "Rain delay", Probability: 0.3, Impact: 800},
		},
		Groups: []Group{
			{ID: "g1", Name: "Foundation", SortOrder: 1},
		},
	}
}

func mustToggle(t *testing.T, m *ResolutionMap, item Item, c Category, action Action) {
	t.Helper()
	if _, err := m.Toggle(item, c, action); err != nil {
		t.Fatalf("toggle %s %s: %v", c, action, err)
	}
}

func TestCompareItemsIsReflexive(t *testing.T) {
	engine := NewEngine(nil)
	snap := sampleSnapshot()

	for _, c := range Categories {
		t.Run(string(c), func(t *testing.T) {
			items := snap.Items(c)
			diff, err := engine.CompareItems(items, items, c)
			if err != nil {
				t.Fatalf("compare: %v", err)
			}
			if len(diff.OnlyInCurrent) != 0 || len(diff.OnlyInVersion) != 0 || len(diff.ModifiedInBoth) != 0 {
				t.Fatalf("identical sides must not differ: %+v", diff)
			}
			if !reflect.DeepEqual(diff.UnchangedInBoth, items) {
				t.Fatalf("unchanged %v, want %v", diff.UnchangedInBoth, items)
			}
		})
	}
}

func TestCompareItemsMatchesByNaturalKeyNotID(t *testing.T) {
	engine := NewEngine(nil)
	current := []Item{Material{ID: "a", Name: "Sand", Unit: "m3", UnitPrice: 10}}
	version := []Item{Material{ID: "z", Name: "Sand", Unit: "m3", UnitPrice: 10.004}}

	diff, err := engine.CompareItems(current, version, Materials)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	// ids differ and the price differs below a cent
	if len(diff.UnchangedInBoth) != 1 || len(diff.OnlyInCurrent) != 0 || len(diff.OnlyInVersion) != 0 {
		t.Fatalf("expected one unchanged pair, got %+v", diff)
	}
}

func TestCompareItemsClassifiesEverySide(t *testing.T) {
	engine := NewEngine(nil)
	current := []Item{
		Risk{ID: "r1", Description: "Rain delay", Impact: 800},
		Risk{ID: "r2", Description: "Price spike", Impact: 300},
	}
	version := []Item{
		Risk{ID: "v1", Description: "Rain delay", Impact: 950},
		Risk{ID: "v2", Description: "Permit refused", Impact: 2000},
	}

	diff, err := engine.CompareItems(current, version, Risks)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !reflect.DeepEqual(diff.OnlyInCurrent, []Item{current[1]}) {
		t.Fatalf("only in current: %v", diff.OnlyInCurrent)
	}
	if !reflect.DeepEqual(diff.OnlyInVersion, []Item{version[1]}) {
		t.Fatalf("only in version: %v", diff.OnlyInVersion)
	}
	if !reflect.DeepEqual(diff.ModifiedInBoth, []Pair{{Current: current[0], Version: version[0]}}) {
		t.Fatalf("modified: %v", diff.ModifiedInBoth)
	}
	if len(diff.UnchangedInBoth) != 0 {
		t.Fatalf("unexpected unchanged items: %v", diff.UnchangedInBoth)
	}
}

func TestCompareItemsNaturalKeyCollision(t *testing.T) {
	engine := NewEngine(nil)
	current := []Item{
		LaborItem{ID: "l1", WorkerType: "electrician", Hours: 8, HourlyRate: 30},
		LaborItem{ID: "l2", WorkerType: "electrician", Hours: 4, HourlyRate: 45},
	}
	version := []Item{LaborItem{ID: "v1", WorkerType: "electrician", Hours: 4, HourlyRate: 45}}

	diff, err := engine.CompareItems(current, version, Labor)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff.ModifiedInBoth) != 1 || len(diff.UnchangedInBoth) != 1 || len(diff.OnlyInCurrent) != 0 {
		t.Fatalf("unexpected classification: %+v", diff)
	}
}

func TestCompareItemsRejectsForeignItems(t *testing.T) {
	engine := NewEngine(nil)
	if _, err := engine.CompareItems([]Item{Group{ID: "g"}}, nil, Materials); !errors.Is(err, ErrItemType) {
		t.Fatalf("expected item type error, got %v", err)
	}
	if _, err := engine.CompareItems(nil, nil, Category("invoices")); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected unknown category, got %v", err)
	}
}

func TestResolutionMapStagesVersionOnlyItems(t *testing.T) {
	current := sampleSnapshot()
	version := sampleSnapshot()
	version.Materials = append(version.Materials, Material{ID: "vm", Name: "Rebar", Unit: "t", UnitPrice: 900})
	version.Risks = nil

	m, diff, err := NewEngine(nil).NewResolutionMap(current, version)
	if err != nil {
		t.Fatalf("resolution map: %v", err)
	}
	if len(diff[Risks].OnlyInCurrent) != 1 {
		t.Fatalf("expected one current-only risk, got %v", diff[Risks].OnlyInCurrent)
	}

	r := m.Resolution(Materials)
	if len(r.ToAdd) != 1 || r.ToAdd[0].ItemID() != "vm" {
		t.Fatalf("expected version-only material staged, got %v", r.ToAdd)
	}
	if removed := m.Resolution(Risks).ToRemove; len(removed) != 0 {
		t.Fatalf("current-only items are kept unless toggled, got %v", removed)
	}
}

func TestToggleKeepsEachIDInOneList(t *testing.T) {
	current := sampleSnapshot()
	version := sampleSnapshot()
	version.Materials[0].UnitPrice = 12
	version.Materials[0].ID = "vm1"

	m, _, err := NewEngine(nil).NewResolutionMap(current, version)
	if err != nil {
		t.Fatalf("resolution map: %v", err)
	}

	actions := []Action{ActionAdd, ActionRemove, ActionUpdate, ActionKeepCurrent, ActionIgnore}
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 200 {
		var item Item = version.Materials[0]
		if rng.IntN(2) == 0 {
			item = current.Materials[0]
		}
		mustToggle(t, m, item, Materials, actions[rng.IntN(len(actions))])

		r := m.Resolution(Materials)
		hits := 0
		for _, it := range r.ToAdd {
			if it.ItemID() == "m1" || it.ItemID() == "vm1" {
				hits++
			}
		}
		if slices.Contains(r.ToRemove, "m1") {
			hits++
		}
		for _, it := range r.ToUpdate {
			if it.ItemID() == "m1" {
				hits++
			}
		}
		if hits > 1 {
			t.Fatalf("step %d: item staged in %d lists: %+v", i, hits, r)
		}
	}
}

func TestToggleLastActionWins(t *testing.T) {
	current := sampleSnapshot()
	m, _, err := NewEngine(nil).NewResolutionMap(current, current)
	if err != nil {
		t.Fatalf("resolution map: %v", err)
	}
	item := current.Equipment[0]

	mustToggle(t, m, item, Equipment, ActionRemove)
	mustToggle(t, m, item, Equipment, ActionRemove)
	if got := m.Resolution(Equipment).ToRemove; !reflect.DeepEqual(got, []string{"e1"}) {
		t.Fatalf("expected e1 staged once for removal, got %v", got)
	}

	mustToggle(t, m, item, Equipment, ActionKeepCurrent)
	r := m.Resolution(Equipment)
	if len(r.ToRemove) != 0 || len(r.ToAdd) != 0 || len(r.ToUpdate) != 0 {
		t.Fatalf("keep current must clear staged actions, got %+v", r)
	}

	if _, err := m.Toggle(item, Equipment, Action("merge")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
}

func TestScenarioUpdateFromVersion(t *testing.T) {
	current := Snapshot{Materials: []Material{{ID: "cur-1", Name: "Sand", Unit: "m3", UnitPrice: 10}}}
	version := Snapshot{Materials: []Material{{ID: "ver-1", Name: "Sand", Unit: "m3", UnitPrice: 12}}}
	engine := NewEngine(nil)

	diff, err := engine.CompareItems(current.Items(Materials), version.Items(Materials), Materials)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff.ModifiedInBoth) != 1 {
		t.Fatalf("expected one modified pair, got %+v", diff)
	}

	m, _, err := engine.NewResolutionMap(current, version)
	if err != nil {
		t.Fatalf("resolution map: %v", err)
	}
	mustToggle(t, m, diff.ModifiedInBoth[0].Version, Materials, ActionUpdate)

	final, err := ApplyResolution(current, m)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(final.Materials) != 1 {
		t.Fatalf("expected one material, got %v", final.Materials)
	}
	got := final.Materials[0]
	if got.UnitPrice != 12.0 || got.ID != "cur-1" {
		t.Fatalf("update should take the version price and keep the current id, got %+v", got)
	}
}

func TestApplyRemovesAddsAndCarriesGroups(t *testing.T) {
	current := sampleSnapshot()
	version := sampleSnapshot()
	version.Groups = append(version.Groups, Group{ID: "g2", Name: "Roof", SortOrder: 2}, Group{ID: "g3", Name: "Unused"})
	version.Materials = append(version.Materials, Material{ID: "vm", Name: "Tiles", Unit: "m2", UnitPrice: 18, GroupID: "g2"})

	m, _, err := NewEngine(nil).NewResolutionMap(current, version)
	if err != nil {
		t.Fatalf("resolution map: %v", err)
	}
	// The new groups are staged for addition by default; ignore them to see
	// the carry-over at work.
	mustToggle(t, m, version.Groups[1], Groups, ActionIgnore)
	mustToggle(t, m, version.Groups[2], Groups, ActionIgnore)
	mustToggle(t, m, current.Labor[0], Labor, ActionRemove)

	final, err := m.Apply(current)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(final.Labor) != 0 {
		t.Fatalf("expected labor removed, got %v", final.Labor)
	}
	if len(final.Materials) != 3 || final.Materials[2].ID != "vm" {
		t.Fatalf("expected version material appended, got %v", final.Materials)
	}
	if len(final.Groups) != 2 || final.Groups[1].ID != "g2" {
		t.Fatalf("referenced group should be carried over, got %v", final.Groups)
	}
	if !reflect.DeepEqual(final.Equipment, current.Equipment) {
		t.Fatalf("untouched category changed: %v", final.Equipment)
	}
}

func TestDecodeItem(t *testing.T) {
	item, err := DecodeItem(Equipment, json.RawMessage(`{"id":"e9","name":"Crane","type":"lifting","purchase_mode":"rent","period_unit":"week","unit_cost":1500}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	eq, ok := item.(EquipmentItem)
	if !ok {
		t.Fatalf("expected equipment item, got %T", item)
	}
	if eq.Name != "Crane" || eq.UnitCost != 1500.0 {
		t.Fatalf("unexpected item: %+v", eq)
	}

	if _, err := DecodeItem(Category("invoices"), json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected unknown category, got %v", err)
	}
}
