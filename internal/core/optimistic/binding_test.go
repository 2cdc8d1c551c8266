package optimistic

import (
	"reflect"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testBinding() Binding {
	return Binding{
		NewID: func() string { return "generated" },
		Now:   func() time.Time { return fixedNow },
	}
}

func materials() []domain.Row {
	return []domain.Row{
		{"id": "m1", "name": "Cement", "unit": "bag", "unit_price": 5.0},
		{"id": "m2", "name": "Sand", "unit": "m3", "unit_price": 10.0},
		{"id": "m3", "name": "Gravel", "unit": "m3", "unit_price": 8.0},
	}
}

func mustApply(t *testing.T, b Binding, current []domain.Row, op domain.Operation) []domain.Row {
	t.Helper()
	out, err := b.Apply(current, op)
	if err != nil {
		t.Fatalf("apply %s: %v", op.Kind(), err)
	}
	return out
}

func TestBindingInsertAssignsIDAndTimestamps(t *testing.T) {
	current := materials()
	out := mustApply(t, testBinding(), current, domain.Insert{Row: domain.Row{"name": "Rebar"}})

	if len(out) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(out))
	}
	if len(current) != 3 {
		t.Fatal("input must not change")
	}
	added := out[3]
	stamp := fixedNow.Format(time.RFC3339Nano)
	if added["id"] != "generated" || added[CreatedAtField] != stamp || added[UpdatedAtField] != stamp {
		t.Fatalf("unexpected inserted row: %v", added)
	}
}

func TestBindingInsertKeepsCallerID(t *testing.T) {
	out := mustApply(t, testBinding(), nil, domain.Insert{Row: domain.Row{"id": "mine", "name": "Rebar"}})
	if out[0]["id"] != "mine" {
		t.Fatalf("expected caller id, got %v", out[0]["id"])
	}
}

func TestBindingPrepareAssignsInsertIDOnce(t *testing.T) {
	b := testBinding()
	op := b.Prepare(domain.Insert{Row: domain.Row{"name": "Rebar"}})
	if got := op.(domain.Insert).Row["id"]; got != "generated" {
		t.Fatalf("expected generated id, got %v", got)
	}

	same := domain.Update{ID: "m1", Fields: domain.Row{"name": "x"}}
	if got := b.Prepare(same); !reflect.DeepEqual(got, same) {
		t.Fatalf("non-insert operations must pass through, got %#v", got)
	}
}

func TestBindingUpdateReplacesOnlyPresentFields(t *testing.T) {
	current := materials()
	out := mustApply(t, testBinding(), current, domain.Update{ID: "m2", Fields: domain.Row{"unit_price": 12.0}})

	want := domain.Row{
		"id": "m2", "name": "Sand", "unit": "m3", "unit_price": 12.0,
		UpdatedAtField: fixedNow.Format(time.RFC3339Nano),
	}
	if !reflect.DeepEqual(out[1], want) {
		t.Fatalf("got %v want %v", out[1], want)
	}
	if !reflect.DeepEqual(out[0], current[0]) || !reflect.DeepEqual(out[2], current[2]) {
		t.Fatal("untargeted rows must not change")
	}
	if current[1]["unit_price"] != 10.0 {
		t.Fatal("input row must not change")
	}
}

func TestBindingDeleteAndBulkVariants(t *testing.T) {
	b := testBinding()

	if out := mustApply(t, b, materials(), domain.Delete{ID: "m1"}); len(out) != 2 {
		t.Fatalf("expected 2 rows after delete, got %d", len(out))
	}

	out := mustApply(t, b, materials(), domain.BulkDelete{IDs: []string{"m1", "m3"}})
	if len(out) != 1 || out[0]["id"] != "m2" {
		t.Fatalf("unexpected rows after bulk delete: %v", out)
	}

	out = mustApply(t, b, materials(), domain.BulkUpdate{IDs: []string{"m2", "m3"}, Fields: domain.Row{"group_id": "g1"}})
	if _, ok := out[0]["group_id"]; ok {
		t.Fatalf("untargeted row was updated: %v", out[0])
	}
	if out[1]["group_id"] != "g1" || out[2]["group_id"] != "g1" {
		t.Fatalf("targeted rows not updated: %v", out)
	}
}

func TestBindingUpsertMergesOnConflictColumns(t *testing.T) {
	out := mustApply(t, testBinding(), materials(), domain.Upsert{
		Rows: []domain.Row{
			{"name": "Sand", "unit": "m3", "unit_price": 11.0},
			{"name": "Lime", "unit": "bag", "unit_price": 3.0},
		},
		OnConflict: "name, unit",
	})

	if len(out) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(out))
	}
	if out[1]["id"] != "m2" || out[1]["unit_price"] != 11.0 {
		t.Fatalf("conflicting row not merged: %v", out[1])
	}
	if out[3]["id"] != "generated" {
		t.Fatalf("new row should get a generated id: %v", out[3])
	}
}

func TestBindingUpsertDefaultsToIDConflict(t *testing.T) {
	out := mustApply(t, testBinding(), materials(), domain.Upsert{Rows: []domain.Row{{"id": "m3", "unit_price": 9.0}}})
	if len(out) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(out))
	}
	if out[2]["unit_price"] != 9.0 || out[2]["name"] != "Gravel" {
		t.Fatalf("expected merge by id, got %v", out[2])
	}
}

func TestBindingRemoteCallUsesHook(t *testing.T) {
	b := testBinding()
	if out := mustApply(t, b, materials(), domain.RemoteCall{Args: domain.Row{"project_id": "p1"}}); !reflect.DeepEqual(out, materials()) {
		t.Fatalf("rpc without hook must keep rows, got %v", out)
	}

	b.OnRPC = func(current []domain.Row, args domain.Row) ([]domain.Row, error) {
		return current[:1], nil
	}
	if out := mustApply(t, b, materials(), domain.RemoteCall{}); len(out) != 1 {
		t.Fatalf("expected hook result, got %v", out)
	}
}
