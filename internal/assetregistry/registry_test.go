package assetregistry

import (
	"errors"
	"testing"
)

func testTable() map[string]int {
	return map[string]int{
		"EURUSD-OTC": 76,
		"GBPUSD-OTC": 5,
	}
}

func TestResolve_BareString(t *testing.T) {
	r := NewRegistry(testTable())

	a, err := r.Resolve("EURUSD-OTC")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a.ID != 76 {
		t.Errorf("ID = %d, want 76", a.ID)
	}
}

func TestResolve_BareString_Unknown(t *testing.T) {
	r := NewRegistry(testTable())

	_, err := r.Resolve("ZZZ-OTC")
	if !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("err = %v, want ErrUnknownAsset", err)
	}
}

func TestResolve_BareNumeric(t *testing.T) {
	r := NewRegistry(testTable())

	// JSON-decoded numbers arrive as float64.
	a, err := r.Resolve(float64(76))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a.ID != 76 || a.Name != "EURUSD-OTC" {
		t.Errorf("got %+v, want {76 EURUSD-OTC}", a)
	}
}

func TestResolve_StructuredKeys(t *testing.T) {
	r := NewRegistry(testTable())

	cases := []map[string]any{
		{"active": "EURUSD-OTC"},
		{"name": "EURUSD-OTC"},
		{"id": float64(76)},
		{"msg": map[string]any{"name": "EURUSD-OTC"}},
		{"payload": map[string]any{"name": "EURUSD-OTC"}},
		{"payload": "EURUSD-OTC"},
	}

	for _, c := range cases {
		a, err := r.Resolve(c)
		if err != nil {
			t.Errorf("Resolve(%+v) failed: %v", c, err)
			continue
		}
		if a.ID != 76 {
			t.Errorf("Resolve(%+v).ID = %d, want 76", c, a.ID)
		}
	}
}

func TestResolve_StructuredUnrecognized(t *testing.T) {
	r := NewRegistry(testTable())

	_, err := r.Resolve(map[string]any{"unrelated": "field"})
	if !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("err = %v, want ErrUnknownAsset", err)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewRegistry(testTable())

	a1, err1 := r.Resolve("EURUSD-OTC")
	a2, err2 := r.Resolve("EURUSD-OTC")
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if a1 != a2 {
		t.Errorf("resolving the same name twice gave different results: %+v vs %+v", a1, a2)
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry(testTable())

	id, ok := r.Lookup("GBPUSD-OTC")
	if !ok || id != 5 {
		t.Errorf("Lookup(GBPUSD-OTC) = (%d, %v), want (5, true)", id, ok)
	}

	if _, ok := r.Lookup("NOPE"); ok {
		t.Error("Lookup(NOPE) found, want not found")
	}
}
