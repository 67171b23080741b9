package readings

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeMapKeepsScalars(t *testing.T) {
	raw, err := DecodeObject([]byte(`{
		"voltage": 132.5,
		"state": "closed",
		"alarm": false,
		"note": null,
		"meta": {"ignored": true},
		"history": [1, 2, 3]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	snapshot, err := NormalizeMap(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(snapshot) != 4 {
		t.Fatalf("expected 4 parameters, got %d: %v", len(snapshot), snapshot.Keys())
	}
	voltage, ok := snapshot["voltage"].(decimal.Decimal)
	if !ok {
		t.Fatalf("expected decimal voltage, got %T", snapshot["voltage"])
	}
	if !voltage.Equal(decimal.RequireFromString("132.5")) {
		t.Fatalf("unexpected voltage %s", voltage)
	}
	if snapshot["state"] != "closed" {
		t.Fatalf("unexpected state %v", snapshot["state"])
	}
	if snapshot["note"] != nil {
		t.Fatalf("expected nil note, got %v", snapshot["note"])
	}
}

func TestEqualUsesDecimalComparison(t *testing.T) {
	a := Snapshot{"v": decimal.RequireFromString("10.50")}
	b := Snapshot{"v": decimal.RequireFromString("10.5")}
	if !Equal(a, b) {
		t.Fatalf("expected 10.50 == 10.5")
	}

	c := Snapshot{"v": decimal.RequireFromString("10.6")}
	if Equal(a, c) {
		t.Fatalf("expected 10.5 != 10.6")
	}

	d := Snapshot{"v": decimal.RequireFromString("10.5"), "w": "on"}
	if Equal(a, d) {
		t.Fatalf("expected key-set mismatch to differ")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Snapshot{"v": "open"}
	clone := orig.Clone()
	clone["v"] = "closed"
	if orig["v"] != "open" {
		t.Fatalf("clone mutated original")
	}
}
