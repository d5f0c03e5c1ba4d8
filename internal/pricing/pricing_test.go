package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAndCost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	doc := `
default:
  model: default
  input_per_1k: 0.25
  output_per_1k: 0.75
models:
  - model: swift-small
    input_per_1k: 0.10
    output_per_1k: 0.30
  - model: Swift-Large
    input_per_1k: 1.00
    output_per_1k: 3.00
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		model    string
		in, out  int64
		expected int64
	}{
		// 1000 in * $0.10/1k + 1000 out * $0.30/1k = $0.40
		{"swift-small", 1000, 1000, 40},
		// model lookup is case-insensitive
		{"swift-large", 500, 100, 80},
		// unknown model uses default rate
		{"mystery", 2000, 0, 50},
		{"swift-small", 0, 0, 0},
	}
	for _, tc := range cases {
		got, err := table.Cost(tc.model, tc.in, tc.out)
		if err != nil {
			t.Fatalf("Cost(%s): %v", tc.model, err)
		}
		if got != tc.expected {
			t.Fatalf("Cost(%s, %d, %d) = %d cents, want %d", tc.model, tc.in, tc.out, got, tc.expected)
		}
	}
}

func TestUnknownModelWithoutDefault(t *testing.T) {
	table := NewTable(File{Models: []Rate{{Model: "known", InputPer1K: 1, OutputPer1K: 1}}})
	if _, err := table.Cost("unknown", 10, 10); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestNegativeTokensRejected(t *testing.T) {
	table := NewTable(File{Default: &Rate{InputPer1K: 1, OutputPer1K: 1}})
	if _, err := table.Cost("m", -1, 0); err == nil {
		t.Fatalf("expected error for negative tokens")
	}
}

func TestRoundingToNearestCent(t *testing.T) {
	table := NewTable(File{Models: []Rate{{Model: "m", InputPer1K: 0.015, OutputPer1K: 0}}})
	// 500 tokens * $0.015/1k = $0.0075 -> 1 cent
	got, err := table.Cost("m", 500, 0)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected 1 cent, got %d", got)
	}
}
