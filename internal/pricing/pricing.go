// Package pricing resolves metered usage into a cost. The table is consumed
// by the ledger as a pure function; it performs no I/O after loading.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownModel is returned when a model has no rate and no default rate
// is configured.
var ErrUnknownModel = errors.New("pricing: unknown model")

// Rate holds USD prices per 1K tokens for one model.
type Rate struct {
	Model       string  `yaml:"model"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// File is the on-disk pricing document.
type File struct {
	Default *Rate  `yaml:"default,omitempty"`
	Models  []Rate `yaml:"models"`
}

// CostFunc computes the cost of a metered call in cents.
type CostFunc func(model string, inputTokens, outputTokens int64) (int64, error)

// Table is a loaded pricing table with simple lookups.
type Table struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback *Rate
}

// Load reads a YAML pricing table from path.
func Load(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	return NewTable(f), nil
}

// NewTable builds a table from an already-parsed document.
func NewTable(f File) *Table {
	t := &Table{rates: make(map[string]Rate, len(f.Models)), fallback: f.Default}
	for _, r := range f.Models {
		t.rates[normalize(r.Model)] = r
	}
	return t
}

// Cost returns the charge in cents for the given token counts. Unknown
// models fall back to the default rate when one is configured.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) (int64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("pricing: negative token count for model %q", model)
	}
	t.mu.RLock()
	rate, ok := t.rates[normalize(model)]
	fallback := t.fallback
	t.mu.RUnlock()
	if !ok {
		if fallback == nil {
			return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
		}
		rate = *fallback
	}
	usd := float64(inputTokens)/1000*rate.InputPer1K + float64(outputTokens)/1000*rate.OutputPer1K
	return int64(math.Round(usd * 100)), nil
}

// Rates returns a copy of the known per-model rates.
func (t *Table) Rates() []Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Rate, 0, len(t.rates))
	for _, r := range t.rates {
		out = append(out, r)
	}
	return out
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
