package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculator_Cost(t *testing.T) {
	calc := NewCalculator(nil)

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"dated gpt-4o", "gpt-4o-2024-08-06", 1000, 1000, 0.0025 + 0.01},
		{"mini beats shorter prefix", "gpt-4o-mini", 2000, 1000, 0.00015*2 + 0.0006},
		{"exact match", "gpt-4.1", 1000, 0, 0.002},
		{"case insensitive", "Claude-3-5-Sonnet-20241022", 1000, 1000, 0.003 + 0.015},
		{"unknown model", "llama-local", 1000, 1000, 0},
		{"zero tokens", "gpt-4o", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calc.Cost(tt.model, tt.input, tt.output), 1e-12)
		})
	}
}

func TestCalculator_Set(t *testing.T) {
	calc := NewCalculator([]Price{})
	assert.Zero(t, calc.Cost("custom", 1000, 1000))

	calc.Set(Price{Model: "custom", InputCostPer1K: 1, OutputCostPer1K: 2})
	assert.InDelta(t, 3.0, calc.Cost("custom", 1000, 1000), 1e-12)
}

func TestCostFuncAdapter(t *testing.T) {
	var fn CostFunc = Default().Cost
	assert.Greater(t, fn("gpt-4o", 100, 100), 0.0)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.toml")
	content := `
[[price]]
model = "my-finetune*"
input_per_1k = 0.5
output_per_1k = 1.0

[[price]]
model = "gpt-4o*"
input_per_1k = 0.1
output_per_1k = 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	calc, err := LoadFile(path)
	require.NoError(t, err)

	assert.InDelta(t, 1.5, calc.Cost("my-finetune-v2", 1000, 1000), 1e-12)
	assert.InDelta(t, 0.2, calc.Cost("gpt-4o", 1000, 1000), 1e-12)
	// builtin entries survive
	assert.Greater(t, calc.Cost("claude-3-opus-20240229", 1000, 0), 0.0)
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[[price]]\ninput_per_1k = 1.0\n"), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "entry without model")
}
