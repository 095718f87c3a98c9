package agentloop

import (
	"strings"

	"github.com/mvidakovic/agentloop/providers"
)

// ModuleType classifies a logical call for adaptive retry adjustment.
type ModuleType string

const (
	ModulePlanning    ModuleType = "planning"
	ModuleNavigation  ModuleType = "navigation"
	ModuleCompression ModuleType = "compression"
	ModuleDefault     ModuleType = "default"
)

// InferModuleType maps a free-text label to a module class by substring.
func InferModuleType(label string) ModuleType {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "plan"):
		return ModulePlanning
	case strings.Contains(l, "nav"), strings.Contains(l, "browser"):
		return ModuleNavigation
	case strings.Contains(l, "compress"), strings.Contains(l, "summary"):
		return ModuleCompression
	default:
		return ModuleDefault
	}
}

// Adjustment is one row of parameter deltas, applied additively to the
// previous attempt's effective values.
type Adjustment struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// RetryPolicy holds the per-module adjustment rows. Rows escalate from a
// small nudge on the first retry to a deterministic configuration on the
// last; attempts past the last row reuse it. The table is read-only and
// safe for concurrent calls.
type RetryPolicy struct {
	Rows map[ModuleType][]Adjustment
}

// DefaultRetryPolicy returns the built-in adjustment tables.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Rows: map[ModuleType][]Adjustment{
		ModulePlanning: {
			{Temperature: -0.1},
			{Temperature: -0.2, TopP: -0.05, TopK: -5, MaxTokens: 256},
			{Temperature: -0.4, TopP: -0.1, TopK: -10, MaxTokens: 512},
			{Temperature: -2, TopP: -0.5, TopK: -100, MaxTokens: 1024},
		},
		ModuleNavigation: {
			{Temperature: -0.05},
			{Temperature: -0.15, TopP: -0.05, MaxTokens: 128},
			{Temperature: -0.3, TopP: -0.1, TopK: -10, MaxTokens: 256},
			{Temperature: -2, TopP: -0.5, TopK: -100, MaxTokens: 512},
		},
		ModuleCompression: {
			{Temperature: -0.1, MaxTokens: 512},
			{Temperature: -0.2, TopP: -0.05, MaxTokens: 1024},
			{Temperature: -2, TopP: -0.5, TopK: -100, MaxTokens: 2048},
		},
		ModuleDefault: {
			{Temperature: -0.1},
			{Temperature: -0.2, TopP: -0.05, MaxTokens: 256},
			{Temperature: -2, TopP: -0.5, TopK: -100, MaxTokens: 512},
		},
	}}
}

// RowFor selects the adjustment row for the given 1-based retry attempt.
func (p RetryPolicy) RowFor(module ModuleType, attempt int) (Adjustment, bool) {
	if attempt <= 0 {
		return Adjustment{}, false
	}
	rows, ok := p.Rows[module]
	if !ok {
		rows = p.Rows[ModuleDefault]
	}
	if len(rows) == 0 {
		return Adjustment{}, false
	}
	if attempt > len(rows) {
		attempt = len(rows)
	}
	return rows[attempt-1], true
}

// Bases used when the caller never set a field; a delta has to apply to
// something.
const (
	baseTemperature = 0.7
	baseTopP        = 1.0
	baseTopK        = 40
)

// Apply returns new sampling params with the row's deltas added to the
// previous effective values, clamped to valid ranges. Temperature stays in
// [0,2], top-p in [0,1], top-k at 1 or above, and max-tokens only ever
// increases.
func (p RetryPolicy) Apply(params providers.SamplingParams, row Adjustment) providers.SamplingParams {
	out := params.Clone()

	if row.Temperature != 0 {
		base := baseTemperature
		if out.Temperature != nil {
			base = *out.Temperature
		}
		out.Temperature = providers.Float64(clampFloat(base+row.Temperature, 0, 2))
	}

	if row.TopP != 0 {
		base := baseTopP
		if out.TopP != nil {
			base = *out.TopP
		}
		out.TopP = providers.Float64(clampFloat(base+row.TopP, 0, 1))
	}

	if row.TopK != 0 {
		base := baseTopK
		if out.TopK != nil {
			base = *out.TopK
		}
		k := base + row.TopK
		if k < 1 {
			k = 1
		}
		out.TopK = providers.Int(k)
	}

	if row.MaxTokens > 0 && out.MaxTokens != nil {
		out.MaxTokens = providers.Int(*out.MaxTokens + row.MaxTokens)
	}

	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
