package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mvidakovic/agentloop/providers"
)

// ModelCost is per-million-token pricing in USD.
type ModelCost struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Cost is the estimated price of one or more calls. Providers report tokens,
// not money, so every value here is an estimate from the pricing table.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Add accumulates costs across calls.
func (c Cost) Add(other Cost) Cost {
	c.Input += other.Input
	c.Output += other.Output
	c.Total += other.Total
	return c
}

// Pricing maps model identifiers to their token prices. Registered entries
// win over loaded ones, loaded ones over the built-in fallback table.
type Pricing struct {
	mu         sync.RWMutex
	registered map[string]ModelCost
	loaded     map[string]ModelCost
	fallback   map[string]ModelCost
}

// Fallback prices, last reviewed August 2026. LoadRemote supersedes them.
var fallbackModelCosts = map[string]ModelCost{
	"gpt-4o":            {InputPer1M: 5.00, OutputPer1M: 15.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"claude-sonnet-4-0": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-haiku-3-5":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"deepseek-chat":     {InputPer1M: 0.27, OutputPer1M: 1.10},
	"deepseek-reasoner": {InputPer1M: 0.55, OutputPer1M: 2.19},
	"qwen3-coder-plus":  {InputPer1M: 1.00, OutputPer1M: 5.00},
}

// NewPricing returns a pricing table seeded with the built-in fallbacks.
func NewPricing() *Pricing {
	return &Pricing{
		registered: make(map[string]ModelCost),
		loaded:     make(map[string]ModelCost),
		fallback:   fallbackModelCosts,
	}
}

// Register sets a custom price for a model, overriding all other sources.
func (p *Pricing) Register(model string, cost ModelCost) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered[model] = cost
}

// Lookup returns the price for a model and whether one is known.
func (p *Pricing) Lookup(model string) (ModelCost, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.registered[model]; ok {
		return c, true
	}
	if c, ok := p.loaded[model]; ok {
		return c, true
	}
	c, ok := p.fallback[model]
	return c, ok
}

// Estimate prices the given usage. The second return is false when the model
// has no known pricing.
func (p *Pricing) Estimate(model string, usage providers.Usage) (Cost, bool) {
	mc, ok := p.Lookup(model)
	if !ok {
		return Cost{}, false
	}
	in := float64(usage.InputTokens) * mc.InputPer1M / 1e6
	out := float64(usage.OutputTokens) * mc.OutputPer1M / 1e6
	return Cost{Input: in, Output: out, Total: in + out}, true
}

// LoadRemote fetches a pricing catalog, a JSON object keyed by model name
// with per-million "input" and "output" prices. Unparsable entries are
// skipped; a transport failure leaves the current table untouched.
func (p *Pricing) LoadRemote(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("agentloop: pricing request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentloop: fetch pricing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentloop: pricing endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("agentloop: read pricing: %w", err)
	}

	loaded, err := parsePricingCatalog(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for model, cost := range loaded {
		p.loaded[model] = cost
	}
	p.mu.Unlock()
	return nil
}

func parsePricingCatalog(data []byte) (map[string]ModelCost, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("agentloop: parse pricing catalog: %w", err)
	}

	out := make(map[string]ModelCost, len(raw))
	for model, entry := range raw {
		var prices struct {
			Input  float64 `json:"input"`
			Output float64 `json:"output"`
		}
		if err := json.Unmarshal(entry, &prices); err != nil {
			continue
		}
		if prices.Input > 0 || prices.Output > 0 {
			out[model] = ModelCost{InputPer1M: prices.Input, OutputPer1M: prices.Output}
		}
	}
	return out, nil
}

// CostTracker is an Observer that accumulates estimated spend per model.
// Attempts that failed carry no usage and are ignored.
type CostTracker struct {
	NoopObserver
	pricing *Pricing

	mu      sync.Mutex
	total   Cost
	byModel map[string]Cost
	unknown map[string]int
}

// NewCostTracker builds a tracker over the given pricing table; nil uses the
// built-in one.
func NewCostTracker(pricing *Pricing) *CostTracker {
	if pricing == nil {
		pricing = NewPricing()
	}
	return &CostTracker{
		pricing: pricing,
		byModel: make(map[string]Cost),
		unknown: make(map[string]int),
	}
}

// OnResponseFinished prices the attempt's usage.
func (t *CostTracker) OnResponseFinished(_ context.Context, call CallInfo, result *Result, err error) {
	if err != nil || result == nil {
		return
	}
	cost, ok := t.pricing.Estimate(call.Model, result.Usage)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.unknown[call.Model]++
		return
	}
	t.total = t.total.Add(cost)
	t.byModel[call.Model] = t.byModel[call.Model].Add(cost)
}

// Total returns the accumulated estimated spend.
func (t *CostTracker) Total() Cost {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByModel returns a copy of the per-model breakdown.
func (t *CostTracker) ByModel() map[string]Cost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Cost, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// UnknownModels returns how many priced-less calls were seen per model, so
// operators notice gaps in the pricing table.
func (t *CostTracker) UnknownModels() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.unknown))
	for k, v := range t.unknown {
		out[k] = v
	}
	return out
}
