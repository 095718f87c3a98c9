// Package toolexec runs the tool calls of one turn with bounded concurrency
// while preserving call order in the results.
package toolexec

import (
	"context"

	"github.com/mvidakovic/agentloop/providers"
)

// Handler executes one tool call. Failures are reported as error-flagged
// results, never as panics or dropped calls.
type Handler func(ctx context.Context, call providers.ToolCallPart) providers.ToolResultPart

// Config controls concurrency.
type Config struct {
	// MaxConcurrent bounds simultaneous tool executions. Values below 1
	// mean sequential execution.
	MaxConcurrent int
}

// DefaultConfig runs tools sequentially.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 1}
}

// Run executes every call and returns results in call order, not completion
// order, regardless of concurrency.
func Run(ctx context.Context, cfg Config, calls []providers.ToolCallPart, handler Handler) []providers.ToolResultPart {
	if len(calls) == 0 {
		return nil
	}

	if cfg.MaxConcurrent <= 1 {
		results := make([]providers.ToolResultPart, 0, len(calls))
		for _, call := range calls {
			results = append(results, handler(ctx, call))
		}
		return results
	}

	type outcome struct {
		index  int
		result providers.ToolResultPart
	}

	resultChan := make(chan outcome, len(calls))
	sem := make(chan struct{}, cfg.MaxConcurrent)

	for i, call := range calls {
		sem <- struct{}{}
		go func(idx int, tc providers.ToolCallPart) {
			defer func() { <-sem }()
			resultChan <- outcome{index: idx, result: handler(ctx, tc)}
		}(i, call)
	}

	results := make([]providers.ToolResultPart, len(calls))
	for range calls {
		out := <-resultChan
		results[out.index] = out.result
	}
	return results
}

// Executor adapts Run into the loop's tool-executor shape.
func Executor(cfg Config, handler Handler) func(ctx context.Context, calls []providers.ToolCallPart) ([]providers.ToolResultPart, error) {
	return func(ctx context.Context, calls []providers.ToolCallPart) ([]providers.ToolResultPart, error) {
		return Run(ctx, cfg, calls, handler), nil
	}
}
