package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mvidakovic/agentloop/providers"
)

// DefaultMaxIterations stops runaway loops on malformed tool usage.
const DefaultMaxIterations = 15

// ToolExecutor executes the tool calls of one assistant turn. It must return
// results in call order, not completion order, even when it runs the calls
// concurrently. Tool failures belong in error-flagged ToolResultParts, not
// in the error return.
type ToolExecutor func(ctx context.Context, calls []providers.ToolCallPart) ([]providers.ToolResultPart, error)

// ContinueFunc decides after each iteration whether the loop keeps going.
// iteration is 0-based; last is the turn just produced.
type ContinueFunc func(iteration int, last *Result) bool

// LoopConfig configures the generate/act/observe loop.
type LoopConfig struct {
	Dispatcher *Dispatcher
	Execute    ToolExecutor

	// Sink receives translated stream events; optional.
	Sink EventSink

	// Continue overrides the default policy: stop after MaxIterations,
	// otherwise continue iff the last turn contained a tool call.
	Continue ContinueFunc

	MaxIterations int
	Logger        *slog.Logger
}

// Loop alternates model generation and tool execution until the model stops
// asking for tools or the caller's predicate says stop.
type Loop struct {
	dispatcher     *Dispatcher
	execute        ToolExecutor
	sink           EventSink
	shouldContinue ContinueFunc
	maxIterations  int
	logger         *slog.Logger
}

// NewLoop validates the configuration and builds a loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("agentloop: loop requires a dispatcher")
	}
	if cfg.Execute == nil {
		return nil, errors.New("agentloop: loop requires a tool executor")
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		dispatcher:    cfg.Dispatcher,
		execute:       cfg.Execute,
		sink:          cfg.Sink,
		maxIterations: maxIterations,
		logger:        logger,
	}
	l.shouldContinue = cfg.Continue
	if l.shouldContinue == nil {
		l.shouldContinue = l.defaultContinue
	}
	return l, nil
}

func (l *Loop) defaultContinue(iteration int, last *Result) bool {
	if iteration+1 >= l.maxIterations {
		return false
	}
	return len(last.ToolCalls()) > 0
}

// Run drives the loop. The request's message history grows in place: one
// assistant message per iteration, followed by one role:tool message with
// the results in call order. The returned result is the final assistant
// turn with usage accumulated across all iterations.
func (l *Loop) Run(ctx context.Context, req *providers.Request) (*Result, error) {
	var totalUsage providers.Usage

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l.logger.Debug("loop iteration", "iteration", iteration, "max", l.maxIterations)

		result, err := l.dispatcher.Stream(ctx, *req, l.sink)
		if err != nil {
			return nil, err
		}
		totalUsage = totalUsage.Add(result.Usage)

		if len(result.Parts) > 0 {
			req.Messages = append(req.Messages, result.AssistantMessage())
		}

		if !l.shouldContinue(iteration, result) {
			final := *result
			final.Usage = totalUsage
			l.logger.Info("loop completed", "iterations", iteration+1, "finish_reason", final.FinishReason)
			return &final, nil
		}

		calls := result.ToolCalls()
		if len(calls) == 0 {
			continue
		}

		results, err := l.execute(ctx, calls)
		if err != nil {
			return nil, fmt.Errorf("agentloop: tool execution: %w", err)
		}
		req.Messages = append(req.Messages, providers.ToolResultMessage(results))

		l.logger.Debug("tools executed", "count", len(results))
	}

	return nil, fmt.Errorf("agentloop: no completion within %d iterations", l.maxIterations)
}
