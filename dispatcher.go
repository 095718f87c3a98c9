package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mvidakovic/agentloop/providers"
)

// Dispatcher errors.
var (
	ErrFirstChunkTimeout = errors.New("agentloop: timed out waiting for first chunk")
	ErrChunkTimeout      = errors.New("agentloop: timed out waiting for next chunk")
)

// RetryDecider recognizes a "call me again" finish. It is consulted once per
// finish; returning true triggers a retry against the same provider with
// adjusted sampling parameters. The policy is domain-specific, so it is a
// configuration input rather than hard-coded here.
type RetryDecider func(reason providers.FinishReason, result *Result) bool

// DefaultRetryDecider retries length-truncated responses only.
func DefaultRetryDecider(reason providers.FinishReason, _ *Result) bool {
	return reason == providers.FinishReasonLength
}

// DispatcherConfig configures provider failover and retry behavior.
type DispatcherConfig struct {
	Registry *Registry

	// Priority lists entry names in attempt order. Defaults to the registry
	// order. The "default" entry is appended when omitted.
	Priority []string

	// Passes is how many consecutive attempts each provider gets before the
	// dispatcher advances to the next one. Defaults to 2.
	Passes int

	// FirstChunkTimeout bounds the wait for the first stream chunk;
	// ChunkTimeout bounds every subsequent read.
	FirstChunkTimeout time.Duration
	ChunkTimeout      time.Duration

	// RetryCeiling caps model-requested retries of one logical call.
	RetryCeiling int
	RetryDecider RetryDecider
	Policy       *RetryPolicy

	Observer Observer
	Logger   *slog.Logger
}

const (
	defaultPasses            = 2
	defaultFirstChunkTimeout = 30 * time.Second
	defaultChunkTimeout      = 10 * time.Second
	defaultRetryCeiling      = 3
	retryBackoffUnit         = 200 * time.Millisecond
)

// Dispatcher owns the provider priority list and runs one logical call
// across it: failover across providers, first-chunk and per-chunk timeouts,
// and model-requested retries with adaptive parameter adjustment. It is
// safe for concurrent use; all per-call state lives on the stack.
type Dispatcher struct {
	registry     *Registry
	priority     []string
	passes       int
	firstTimeout time.Duration
	chunkTimeout time.Duration
	retryCeiling int
	decider      RetryDecider
	policy       RetryPolicy
	observer     Observer
	logger       *slog.Logger
}

// NewDispatcher validates the configuration and builds a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("agentloop: dispatcher requires a registry")
	}

	priority := cfg.Priority
	if len(priority) == 0 {
		priority = cfg.Registry.Names()
	}
	hasDefault := false
	for _, name := range priority {
		if name == DefaultEntryName {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		priority = append(append([]string(nil), priority...), DefaultEntryName)
	}

	passes := cfg.Passes
	if passes <= 0 {
		passes = defaultPasses
	}

	firstTimeout := cfg.FirstChunkTimeout
	if firstTimeout <= 0 {
		firstTimeout = defaultFirstChunkTimeout
	}
	chunkTimeout := cfg.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = defaultChunkTimeout
	}

	ceiling := cfg.RetryCeiling
	if ceiling <= 0 {
		ceiling = defaultRetryCeiling
	}

	decider := cfg.RetryDecider
	if decider == nil {
		decider = DefaultRetryDecider
	}

	policy := DefaultRetryPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		registry:     cfg.Registry,
		priority:     priority,
		passes:       passes,
		firstTimeout: firstTimeout,
		chunkTimeout: chunkTimeout,
		retryCeiling: ceiling,
		decider:      decider,
		policy:       policy,
		observer:     observer,
		logger:       logger,
	}, nil
}

// attemptOrder gives each provider its pass count of consecutive slots, so a
// transient failure gets retried on the same provider before the dispatcher
// moves down the priority list.
func (d *Dispatcher) attemptOrder() []string {
	order := make([]string, 0, len(d.priority)*d.passes)
	for _, name := range d.priority {
		for i := 0; i < d.passes; i++ {
			order = append(order, name)
		}
	}
	return order
}

// prepareRequest fills the entry's model, merges its sampling defaults into
// unset fields, and runs its interceptor.
func prepareRequest(ctx context.Context, req providers.Request, entry *Entry) (providers.Request, error) {
	out := req
	out.Model = entry.Model
	out.Sampling = req.Sampling.Merge(entry.Defaults)
	if entry.Intercept != nil {
		if err := entry.Intercept(ctx, &out); err != nil {
			return out, fmt.Errorf("agentloop: interceptor for %q: %w", entry.Name, err)
		}
	}
	return out, nil
}

// canceled reports whether the failure is a caller cancellation, which is
// terminal and never failed-over.
func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func exhausted(attempts int, lastErr error) error {
	if lastErr == nil {
		lastErr = errors.New("no provider attempted")
	}
	return fmt.Errorf("agentloop: all providers failed after %d attempts: %w", attempts, lastErr)
}

// Generate runs one non-streaming logical call. Providers are tried in
// order; the first success wins and no further providers are attempted.
func (d *Dispatcher) Generate(ctx context.Context, req providers.Request) (*Result, error) {
	streamID := newStreamID()
	order := d.attemptOrder()

	var lastErr error
	attempts := 0
	for i, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts = i + 1

		provider, entry, err := d.registry.Resolve(ctx, name)
		if err != nil {
			d.logger.Warn("provider unavailable", "provider", name, "error", err)
			lastErr = err
			continue
		}

		attemptReq, err := prepareRequest(ctx, req, entry)
		if err != nil {
			lastErr = err
			continue
		}

		info := CallInfo{StreamID: streamID, Provider: entry.Name, Model: attemptReq.Model, Attempt: attempts}
		d.observer.OnRequestStart(ctx, info)

		resp, err := provider.Complete(ctx, attemptReq)
		if err != nil {
			d.observer.OnResponseFinished(ctx, info, nil, err)
			if canceled(ctx, err) {
				return nil, err
			}
			d.logger.Warn("completion failed", "provider", entry.Name, "error", err)
			lastErr = err
			continue
		}

		result := &Result{
			Provider:     entry.Name,
			Model:        attemptReq.Model,
			Parts:        resp.Parts,
			Text:         firstText(resp.Parts),
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage.Normalized(),
		}
		d.observer.OnResponseStart(ctx, info)
		d.observer.OnResponseFinished(ctx, info, result, nil)
		return result, nil
	}

	return nil, exhausted(attempts, lastErr)
}

// Stream runs one streaming logical call: provider failover, translated
// events pushed to sink, and model-requested retries with adjusted sampling
// parameters, bounded by the retry ceiling. Fallback and retry are invisible
// to the caller on success; exhaustion surfaces the last underlying cause.
//
// The sink contract allows at most one finish event per call, so each
// attempt's events are held back until the retry decision is known and only
// the attempt that becomes the final result is replayed to the sink. A
// retried attempt's truncated output is never delivered.
func (d *Dispatcher) Stream(ctx context.Context, req providers.Request, sink EventSink) (*Result, error) {
	module := InferModuleType(req.Label)
	current := req
	current.Sampling = req.Sampling.Clone()

	// Bounded loop instead of recursion: pathological finish-reason loops
	// must not grow the stack.
	for attempt := 0; ; attempt++ {
		var buffered []StreamEvent
		var capture EventSink
		if sink != nil {
			capture = func(e StreamEvent) { buffered = append(buffered, e) }
		}

		result, err := d.streamOnce(ctx, current, capture)
		if err != nil {
			return nil, err
		}

		if attempt >= d.retryCeiling || !d.decider(result.FinishReason, result) {
			for _, e := range buffered {
				sink(e)
			}
			return result, nil
		}

		retry := attempt + 1
		if row, ok := d.policy.RowFor(module, retry); ok {
			current.Sampling = d.policy.Apply(current.Sampling, row)
		}

		delay := retryBackoffUnit * time.Duration(retry*retry)
		d.logger.Info("model requested retry", "attempt", retry, "delay", delay, "module", module)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// streamOnce tries each provider in the doubled order until one stream
// completes.
func (d *Dispatcher) streamOnce(ctx context.Context, req providers.Request, sink EventSink) (*Result, error) {
	streamID := newStreamID()
	order := d.attemptOrder()

	var lastErr error
	attempts := 0
	for i, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts = i + 1

		provider, entry, err := d.registry.Resolve(ctx, name)
		if err != nil {
			d.logger.Warn("provider unavailable", "provider", name, "error", err)
			lastErr = err
			continue
		}

		attemptReq, err := prepareRequest(ctx, req, entry)
		if err != nil {
			lastErr = err
			continue
		}

		info := CallInfo{StreamID: streamID, Provider: entry.Name, Model: attemptReq.Model, Attempt: attempts}
		d.observer.OnRequestStart(ctx, info)

		result, err := d.streamAttempt(ctx, provider, attemptReq, sink, info)
		if err != nil {
			d.observer.OnResponseFinished(ctx, info, nil, err)
			if canceled(ctx, err) {
				return nil, err
			}
			d.logger.Warn("stream attempt failed", "provider", entry.Name, "error", err)
			lastErr = err
			continue
		}

		result.Provider = entry.Name
		result.Model = attemptReq.Model
		d.observer.OnResponseFinished(ctx, info, result, nil)
		return result, nil
	}

	return nil, exhausted(attempts, lastErr)
}

// streamAttempt opens one provider stream, validates it is alive within the
// first-chunk timeout, then drains it through the translator with the
// per-chunk timeout applied to every read.
func (d *Dispatcher) streamAttempt(ctx context.Context, provider providers.Provider, req providers.Request, sink EventSink, info CallInfo) (*Result, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw, err := provider.Stream(attemptCtx, req)
	if err != nil {
		return nil, err
	}

	reader := newTimedReader(raw, cancel)
	defer reader.Close()

	first, err := reader.next(d.firstTimeout)
	if err != nil {
		if errors.Is(err, ErrChunkTimeout) {
			return nil, ErrFirstChunkTimeout
		}
		return nil, err
	}
	if first.Type == providers.ChunkError {
		return nil, fmt.Errorf("%w: %s", ErrStream, first.Err)
	}

	d.observer.OnResponseStart(ctx, info)

	tr := newTranslator(sink)
	if err := tr.translate(first); err != nil {
		return nil, err
	}
	for !tr.finishSeen {
		chunk, err := reader.next(d.chunkTimeout)
		if err != nil {
			if errors.Is(err, errStreamDrained) {
				tr.finish("", nil)
				break
			}
			return nil, err
		}
		if err := tr.translate(chunk); err != nil {
			return nil, err
		}
	}
	return tr.result(), nil
}

var errStreamDrained = errors.New("agentloop: stream drained")

type readOutcome struct {
	chunk *providers.StreamChunk
	err   error
}

// timedReader pulls from the raw stream on a pump goroutine so every read
// can race a timer. A fired timer cancels the underlying transport, which is
// indistinguishable from a transport failure to the dispatcher.
type timedReader struct {
	raw    providers.ChunkReader
	cancel context.CancelFunc
	ch     chan readOutcome
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newTimedReader(raw providers.ChunkReader, cancel context.CancelFunc) *timedReader {
	r := &timedReader{
		raw:    raw,
		cancel: cancel,
		ch:     make(chan readOutcome, 1),
		done:   make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *timedReader) pump() {
	for {
		chunk, err := r.raw.Next()
		select {
		case r.ch <- readOutcome{chunk: chunk, err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *timedReader) next(timeout time.Duration) (*providers.StreamChunk, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-r.ch:
		if out.err != nil {
			if errors.Is(out.err, io.EOF) {
				return nil, errStreamDrained
			}
			return nil, out.err
		}
		return out.chunk, nil
	case <-timer.C:
		r.Close()
		return nil, ErrChunkTimeout
	}
}

func (r *timedReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.cancel()
	return r.raw.Close()
}
