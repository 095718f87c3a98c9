package agentloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mvidakovic/agentloop/providers"
	"github.com/mvidakovic/agentloop/providers/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textStream(text string) []providers.StreamChunk {
	return []providers.StreamChunk{
		{Type: providers.ChunkTextDelta, Delta: text},
		{Type: providers.ChunkFinish, FinishReason: providers.FinishReasonStop, Usage: &providers.Usage{InputTokens: 3, OutputTokens: 2}},
	}
}

func finishStream(reason providers.FinishReason) []providers.StreamChunk {
	return []providers.StreamChunk{
		{Type: providers.ChunkTextDelta, Delta: "partial"},
		{Type: providers.ChunkFinish, FinishReason: reason},
	}
}

func mockEntry(name string, client providers.Provider) Entry {
	return Entry{Name: name, Model: "test-model", Client: client}
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, entries ...Entry) *Dispatcher {
	t.Helper()
	registry, err := NewRegistry(discardLogger(), entries...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg.Registry = registry
	cfg.Logger = discardLogger()
	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func TestDispatcherStreamFallsBackInPriorityOrder(t *testing.T) {
	fast := mock.New("fast").WithFailure(errors.New("connection refused"))
	accurate := mock.New("accurate").WithFailure(errors.New("503"))
	fallback := mock.New("fallback").WithStream(textStream("served by fallback"))

	d := newTestDispatcher(t, DispatcherConfig{
		Priority: []string{"fast", "accurate", "default"},
		Passes:   1,
	},
		mockEntry("fast", fast),
		mockEntry("accurate", accurate),
		mockEntry("default", fallback),
	)

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Provider != "default" {
		t.Errorf("expected fallback to serve, got %q", result.Provider)
	}
	if result.Text != "served by fallback" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if fast.CallCount() != 1 || accurate.CallCount() != 1 || fallback.CallCount() != 1 {
		t.Errorf("call counts = %d/%d/%d, want 1/1/1",
			fast.CallCount(), accurate.CallCount(), fallback.CallCount())
	}
}

func TestDispatcherStreamFirstSuccessStopsFallback(t *testing.T) {
	fast := mock.New("fast").WithStream(textStream("fast wins"))
	accurate := mock.New("accurate")

	d := newTestDispatcher(t, DispatcherConfig{Priority: []string{"fast", "accurate"}},
		mockEntry("fast", fast),
		mockEntry("accurate", accurate),
	)

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Provider != "fast" {
		t.Errorf("expected fast to win, got %q", result.Provider)
	}
	if accurate.CallCount() != 0 {
		t.Errorf("later providers must not be touched after a success, got %d calls", accurate.CallCount())
	}
}

func TestDispatcherRetriesProviderBeforeAdvancing(t *testing.T) {
	// Neither entry is named "default"; it is appended automatically. The
	// flaky first provider gets both its slots before the next one is tried.
	fast := mock.New("fast").
		WithFailure(errors.New("timeout")).
		WithFailure(errors.New("timeout"))
	accurate := mock.New("accurate").WithStream(textStream("steady"))

	d := newTestDispatcher(t, DispatcherConfig{Priority: []string{"fast", "accurate"}},
		mockEntry("fast", fast),
		mockEntry("accurate", accurate),
	)

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Provider != "accurate" {
		t.Errorf("providerUsed = %q, want accurate", result.Provider)
	}
	if fast.CallCount() != 2 || accurate.CallCount() != 1 {
		t.Errorf("call counts = %d/%d, want fast twice then accurate once",
			fast.CallCount(), accurate.CallCount())
	}
}

func TestDispatcherAttemptsBoundedByPasses(t *testing.T) {
	// One entry plus its auto-cloned "default" share the same client, so
	// two passes over the doubled list mean exactly four attempts.
	flaky := mock.New("flaky").
		WithFailure(errors.New("down")).
		WithFailure(errors.New("down")).
		WithFailure(errors.New("down")).
		WithFailure(errors.New("down"))

	d := newTestDispatcher(t, DispatcherConfig{Passes: 2}, mockEntry("flaky", flaky))

	_, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "4 attempts") {
		t.Errorf("expected 4 attempts in error, got %v", err)
	}
	if flaky.CallCount() != 4 {
		t.Errorf("expected 4 attempts, got %d", flaky.CallCount())
	}
}

func TestDispatcherCancellationIsTerminal(t *testing.T) {
	fast := mock.New("fast").WithFailure(context.Canceled)
	accurate := mock.New("accurate").WithStream(textStream("never reached"))

	d := newTestDispatcher(t, DispatcherConfig{Priority: []string{"fast", "accurate"}},
		mockEntry("fast", fast),
		mockEntry("accurate", accurate),
	)

	_, err := d.Stream(context.Background(), providers.Request{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if accurate.CallCount() != 0 {
		t.Error("cancellation must never fail over to the next provider")
	}
}

func TestDispatcherFirstChunkTimeoutAdvancesProvider(t *testing.T) {
	slow := mock.New("slow").WithHang()
	backup := mock.New("backup").WithStream(textStream("rescued"))

	d := newTestDispatcher(t, DispatcherConfig{
		Priority:          []string{"slow", "backup"},
		FirstChunkTimeout: 30 * time.Millisecond,
	},
		mockEntry("slow", slow),
		mockEntry("backup", backup),
	)

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Provider != "backup" {
		t.Errorf("expected backup after hang, got %q", result.Provider)
	}
}

func TestDispatcherErrorFirstChunkAdvancesProvider(t *testing.T) {
	broken := mock.New("broken").WithStream([]providers.StreamChunk{
		{Type: providers.ChunkError, Err: "quota exceeded"},
	})
	backup := mock.New("backup").WithStream(textStream("ok"))

	d := newTestDispatcher(t, DispatcherConfig{Priority: []string{"broken", "backup"}},
		mockEntry("broken", broken),
		mockEntry("backup", backup),
	)

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Provider != "backup" {
		t.Errorf("expected backup after error chunk, got %q", result.Provider)
	}
}

func TestDispatcherMergesEntryDefaultsIntoUnsetFields(t *testing.T) {
	var seen []providers.SamplingParams
	var mu sync.Mutex

	client := mock.New("m").WithStream(textStream("a")).WithStream(textStream("b"))
	entry := mockEntry("main", client)
	entry.Defaults = providers.SamplingParams{Temperature: providers.Float64(0.5), MaxTokens: providers.Int(1000)}
	entry.Intercept = func(ctx context.Context, req *providers.Request) error {
		mu.Lock()
		seen = append(seen, req.Sampling)
		mu.Unlock()
		return nil
	}

	d := newTestDispatcher(t, DispatcherConfig{}, entry)

	// Caller leaves temperature unset: the entry default applies.
	if _, err := d.Stream(context.Background(), providers.Request{}, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	// Caller sets it explicitly: the default must not override.
	req := providers.Request{Sampling: providers.SamplingParams{Temperature: providers.Float64(0.9)}}
	if _, err := d.Stream(context.Background(), req, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 intercepted requests, got %d", len(seen))
	}
	if seen[0].Temperature == nil || *seen[0].Temperature != 0.5 {
		t.Errorf("unset field should take entry default 0.5, got %v", seen[0].Temperature)
	}
	if seen[0].MaxTokens == nil || *seen[0].MaxTokens != 1000 {
		t.Errorf("unset max tokens should take entry default, got %v", seen[0].MaxTokens)
	}
	if seen[1].Temperature == nil || *seen[1].Temperature != 0.9 {
		t.Errorf("explicit value must survive merging, got %v", seen[1].Temperature)
	}
}

func TestDispatcherModelRequestedRetryAdjustsParams(t *testing.T) {
	var temps []float64
	var mu sync.Mutex

	client := mock.New("m").
		WithStream(finishStream(providers.FinishReasonLength)).
		WithStream(textStream("complete"))
	entry := mockEntry("main", client)
	entry.Intercept = func(ctx context.Context, req *providers.Request) error {
		mu.Lock()
		defer mu.Unlock()
		if req.Sampling.Temperature != nil {
			temps = append(temps, *req.Sampling.Temperature)
		} else {
			temps = append(temps, -1)
		}
		return nil
	}

	d := newTestDispatcher(t, DispatcherConfig{}, entry)

	result, err := d.Stream(context.Background(), providers.Request{Label: "worker"}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Text != "complete" {
		t.Errorf("expected retried result, got %q", result.Text)
	}
	if client.CallCount() != 2 {
		t.Fatalf("expected 2 stream attempts, got %d", client.CallCount())
	}
	if len(temps) != 2 {
		t.Fatalf("expected 2 intercepted attempts, got %d", len(temps))
	}
	if temps[0] != -1 {
		t.Errorf("first attempt should carry no temperature, got %v", temps[0])
	}
	// Default-module first retry lowers temperature from the 0.7 base.
	if diff := temps[1] - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("retry temperature = %v, want 0.6", temps[1])
	}
}

func TestDispatcherRetryDeliversOnlyFinalAttemptEvents(t *testing.T) {
	// The first attempt truncates on length and is retried. Its events,
	// including its finish, must never reach the sink; the caller sees one
	// finish per logical call and only the final attempt's output.
	client := mock.New("m").
		WithStream(finishStream(providers.FinishReasonLength)).
		WithStream(textStream("complete"))

	d := newTestDispatcher(t, DispatcherConfig{}, mockEntry("main", client))

	var events []StreamEvent
	result, err := d.Stream(context.Background(), providers.Request{}, func(e StreamEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Text != "complete" {
		t.Errorf("expected retried result, got %q", result.Text)
	}
	if client.CallCount() != 2 {
		t.Fatalf("expected 2 stream attempts, got %d", client.CallCount())
	}

	finishes := 0
	for _, e := range events {
		switch e.Type {
		case EventTypeFinish:
			finishes++
			if e.FinishReason != providers.FinishReasonStop {
				t.Errorf("finish reason = %s, want stop", e.FinishReason)
			}
		case EventTypeText:
			if e.Delta == "partial" {
				t.Error("truncated attempt's delta must not reach the sink")
			}
		}
	}
	if finishes != 1 {
		t.Errorf("sink saw %d finish events for one logical call, want exactly 1", finishes)
	}
	if len(events) == 0 || events[len(events)-1].Type != EventTypeFinish {
		t.Error("finish must be the last event delivered")
	}
}

func TestDispatcherRetryCeilingStopsLengthLoop(t *testing.T) {
	client := mock.New("m")
	// Every attempt finishes with length: one initial call plus the ceiling.
	for i := 0; i < 3; i++ {
		client.WithStream(finishStream(providers.FinishReasonLength))
	}

	d := newTestDispatcher(t, DispatcherConfig{RetryCeiling: 2}, mockEntry("main", client))

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.FinishReason != providers.FinishReasonLength {
		t.Errorf("expected length surfaced after ceiling, got %s", result.FinishReason)
	}
	if client.CallCount() != 3 {
		t.Errorf("expected 1 + 2 retries = 3 attempts, got %d", client.CallCount())
	}
}

func TestDispatcherCustomRetryDecider(t *testing.T) {
	client := mock.New("m").
		WithStream(textStream("first")).
		WithStream(textStream("second"))

	calls := 0
	d := newTestDispatcher(t, DispatcherConfig{
		RetryDecider: func(reason providers.FinishReason, result *Result) bool {
			calls++
			return calls == 1 // retry once regardless of reason
		},
	}, mockEntry("main", client))

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Text != "second" {
		t.Errorf("expected second attempt's result, got %q", result.Text)
	}
}

func TestDispatcherGenerateFallsBack(t *testing.T) {
	fast := mock.New("fast").WithFailure(errors.New("boom"))
	backup := mock.New("backup").WithResponse(&providers.Response{
		Parts:        []providers.Part{providers.TextPart{Text: "done"}},
		FinishReason: providers.FinishReasonStop,
		Usage:        providers.Usage{InputTokens: 1, OutputTokens: 1},
	})

	d := newTestDispatcher(t, DispatcherConfig{Priority: []string{"fast", "backup"}},
		mockEntry("fast", fast),
		mockEntry("backup", backup),
	)

	result, err := d.Generate(context.Background(), providers.Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Provider != "backup" || result.Text != "done" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Usage.TotalTokens != 2 {
		t.Errorf("expected normalized usage total 2, got %d", result.Usage.TotalTokens)
	}
}

func TestDispatcherGenerateCanceledContext(t *testing.T) {
	client := mock.New("m").WithResponse(&providers.Response{})
	d := newTestDispatcher(t, DispatcherConfig{}, mockEntry("main", client))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Generate(ctx, providers.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if client.CallCount() != 0 {
		t.Error("canceled call must not reach a provider")
	}
}

type countingObserver struct {
	mu       sync.Mutex
	started  []CallInfo
	finished int
	failed   int
}

func (o *countingObserver) OnRequestStart(_ context.Context, call CallInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, call)
}

func (o *countingObserver) OnResponseStart(context.Context, CallInfo) {}

func (o *countingObserver) OnResponseFinished(_ context.Context, _ CallInfo, result *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed++
	} else {
		o.finished++
	}
}

func TestDispatcherObserverSeesEveryAttempt(t *testing.T) {
	fast := mock.New("fast").WithFailure(errors.New("down"))
	backup := mock.New("backup").WithStream(textStream("ok"))
	obs := &countingObserver{}

	d := newTestDispatcher(t, DispatcherConfig{
		Priority: []string{"fast", "backup"},
		Passes:   1,
		Observer: obs,
	},
		mockEntry("fast", fast),
		mockEntry("backup", backup),
	)

	if _, err := d.Stream(context.Background(), providers.Request{}, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if len(obs.started) != 2 {
		t.Fatalf("expected 2 attempt starts, got %d", len(obs.started))
	}
	if obs.started[0].Provider != "fast" || obs.started[1].Provider != "backup" {
		t.Errorf("unexpected attempt order: %+v", obs.started)
	}
	if obs.started[0].StreamID != obs.started[1].StreamID {
		t.Error("attempts of one logical call must share a stream id")
	}
	if obs.started[0].Attempt != 1 || obs.started[1].Attempt != 2 {
		t.Errorf("attempt numbering wrong: %+v", obs.started)
	}
	if obs.failed != 1 || obs.finished != 1 {
		t.Errorf("failed/finished = %d/%d, want 1/1", obs.failed, obs.finished)
	}
}

func TestDispatcherStreamWithoutFinishChunk(t *testing.T) {
	// A provider that just closes the stream still yields a usable result.
	client := mock.New("m").WithStream([]providers.StreamChunk{
		{Type: providers.ChunkTextDelta, Delta: "truncated"},
	})

	d := newTestDispatcher(t, DispatcherConfig{}, mockEntry("main", client))

	result, err := d.Stream(context.Background(), providers.Request{}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if result.Text != "truncated" {
		t.Errorf("expected buffered text, got %q", result.Text)
	}
	if result.FinishReason != providers.FinishReasonStop {
		t.Errorf("expected stop default, got %s", result.FinishReason)
	}
}

func TestTimedReaderCloseIsIdempotent(t *testing.T) {
	// A timeout in next and the deferred Close in streamAttempt can both
	// close the reader; concurrent calls must not double-close.
	client := mock.New("m").WithStream(textStream("x"))
	raw, err := client.Stream(context.Background(), providers.Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := newTimedReader(raw, cancel)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reader.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestNewDispatcherRequiresRegistry(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatal("expected error for missing registry")
	}
}
