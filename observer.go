package agentloop

import "context"

// CallInfo identifies one provider attempt. StreamID is generated per
// logical call so an external tracer can correlate the attempts that served
// it.
type CallInfo struct {
	StreamID string
	Provider string
	Model    string
	Attempt  int
}

// Observer receives notifications around each individual provider attempt.
// Implementations must not affect control flow; the dispatcher ignores
// anything they do. Embed NoopObserver to implement only the hooks you need.
type Observer interface {
	OnRequestStart(ctx context.Context, call CallInfo)
	OnResponseStart(ctx context.Context, call CallInfo)
	OnResponseFinished(ctx context.Context, call CallInfo, result *Result, err error)
}

// NoopObserver is the default Observer.
type NoopObserver struct{}

func (NoopObserver) OnRequestStart(context.Context, CallInfo)                     {}
func (NoopObserver) OnResponseStart(context.Context, CallInfo)                    {}
func (NoopObserver) OnResponseFinished(context.Context, CallInfo, *Result, error) {}

// MultiObserver fans each notification out to every observer in order, so a
// tracer and a cost tracker can watch the same dispatcher.
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

type multiObserver []Observer

func (m multiObserver) OnRequestStart(ctx context.Context, call CallInfo) {
	for _, o := range m {
		o.OnRequestStart(ctx, call)
	}
}

func (m multiObserver) OnResponseStart(ctx context.Context, call CallInfo) {
	for _, o := range m {
		o.OnResponseStart(ctx, call)
	}
}

func (m multiObserver) OnResponseFinished(ctx context.Context, call CallInfo, result *Result, err error) {
	for _, o := range m {
		o.OnResponseFinished(ctx, call, result, err)
	}
}
