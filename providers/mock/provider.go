// Package mock implements a scriptable Provider for testing.
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mvidakovic/agentloop/providers"
)

var (
	// ErrScriptExhausted is returned when a call arrives after every
	// scripted step has been consumed.
	ErrScriptExhausted = errors.New("mock: script exhausted")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("mock: stream closed")
)

type step struct {
	err    error
	resp   *providers.Response
	chunks []providers.StreamChunk
	hang   bool // first Next blocks until Close or ctx cancellation
}

// Provider implements providers.Provider with a scripted sequence of
// outcomes. Steps are consumed in order by Complete and Stream alike, so
// failover sequences can be expressed as script entries.
type Provider struct {
	mu        sync.Mutex
	name      string
	script    []step
	callCount int
}

// New creates a mock provider with the given name.
func New(name string) *Provider {
	if name == "" {
		name = "mock"
	}
	return &Provider{name: name}
}

// WithResponse scripts a successful non-streaming completion.
func (m *Provider) WithResponse(resp *providers.Response) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, step{resp: resp})
	return m
}

// WithStream scripts a successful stream of chunks.
func (m *Provider) WithStream(chunks []providers.StreamChunk) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]providers.StreamChunk, len(chunks))
	copy(cp, chunks)
	m.script = append(m.script, step{chunks: cp})
	return m
}

// WithFailure scripts an error returned by the next Complete or Stream call.
func (m *Provider) WithFailure(err error) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, step{err: err})
	return m
}

// WithHang scripts a stream whose first read blocks until the reader is
// closed, for exercising first-chunk timeouts.
func (m *Provider) WithHang() *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, step{hang: true})
	return m
}

// Name returns the configured provider name.
func (m *Provider) Name() string { return m.name }

// CallCount returns how many times Complete or Stream was invoked.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *Provider) next() (step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	if len(m.script) == 0 {
		return step{}, ErrScriptExhausted
	}
	s := m.script[0]
	m.script = m.script[1:]
	return s, nil
}

// Complete returns the next scripted response or error.
func (m *Provider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	s, err := m.next()
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.resp == nil {
		return nil, ErrScriptExhausted
	}
	return s.resp, nil
}

// Stream returns a reader over the next scripted chunk sequence.
func (m *Provider) Stream(ctx context.Context, req providers.Request) (providers.ChunkReader, error) {
	s, err := m.next()
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &streamReader{ctx: ctx, chunks: s.chunks, hang: s.hang, done: make(chan struct{})}, nil
}

type streamReader struct {
	mu     sync.Mutex
	ctx    context.Context
	chunks []providers.StreamChunk
	idx    int
	hang   bool
	closed bool
	done   chan struct{}
}

func (s *streamReader) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	hang := s.hang && s.idx == 0
	s.mu.Unlock()

	if hang {
		select {
		case <-s.done:
			return nil, ErrClosed
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.idx]
	s.idx++
	return &chunk, nil
}

func (s *streamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
