package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mvidakovic/agentloop/providers"
	"github.com/mvidakovic/agentloop/providers/anthropic"
	"github.com/mvidakovic/agentloop/providers/openai"
)

// ProviderKind selects the transport used for a registry entry. Several
// kinds map to the OpenAI-compatible transport with a different base URL.
type ProviderKind string

const (
	KindOpenAI     ProviderKind = "openai"
	KindOpenRouter ProviderKind = "openrouter"
	KindDeepSeek   ProviderKind = "deepseek"
	KindQwen       ProviderKind = "qwen"
	KindAnthropic  ProviderKind = "anthropic"
)

// Base endpoints for the OpenAI-compatible kinds.
var compatibleBaseURLs = map[ProviderKind]string{
	KindOpenAI:     "https://api.openai.com/v1",
	KindOpenRouter: "https://openrouter.ai/api/v1",
	KindDeepSeek:   "https://api.deepseek.com/v1",
	KindQwen:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
}

// DefaultEntryName is the distinguished entry retried as a final fallback.
const DefaultEntryName = "default"

// CredentialResolver defers credential lookup until the entry is resolved.
type CredentialResolver func(ctx context.Context) (string, error)

// EndpointResolver defers base-endpoint lookup until the entry is resolved.
type EndpointResolver func(ctx context.Context) (string, error)

// Interceptor may rewrite a request before it is sent to one provider, e.g.
// to enforce a max-token ceiling. It runs once per attempt against that
// attempt's copy of the request.
type Interceptor func(ctx context.Context, req *providers.Request) error

// Entry describes one provider: logical name, transport kind, model and
// credentials. The ordered entry list is the failover priority.
type Entry struct {
	Name  string
	Kind  ProviderKind
	Model string

	// APIKey is a literal credential; Credentials defers resolution.
	// Credentials wins when both are set.
	APIKey      string
	Credentials CredentialResolver

	// BaseURL overrides the kind's endpoint; Endpoint defers resolution.
	BaseURL  string
	Endpoint EndpointResolver

	// Defaults fill sampling fields the caller left unset.
	Defaults providers.SamplingParams

	Intercept Interceptor

	// Client bypasses kind-based construction when set. Used for custom
	// backends and tests.
	Client providers.Provider
}

// Registry resolution errors.
var (
	ErrNoEntries        = errors.New("agentloop: registry requires at least one entry")
	ErrProviderNotFound = errors.New("agentloop: provider not found")
	ErrMissingAPIKey    = errors.New("agentloop: provider has no credential")
)

// Registry is the read-only provider table shared by concurrent logical
// calls. Construct it once and pass it to the dispatcher.
type Registry struct {
	entries []Entry
	byName  map[string]int
	logger  *slog.Logger
}

// NewRegistry builds a registry from the given entries, in priority order.
// An entry named "default" is appended automatically (cloned from the first
// entry) when missing.
func NewRegistry(logger *slog.Logger, entries ...Entry) (*Registry, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	if logger == nil {
		logger = slog.Default()
	}

	list := make([]Entry, 0, len(entries)+1)
	byName := make(map[string]int, len(entries)+1)
	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.New("agentloop: registry entry has empty name")
		}
		if _, dup := byName[e.Name]; dup {
			return nil, fmt.Errorf("agentloop: duplicate registry entry %q", e.Name)
		}
		byName[e.Name] = len(list)
		list = append(list, e)
	}

	if _, ok := byName[DefaultEntryName]; !ok {
		fallback := list[0]
		fallback.Name = DefaultEntryName
		byName[DefaultEntryName] = len(list)
		list = append(list, fallback)
	}

	return &Registry{entries: list, byName: byName, logger: logger}, nil
}

// Names returns the entry names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// Lookup returns the entry with the given logical name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return &r.entries[idx], true
}

// Resolve produces a callable client for the logical name, resolving the
// credential and endpoint first. Resolution failures are reported to the
// dispatcher, which treats them like a failed call for fallback purposes.
// No retry or timeout logic lives here.
func (r *Registry) Resolve(ctx context.Context, name string) (providers.Provider, *Entry, error) {
	entry, ok := r.Lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}

	if entry.Client != nil {
		return entry.Client, entry, nil
	}

	key := entry.APIKey
	if entry.Credentials != nil {
		resolved, err := entry.Credentials(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("agentloop: resolve credential for %q: %w", name, err)
		}
		key = resolved
	}
	if key == "" {
		return nil, nil, fmt.Errorf("%w: %q", ErrMissingAPIKey, name)
	}

	baseURL := entry.BaseURL
	if entry.Endpoint != nil {
		resolved, err := entry.Endpoint(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("agentloop: resolve endpoint for %q: %w", name, err)
		}
		baseURL = resolved
	}

	switch entry.Kind {
	case KindOpenAI, KindOpenRouter, KindDeepSeek, KindQwen:
		if baseURL == "" {
			baseURL = compatibleBaseURLs[entry.Kind]
		}
		return openai.New(key, baseURL, r.logger), entry, nil
	case KindAnthropic:
		return anthropic.New(key, baseURL, r.logger), entry, nil
	default:
		return nil, nil, fmt.Errorf("agentloop: unknown provider kind %q for %q", entry.Kind, name)
	}
}
