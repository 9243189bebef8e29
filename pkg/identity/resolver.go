// Package identity resolves opaque sender ids to public usernames.
//
// Resolution never fails from the caller's point of view: every error
// degrades to "unresolved". Outcomes, including failures, are cached so a
// sender is looked up at most once while its cache entry lives.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
)

const defaultLookupTimeout = 10 * time.Second

// Lookup fetches a username from an external identity service.
type Lookup interface {
	LookupHandle(ctx context.Context, senderID string) (string, error)
}

// Prober is implemented by lookups that can check their credential.
type Prober interface {
	Probe(ctx context.Context) error
}

// TokenHealth records the outcome of the one-time credential probe.
type TokenHealth struct {
	Checked bool `json:"checked"`
	Usable  bool `json:"usable"`
}

// State is the mutable resolver state: the outcome cache and token health.
// It is owned by one Resolver; tests build a fresh State per case.
type State struct {
	cache *lru.LRU[string, string]

	probeOnce sync.Once
	mu        sync.RWMutex
	health    TokenHealth
}

// NewState builds resolver state holding at most size entries (0 = unbounded)
// that expire after ttl (0 = never).
func NewState(size int, ttl time.Duration) *State {
	if size < 0 {
		size = 0
	}

	return &State{cache: lru.NewLRU[string, string](size, nil, ttl)}
}

// Len reports the number of cached outcomes.
func (s *State) Len() int {
	return s.cache.Len()
}

// TokenHealth returns the probe outcome recorded so far.
func (s *State) TokenHealth() TokenHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *State) setTokenHealth(health TokenHealth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = health
}

// cached returns the cached handle and whether an outcome exists. An empty
// handle with ok=true is a cached failure.
func (s *State) cached(senderID string) (string, bool) {
	return s.cache.Get(senderID)
}

func (s *State) store(senderID string, handle string) {
	s.cache.Add(senderID, handle)
}

// Resolver maps sender ids to usernames through a cache.
type Resolver struct {
	lookup  Lookup
	state   *State
	log     *slog.Logger
	timeout time.Duration
	flights singleflight.Group
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithTimeout bounds every lookup and probe call.
func WithTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewResolver builds a resolver. A nil lookup means no credential is
// configured and every sender stays unresolved. A nil state gets a fresh
// unbounded state.
func NewResolver(lookup Lookup, state *State, log *slog.Logger, opts ...ResolverOption) *Resolver {
	if state == nil {
		state = NewState(0, 0)
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Resolver{
		lookup:  lookup,
		state:   state,
		log:     log.With("component", "identity.resolver"),
		timeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	if lookup == nil {
		r.log.Warn("Identity lookups disabled: no access token configured")
	}

	return r
}

// Enabled reports whether lookups can reach an identity service.
func (r *Resolver) Enabled() bool {
	return r.lookup != nil
}

// State exposes the resolver's cache and token health.
func (r *Resolver) State() *State {
	return r.state
}

// Resolve returns the username for senderID and whether it was resolved.
func (r *Resolver) Resolve(ctx context.Context, senderID string) (string, bool) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" || senderID == bus.UnknownSender || r.lookup == nil {
		return "", false
	}

	if handle, ok := r.state.cached(senderID); ok {
		return handle, handle != ""
	}

	// Concurrent first lookups for one sender share a single call. The call
	// is detached from the caller's cancellation so one aborted request does
	// not cache a failure for everyone. The token probe and the lookup share
	// one deadline.
	value, _, _ := r.flights.Do(senderID, func() (any, error) {
		if handle, ok := r.state.cached(senderID); ok {
			return handle, nil
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		r.checkToken(callCtx)
		return r.fetch(callCtx, senderID), nil
	})

	handle, _ := value.(string)
	return handle, handle != ""
}

// fetch performs one lookup within ctx's deadline and caches its outcome.
func (r *Resolver) fetch(ctx context.Context, senderID string) string {
	startedAt := time.Now()
	handle, err := r.lookup.LookupHandle(ctx, senderID)
	handle = strings.TrimSpace(handle)
	if err != nil || handle == "" {
		r.log.Warn("Sender lookup failed; caching as unresolved", "sender_id", senderID, "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		r.state.store(senderID, "")
		return ""
	}

	r.log.Debug("Sender resolved", "sender_id", senderID, "handle", handle, "duration_ms", time.Since(startedAt).Milliseconds())
	r.state.store(senderID, handle)
	return handle
}

// checkToken runs the credential probe before the first lookup. The outcome
// is diagnostic only and never prevents lookups.
func (r *Resolver) checkToken(ctx context.Context) {
	prober, ok := r.lookup.(Prober)
	if !ok {
		return
	}

	r.state.probeOnce.Do(func() {
		if err := prober.Probe(ctx); err != nil {
			r.log.Warn("Identity token probe failed; lookups continue", "error", err)
			r.state.setTokenHealth(TokenHealth{Checked: true, Usable: false})
			return
		}

		r.log.Info("Identity token probe succeeded")
		r.state.setTokenHealth(TokenHealth{Checked: true, Usable: true})
	})
}
