package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types emitted to observers.
const (
	EventLoadStarted = "load_started"
	EventLoaded      = "loaded"
	EventLoadFailed  = "load_failed"
)

// Event describes one step of a manifest load.
type Event struct {
	Type      string
	LoadID    string
	Refresh   bool // triggered by Refresh rather than first use
	Timestamp time.Time
	Providers int  // set for EventLoaded
	Kind      Kind // set for EventLoadFailed
	Err       error
}

// Observer receives registry events. Calls happen on the loading goroutine,
// so implementations must not block.
type Observer interface {
	OnRegistryEvent(Event)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Fetcher   Fetcher       // Defaults to an HTTPFetcher for ServicesURL
	Timeout   time.Duration // Bound on one fetch (0 = DefaultTimeout)
	Logger    *slog.Logger
	Observers []Observer
}

// Status is a point-in-time view of the registry.
type Status struct {
	State     State
	LoadID    string
	LoadedAt  time.Time
	Providers int
	Patterns  int
	Err       error // last load error, if the last attempt failed
}

// snapshot is immutable once published.
type snapshot struct {
	state    State
	loadID   string
	loadedAt time.Time
	matcher  *Matcher
	err      error
}

// Registry holds the provider list fetched from the manifest endpoint.
//
// The first EnsureLoaded (or IsSupported) call fetches the manifest; callers
// arriving while that fetch is in flight wait for it and see its result.
// Afterwards the list is only replaced by Refresh. Failures are logged and
// leave the registry answering "not supported".
type Registry struct {
	fetcher   Fetcher
	timeout   time.Duration
	logger    *slog.Logger
	observers []Observer

	current atomic.Pointer[snapshot]
	gen     atomic.Uint64 // completed load attempts

	// loadMu is a one-slot semaphore held while a fetch is in flight.
	loadMu chan struct{}
}

// NewRegistry creates an empty registry. Nothing is fetched until first use.
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(ServicesURL, timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		fetcher:   fetcher,
		timeout:   timeout,
		logger:    logger,
		observers: cfg.Observers,
		loadMu:    make(chan struct{}, 1),
	}
}

// EnsureLoaded fetches the manifest if no attempt has been made yet and
// returns the resulting state. At most one fetch runs; concurrent callers
// wait for it. If ctx ends while waiting, EnsureLoaded returns
// StateNotAttempted without affecting the fetch.
func (r *Registry) EnsureLoaded(ctx context.Context) State {
	if s := r.current.Load(); s != nil {
		return s.state
	}

	if !r.acquire(ctx) {
		return StateNotAttempted
	}
	defer r.release()

	if s := r.current.Load(); s != nil {
		return s.state
	}
	return r.load(ctx, false).state
}

// Refresh fetches the manifest again and swaps it in on success. On failure
// a previously loaded list stays in place. Callers that queue up behind an
// in-flight load share its outcome instead of fetching again.
func (r *Registry) Refresh(ctx context.Context) error {
	startGen := r.gen.Load()
	if !r.acquire(ctx) {
		return ctx.Err()
	}
	defer r.release()

	if r.gen.Load() != startGen {
		if s := r.current.Load(); s != nil {
			return s.err
		}
	}
	return r.load(ctx, true).err
}

// IsSupported reports whether rawURL matches any provider. It loads the
// registry on first use and returns false when the registry is unavailable.
func (r *Registry) IsSupported(ctx context.Context, rawURL string) bool {
	_, ok := r.Match(ctx, rawURL)
	return ok
}

// Match returns the first provider, in manifest order, whose patterns match
// rawURL.
func (r *Registry) Match(ctx context.Context, rawURL string) (Provider, bool) {
	r.EnsureLoaded(ctx)
	s := r.current.Load()
	if s == nil {
		return Provider{}, false
	}
	return s.matcher.Match(rawURL)
}

// Providers returns a copy of the loaded provider list.
func (r *Registry) Providers(ctx context.Context) []Provider {
	r.EnsureLoaded(ctx)
	s := r.current.Load()
	if s == nil || s.matcher == nil {
		return nil
	}
	out := make([]Provider, len(s.matcher.providers))
	copy(out, s.matcher.providers)
	return out
}

// Status returns the current state without triggering a load.
func (r *Registry) Status() Status {
	s := r.current.Load()
	if s == nil {
		return Status{State: StateNotAttempted}
	}
	st := Status{
		State:    s.state,
		LoadID:   s.loadID,
		LoadedAt: s.loadedAt,
		Patterns: s.matcher.Len(),
		Err:      s.err,
	}
	if s.matcher != nil {
		st.Providers = len(s.matcher.providers)
	}
	return st
}

func (r *Registry) acquire(ctx context.Context) bool {
	select {
	case r.loadMu <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) release() {
	<-r.loadMu
}

// load runs one fetch and publishes the result. Callers hold loadMu.
func (r *Registry) load(ctx context.Context, refresh bool) *snapshot {
	loadID := uuid.New().String()
	r.logger.Info("loading provider list", "load_id", loadID, "refresh", refresh)
	r.emit(Event{Type: EventLoadStarted, LoadID: loadID, Refresh: refresh})

	// The fetch is shared by every waiter, so one caller giving up must not
	// cancel it.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	providers, err := r.fetcher.Fetch(fetchCtx)
	defer r.gen.Add(1)

	if err != nil {
		kind := ErrorKind(err)
		if kind == "" {
			kind = KindOther
			if errors.Is(err, context.DeadlineExceeded) {
				kind = KindNetwork
			}
		}
		r.logger.Error("provider list fetch failed", "load_id", loadID, "kind", kind, "error", err)
		r.emit(Event{Type: EventLoadFailed, LoadID: loadID, Refresh: refresh, Kind: kind, Err: err})

		next := &snapshot{state: StateFailed, loadID: loadID, loadedAt: time.Now(), matcher: NewMatcher(nil), err: err}
		if prev := r.current.Load(); prev != nil && prev.state == StateLoaded {
			// Keep serving the last good list; only the error is new.
			next = &snapshot{state: StateLoaded, loadID: prev.loadID, loadedAt: prev.loadedAt, matcher: prev.matcher, err: err}
		}
		r.current.Store(next)
		return next
	}

	s := &snapshot{
		state:    StateLoaded,
		loadID:   loadID,
		loadedAt: time.Now(),
		matcher:  NewMatcher(providers),
	}
	r.current.Store(s)
	r.logger.Info("provider list loaded", "load_id", loadID, "providers", len(providers), "patterns", s.matcher.Len())
	r.emit(Event{Type: EventLoaded, LoadID: loadID, Refresh: refresh, Providers: len(providers)})
	return s
}

func (r *Registry) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, o := range r.observers {
		o.OnRegistryEvent(ev)
	}
}
