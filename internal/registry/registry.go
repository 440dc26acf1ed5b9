// Copyright 2025 James Ross
package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sgucard/dispatcher/internal/breaker"
	"github.com/sgucard/dispatcher/internal/obs"
	"github.com/sgucard/dispatcher/internal/store"
)

// Health is the cached outcome of a backend's last liveness probe.
type Health struct {
	OK        bool
	CheckedAt time.Time
}

// Backend is one configured browser-automation backend (SPEC_FULL.md §3, §4.2).
// url is the stable identifier and the index at which it was configured derives
// its slot_id (store.SlotID).
type Backend struct {
	URL     string
	Index   int
	mu      sync.Mutex
	busy    bool
	health  Health
	breaker *breaker.CircuitBreaker
}

// Busy reports whether a worker is currently dispatched to this backend.
func (b *Backend) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// SetBusy marks this backend busy or free. Every dispatch path must clear it on exit.
func (b *Backend) SetBusy(v bool) {
	b.mu.Lock()
	b.busy = v
	b.mu.Unlock()
	obs.BackendBusy.WithLabelValues(b.URL).Set(boolToFloat(v))
}

// RecordVerifyOutcome feeds the outcome of a verify call into this backend's breaker,
// independent of its healthcheck (SPEC_FULL.md §4.9), and keeps the breaker's
// Prometheus gauge/counter in step with the transition it causes.
func (b *Backend) RecordVerifyOutcome(ok bool) {
	before := b.breaker.State()
	b.breaker.Record(ok)
	after := b.breaker.State()
	obs.CircuitBreakerState.WithLabelValues(b.URL).Set(float64(after))
	if before != breaker.Open && after == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(b.URL).Inc()
	}
}

// BreakerState exposes the backend's circuit breaker state, for metrics.
func (b *Backend) BreakerState() breaker.State {
	return b.breaker.State()
}

func (b *Backend) cachedHealth() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

func (b *Backend) setHealth(h Health) {
	b.mu.Lock()
	b.health = h
	b.mu.Unlock()
	obs.BackendHealthy.WithLabelValues(b.URL).Set(boolToFloat(h.OK))
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Prober performs a liveness check against a single backend URL.
type Prober func(ctx context.Context, client *http.Client, url, path string, timeout time.Duration) bool

// HTTPProbe is the default Prober: GET url+path, 2xx is alive, anything else (including
// a transport error or timeout) is not.
func HTTPProbe(ctx context.Context, client *http.Client, url, path string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+path, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Registry tracks the fixed, startup-configured list of backends and their liveness/
// busy state (SPEC_FULL.md §4.2). The backend order is fixed at construction: Index i
// is stable for the registry's lifetime and is the only thing store.SlotID needs.
type Registry struct {
	backends    []*Backend
	client      *http.Client
	probe       Prober
	healthPath  string
	probeTTL    time.Duration
	probeTmout  time.Duration
}

// Config bundles the knobs the registry needs from the dispatcher's configuration.
type Config struct {
	HealthcheckPath           string
	HealthcheckTimeout        time.Duration
	HealthcheckCache          time.Duration
	CircuitBreakerWindow      time.Duration
	CircuitBreakerCooldown    time.Duration
	CircuitBreakerFailureRate float64
	CircuitBreakerMinSamples  int
}

// New builds a registry over urls in the given, fixed order.
func New(urls []string, cfg Config) *Registry {
	backends := make([]*Backend, len(urls))
	for i, u := range urls {
		backends[i] = &Backend{
			URL:   u,
			Index: i,
			breaker: breaker.New(
				cfg.CircuitBreakerWindow,
				cfg.CircuitBreakerCooldown,
				cfg.CircuitBreakerFailureRate,
				cfg.CircuitBreakerMinSamples,
			),
		}
		obs.BackendBusy.WithLabelValues(u).Set(0)
		obs.BackendHealthy.WithLabelValues(u).Set(0)
		obs.CircuitBreakerState.WithLabelValues(u).Set(float64(breaker.Closed))
	}
	return &Registry{
		backends:   backends,
		client:     &http.Client{},
		probe:      HTTPProbe,
		healthPath: cfg.HealthcheckPath,
		probeTTL:   cfg.HealthcheckCache,
		probeTmout: cfg.HealthcheckTimeout,
	}
}

// Backends returns the fixed backend slice, in configured order.
func (r *Registry) Backends() []*Backend {
	return r.backends
}

// ensureFreshHealth refreshes a backend's cached health synchronously if it is stale.
// Each backend's probe runs independently of the others so one slow/hanging backend
// never blocks evaluation of the rest (SPEC_FULL.md §4.2).
func (r *Registry) ensureFreshHealth(ctx context.Context, b *Backend) Health {
	h := b.cachedHealth()
	if time.Since(h.CheckedAt) < r.probeTTL && !h.CheckedAt.IsZero() {
		return h
	}
	ok := r.probe(ctx, r.client, b.URL, r.healthPath, r.probeTmout)
	h = Health{OK: ok, CheckedAt: time.Now()}
	b.setHealth(h)
	return h
}

// IsFreeAndHealthy reports whether a backend is eligible for dispatch: not busy,
// healthy (cached or freshly probed), and its verify-call circuit breaker is not Open.
func (r *Registry) IsFreeAndHealthy(ctx context.Context, b *Backend) bool {
	if b.Busy() {
		return false
	}
	if b.BreakerState() == breaker.Open {
		return false
	}
	return r.ensureFreshHealth(ctx, b).OK
}

// FreeAndHealthy returns every backend currently eligible for dispatch, in fixed order.
// Backends are evaluated concurrently, so a slow probe delays only its own result.
func (r *Registry) FreeAndHealthy(ctx context.Context) []*Backend {
	eligible := make([]bool, len(r.backends))
	var wg sync.WaitGroup
	for i, b := range r.backends {
		wg.Add(1)
		go func(i int, b *Backend) {
			defer wg.Done()
			eligible[i] = r.IsFreeAndHealthy(ctx, b)
		}(i, b)
	}
	wg.Wait()
	var free []*Backend
	for i, b := range r.backends {
		if eligible[i] {
			free = append(free, b)
		}
	}
	return free
}

// SlotID derives this backend's lease identity for a given coordinator worker id.
func (b *Backend) SlotID(workerID string) string {
	return store.SlotID(workerID, b.Index)
}
