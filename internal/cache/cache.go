// Package cache holds the per-tenant, freshness-bounded views of gateway
// state (status, sessions, activity, costs, cron jobs). Reads never block
// and never fail: a stale entry is served as-is while one background
// refresh runs. Transient refresh failures never replace good data.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/otel"
)

// Kind names one cached view of a tenant's gateway state.
type Kind string

const (
	KindStatus   Kind = "status"
	KindSessions Kind = "sessions"
	KindActivity Kind = "activity"
	KindCosts    Kind = "costs"
	KindCron     Kind = "cron"
)

// Kinds lists every cache kind.
var Kinds = []Kind{KindStatus, KindSessions, KindActivity, KindCosts, KindCron}

// Fetcher produces a fresh value of one kind for one tenant. Fetchers are
// expected to carry their own timeouts (they wrap gateway RPCs).
type Fetcher func(ctx context.Context, tenantID string) (any, error)

// Entry is the consumer-visible snapshot of a cached value. Value is nil
// until the first successful fetch; Stale reports whether a refresh was
// triggered by this read.
type Entry struct {
	Value     any       `json:"value"`
	FetchedAt time.Time `json:"fetchedAt"`
	Stale     bool      `json:"stale"`
}

type cell struct {
	value      any
	fetchedAt  time.Time
	refreshing bool
}

type tenantState struct {
	mu    sync.Mutex
	cells map[Kind]*cell
}

// Config wires a Service.
type Config struct {
	TTLs       map[Kind]time.Duration
	Fetchers   map[Kind]Fetcher
	MaxTenants int
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Service is the tenant cache. Tenants are kept in an LRU so an operator
// fleet larger than MaxTenants degrades to cold starts, not unbounded memory.
type Service struct {
	ttls     map[Kind]time.Duration
	fetchers map[Kind]Fetcher
	tenants  *lru.Cache[string, *tenantState]
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	clock    func() time.Time

	wg sync.WaitGroup
}

// New creates the cache service.
func New(cfg Config) (*Service, error) {
	maxTenants := cfg.MaxTenants
	if maxTenants <= 0 {
		maxTenants = 64
	}
	tenants, err := lru.New[string, *tenantState](maxTenants)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		ttls:     cfg.TTLs,
		fetchers: cfg.Fetchers,
		tenants:  tenants,
		bus:      cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		clock:    clock,
	}, nil
}

func (s *Service) state(tenantID string) *tenantState {
	if st, ok := s.tenants.Get(tenantID); ok {
		return st
	}
	st := &tenantState{cells: make(map[Kind]*cell, len(Kinds))}
	// Two racers may both add; the LRU keeps the last one. Losing a fresh
	// empty state is harmless (next read re-fetches).
	s.tenants.Add(tenantID, st)
	return st
}

// Get returns the cached entry for (tenant, kind). It never blocks beyond
// the map lookup and never returns an error; a nil Value means cold start.
// A stale or missing value triggers at most one background refresh.
func (s *Service) Get(tenantID string, kind Kind) Entry {
	st := s.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.cells[kind]
	if !ok {
		c = &cell{}
		st.cells[kind] = c
	}

	ttl := s.ttls[kind]
	stale := c.fetchedAt.IsZero() || (ttl > 0 && s.clock().Sub(c.fetchedAt) > ttl)
	if stale && !c.refreshing {
		if _, hasFetcher := s.fetchers[kind]; hasFetcher {
			c.refreshing = true
			s.wg.Add(1)
			go s.refresh(tenantID, kind)
		}
	}
	return Entry{Value: c.value, FetchedAt: c.fetchedAt, Stale: stale}
}

// Refresh triggers a background refresh for (tenant, kind) unless one is
// already in flight. Safe to call concurrently.
func (s *Service) Refresh(tenantID string, kind Kind) {
	if _, ok := s.fetchers[kind]; !ok {
		return
	}
	st := s.state(tenantID)
	st.mu.Lock()
	c, ok := st.cells[kind]
	if !ok {
		c = &cell{}
		st.cells[kind] = c
	}
	if c.refreshing {
		st.mu.Unlock()
		return
	}
	c.refreshing = true
	st.mu.Unlock()

	s.wg.Add(1)
	go s.refresh(tenantID, kind)
}

// RefreshAll triggers refreshes of every kind for one tenant.
func (s *Service) RefreshAll(tenantID string) {
	for _, kind := range Kinds {
		s.Refresh(tenantID, kind)
	}
}

// Wait blocks until in-flight refreshes finish. Used by tests and shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) refresh(tenantID string, kind Kind) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	value, err := s.fetchers[kind](ctx, tenantID)

	if s.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrCacheKind.String(string(kind)))
		s.metrics.CacheRefreshes.Add(ctx, 1, attrs)
		if err != nil {
			s.metrics.CacheRefreshErrs.Add(ctx, 1, attrs)
		}
	}

	st := s.state(tenantID)
	st.mu.Lock()
	c, ok := st.cells[kind]
	if !ok {
		c = &cell{}
		st.cells[kind] = c
	}
	c.refreshing = false
	if err != nil {
		// Keep the previous value and timestamp; the next read retries.
		st.mu.Unlock()
		s.logger.Warn("cache refresh failed", "tenant_id", tenantID, "kind", string(kind), "error", err)
		return
	}
	c.value = value
	c.fetchedAt = s.clock()
	st.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicCacheRefreshed, bus.CacheEvent{TenantID: tenantID, Kind: string(kind)})
	}
}
