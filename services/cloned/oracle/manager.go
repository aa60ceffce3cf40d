package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cloneprotocol/native/fixed"
	"cloneprotocol/observability"
)

// Engine is the slice of the protocol engine the refresh loop drives.
type Engine interface {
	Slot() uint64
	SetSlot(slot uint64)
	UpdatePrices(ctx context.Context, indices []uint64) error
}

// Sink receives aggregated prices keyed by feed address.
type Sink interface {
	Set(feed common.Address, price fixed.Decimal)
}

// Feed binds a protocol oracle index to an upstream pair.
type Feed struct {
	Index   uint64
	Address common.Address
	Base    string
	Quote   string
}

// Manager is the daemon's slot clock. Each tick advances the slot, aggregates
// every feed across sources and refreshes the protocol oracles that produced
// a price this cycle; the others go stale at the new slot.
type Manager struct {
	logger   *slog.Logger
	engine   Engine
	sink     Sink
	sources  []Source
	feeds    []Feed
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	metrics  *observability.OracleMetrics
	once     sync.Once

	mu        sync.RWMutex
	overrides map[common.Address]fixed.Decimal
	last      map[common.Address]fixed.Decimal
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the wall clock used for quote age checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics records refresh outcomes on the supplied collectors.
func WithMetrics(metrics *observability.OracleMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// New constructs a manager instance.
func New(engine Engine, sink Sink, sources []Source, feeds []Feed, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if sink == nil {
		return nil, fmt.Errorf("price sink required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:    slog.Default(),
		engine:    engine,
		sink:      sink,
		sources:   append([]Source{}, sources...),
		feeds:     append([]Feed{}, feeds...),
		interval:  interval,
		maxAge:    maxAge,
		minFeeds:  minFeeds,
		now:       time.Now,
		overrides: make(map[common.Address]fixed.Decimal),
		last:      make(map[common.Address]fixed.Decimal),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	return mgr, nil
}

// Run blocks, ticking until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "feeds", len(m.feeds), "interval", m.interval)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "slot", m.engine.Slot(), "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick advances the slot and performs one aggregation cycle.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	slot := m.engine.Slot() + 1
	m.engine.SetSlot(slot)

	var (
		indices []uint64
		errs    []error
	)
	for _, feed := range m.feeds {
		price, err := m.resolve(ctx, feed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.sink.Set(feed.Address, price)
		m.remember(feed.Address, price)
		m.metrics.SetPrice(feed.Address.Hex(), price.Float64())
		indices = append(indices, feed.Index)
	}
	if len(indices) > 0 {
		if err := m.engine.UpdatePrices(ctx, indices); err != nil {
			errs = append(errs, fmt.Errorf("update prices at slot %d: %w", slot, err))
		}
	}
	err := errors.Join(errs...)
	m.metrics.RecordRefresh(slot, err)
	return err
}

func (m *Manager) resolve(ctx context.Context, feed Feed) (fixed.Decimal, error) {
	if price, ok := m.override(feed.Address); ok {
		return price, nil
	}
	base := strings.TrimSpace(feed.Base)
	quote := strings.TrimSpace(feed.Quote)
	if base == "" || quote == "" {
		return fixed.Decimal{}, fmt.Errorf("feed %d: invalid pair configuration", feed.Index)
	}
	now := m.now()
	prices := make([]fixed.Decimal, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		q, err := src.Fetch(ctx, base, quote)
		if err != nil {
			m.metrics.RecordSourceError(src.Name())
			m.logger.Warn("price source failed", "source", src.Name(), "pair", pairKey(base, quote), "error", err)
			continue
		}
		if !q.Price.IsPositive() {
			m.logger.Warn("price source returned invalid price", "source", src.Name(), "pair", pairKey(base, quote))
			continue
		}
		if q.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("price source produced future timestamp", "source", src.Name())
			continue
		}
		if q.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("price source quote expired", "source", src.Name(), "observed", q.Timestamp)
			continue
		}
		prices = append(prices, q.Price)
	}
	if len(prices) < m.minFeeds {
		return fixed.Decimal{}, fmt.Errorf("insufficient price sources for %s: %d of %d", pairKey(base, quote), len(prices), m.minFeeds)
	}
	return Median(prices)
}

// Median returns the middle price, averaging the two central values of an
// even-sized set.
func Median(prices []fixed.Decimal) (fixed.Decimal, error) {
	if len(prices) == 0 {
		return fixed.Decimal{}, fmt.Errorf("median of empty set")
	}
	sorted := append([]fixed.Decimal{}, prices...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	sum, err := sorted[mid-1].Add(sorted[mid])
	if err != nil {
		return fixed.Decimal{}, err
	}
	avg, err := sum.Div(fixed.New(2, 0))
	if err != nil {
		return fixed.Decimal{}, err
	}
	return avg.Rescale(fixed.CloneScale), nil
}

// SetOverride pins feed to price until cleared. Overrides bypass sources.
func (m *Manager) SetOverride(feed common.Address, price fixed.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("override price must be positive")
	}
	m.mu.Lock()
	m.overrides[feed] = price
	m.mu.Unlock()
	m.logger.Info("price override set", "feed", feed.Hex(), "price", price.String())
	return nil
}

// ClearOverride removes a pinned price. It reports whether one existed.
func (m *Manager) ClearOverride(feed common.Address) bool {
	m.mu.Lock()
	_, ok := m.overrides[feed]
	delete(m.overrides, feed)
	m.mu.Unlock()
	return ok
}

func (m *Manager) override(feed common.Address) (fixed.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.overrides[feed]
	return price, ok
}

func (m *Manager) remember(feed common.Address, price fixed.Decimal) {
	m.mu.Lock()
	m.last[feed] = price
	m.mu.Unlock()
}

// Latest returns the last aggregated price per feed.
func (m *Manager) Latest() map[common.Address]fixed.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[common.Address]fixed.Decimal, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}
