package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
)

// StableIndex marks a collateral priced 1:1 against the reserve asset.
const StableIndex uint64 = math.MaxUint64

// Status describes whether a feed slot is live.
type Status uint8

const (
	StatusActive Status = iota
	StatusRemoved
)

var (
	// ErrFeedUnavailable is returned by a PriceFeed that has no reading for
	// the requested address.
	ErrFeedUnavailable = errors.New("oracle: feed unavailable")
	// ErrInvalidPrice flags non-positive readings.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// Oracle is the cached view of an external price feed.
type Oracle struct {
	Address        common.Address
	Price          fixed.Decimal
	LastUpdateSlot uint64
	Status         Status
}

// CheckFeedUpdate fails with OutdatedOracle unless the oracle was refreshed in
// the current slot.
func CheckFeedUpdate(o Oracle, currentSlot uint64) error {
	if o.Status == StatusRemoved {
		return cloneerr.Wrap(cloneerr.ErrOutdatedOracle, "feed %s removed", o.Address.Hex())
	}
	if o.LastUpdateSlot != currentSlot {
		return cloneerr.Wrap(cloneerr.ErrOutdatedOracle, "feed %s last updated at slot %d, current slot %d",
			o.Address.Hex(), o.LastUpdateSlot, currentSlot)
	}
	return nil
}

// FreshPrice returns the cached price after enforcing freshness.
func (o Oracle) FreshPrice(currentSlot uint64) (fixed.Decimal, error) {
	if err := CheckFeedUpdate(o, currentSlot); err != nil {
		return fixed.Decimal{}, err
	}
	return o.Price, nil
}

// PriceFeed is the external reader consulted by update_prices.
type PriceFeed interface {
	ReadPrice(ctx context.Context, feed common.Address) (fixed.Decimal, error)
}

// Refresh reads the feed and stamps the oracle with the supplied slot. The
// price is stored at CloneScale.
func Refresh(ctx context.Context, o *Oracle, feed PriceFeed, slot uint64) error {
	if o == nil {
		return fmt.Errorf("oracle: nil oracle")
	}
	if feed == nil {
		return fmt.Errorf("oracle: price feed not configured")
	}
	if o.Status == StatusRemoved {
		return cloneerr.Wrap(cloneerr.ErrOutdatedOracle, "feed %s removed", o.Address.Hex())
	}
	price, err := feed.ReadPrice(ctx, o.Address)
	if err != nil {
		return fmt.Errorf("oracle: read %s: %w", o.Address.Hex(), err)
	}
	price = price.Rescale(fixed.CloneScale)
	if !price.IsPositive() {
		return fmt.Errorf("oracle: read %s: %w", o.Address.Hex(), ErrInvalidPrice)
	}
	o.Price = price
	o.LastUpdateSlot = slot
	return nil
}

// MemoryFeed is a PriceFeed backed by an in-process map, populated by the
// daemon's aggregation loop or by tests.
type MemoryFeed struct {
	mu     sync.RWMutex
	prices map[common.Address]fixed.Decimal
}

// NewMemoryFeed returns an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{prices: make(map[common.Address]fixed.Decimal)}
}

// Set records the latest price for a feed address.
func (f *MemoryFeed) Set(feed common.Address, price fixed.Decimal) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.prices[feed] = price
	f.mu.Unlock()
}

// ReadPrice implements PriceFeed.
func (f *MemoryFeed) ReadPrice(_ context.Context, feed common.Address) (fixed.Decimal, error) {
	if f == nil {
		return fixed.Decimal{}, ErrFeedUnavailable
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[feed]
	if !ok {
		return fixed.Decimal{}, ErrFeedUnavailable
	}
	return price, nil
}

// Snapshot returns a copy of the current readings.
func (f *MemoryFeed) Snapshot() map[common.Address]fixed.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[common.Address]fixed.Decimal, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}
