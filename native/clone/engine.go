package clone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/events"
	"cloneprotocol/core/state"
	"cloneprotocol/native/bank"
	"cloneprotocol/native/borrow"
	"cloneprotocol/native/comet"
	nativecommon "cloneprotocol/native/common"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/health"
	"cloneprotocol/native/oracle"
	"cloneprotocol/native/registry"
)

// Module names understood by the pause guard.
const (
	ModuleComet       = "comet"
	ModuleBorrow      = "borrow"
	ModuleSwap        = "swap"
	ModuleLiquidation = "liquidation"
)

var (
	errNilState           = errors.New("clone engine: state not configured")
	errAlreadyInitialized = errors.New("clone engine: protocol already initialized")
	errUserExists         = errors.New("clone engine: user already initialized")
	errNoPriceFeed        = errors.New("clone engine: price feed not configured")
)

// User is a protocol account: one comet and a list of borrow positions.
type User struct {
	Authority common.Address
	Comet     comet.Comet
	Borrows   []borrow.Position
}

// Engine executes protocol operations against a journaled state. Each
// operation commits all of its writes or none of them; events are delivered
// only after commit.
type Engine struct {
	mu sync.Mutex

	state   *state.Manager
	ledger  *bank.Ledger
	slot    uint64
	feed    oracle.PriceFeed
	emitter events.Emitter
	logger  *slog.Logger
	pauses  nativecommon.PauseView
}

// NewEngine binds an engine to the supplied state manager. Token balances
// are kept in the same state so they revert with the operation.
func NewEngine(manager *state.Manager) *Engine {
	return &Engine{
		state:   manager,
		ledger:  bank.NewLedger(manager),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
}

// SetSlot advances the clock oracle freshness is checked against.
func (e *Engine) SetSlot(slot uint64) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.slot = slot
	e.mu.Unlock()
}

// Slot returns the current slot.
func (e *Engine) Slot() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slot
}

func (e *Engine) SetPriceFeed(feed oracle.PriceFeed) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.feed = feed
	e.mu.Unlock()
}

// SetEmitter configures the event emitter used for protocol events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pauses = p
	e.mu.Unlock()
}

// Ledger exposes the token ledger for read access and host-side funding.
func (e *Engine) Ledger() *bank.Ledger { return e.ledger }

// txn is the working set of one operation.
type txn struct {
	e           *Engine
	params      *Parameters
	td          *registry.TokenData
	tdDirty     bool
	users       map[common.Address]*User
	dirty       map[common.Address]bool
	pending     []events.Event
	paramsDirty bool
}

func (tx *txn) parameters() (*Parameters, error) {
	if tx.params == nil {
		params, err := loadParameters(tx.e.state)
		if err != nil {
			return nil, err
		}
		tx.params = params
	}
	return tx.params, nil
}

func (tx *txn) tokenData() (*registry.TokenData, error) {
	if tx.td == nil {
		td, err := loadTokenData(tx.e.state)
		if err != nil {
			return nil, err
		}
		tx.td = td
	}
	return tx.td, nil
}

// mutableTokenData marks the registry for write-back.
func (tx *txn) mutableTokenData() (*registry.TokenData, error) {
	td, err := tx.tokenData()
	if err != nil {
		return nil, err
	}
	tx.tdDirty = true
	return td, nil
}

func (tx *txn) user(addr common.Address) (*User, error) {
	if u, ok := tx.users[addr]; ok {
		return u, nil
	}
	u, ok, err := loadUser(tx.e.state, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "user %s not initialized", addr.Hex())
	}
	tx.users[addr] = u
	return u, nil
}

func (tx *txn) mutableUser(addr common.Address) (*User, error) {
	u, err := tx.user(addr)
	if err != nil {
		return nil, err
	}
	tx.dirty[addr] = true
	return u, nil
}

func (tx *txn) requireAdmin(caller common.Address) (*Parameters, error) {
	params, err := tx.parameters()
	if err != nil {
		return nil, err
	}
	if caller != params.Admin {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "%s is not the admin", caller.Hex())
	}
	return params, nil
}

// nextEventID advances the global counter.
func (tx *txn) nextEventID() (uint64, error) {
	params, err := tx.parameters()
	if err != nil {
		return 0, err
	}
	id := params.EventCounter
	params.EventCounter++
	tx.paramsDirty = true
	return id, nil
}

func (tx *txn) emit(build func(id uint64) events.Event) error {
	id, err := tx.nextEventID()
	if err != nil {
		return err
	}
	tx.pending = append(tx.pending, build(id))
	return nil
}

func (tx *txn) emitPoolState(index uint8, price fixed.Decimal) error {
	td, err := tx.tokenData()
	if err != nil {
		return err
	}
	p, err := td.Pool(index)
	if err != nil {
		return err
	}
	snapshot := *p
	return tx.emit(func(id uint64) events.Event {
		return events.PoolState{
			EventID:                      id,
			PoolIndex:                    index,
			OnassetILD:                   snapshot.OnassetILD,
			CollateralILD:                snapshot.CollateralILD,
			CommittedCollateralLiquidity: snapshot.CommittedCollateralLiquidity,
			OraclePrice:                  price,
		}
	})
}

func (tx *txn) flush() error {
	m := tx.e.state
	if tx.params != nil && tx.paramsDirty {
		if err := m.KVPut(paramsKey, tx.params.stored()); err != nil {
			return err
		}
	}
	if tx.td != nil && tx.tdDirty {
		if err := m.KVPut(tokenDataKey, encodeTokenData(tx.td)); err != nil {
			return err
		}
	}
	for addr := range tx.dirty {
		if err := m.KVPut(userKey(addr), encodeUser(tx.users[addr])); err != nil {
			return err
		}
	}
	return nil
}

// execute runs fn as one atomic operation.
func (e *Engine) execute(op string, actor common.Address, fn func(tx *txn) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &txn{e: e, users: make(map[common.Address]*User), dirty: make(map[common.Address]bool)}
	err := fn(tx)
	if err == nil {
		err = tx.flush()
	}
	if err == nil {
		err = e.state.Commit()
	}
	if err != nil {
		e.state.Discard()
		e.logger.Warn("clone operation failed",
			slog.String("operation", op),
			slog.String("user", actor.Hex()),
			slog.String("code", cloneerr.NameOf(err)),
			slog.Uint64("slot", e.slot),
			slog.Any("error", err))
		return err
	}
	e.logger.Debug("clone operation committed",
		slog.String("operation", op),
		slog.String("user", actor.Hex()),
		slog.Int("events", len(tx.pending)))
	for _, evt := range tx.pending {
		e.emitter.Emit(evt)
	}
	return nil
}

// view runs fn against current state and discards anything it staged.
func (e *Engine) view(fn func(tx *txn) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := &txn{e: e, users: make(map[common.Address]*User), dirty: make(map[common.Address]bool)}
	defer e.state.Discard()
	return fn(tx)
}

func (e *Engine) guard(module string) error {
	if err := nativecommon.Guard(e.pauses, module); err != nil {
		return fmt.Errorf("clone: %s: %w", module, err)
	}
	return nil
}

// amounts converts a decimal into raw token units at scale.
func amounts(d fixed.Decimal, scale uint32) (*uint256.Int, error) {
	return d.ToUint256(scale)
}

func (tx *txn) transfer(mint, from, to common.Address, amount fixed.Decimal, scale uint32) error {
	if !amount.IsPositive() {
		return nil
	}
	raw, err := amounts(amount, scale)
	if err != nil {
		return err
	}
	if raw.IsZero() {
		return nil
	}
	return tx.e.ledger.Transfer(mint, from, to, raw)
}

func (tx *txn) mint(mint, to common.Address, amount fixed.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	raw, err := amounts(amount, fixed.CloneScale)
	if err != nil {
		return err
	}
	if raw.IsZero() {
		return nil
	}
	return tx.e.ledger.Mint(mint, to, raw)
}

func (tx *txn) burn(mint, from common.Address, amount fixed.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	raw, err := amounts(amount, fixed.CloneScale)
	if err != nil {
		return err
	}
	if raw.IsZero() {
		return nil
	}
	return tx.e.ledger.Burn(mint, from, raw)
}

// Initialize creates the global parameter record.
func (e *Engine) Initialize(cfg Config) error {
	params, err := cfg.Parameters()
	if err != nil {
		return err
	}
	return e.execute("initialize", params.Admin, func(tx *txn) error {
		if _, err := loadParameters(e.state); err == nil {
			return errAlreadyInitialized
		} else if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		tx.params = &params
		tx.paramsDirty = true
		tx.td = &registry.TokenData{}
		tx.tdDirty = true
		return nil
	})
}

// UpdateParameters changes global parameters. Admin only.
func (e *Engine) UpdateParameters(caller common.Address, update ParametersUpdate) error {
	return e.execute("update_parameters", caller, func(tx *txn) error {
		params, err := tx.requireAdmin(caller)
		if err != nil {
			return err
		}
		if err := update.apply(params); err != nil {
			return err
		}
		tx.paramsDirty = true
		return nil
	})
}

// PoolUpdate carries the pool fields UpdatePoolParameters may change.
type PoolUpdate struct {
	Status                         *registry.PoolStatus
	TreasuryTradingFeeBps          *uint16
	LiquidityTradingFeeBps         *uint16
	OracleInfoIndex                *uint64
	ILHealthScoreCoefficient       *fixed.Decimal
	PositionHealthScoreCoefficient *fixed.Decimal
	StableCollateralRatio          *fixed.Decimal
}

// UpdatePoolParameters changes a pool's fees, coefficients, oracle or
// status. Admin only.
func (e *Engine) UpdatePoolParameters(caller common.Address, index uint8, update PoolUpdate) error {
	return e.execute("update_pool_parameters", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		p, err := td.Pool(index)
		if err != nil {
			return err
		}
		next := *p
		if update.Status != nil {
			if next.Removed {
				return cloneerr.ErrPoolDeprecated
			}
			next.Status = *update.Status
		}
		if update.TreasuryTradingFeeBps != nil {
			next.TreasuryTradingFeeBps = *update.TreasuryTradingFeeBps
		}
		if update.LiquidityTradingFeeBps != nil {
			next.LiquidityTradingFeeBps = *update.LiquidityTradingFeeBps
		}
		if err := registry.ValidateFees(next.TreasuryTradingFeeBps, next.LiquidityTradingFeeBps); err != nil {
			return err
		}
		if update.OracleInfoIndex != nil {
			if _, err := td.Oracle(*update.OracleInfoIndex); err != nil {
				return err
			}
			next.AssetInfo.OracleInfoIndex = *update.OracleInfoIndex
		}
		if update.ILHealthScoreCoefficient != nil {
			next.AssetInfo.ILHealthScoreCoefficient = *update.ILHealthScoreCoefficient
		}
		if update.PositionHealthScoreCoefficient != nil {
			next.AssetInfo.PositionHealthScoreCoefficient = *update.PositionHealthScoreCoefficient
		}
		if update.StableCollateralRatio != nil {
			next.AssetInfo.StableCollateralRatio = *update.StableCollateralRatio
		}
		if err := registry.ValidateAssetInfo(&next.AssetInfo); err != nil {
			return err
		}
		*p = next
		return nil
	})
}

// CollateralUpdate carries the collateral fields UpdateCollateralParameters
// may change.
type CollateralUpdate struct {
	OracleInfoIndex        *uint64
	CollateralizationRatio *fixed.Decimal
	Deprecated             *bool
}

// UpdateCollateralParameters changes a collateral's oracle, ratio or
// deprecation flag. The reserve collateral must stay stable. Admin only.
func (e *Engine) UpdateCollateralParameters(caller common.Address, index uint8, update CollateralUpdate) error {
	return e.execute("update_collateral_parameters", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		c, err := td.Collateral(index)
		if err != nil {
			return err
		}
		next := *c
		if update.OracleInfoIndex != nil {
			if *update.OracleInfoIndex != oracle.StableIndex {
				if index == registry.ReserveCollateralIndex {
					return cloneerr.Wrap(cloneerr.ErrRequireOnlyStableCollateral, "reserve collateral must stay stable")
				}
				if _, err := td.Oracle(*update.OracleInfoIndex); err != nil {
					return err
				}
			}
			next.OracleInfoIndex = *update.OracleInfoIndex
		}
		if update.CollateralizationRatio != nil {
			if !update.CollateralizationRatio.IsPositive() {
				return registry.ErrInvalidCoefficient
			}
			next.CollateralizationRatio = update.CollateralizationRatio.Rescale(fixed.PCTScale)
		}
		if update.Deprecated != nil {
			next.Deprecated = *update.Deprecated
		}
		*c = next
		return nil
	})
}

// AddPool appends a pool. Admin only.
func (e *Engine) AddPool(caller common.Address, p registry.Pool) (uint8, error) {
	var index uint8
	err := e.execute("add_pool", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		if _, _, exists := td.PoolByMint(p.AssetInfo.OnassetMint); exists {
			return cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "onAsset mint %s already listed", p.AssetInfo.OnassetMint.Hex())
		}
		index, err = td.AddPool(p)
		return err
	})
	return index, err
}

// AddCollateral appends a collateral. Admin only.
func (e *Engine) AddCollateral(caller common.Address, c registry.Collateral) (uint8, error) {
	var index uint8
	err := e.execute("add_collateral", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		index, err = td.AddCollateral(c)
		return err
	})
	return index, err
}

// AddOracleFeed appends an oracle. Admin only.
func (e *Engine) AddOracleFeed(caller, feed common.Address) (uint64, error) {
	var index uint64
	err := e.execute("add_oracle_feed", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		index, err = td.AddOracle(feed)
		return err
	})
	return index, err
}

// RemoveOracleFeed retires an unreferenced oracle. Admin only.
func (e *Engine) RemoveOracleFeed(caller common.Address, index uint64) error {
	return e.execute("remove_oracle_feed", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		return td.RemoveOracle(index)
	})
}

// RemovePool tombstones a pool. Without force the pool must be drained and
// carry no minted supply. Admin only.
func (e *Engine) RemovePool(caller common.Address, index uint8, force bool) error {
	return e.execute("remove_pool", caller, func(tx *txn) error {
		if _, err := tx.requireAdmin(caller); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		return td.RemovePool(index, force)
	})
}

// UpdatePrices refreshes the listed oracles from the configured feed and
// stamps them with the current slot.
func (e *Engine) UpdatePrices(ctx context.Context, indices []uint64) error {
	return e.execute("update_prices", common.Address{}, func(tx *txn) error {
		if e.feed == nil {
			return errNoPriceFeed
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		for _, index := range indices {
			o, err := td.Oracle(index)
			if err != nil {
				return err
			}
			if err := oracle.Refresh(ctx, o, e.feed, e.slot); err != nil {
				return err
			}
		}
		return nil
	})
}

// InitializeUser creates an empty account for addr.
func (e *Engine) InitializeUser(addr common.Address) error {
	return e.execute("initialize_user", addr, func(tx *txn) error {
		if _, err := tx.parameters(); err != nil {
			return err
		}
		if _, ok, err := loadUser(e.state, addr); err != nil {
			return err
		} else if ok {
			return errUserExists
		}
		tx.users[addr] = &User{Authority: addr}
		tx.dirty[addr] = true
		return nil
	})
}

// Deposit credits an external token balance. It stands in for the host
// token program when funding wallets.
func (e *Engine) Deposit(mint, to common.Address, amount fixed.Decimal, scale uint32) error {
	return e.execute("deposit", to, func(tx *txn) error {
		raw, err := amounts(amount, scale)
		if err != nil {
			return err
		}
		return e.ledger.Mint(mint, to, raw)
	})
}

// Parameters returns the global record.
func (e *Engine) Parameters() (Parameters, error) {
	var out Parameters
	err := e.view(func(tx *txn) error {
		params, err := tx.parameters()
		if err != nil {
			return err
		}
		out = *params
		return nil
	})
	return out, err
}

// TokenData returns a snapshot of the registry.
func (e *Engine) TokenData() (*registry.TokenData, error) {
	var out *registry.TokenData
	err := e.view(func(tx *txn) error {
		td, err := tx.tokenData()
		out = td
		return err
	})
	return out, err
}

// Pool returns a snapshot of one pool.
func (e *Engine) Pool(index uint8) (registry.Pool, error) {
	var out registry.Pool
	err := e.view(func(tx *txn) error {
		td, err := tx.tokenData()
		if err != nil {
			return err
		}
		p, err := td.Pool(index)
		if err != nil {
			return err
		}
		out = *p
		return nil
	})
	return out, err
}

// User returns a snapshot of an account.
func (e *Engine) User(addr common.Address) (*User, error) {
	var out *User
	err := e.view(func(tx *txn) error {
		u, err := tx.user(addr)
		out = u
		return err
	})
	return out, err
}

// HealthScore computes addr's comet health at the current slot.
func (e *Engine) HealthScore(addr common.Address) (health.Result, error) {
	var out health.Result
	err := e.view(func(tx *txn) error {
		td, err := tx.tokenData()
		if err != nil {
			return err
		}
		u, err := tx.user(addr)
		if err != nil {
			return err
		}
		out, err = health.Score(&u.Comet, td, e.slot)
		return err
	})
	return out, err
}

// Balance returns owner's balance of mint as a decimal at scale.
func (e *Engine) Balance(mint, owner common.Address, scale uint32) (fixed.Decimal, error) {
	var out fixed.Decimal
	err := e.view(func(tx *txn) error {
		raw, err := e.ledger.Balance(mint, owner)
		if err != nil {
			return err
		}
		out, err = fixed.FromUint256(raw, scale)
		return err
	})
	return out, err
}
