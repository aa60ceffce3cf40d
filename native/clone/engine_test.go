package clone

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/events"
	"cloneprotocol/core/state"
	nativecommon "cloneprotocol/native/common"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/oracle"
	"cloneprotocol/native/registry"
	"cloneprotocol/storage"
)

var (
	admin      = common.HexToAddress("0xad")
	treasury   = common.HexToAddress("0x7e")
	lp         = common.HexToAddress("0x11")
	trader     = common.HexToAddress("0x22")
	liquidator = common.HexToAddress("0x33")
	whale      = common.HexToAddress("0x44")

	reserveMint     = common.HexToAddress("0xa0")
	reserveVault    = common.HexToAddress("0xa1")
	stableMint      = common.HexToAddress("0xa2")
	stableVault     = common.HexToAddress("0xa3")
	ethMint         = common.HexToAddress("0xa4")
	ethVault        = common.HexToAddress("0xa5")
	onGold          = common.HexToAddress("0xb0")
	goldMint        = common.HexToAddress("0xc0")
	goldVault       = common.HexToAddress("0xc1")
	goldFeed        = common.HexToAddress("0xf0")
	ethFeed         = common.HexToAddress("0xf1")
	reserveIndex    = uint8(0)
	stableIndex     = uint8(1)
	ethIndex        = uint8(2)
	goldPool        = uint8(0)
	reserveDecimals = uint32(6)
)

func dec(raw string) fixed.Decimal { return fixed.MustFromString(raw) }

func testConfig() Config {
	return Config{
		Admin:                              admin.Hex(),
		Treasury:                           treasury.Hex(),
		CometCollateralILDLiquidatorFeeBps: 500,
		CometOnassetILDLiquidatorFeeBps:    500,
		MaxHealthLiquidation:               20,
		LiquidationDiscountRateBps:         1_000,
	}
}

type fixture struct {
	t       *testing.T
	db      *storage.MemDB
	engine  *Engine
	feed    *oracle.MemoryFeed
	events  *events.Recorder
	slot    uint64
	indices []uint64
}

// newFixture builds a protocol with a stable reserve (scale 6, ratio 1), a
// second stable collateral (ratio 1.50), a non-stable collateral priced at
// 2000 (ratio 0.80) and one pool trading at 100 with 30/20 bps fees.
func newFixture(t *testing.T, ilCoefficient, positionCoefficient string) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	f := &fixture{
		t:       t,
		db:      db,
		engine:  NewEngine(state.NewManager(db)),
		feed:    oracle.NewMemoryFeed(),
		events:  &events.Recorder{},
		indices: []uint64{0, 1},
	}
	f.engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.engine.SetPriceFeed(f.feed)
	f.engine.SetEmitter(f.events)

	e := f.engine
	require.NoError(t, e.Initialize(testConfig()))
	for _, feed := range []common.Address{goldFeed, ethFeed} {
		_, err := e.AddOracleFeed(admin, feed)
		require.NoError(t, err)
	}
	_, err := e.AddCollateral(admin, registry.Collateral{
		Mint: reserveMint, Vault: reserveVault, Scale: 6,
		OracleInfoIndex: oracle.StableIndex, CollateralizationRatio: fixed.New(1, 0),
	})
	require.NoError(t, err)
	_, err = e.AddCollateral(admin, registry.Collateral{
		Mint: stableMint, Vault: stableVault, Scale: 6,
		OracleInfoIndex: oracle.StableIndex, CollateralizationRatio: dec("1.50"),
	})
	require.NoError(t, err)
	_, err = e.AddCollateral(admin, registry.Collateral{
		Mint: ethMint, Vault: ethVault, Scale: 8,
		OracleInfoIndex: 1, CollateralizationRatio: dec("0.80"),
	})
	require.NoError(t, err)
	_, err = e.AddPool(admin, registry.Pool{
		TreasuryTradingFeeBps:  20,
		LiquidityTradingFeeBps: 30,
		AssetInfo: registry.AssetInfo{
			OnassetMint:                    onGold,
			OracleInfoIndex:                0,
			ILHealthScoreCoefficient:       dec(ilCoefficient),
			PositionHealthScoreCoefficient: dec(positionCoefficient),
			UnderlyingMint:                 goldMint,
			UnderlyingVault:                goldVault,
			UnderlyingScale:                6,
		},
	})
	require.NoError(t, err)

	f.feed.Set(goldFeed, fixed.New(100, 0))
	f.feed.Set(ethFeed, fixed.New(2_000, 0))
	f.advance()
	for _, user := range []common.Address{lp, whale} {
		require.NoError(t, e.InitializeUser(user))
	}
	f.events.Reset()
	return f
}

// advance moves to the next slot and refreshes every oracle.
func (f *fixture) advance() {
	f.t.Helper()
	f.slot++
	f.engine.SetSlot(f.slot)
	require.NoError(f.t, f.engine.UpdatePrices(context.Background(), f.indices))
}

func (f *fixture) fund(mint, to common.Address, amount string, scale uint32) {
	f.t.Helper()
	require.NoError(f.t, f.engine.Deposit(mint, to, dec(amount), scale))
}

func (f *fixture) balance(mint, owner common.Address, scale uint32) string {
	f.t.Helper()
	out, err := f.engine.Balance(mint, owner, scale)
	require.NoError(f.t, err)
	return out.String()
}

func (f *fixture) pool() registry.Pool {
	f.t.Helper()
	p, err := f.engine.Pool(goldPool)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) user(addr common.Address) *User {
	f.t.Helper()
	u, err := f.engine.User(addr)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) eventCounter() uint64 {
	f.t.Helper()
	params, err := f.engine.Parameters()
	require.NoError(f.t, err)
	return params.EventCounter
}

// provide deposits amount of reserve collateral into addr's comet and
// commits all of it to the pool.
func (f *fixture) provide(addr common.Address, amount string) {
	f.t.Helper()
	f.fund(reserveMint, addr, amount, reserveDecimals)
	require.NoError(f.t, f.engine.AddCollateralToComet(addr, reserveIndex, dec(amount)))
	require.NoError(f.t, f.engine.AddLiquidityToComet(addr, goldPool, dec(amount)))
}

func TestInitializeOnce(t *testing.T) {
	f := newFixture(t, "1", "5")
	require.ErrorIs(t, f.engine.Initialize(testConfig()), errAlreadyInitialized)
	require.ErrorIs(t, f.engine.InitializeUser(lp), errUserExists)

	cfg := testConfig()
	cfg.Treasury = "nope"
	fresh := NewEngine(state.NewManager(storage.NewMemDB()))
	require.Error(t, fresh.Initialize(cfg))
	_, err := fresh.Parameters()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestAdminOnlyOperations(t *testing.T) {
	f := newFixture(t, "1", "5")
	e := f.engine

	_, err := e.AddOracleFeed(lp, common.HexToAddress("0xf9"))
	require.ErrorIs(t, err, cloneerr.ErrInvalidAccountLoaderOwner)
	err = e.RemovePool(lp, goldPool, true)
	require.ErrorIs(t, err, cloneerr.ErrInvalidAccountLoaderOwner)

	_, err = e.AddPool(admin, registry.Pool{AssetInfo: registry.AssetInfo{OnassetMint: onGold}})
	require.ErrorIs(t, err, cloneerr.ErrInvalidAccountLoaderOwner)

	maxHealth := uint64(30)
	require.NoError(t, e.UpdateParameters(admin, ParametersUpdate{MaxHealthLiquidation: &maxHealth}))
	params, err := e.Parameters()
	require.NoError(t, err)
	require.Equal(t, uint64(30), params.MaxHealthLiquidation)

	badFee := uint16(10_000)
	require.Error(t, e.UpdateParameters(admin, ParametersUpdate{LiquidationDiscountRateBps: &badFee}))
	require.Error(t, e.UpdatePoolParameters(admin, goldPool, PoolUpdate{TreasuryTradingFeeBps: &badFee}))

	err = e.RemoveOracleFeed(admin, 0)
	require.ErrorIs(t, err, registry.ErrOracleReferenced)

	ratio := dec("0.5")
	require.NoError(t, e.UpdateCollateralParameters(admin, ethIndex, CollateralUpdate{CollateralizationRatio: &ratio}))
	ethOracle := uint64(1)
	err = e.UpdateCollateralParameters(admin, reserveIndex, CollateralUpdate{OracleInfoIndex: &ethOracle})
	require.ErrorIs(t, err, cloneerr.ErrRequireOnlyStableCollateral)
}

func TestPoolStatusGates(t *testing.T) {
	f := newFixture(t, "1", "5")
	e := f.engine
	f.provide(lp, "1000")

	frozen := registry.StatusFrozen
	require.NoError(t, e.UpdatePoolParameters(admin, goldPool, PoolUpdate{Status: &frozen}))
	err := e.AddLiquidityToComet(lp, goldPool, dec("1"))
	require.ErrorIs(t, err, cloneerr.ErrStatusPreventsAction)
	err = e.WithdrawLiquidityFromComet(lp, 0, dec("1"))
	require.ErrorIs(t, err, cloneerr.ErrStatusPreventsAction)

	extraction := registry.StatusExtraction
	require.NoError(t, e.UpdatePoolParameters(admin, goldPool, PoolUpdate{Status: &extraction}))
	_, err = e.Swap(trader, goldPool, dec("1"), true, true, fixed.Zero(0))
	require.ErrorIs(t, err, cloneerr.ErrStatusPreventsAction)
	require.NoError(t, e.WithdrawLiquidityFromComet(lp, 0, dec("1")))

	require.NoError(t, e.RemovePool(admin, goldPool, true))
	_, err = e.Swap(trader, goldPool, dec("1"), true, true, fixed.Zero(0))
	require.ErrorIs(t, err, cloneerr.ErrPoolDeprecated)
	active := registry.StatusActive
	require.ErrorIs(t, e.UpdatePoolParameters(admin, goldPool, PoolUpdate{Status: &active}), cloneerr.ErrPoolDeprecated)
}

func TestEventsFollowCommit(t *testing.T) {
	f := newFixture(t, "1", "5")
	f.provide(lp, "1000")

	got := f.events.Events()
	require.Len(t, got, 2)
	delta, ok := got[0].(events.LiquidityDelta)
	require.True(t, ok)
	require.Equal(t, uint64(0), delta.EventID)
	require.Equal(t, "1000.000000", delta.CommittedDelta.String())
	snapshot, ok := got[1].(events.PoolState)
	require.True(t, ok)
	require.Equal(t, uint64(1), snapshot.EventID)
	require.Equal(t, "1000.000000", snapshot.CommittedCollateralLiquidity.String())
	require.Equal(t, "100.00000000", snapshot.OraclePrice.String())
	require.Equal(t, uint64(2), f.eventCounter())

	require.NoError(t, f.engine.WithdrawLiquidityFromComet(lp, 0, dec("400")))
	got = f.events.Events()
	require.Len(t, got, 4)
	withdrawn := got[2].(events.LiquidityDelta)
	require.Equal(t, uint64(2), withdrawn.EventID)
	require.Equal(t, "-400.000000", withdrawn.CommittedDelta.String())
	require.Equal(t, uint64(3), got[3].(events.PoolState).EventID)
}

func TestFailedOperationRevertsEverything(t *testing.T) {
	f := newFixture(t, "1", "5")
	f.provide(lp, "1000000")
	f.fund(reserveMint, trader, "10000", reserveDecimals)
	f.events.Reset()
	counter := f.eventCounter()

	_, err := f.engine.Swap(trader, goldPool, dec("10000"), true, true, dec("99"))
	require.ErrorIs(t, err, cloneerr.ErrSlippageToleranceExceeded)

	require.Equal(t, "10000.000000", f.balance(reserveMint, trader, reserveDecimals))
	require.Equal(t, "1000000.000000", f.balance(reserveMint, reserveVault, reserveDecimals))
	p := f.pool()
	require.True(t, p.CollateralILD.IsZero())
	require.True(t, p.OnassetILD.IsZero())
	require.Empty(t, f.events.Events())
	require.Equal(t, counter, f.eventCounter())
}

func TestStaleOracleRejected(t *testing.T) {
	f := newFixture(t, "1", "5")
	f.provide(lp, "1000000")
	f.fund(reserveMint, trader, "10000", reserveDecimals)
	f.fund(stableMint, trader, "150", reserveDecimals)

	f.slot++
	f.engine.SetSlot(f.slot)

	_, err := f.engine.Swap(trader, goldPool, dec("10000"), true, true, fixed.Zero(0))
	require.ErrorIs(t, err, cloneerr.ErrOutdatedOracle)
	err = f.engine.AddLiquidityToComet(lp, goldPool, dec("1"))
	require.ErrorIs(t, err, cloneerr.ErrOutdatedOracle)
	require.NoError(t, f.engine.InitializeUser(trader))
	_, err = f.engine.InitializeBorrowPosition(trader, goldPool, stableIndex, dec("1"), dec("150"))
	require.ErrorIs(t, err, cloneerr.ErrOutdatedOracle)
	_, err = f.engine.HealthScore(lp)
	require.ErrorIs(t, err, cloneerr.ErrOutdatedOracle)

	// The cached price still serves read-only quotes.
	q, err := f.engine.Quote(reserveMint, onGold, dec("10000"), 0)
	require.NoError(t, err)
	require.Equal(t, "98.51485149", q.OutAmount.String())

	require.NoError(t, f.engine.UpdatePrices(context.Background(), f.indices))
	_, err = f.engine.Swap(trader, goldPool, dec("10000"), true, true, fixed.Zero(0))
	require.NoError(t, err)
}

func TestModulePause(t *testing.T) {
	f := newFixture(t, "1", "5")
	pauses := nativecommon.NewPauseSet(ModuleSwap)
	f.engine.SetPauses(pauses)

	_, err := f.engine.Swap(trader, goldPool, dec("1"), true, true, fixed.Zero(0))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	f.fund(reserveMint, lp, "10", reserveDecimals)
	require.NoError(t, f.engine.AddCollateralToComet(lp, reserveIndex, dec("10")))

	pauses.Pause(ModuleComet)
	err = f.engine.WithdrawCollateralFromComet(lp, reserveIndex, dec("10"))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	pauses.Resume(ModuleComet)
	require.NoError(t, f.engine.WithdrawCollateralFromComet(lp, reserveIndex, dec("10")))
}

func TestStatePersistsAcrossEngines(t *testing.T) {
	f := newFixture(t, "1", "5")
	f.provide(lp, "1000")

	reopened := NewEngine(state.NewManager(f.db))
	reopened.SetSlot(f.slot)
	u, err := reopened.User(lp)
	require.NoError(t, err)
	require.Len(t, u.Comet.Positions, 1)
	require.Equal(t, "1000.000000", u.Comet.Positions[0].CommittedCollateralLiquidity.String())
	require.Equal(t, "1000.000000", u.Comet.CollateralAmount(reserveIndex).String())

	td, err := reopened.TokenData()
	require.NoError(t, err)
	require.Len(t, td.Collaterals, 3)
	require.Equal(t, "0.80", td.Collaterals[ethIndex].CollateralizationRatio.String())
	require.Equal(t, f.slot, td.Oracles[0].LastUpdateSlot)

	res, err := reopened.HealthScore(lp)
	require.NoError(t, err)
	require.Equal(t, "95", res.Score.String())
}

func TestCometCollateralCustody(t *testing.T) {
	f := newFixture(t, "1", "5")
	e := f.engine
	f.fund(reserveMint, lp, "500", reserveDecimals)

	require.NoError(t, e.AddCollateralToComet(lp, reserveIndex, dec("500")))
	require.Equal(t, "0.000000", f.balance(reserveMint, lp, reserveDecimals))
	require.Equal(t, "500.000000", f.balance(reserveMint, reserveVault, reserveDecimals))

	require.NoError(t, e.AddLiquidityToComet(lp, goldPool, dec("100")))
	err := e.WithdrawCollateralFromComet(lp, reserveIndex, dec("600"))
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAmount)
	// Leaving 1 of collateral against 100 committed would score 100 - 500.
	err = e.WithdrawCollateralFromComet(lp, reserveIndex, dec("499"))
	require.ErrorIs(t, err, cloneerr.ErrHealthScoreTooLow)
	require.NoError(t, e.WithdrawCollateralFromComet(lp, reserveIndex, dec("100")))
	require.Equal(t, "100.000000", f.balance(reserveMint, lp, reserveDecimals))

	td, err := e.TokenData()
	require.NoError(t, err)
	require.Equal(t, "400.000000", td.Collaterals[reserveIndex].VaultCometSupply.String())

	err = e.RemoveCometPosition(lp, 0)
	require.Error(t, err)
	require.NoError(t, e.WithdrawLiquidityFromComet(lp, 0, dec("1000")))
	require.Empty(t, f.user(lp).Comet.Positions)
}
