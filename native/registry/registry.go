package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/oracle"
)

const (
	NumPools       = 64
	NumCollaterals = 16
	NumOracles     = 80

	// ReserveCollateralIndex is the stable collateral that denominates
	// committed liquidity and collateral ILD for every pool.
	ReserveCollateralIndex = 0

	// MaxCollateralScale bounds per-collateral decimals.
	MaxCollateralScale = 18
)

var (
	ErrRegistryFull        = errors.New("registry: capacity reached")
	ErrOracleReferenced    = errors.New("registry: oracle referenced by pool or collateral")
	ErrInvalidFees         = errors.New("registry: trading fees must total less than 100%")
	ErrInvalidScale        = errors.New("registry: collateral scale out of range")
	ErrInvalidCoefficient  = errors.New("registry: coefficient must be positive")
	ErrPoolNotEmpty        = errors.New("registry: pool not empty")
	ErrPoolHasMintedSupply = errors.New("registry: pool has outstanding borrows")
	ErrPoolHasPositions    = errors.New("registry: pool has open comet positions")
)

// PoolStatus gates which operations a pool accepts.
type PoolStatus uint8

const (
	StatusActive PoolStatus = iota
	StatusFrozen
	StatusExtraction
	StatusDeprecation
	StatusLiquidation
)

func (s PoolStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFrozen:
		return "frozen"
	case StatusExtraction:
		return "extraction"
	case StatusDeprecation:
		return "deprecation"
	case StatusLiquidation:
		return "liquidation"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus reverses PoolStatus.String.
func ParseStatus(raw string) (PoolStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, nil
	case "frozen":
		return StatusFrozen, nil
	case "extraction":
		return StatusExtraction, nil
	case "deprecation", "deprecated":
		return StatusDeprecation, nil
	case "liquidation":
		return StatusLiquidation, nil
	default:
		return 0, fmt.Errorf("registry: unknown pool status %q", raw)
	}
}

// AssetInfo describes the onAsset traded in a pool.
type AssetInfo struct {
	OnassetMint                    common.Address
	OracleInfoIndex                uint64
	ILHealthScoreCoefficient       fixed.Decimal
	PositionHealthScoreCoefficient fixed.Decimal
	StableCollateralRatio          fixed.Decimal

	// Underlying asset that wraps 1:1 into the onAsset. The zero address
	// disables wrapping.
	UnderlyingMint  common.Address
	UnderlyingVault common.Address
	UnderlyingScale uint8
}

// Pool carries the committed notional and imbalance counters of an AMM.
type Pool struct {
	CommittedCollateralLiquidity fixed.Decimal
	CollateralILD                fixed.Decimal
	OnassetILD                   fixed.Decimal
	TreasuryTradingFeeBps        uint16
	LiquidityTradingFeeBps       uint16
	TotalMintedAmount            fixed.Decimal
	// SuppliedMintCollateralAmount aggregates borrow collateral at
	// CloneScale, clamped at zero. Truncation can leave it a unit short of
	// the per-position amounts, which remain authoritative.
	SuppliedMintCollateralAmount fixed.Decimal
	AssetInfo                    AssetInfo
	Status                       PoolStatus
	Removed                      bool

	// LivePositions counts comet positions open against the pool. A
	// position whose notional is withdrawn stays live until its ILD is
	// settled and it is removed.
	LivePositions uint64
}

// IsEmpty reports whether committed liquidity and both ILD counters are zero.
func (p Pool) IsEmpty() bool {
	return p.CommittedCollateralLiquidity.IsZero() && p.CollateralILD.IsZero() && p.OnassetILD.IsZero()
}

// LiquidityFeeRate returns the LP fee as a ratio.
func (p Pool) LiquidityFeeRate() fixed.Decimal { return fixed.FromBPS(p.LiquidityTradingFeeBps) }

// TreasuryFeeRate returns the treasury fee as a ratio.
func (p Pool) TreasuryFeeRate() fixed.Decimal { return fixed.FromBPS(p.TreasuryTradingFeeBps) }

// RequireActive admits operations that add risk to the pool.
func (p Pool) RequireActive() error {
	if p.Removed || p.Status == StatusDeprecation {
		return cloneerr.ErrPoolDeprecated
	}
	if p.Status != StatusActive {
		return cloneerr.Wrap(cloneerr.ErrStatusPreventsAction, "pool status %s", p.Status)
	}
	return nil
}

// RequireNotFrozen admits operations that reduce risk.
func (p Pool) RequireNotFrozen() error {
	if p.Status == StatusFrozen {
		return cloneerr.Wrap(cloneerr.ErrStatusPreventsAction, "pool status %s", p.Status)
	}
	return nil
}

// RequireLiquidatable admits liquidations.
func (p Pool) RequireLiquidatable() error {
	if p.Status != StatusActive && p.Status != StatusLiquidation {
		return cloneerr.Wrap(cloneerr.ErrStatusPreventsAction, "pool status %s", p.Status)
	}
	return nil
}

// Collateral is a reserve asset accepted for comets and borrows.
type Collateral struct {
	Mint                   common.Address
	Vault                  common.Address
	Scale                  uint8
	OracleInfoIndex        uint64
	CollateralizationRatio fixed.Decimal
	VaultCometSupply       fixed.Decimal
	VaultMintSupply        fixed.Decimal
	Deprecated             bool
}

// IsStable reports whether the collateral is priced 1:1 against the reserve.
func (c Collateral) IsStable() bool { return c.OracleInfoIndex == oracle.StableIndex }

// TokenData is the global catalog of pools, collaterals and oracles. Entries
// are appended and never reordered, so indices remain stable.
type TokenData struct {
	Pools       []Pool
	Collaterals []Collateral
	Oracles     []oracle.Oracle
}

// Pool returns the pool at index.
func (td *TokenData) Pool(index uint8) (*Pool, error) {
	if int(index) >= len(td.Pools) {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidInputPositionIndex, "pool %d", index)
	}
	return &td.Pools[index], nil
}

// Collateral returns the collateral at index.
func (td *TokenData) Collateral(index uint8) (*Collateral, error) {
	if int(index) >= len(td.Collaterals) {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidInputPositionIndex, "collateral %d", index)
	}
	return &td.Collaterals[index], nil
}

// Reserve returns the collateral every pool is denominated in.
func (td *TokenData) Reserve() (*Collateral, error) {
	return td.Collateral(ReserveCollateralIndex)
}

// Oracle returns the oracle at index.
func (td *TokenData) Oracle(index uint64) (*oracle.Oracle, error) {
	if index >= uint64(len(td.Oracles)) {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidInputPositionIndex, "oracle %d", index)
	}
	return &td.Oracles[index], nil
}

// PoolByMint finds the pool trading the supplied onAsset mint.
func (td *TokenData) PoolByMint(mint common.Address) (uint8, *Pool, bool) {
	for i := range td.Pools {
		if !td.Pools[i].Removed && td.Pools[i].AssetInfo.OnassetMint == mint {
			return uint8(i), &td.Pools[i], true
		}
	}
	return 0, nil, false
}

// PoolPrice returns the onAsset price in reserve units, enforcing oracle
// freshness at slot.
func (td *TokenData) PoolPrice(index uint8, slot uint64) (fixed.Decimal, error) {
	pool, err := td.Pool(index)
	if err != nil {
		return fixed.Decimal{}, err
	}
	o, err := td.Oracle(pool.AssetInfo.OracleInfoIndex)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return o.FreshPrice(slot)
}

// CachedPoolPrice returns the last cached onAsset price without a
// freshness check.
func (td *TokenData) CachedPoolPrice(index uint8) (fixed.Decimal, error) {
	pool, err := td.Pool(index)
	if err != nil {
		return fixed.Decimal{}, err
	}
	o, err := td.Oracle(pool.AssetInfo.OracleInfoIndex)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return o.Price, nil
}

// CollateralPrice returns the collateral price in reserve units. Stable
// collaterals are worth exactly 1 and need no oracle.
func (td *TokenData) CollateralPrice(index uint8, slot uint64) (fixed.Decimal, error) {
	c, err := td.Collateral(index)
	if err != nil {
		return fixed.Decimal{}, err
	}
	if c.IsStable() {
		return fixed.New(1, 0), nil
	}
	o, err := td.Oracle(c.OracleInfoIndex)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return o.FreshPrice(slot)
}

// AddOracle appends a feed and returns its index.
func (td *TokenData) AddOracle(address common.Address) (uint64, error) {
	if len(td.Oracles) >= NumOracles {
		return 0, ErrRegistryFull
	}
	td.Oracles = append(td.Oracles, oracle.Oracle{
		Address: address,
		Price:   fixed.Zero(fixed.CloneScale),
	})
	return uint64(len(td.Oracles) - 1), nil
}

// RemoveOracle retires a feed that nothing references. The slot is kept so
// later indices do not shift.
func (td *TokenData) RemoveOracle(index uint64) error {
	o, err := td.Oracle(index)
	if err != nil {
		return err
	}
	for i := range td.Pools {
		if !td.Pools[i].Removed && td.Pools[i].AssetInfo.OracleInfoIndex == index {
			return fmt.Errorf("%w: pool %d", ErrOracleReferenced, i)
		}
	}
	for i := range td.Collaterals {
		if td.Collaterals[i].OracleInfoIndex == index {
			return fmt.Errorf("%w: collateral %d", ErrOracleReferenced, i)
		}
	}
	*o = oracle.Oracle{Price: fixed.Zero(fixed.CloneScale), Status: oracle.StatusRemoved}
	return nil
}

// AddCollateral appends a collateral. The first collateral becomes the
// reserve and must be stable.
func (td *TokenData) AddCollateral(c Collateral) (uint8, error) {
	if len(td.Collaterals) >= NumCollaterals {
		return 0, ErrRegistryFull
	}
	if c.Scale > MaxCollateralScale {
		return 0, ErrInvalidScale
	}
	if len(td.Collaterals) == ReserveCollateralIndex && !c.IsStable() {
		return 0, cloneerr.Wrap(cloneerr.ErrRequireOnlyStableCollateral, "reserve collateral must be stable")
	}
	if !c.IsStable() {
		if _, err := td.Oracle(c.OracleInfoIndex); err != nil {
			return 0, err
		}
	}
	if !c.CollateralizationRatio.IsPositive() {
		return 0, ErrInvalidCoefficient
	}
	scale := uint32(c.Scale)
	c.CollateralizationRatio = c.CollateralizationRatio.Rescale(fixed.PCTScale)
	c.VaultCometSupply = fixed.Zero(scale)
	c.VaultMintSupply = fixed.Zero(scale)
	td.Collaterals = append(td.Collaterals, c)
	return uint8(len(td.Collaterals) - 1), nil
}

// AddPool appends a pool with zeroed counters.
func (td *TokenData) AddPool(p Pool) (uint8, error) {
	if len(td.Pools) >= NumPools {
		return 0, ErrRegistryFull
	}
	reserve, err := td.Reserve()
	if err != nil {
		return 0, err
	}
	if _, err := td.Oracle(p.AssetInfo.OracleInfoIndex); err != nil {
		return 0, err
	}
	if err := ValidateFees(p.TreasuryTradingFeeBps, p.LiquidityTradingFeeBps); err != nil {
		return 0, err
	}
	if err := ValidateAssetInfo(&p.AssetInfo); err != nil {
		return 0, err
	}
	scale := uint32(reserve.Scale)
	p.CommittedCollateralLiquidity = fixed.Zero(scale)
	p.CollateralILD = fixed.Zero(scale)
	p.OnassetILD = fixed.Zero(fixed.CloneScale)
	p.TotalMintedAmount = fixed.Zero(fixed.CloneScale)
	p.SuppliedMintCollateralAmount = fixed.Zero(fixed.CloneScale)
	p.Status = StatusActive
	p.Removed = false
	p.LivePositions = 0
	td.Pools = append(td.Pools, p)
	return uint8(len(td.Pools) - 1), nil
}

// RemovePool tombstones a pool. Without force the pool must be drained,
// carry no minted supply and have no comet position left open against it.
func (td *TokenData) RemovePool(index uint8, force bool) error {
	pool, err := td.Pool(index)
	if err != nil {
		return err
	}
	if !force {
		if !pool.IsEmpty() {
			return ErrPoolNotEmpty
		}
		if !pool.TotalMintedAmount.IsZero() {
			return ErrPoolHasMintedSupply
		}
		if pool.LivePositions > 0 {
			return ErrPoolHasPositions
		}
	}
	pool.Removed = true
	pool.Status = StatusDeprecation
	return nil
}

// ValidateFees rejects fee pairs that would consume the whole output.
func ValidateFees(treasuryBps, liquidityBps uint16) error {
	if uint32(treasuryBps)+uint32(liquidityBps) >= 10_000 {
		return ErrInvalidFees
	}
	return nil
}

// ValidateAssetInfo normalises coefficients to their canonical scale. A zero
// overcollateralization floor defaults to 1.00.
func ValidateAssetInfo(info *AssetInfo) error {
	if info.ILHealthScoreCoefficient.IsNegative() || info.PositionHealthScoreCoefficient.IsNegative() {
		return ErrInvalidCoefficient
	}
	if info.StableCollateralRatio.IsZero() {
		info.StableCollateralRatio = fixed.New(100, fixed.PCTScale)
	}
	if !info.StableCollateralRatio.IsPositive() {
		return ErrInvalidCoefficient
	}
	info.ILHealthScoreCoefficient = info.ILHealthScoreCoefficient.Rescale(fixed.PCTScale)
	info.PositionHealthScoreCoefficient = info.PositionHealthScoreCoefficient.Rescale(fixed.PCTScale)
	info.StableCollateralRatio = info.StableCollateralRatio.Rescale(fixed.PCTScale)
	return nil
}
