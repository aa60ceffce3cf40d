package clone

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"cloneprotocol/core/state"
	"cloneprotocol/native/borrow"
	"cloneprotocol/native/comet"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/oracle"
	"cloneprotocol/native/registry"
)

var (
	paramsKey    = []byte("clone/params")
	tokenDataKey = []byte("clone/token-data")
	userPrefix   = []byte("clone/user/")
)

func userKey(addr common.Address) []byte {
	return append(append([]byte{}, userPrefix...), addr.Bytes()...)
}

// The stored* records are the RLP layout of the persisted accounts.
// Decimals are kept as their 16-byte binary form so that equal values at
// the same scale always serialize identically.

type storedParameters struct {
	Admin                              common.Address
	Treasury                           common.Address
	CometCollateralILDLiquidatorFeeBps uint16
	CometOnassetILDLiquidatorFeeBps    uint16
	MaxHealthLiquidation               uint64
	LiquidationDiscountRateBps         uint16
	MaxOwnershipPct                    uint64
	EventCounter                       uint64
}

type storedOracle struct {
	Address        common.Address
	Price          []byte
	LastUpdateSlot uint64
	Status         uint8
}

type storedCollateral struct {
	Mint                   common.Address
	Vault                  common.Address
	Scale                  uint8
	OracleInfoIndex        uint64
	CollateralizationRatio []byte
	VaultCometSupply       []byte
	VaultMintSupply        []byte
	Deprecated             bool
}

type storedPool struct {
	CommittedCollateralLiquidity   []byte
	CollateralILD                  []byte
	OnassetILD                     []byte
	TreasuryTradingFeeBps          uint16
	LiquidityTradingFeeBps         uint16
	TotalMintedAmount              []byte
	SuppliedMintCollateralAmount   []byte
	OnassetMint                    common.Address
	OracleInfoIndex                uint64
	ILHealthScoreCoefficient       []byte
	PositionHealthScoreCoefficient []byte
	StableCollateralRatio          []byte
	UnderlyingMint                 common.Address
	UnderlyingVault                common.Address
	UnderlyingScale                uint8
	Status                         uint8
	Removed                        bool
	LivePositions                  uint64
}

type storedTokenData struct {
	Pools       []storedPool
	Collaterals []storedCollateral
	Oracles     []storedOracle
}

type storedCometCollateral struct {
	CollateralIndex uint8
	Amount          []byte
}

type storedPosition struct {
	PoolIndex                    uint8
	CommittedCollateralLiquidity []byte
	CollateralILDRebate          []byte
	OnassetILDRebate             []byte
}

type storedBorrow struct {
	PoolIndex        uint8
	CollateralIndex  uint8
	CollateralAmount []byte
	BorrowedOnasset  []byte
}

type storedUser struct {
	Authority   common.Address
	Collaterals []storedCometCollateral
	Positions   []storedPosition
	Borrows     []storedBorrow
}

// decoder accumulates the first decoding failure so record conversions stay
// linear.
type decoder struct{ err error }

func (d *decoder) dec(raw []byte) fixed.Decimal {
	if d.err != nil {
		return fixed.Decimal{}
	}
	var out fixed.Decimal
	if err := out.UnmarshalBinary(raw); err != nil {
		d.err = err
	}
	return out
}

func enc(d fixed.Decimal) []byte { return d.Bytes() }

func (p Parameters) stored() storedParameters {
	return storedParameters{
		Admin:                              p.Admin,
		Treasury:                           p.Treasury,
		CometCollateralILDLiquidatorFeeBps: p.CometCollateralILDLiquidatorFeeBps,
		CometOnassetILDLiquidatorFeeBps:    p.CometOnassetILDLiquidatorFeeBps,
		MaxHealthLiquidation:               p.MaxHealthLiquidation,
		LiquidationDiscountRateBps:         p.LiquidationDiscountRateBps,
		MaxOwnershipPct:                    p.MaxOwnershipPct,
		EventCounter:                       p.EventCounter,
	}
}

func (s storedParameters) parameters() Parameters {
	return Parameters{
		Admin:                              s.Admin,
		Treasury:                           s.Treasury,
		CometCollateralILDLiquidatorFeeBps: s.CometCollateralILDLiquidatorFeeBps,
		CometOnassetILDLiquidatorFeeBps:    s.CometOnassetILDLiquidatorFeeBps,
		MaxHealthLiquidation:               s.MaxHealthLiquidation,
		LiquidationDiscountRateBps:         s.LiquidationDiscountRateBps,
		MaxOwnershipPct:                    s.MaxOwnershipPct,
		EventCounter:                       s.EventCounter,
	}
}

func encodeTokenData(td *registry.TokenData) storedTokenData {
	out := storedTokenData{
		Pools:       make([]storedPool, 0, len(td.Pools)),
		Collaterals: make([]storedCollateral, 0, len(td.Collaterals)),
		Oracles:     make([]storedOracle, 0, len(td.Oracles)),
	}
	for _, p := range td.Pools {
		out.Pools = append(out.Pools, storedPool{
			CommittedCollateralLiquidity:   enc(p.CommittedCollateralLiquidity),
			CollateralILD:                  enc(p.CollateralILD),
			OnassetILD:                     enc(p.OnassetILD),
			TreasuryTradingFeeBps:          p.TreasuryTradingFeeBps,
			LiquidityTradingFeeBps:         p.LiquidityTradingFeeBps,
			TotalMintedAmount:              enc(p.TotalMintedAmount),
			SuppliedMintCollateralAmount:   enc(p.SuppliedMintCollateralAmount),
			OnassetMint:                    p.AssetInfo.OnassetMint,
			OracleInfoIndex:                p.AssetInfo.OracleInfoIndex,
			ILHealthScoreCoefficient:       enc(p.AssetInfo.ILHealthScoreCoefficient),
			PositionHealthScoreCoefficient: enc(p.AssetInfo.PositionHealthScoreCoefficient),
			StableCollateralRatio:          enc(p.AssetInfo.StableCollateralRatio),
			UnderlyingMint:                 p.AssetInfo.UnderlyingMint,
			UnderlyingVault:                p.AssetInfo.UnderlyingVault,
			UnderlyingScale:                p.AssetInfo.UnderlyingScale,
			Status:                         uint8(p.Status),
			Removed:                        p.Removed,
			LivePositions:                  p.LivePositions,
		})
	}
	for _, c := range td.Collaterals {
		out.Collaterals = append(out.Collaterals, storedCollateral{
			Mint:                   c.Mint,
			Vault:                  c.Vault,
			Scale:                  c.Scale,
			OracleInfoIndex:        c.OracleInfoIndex,
			CollateralizationRatio: enc(c.CollateralizationRatio),
			VaultCometSupply:       enc(c.VaultCometSupply),
			VaultMintSupply:        enc(c.VaultMintSupply),
			Deprecated:             c.Deprecated,
		})
	}
	for _, o := range td.Oracles {
		out.Oracles = append(out.Oracles, storedOracle{
			Address:        o.Address,
			Price:          enc(o.Price),
			LastUpdateSlot: o.LastUpdateSlot,
			Status:         uint8(o.Status),
		})
	}
	return out
}

func (s storedTokenData) tokenData() (*registry.TokenData, error) {
	var d decoder
	td := &registry.TokenData{
		Pools:       make([]registry.Pool, 0, len(s.Pools)),
		Collaterals: make([]registry.Collateral, 0, len(s.Collaterals)),
		Oracles:     make([]oracle.Oracle, 0, len(s.Oracles)),
	}
	for _, p := range s.Pools {
		td.Pools = append(td.Pools, registry.Pool{
			CommittedCollateralLiquidity: d.dec(p.CommittedCollateralLiquidity),
			CollateralILD:                d.dec(p.CollateralILD),
			OnassetILD:                   d.dec(p.OnassetILD),
			TreasuryTradingFeeBps:        p.TreasuryTradingFeeBps,
			LiquidityTradingFeeBps:       p.LiquidityTradingFeeBps,
			TotalMintedAmount:            d.dec(p.TotalMintedAmount),
			SuppliedMintCollateralAmount: d.dec(p.SuppliedMintCollateralAmount),
			AssetInfo: registry.AssetInfo{
				OnassetMint:                    p.OnassetMint,
				OracleInfoIndex:                p.OracleInfoIndex,
				ILHealthScoreCoefficient:       d.dec(p.ILHealthScoreCoefficient),
				PositionHealthScoreCoefficient: d.dec(p.PositionHealthScoreCoefficient),
				StableCollateralRatio:          d.dec(p.StableCollateralRatio),
				UnderlyingMint:                 p.UnderlyingMint,
				UnderlyingVault:                p.UnderlyingVault,
				UnderlyingScale:                p.UnderlyingScale,
			},
			Status:        registry.PoolStatus(p.Status),
			Removed:       p.Removed,
			LivePositions: p.LivePositions,
		})
	}
	for _, c := range s.Collaterals {
		td.Collaterals = append(td.Collaterals, registry.Collateral{
			Mint:                   c.Mint,
			Vault:                  c.Vault,
			Scale:                  c.Scale,
			OracleInfoIndex:        c.OracleInfoIndex,
			CollateralizationRatio: d.dec(c.CollateralizationRatio),
			VaultCometSupply:       d.dec(c.VaultCometSupply),
			VaultMintSupply:        d.dec(c.VaultMintSupply),
			Deprecated:             c.Deprecated,
		})
	}
	for _, o := range s.Oracles {
		td.Oracles = append(td.Oracles, oracle.Oracle{
			Address:        o.Address,
			Price:          d.dec(o.Price),
			LastUpdateSlot: o.LastUpdateSlot,
			Status:         oracle.Status(o.Status),
		})
	}
	if d.err != nil {
		return nil, fmt.Errorf("clone: decode token data: %w", d.err)
	}
	return td, nil
}

func encodeUser(u *User) storedUser {
	out := storedUser{Authority: u.Authority}
	for _, c := range u.Comet.Collaterals {
		out.Collaterals = append(out.Collaterals, storedCometCollateral{CollateralIndex: c.CollateralIndex, Amount: enc(c.Amount)})
	}
	for _, p := range u.Comet.Positions {
		out.Positions = append(out.Positions, storedPosition{
			PoolIndex:                    p.PoolIndex,
			CommittedCollateralLiquidity: enc(p.CommittedCollateralLiquidity),
			CollateralILDRebate:          enc(p.CollateralILDRebate),
			OnassetILDRebate:             enc(p.OnassetILDRebate),
		})
	}
	for _, b := range u.Borrows {
		out.Borrows = append(out.Borrows, storedBorrow{
			PoolIndex:        b.PoolIndex,
			CollateralIndex:  b.CollateralIndex,
			CollateralAmount: enc(b.CollateralAmount),
			BorrowedOnasset:  enc(b.BorrowedOnasset),
		})
	}
	return out
}

func (s storedUser) user() (*User, error) {
	var d decoder
	u := &User{Authority: s.Authority}
	for _, c := range s.Collaterals {
		u.Comet.Collaterals = append(u.Comet.Collaterals, comet.CometCollateral{CollateralIndex: c.CollateralIndex, Amount: d.dec(c.Amount)})
	}
	for _, p := range s.Positions {
		u.Comet.Positions = append(u.Comet.Positions, comet.LiquidityPosition{
			PoolIndex:                    p.PoolIndex,
			CommittedCollateralLiquidity: d.dec(p.CommittedCollateralLiquidity),
			CollateralILDRebate:          d.dec(p.CollateralILDRebate),
			OnassetILDRebate:             d.dec(p.OnassetILDRebate),
		})
	}
	for _, b := range s.Borrows {
		u.Borrows = append(u.Borrows, borrow.Position{
			PoolIndex:        b.PoolIndex,
			CollateralIndex:  b.CollateralIndex,
			CollateralAmount: d.dec(b.CollateralAmount),
			BorrowedOnasset:  d.dec(b.BorrowedOnasset),
		})
	}
	if d.err != nil {
		return nil, fmt.Errorf("clone: decode user %s: %w", s.Authority.Hex(), d.err)
	}
	return u, nil
}

// ErrNotInitialized is returned until Initialize has committed.
var ErrNotInitialized = errors.New("clone: protocol not initialized")

func loadParameters(m *state.Manager) (*Parameters, error) {
	var stored storedParameters
	ok, err := m.KVGet(paramsKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	params := stored.parameters()
	return &params, nil
}

func loadTokenData(m *state.Manager) (*registry.TokenData, error) {
	var stored storedTokenData
	ok, err := m.KVGet(tokenDataKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &registry.TokenData{}, nil
	}
	return stored.tokenData()
}

func loadUser(m *state.Manager, addr common.Address) (*User, bool, error) {
	var stored storedUser
	ok, err := m.KVGet(userKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	u, err := stored.user()
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}
