package comet

import (
	"errors"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/registry"
)

var (
	ErrCometFull        = errors.New("comet: position capacity reached")
	ErrCollateralsFull  = errors.New("comet: collateral capacity reached")
	ErrPositionNotEmpty = errors.New("comet: position not empty")
)

// CometCollateral is one collateral holding inside a comet.
type CometCollateral struct {
	CollateralIndex uint8
	Amount          fixed.Decimal
}

// LiquidityPosition is a user's committed notional in one pool together with
// the ILD it has already settled.
type LiquidityPosition struct {
	PoolIndex                    uint8
	CommittedCollateralLiquidity fixed.Decimal
	CollateralILDRebate          fixed.Decimal
	OnassetILDRebate             fixed.Decimal
}

// IsEmpty reports whether the position carries nothing and may be removed.
func (p LiquidityPosition) IsEmpty() bool {
	return p.CommittedCollateralLiquidity.IsZero() && p.CollateralILDRebate.IsZero() && p.OnassetILDRebate.IsZero()
}

// Comet is a user's concentrated-liquidity portfolio.
type Comet struct {
	Collaterals []CometCollateral
	Positions   []LiquidityPosition
}

// CollateralAmount returns the holding of the given collateral, or zero.
func (c *Comet) CollateralAmount(index uint8) fixed.Decimal {
	for _, held := range c.Collaterals {
		if held.CollateralIndex == index {
			return held.Amount
		}
	}
	return fixed.Zero(0)
}

// HoldsNonStable reports whether any non-reserve collateral with a positive
// balance sits in the comet.
func (c *Comet) HoldsNonStable(td *registry.TokenData) bool {
	for _, held := range c.Collaterals {
		if !held.Amount.IsPositive() {
			continue
		}
		col, err := td.Collateral(held.CollateralIndex)
		if err != nil || !col.IsStable() {
			return true
		}
	}
	return false
}

// AddCollateral credits amount of the collateral at index.
func (c *Comet) AddCollateral(index uint8, amount fixed.Decimal, scale uint32) error {
	if !amount.IsPositive() {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "collateral deposit must be positive")
	}
	amount = amount.Rescale(scale)
	for i := range c.Collaterals {
		if c.Collaterals[i].CollateralIndex != index {
			continue
		}
		sum, err := c.Collaterals[i].Amount.Add(amount)
		if err != nil {
			return err
		}
		c.Collaterals[i].Amount = sum.Rescale(scale)
		return nil
	}
	if len(c.Collaterals) >= registry.NumCollaterals {
		return ErrCollateralsFull
	}
	c.Collaterals = append(c.Collaterals, CometCollateral{CollateralIndex: index, Amount: amount})
	return nil
}

// WithdrawCollateral debits amount from the collateral at index. Entries that
// reach zero are dropped.
func (c *Comet) WithdrawCollateral(index uint8, amount fixed.Decimal, scale uint32) error {
	if !amount.IsPositive() {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "collateral withdrawal must be positive")
	}
	for i := range c.Collaterals {
		if c.Collaterals[i].CollateralIndex != index {
			continue
		}
		if c.Collaterals[i].Amount.Cmp(amount) < 0 {
			return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "withdrawal %s exceeds holding %s", amount, c.Collaterals[i].Amount)
		}
		left, err := c.Collaterals[i].Amount.Sub(amount)
		if err != nil {
			return err
		}
		if left.IsZero() {
			c.Collaterals = append(c.Collaterals[:i], c.Collaterals[i+1:]...)
			return nil
		}
		c.Collaterals[i].Amount = left.Rescale(scale)
		return nil
	}
	return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "collateral %d not held", index)
}

// Position returns the position at idx.
func (c *Comet) Position(idx int) (*LiquidityPosition, error) {
	if idx < 0 || idx >= len(c.Positions) {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidInputPositionIndex, "comet position %d", idx)
	}
	return &c.Positions[idx], nil
}

// PositionFor returns the index of the position in pool, if any.
func (c *Comet) PositionFor(pool uint8) (int, bool) {
	for i := range c.Positions {
		if c.Positions[i].PoolIndex == pool {
			return i, true
		}
	}
	return 0, false
}

// RemovePosition deletes an empty position and releases it from p, the pool
// it refers to. Later positions shift down.
func (c *Comet) RemovePosition(p *registry.Pool, idx int) error {
	pos, err := c.Position(idx)
	if err != nil {
		return err
	}
	if !pos.IsEmpty() {
		return ErrPositionNotEmpty
	}
	c.Positions = append(c.Positions[:idx], c.Positions[idx+1:]...)
	if p.LivePositions > 0 {
		p.LivePositions--
	}
	return nil
}

// Share is a position's outstanding ILD in each unit. Positive values are
// debt, negative values are rewards owed to the LP.
type Share struct {
	Collateral fixed.Decimal
	Onasset    fixed.Decimal
}

// ClampedDebt returns the share with rewards zeroed out.
func (s Share) ClampedDebt() Share {
	return Share{Collateral: s.Collateral.ClampZero(), Onasset: s.Onasset.ClampZero()}
}

// ILDShare computes a position's claim on the pool ILD net of its rebates.
func ILDShare(p registry.Pool, pos LiquidityPosition, collateralScale uint32) (Share, error) {
	collateralClaim := fixed.Zero(collateralScale)
	onassetClaim := fixed.Zero(fixed.CloneScale)
	if p.CommittedCollateralLiquidity.IsPositive() {
		ratio, err := pos.CommittedCollateralLiquidity.Div(p.CommittedCollateralLiquidity)
		if err != nil {
			return Share{}, err
		}
		if collateralClaim, err = p.CollateralILD.Mul(ratio); err != nil {
			return Share{}, err
		}
		if onassetClaim, err = p.OnassetILD.Mul(ratio); err != nil {
			return Share{}, err
		}
	}
	collateralShare, err := collateralClaim.Rescale(collateralScale).Sub(pos.CollateralILDRebate)
	if err != nil {
		return Share{}, err
	}
	onassetShare, err := onassetClaim.Rescale(fixed.CloneScale).Sub(pos.OnassetILDRebate)
	if err != nil {
		return Share{}, err
	}
	return Share{
		Collateral: collateralShare.Rescale(collateralScale),
		Onasset:    onassetShare.Rescale(fixed.CloneScale),
	}, nil
}

// proportional returns amount × part / whole; zero when whole is zero.
func proportional(amount, part, whole fixed.Decimal, scale uint32) (fixed.Decimal, error) {
	if whole.IsZero() {
		return fixed.Zero(scale), nil
	}
	scaled, err := amount.Mul(part)
	if err != nil {
		return fixed.Decimal{}, err
	}
	out, err := scaled.Div(whole)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return out.Rescale(scale), nil
}

// shiftILD adds the same pair of deltas to the pool counters and the
// position rebates, which leaves every position's share unchanged.
func shiftILD(p *registry.Pool, pos *LiquidityPosition, collateralDelta, onassetDelta fixed.Decimal, collateralScale uint32) error {
	poolCollateral, err := p.CollateralILD.Add(collateralDelta)
	if err != nil {
		return err
	}
	poolOnasset, err := p.OnassetILD.Add(onassetDelta)
	if err != nil {
		return err
	}
	rebateCollateral, err := pos.CollateralILDRebate.Add(collateralDelta)
	if err != nil {
		return err
	}
	rebateOnasset, err := pos.OnassetILDRebate.Add(onassetDelta)
	if err != nil {
		return err
	}
	p.CollateralILD = poolCollateral.Rescale(collateralScale)
	p.OnassetILD = poolOnasset.Rescale(fixed.CloneScale)
	pos.CollateralILDRebate = rebateCollateral.Rescale(collateralScale)
	pos.OnassetILDRebate = rebateOnasset.Rescale(fixed.CloneScale)
	return nil
}

// AddLiquidity commits delta of reserve notional from the comet into pool.
// The new notional arrives carrying its proportional slice of the existing
// ILD, booked into both the pool and the position rebates, so virtual
// reserves scale without a price move and no LP's share changes. The
// returned index addresses the position that received the liquidity.
//
// maxOwnership bounds the position's fraction of the pool after the add; a
// non-positive bound disables the check, as does an empty pool.
func AddLiquidity(p *registry.Pool, c *Comet, poolIndex uint8, delta fixed.Decimal, collateralScale uint32, maxOwnership fixed.Decimal) (int, error) {
	if err := p.RequireActive(); err != nil {
		return 0, err
	}
	delta = delta.Rescale(collateralScale)
	if !delta.IsPositive() {
		return 0, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "committed liquidity must be positive")
	}
	idx, ok := c.PositionFor(poolIndex)
	if !ok {
		if len(c.Positions) >= registry.NumPools {
			return 0, ErrCometFull
		}
		c.Positions = append(c.Positions, LiquidityPosition{
			PoolIndex:                    poolIndex,
			CommittedCollateralLiquidity: fixed.Zero(collateralScale),
			CollateralILDRebate:          fixed.Zero(collateralScale),
			OnassetILDRebate:             fixed.Zero(fixed.CloneScale),
		})
		idx = len(c.Positions) - 1
		p.LivePositions++
	}
	pos := &c.Positions[idx]
	wasEmpty := !p.CommittedCollateralLiquidity.IsPositive()

	collateralSeed, err := proportional(p.CollateralILD, delta, p.CommittedCollateralLiquidity, collateralScale)
	if err != nil {
		return 0, err
	}
	onassetSeed, err := proportional(p.OnassetILD, delta, p.CommittedCollateralLiquidity, fixed.CloneScale)
	if err != nil {
		return 0, err
	}
	if err := shiftILD(p, pos, collateralSeed, onassetSeed, collateralScale); err != nil {
		return 0, err
	}

	poolCommitted, err := p.CommittedCollateralLiquidity.Add(delta)
	if err != nil {
		return 0, err
	}
	posCommitted, err := pos.CommittedCollateralLiquidity.Add(delta)
	if err != nil {
		return 0, err
	}
	p.CommittedCollateralLiquidity = poolCommitted.Rescale(collateralScale)
	pos.CommittedCollateralLiquidity = posCommitted.Rescale(collateralScale)

	if !wasEmpty && maxOwnership.IsPositive() {
		ownership, err := pos.CommittedCollateralLiquidity.Div(p.CommittedCollateralLiquidity)
		if err != nil {
			return 0, err
		}
		if ownership.Cmp(maxOwnership) > 0 {
			return 0, cloneerr.Wrap(cloneerr.ErrMaxPoolOwnershipExceeded, "ownership %s above %s", ownership.Rescale(4), maxOwnership)
		}
	}
	return idx, nil
}

// Withdrawal reports what WithdrawLiquidity did.
type Withdrawal struct {
	Amount  fixed.Decimal
	Removed bool
}

// WithdrawLiquidity releases up to amount of committed notional from the
// position. The pool ILD attributable to the withdrawn fraction moves out of
// the pool and out of the position rebates together, so the position keeps
// its outstanding share and the remaining LPs are unaffected. Empty positions
// are removed.
func WithdrawLiquidity(p *registry.Pool, c *Comet, posIdx int, amount fixed.Decimal, collateralScale uint32) (Withdrawal, error) {
	if err := p.RequireNotFrozen(); err != nil {
		return Withdrawal{}, err
	}
	pos, err := c.Position(posIdx)
	if err != nil {
		return Withdrawal{}, err
	}
	amount = fixed.Min(amount.Rescale(collateralScale), pos.CommittedCollateralLiquidity)
	if !amount.IsPositive() {
		return Withdrawal{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "nothing to withdraw")
	}

	collateralSlice, err := proportional(p.CollateralILD, amount, p.CommittedCollateralLiquidity, collateralScale)
	if err != nil {
		return Withdrawal{}, err
	}
	onassetSlice, err := proportional(p.OnassetILD, amount, p.CommittedCollateralLiquidity, fixed.CloneScale)
	if err != nil {
		return Withdrawal{}, err
	}
	if err := shiftILD(p, pos, collateralSlice.Neg(), onassetSlice.Neg(), collateralScale); err != nil {
		return Withdrawal{}, err
	}

	poolCommitted, err := p.CommittedCollateralLiquidity.Sub(amount)
	if err != nil {
		return Withdrawal{}, err
	}
	posCommitted, err := pos.CommittedCollateralLiquidity.Sub(amount)
	if err != nil {
		return Withdrawal{}, err
	}
	p.CommittedCollateralLiquidity = poolCommitted.Rescale(collateralScale)
	pos.CommittedCollateralLiquidity = posCommitted.Rescale(collateralScale)

	out := Withdrawal{Amount: amount}
	if pos.IsEmpty() {
		if err := c.RemovePosition(p, posIdx); err != nil {
			return Withdrawal{}, err
		}
		out.Removed = true
	}
	return out, nil
}

// PayILD settles up to amount of the position's outstanding debt in one
// unit. Overpayment is clamped to the outstanding share; a position with no
// debt in that unit pays nothing. The paid amount is returned.
//
// The payment only grows the position's rebate. The pool ILD counters are
// left untouched: moving both would count the payment twice, and the other
// LPs' shares must not shift when one LP settles. The worked example in the
// protocol notes shows the pool counter dropping too; that reading is not
// followed here.
func PayILD(p *registry.Pool, c *Comet, posIdx int, amount fixed.Decimal, payOnasset bool, collateralScale uint32) (fixed.Decimal, error) {
	if err := p.RequireNotFrozen(); err != nil {
		return fixed.Decimal{}, err
	}
	if !amount.IsPositive() {
		return fixed.Decimal{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "payment must be positive")
	}
	pos, err := c.Position(posIdx)
	if err != nil {
		return fixed.Decimal{}, err
	}
	share, err := ILDShare(*p, *pos, collateralScale)
	if err != nil {
		return fixed.Decimal{}, err
	}
	if payOnasset {
		paid := fixed.Min(amount.Rescale(fixed.CloneScale), share.Onasset.ClampZero())
		rebate, err := pos.OnassetILDRebate.Add(paid)
		if err != nil {
			return fixed.Decimal{}, err
		}
		pos.OnassetILDRebate = rebate.Rescale(fixed.CloneScale)
		return paid.Rescale(fixed.CloneScale), nil
	}
	paid := fixed.Min(amount.Rescale(collateralScale), share.Collateral.ClampZero())
	rebate, err := pos.CollateralILDRebate.Add(paid)
	if err != nil {
		return fixed.Decimal{}, err
	}
	pos.CollateralILDRebate = rebate.Rescale(collateralScale)
	return paid.Rescale(collateralScale), nil
}

// CollectRewards settles negative shares. The returned amounts are what the
// LP is owed in each unit; the rebates are reset so both shares become
// non-negative.
func CollectRewards(p *registry.Pool, c *Comet, posIdx int, collateralScale uint32) (Share, error) {
	if err := p.RequireNotFrozen(); err != nil {
		return Share{}, err
	}
	pos, err := c.Position(posIdx)
	if err != nil {
		return Share{}, err
	}
	share, err := ILDShare(*p, *pos, collateralScale)
	if err != nil {
		return Share{}, err
	}
	reward := Share{Collateral: fixed.Zero(collateralScale), Onasset: fixed.Zero(fixed.CloneScale)}
	if share.Collateral.IsNegative() {
		reward.Collateral = share.Collateral.Neg()
		rebate, err := pos.CollateralILDRebate.Add(share.Collateral)
		if err != nil {
			return Share{}, err
		}
		pos.CollateralILDRebate = rebate.Rescale(collateralScale)
	}
	if share.Onasset.IsNegative() {
		reward.Onasset = share.Onasset.Neg()
		rebate, err := pos.OnassetILDRebate.Add(share.Onasset)
		if err != nil {
			return Share{}, err
		}
		pos.OnassetILDRebate = rebate.Rescale(fixed.CloneScale)
	}
	if reward.Collateral.IsZero() && reward.Onasset.IsZero() {
		return Share{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "no rewards to collect")
	}
	return reward, nil
}
