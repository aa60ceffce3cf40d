package health

import (
	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/comet"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/registry"
)

var (
	// FullScore is the score of a comet carrying no risk.
	FullScore = fixed.New(100, 0)
	// FloorScore is the score of a comet that carries risk but has no
	// effective collateral, where the score formula would divide by zero.
	// It sits below any score the formula can produce for a collateralized
	// comet, so such a comet is always liquidatable and any liquidation
	// that restores collateral counts as an improvement.
	FloorScore = fixed.New(-1_000_000_000_000, 0)
)

// Result is a comet's health score with its components. Terms and collateral
// are in reserve units.
type Result struct {
	Score               fixed.Decimal
	ILTerm              fixed.Decimal
	PositionTerm        fixed.Decimal
	EffectiveCollateral fixed.Decimal
}

// Healthy reports score > 0. A score of exactly zero is unhealthy.
func (r Result) Healthy() bool { return r.Score.IsPositive() }

// EffectiveCollateral sums each holding × price × collateralization ratio in
// reserve units. Every non-stable price must be fresh at slot.
func EffectiveCollateral(c *comet.Comet, td *registry.TokenData, slot uint64) (fixed.Decimal, error) {
	total := fixed.Zero(0)
	for _, held := range c.Collaterals {
		if !held.Amount.IsPositive() {
			continue
		}
		col, err := td.Collateral(held.CollateralIndex)
		if err != nil {
			return fixed.Decimal{}, err
		}
		price, err := td.CollateralPrice(held.CollateralIndex, slot)
		if err != nil {
			return fixed.Decimal{}, err
		}
		value, err := held.Amount.Mul(price)
		if err != nil {
			return fixed.Decimal{}, err
		}
		if value, err = value.Mul(col.CollateralizationRatio); err != nil {
			return fixed.Decimal{}, err
		}
		if total, err = total.Add(value); err != nil {
			return fixed.Decimal{}, err
		}
	}
	return total, nil
}

// Score computes the comet's health at slot:
//
//	score = 100 − (il_term + position_term) / effective_collateral
//
// truncated to an integer. A comet with no risk terms scores FullScore
// without consulting collateral prices. A comet with risk terms and zero
// effective collateral scores FloorScore.
func Score(c *comet.Comet, td *registry.TokenData, slot uint64) (Result, error) {
	reserve, err := td.Reserve()
	if err != nil {
		return Result{}, err
	}
	collateralScale := uint32(reserve.Scale)
	res := Result{ILTerm: fixed.Zero(0), PositionTerm: fixed.Zero(0), EffectiveCollateral: fixed.Zero(0)}

	for _, pos := range c.Positions {
		p, err := td.Pool(pos.PoolIndex)
		if err != nil {
			return Result{}, err
		}
		price, err := td.PoolPrice(pos.PoolIndex, slot)
		if err != nil {
			return Result{}, err
		}
		share, err := comet.ILDShare(*p, pos, collateralScale)
		if err != nil {
			return Result{}, err
		}
		debt := share.ClampedDebt()
		onassetValue, err := debt.Onasset.Mul(price)
		if err != nil {
			return Result{}, err
		}
		ilValue, err := debt.Collateral.Add(onassetValue)
		if err != nil {
			return Result{}, err
		}
		ilTerm, err := ilValue.Mul(p.AssetInfo.ILHealthScoreCoefficient)
		if err != nil {
			return Result{}, err
		}
		positionTerm, err := pos.CommittedCollateralLiquidity.Mul(p.AssetInfo.PositionHealthScoreCoefficient)
		if err != nil {
			return Result{}, err
		}
		if res.ILTerm, err = res.ILTerm.Add(ilTerm); err != nil {
			return Result{}, err
		}
		if res.PositionTerm, err = res.PositionTerm.Add(positionTerm); err != nil {
			return Result{}, err
		}
	}

	if res.ILTerm.IsZero() && res.PositionTerm.IsZero() {
		res.Score = FullScore
		return res, nil
	}
	if res.EffectiveCollateral, err = EffectiveCollateral(c, td, slot); err != nil {
		return Result{}, err
	}
	if !res.EffectiveCollateral.IsPositive() {
		res.Score = FloorScore
		return res, nil
	}
	risk, err := res.ILTerm.Add(res.PositionTerm)
	if err != nil {
		return Result{}, err
	}
	loss, err := risk.Div(res.EffectiveCollateral)
	if err != nil {
		return Result{}, err
	}
	score, err := FullScore.Sub(loss)
	if err != nil {
		return Result{}, err
	}
	res.Score = score.Rescale(0)
	return res, nil
}

// RequireHealthy fails with HealthScoreTooLow unless the comet is healthy.
func RequireHealthy(c *comet.Comet, td *registry.TokenData, slot uint64) (Result, error) {
	res, err := Score(c, td, slot)
	if err != nil {
		return Result{}, err
	}
	if !res.Healthy() {
		return res, cloneerr.Wrap(cloneerr.ErrHealthScoreTooLow, "health score %s", res.Score)
	}
	return res, nil
}

// CheckOutcome enforces the liquidation ordering: the final score may not
// exceed maxHealth, and when improvement is required it must rise above the
// starting score.
func CheckOutcome(start, final, maxHealth fixed.Decimal, requireImprovement bool) error {
	if requireImprovement && final.Cmp(start) <= 0 {
		return cloneerr.Wrap(cloneerr.ErrHealthScoreTooLow, "score %s did not improve on %s", final, start)
	}
	if final.Cmp(maxHealth) > 0 {
		return cloneerr.Wrap(cloneerr.ErrLiquidationAmountTooLarge, "score %s above %s", final, maxHealth)
	}
	return nil
}

func bonus(feeBps uint16) (fixed.Decimal, error) {
	return fixed.New(1, 0).Add(fixed.FromBPS(feeBps))
}

// OnassetReward is the reserve collateral paid to a liquidator who burns
// burn onAsset of debt: (1 + fee) × price × burn.
func OnassetReward(burn, poolPrice fixed.Decimal, feeBps uint16, collateralScale uint32) (fixed.Decimal, error) {
	factor, err := bonus(feeBps)
	if err != nil {
		return fixed.Decimal{}, err
	}
	value, err := burn.Mul(poolPrice)
	if err != nil {
		return fixed.Decimal{}, err
	}
	reward, err := value.Mul(factor)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return reward.Rescale(collateralScale), nil
}

// CollateralReward is the reserve collateral paid to a liquidator who covers
// paid collateral of debt: (1 + fee) × paid.
func CollateralReward(paid fixed.Decimal, feeBps uint16, collateralScale uint32) (fixed.Decimal, error) {
	factor, err := bonus(feeBps)
	if err != nil {
		return fixed.Decimal{}, err
	}
	reward, err := paid.Mul(factor)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return reward.Rescale(collateralScale), nil
}

// DiscountedSwap is the exchange of stable collateral for a comet's
// non-stable collateral at a discount to the oracle price.
type DiscountedSwap struct {
	StableIn     fixed.Decimal
	NonstableOut fixed.Decimal
	Price        fixed.Decimal
}

// PriceDiscountedSwap sizes a liquidator's purchase of non-stable collateral
// priced at (1 − discount) × price. The purchase clamps to holdings, and the
// stable leg shrinks to match when it does.
func PriceDiscountedSwap(stableOffered, price, holdings fixed.Decimal, discountBps uint16, stableScale, nonstableScale uint32) (DiscountedSwap, error) {
	if !stableOffered.IsPositive() {
		return DiscountedSwap{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "stable amount must be positive")
	}
	keep, err := fixed.New(1, 0).Sub(fixed.FromBPS(discountBps))
	if err != nil {
		return DiscountedSwap{}, err
	}
	discounted, err := price.Mul(keep)
	if err != nil {
		return DiscountedSwap{}, err
	}
	if !discounted.IsPositive() {
		return DiscountedSwap{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "discounted price not positive")
	}
	out, err := stableOffered.Div(discounted)
	if err != nil {
		return DiscountedSwap{}, err
	}
	swap := DiscountedSwap{
		StableIn:     stableOffered.Rescale(stableScale),
		NonstableOut: out.Rescale(nonstableScale),
		Price:        discounted,
	}
	if swap.NonstableOut.Cmp(holdings) > 0 {
		swap.NonstableOut = holdings.Rescale(nonstableScale)
		in, err := swap.NonstableOut.Mul(discounted)
		if err != nil {
			return DiscountedSwap{}, err
		}
		swap.StableIn = in.Rescale(stableScale)
	}
	if !swap.StableIn.IsPositive() || !swap.NonstableOut.IsPositive() {
		return DiscountedSwap{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "swap rounds to zero")
	}
	return swap, nil
}
