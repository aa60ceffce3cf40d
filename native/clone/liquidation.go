package clone

import (
	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/comet"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/health"
	"cloneprotocol/native/registry"
)

// CometLiquidation reports the outcome of a comet ILD liquidation.
type CometLiquidation struct {
	Paid        fixed.Decimal
	Reward      fixed.Decimal
	StartScore  fixed.Decimal
	FinalScore  fixed.Decimal
	WithdrawnLP fixed.Decimal
}

// LiquidateCometOnassetILD burns up to amount of the liquidator's onAsset
// against a position's onAsset ILD and pays the liquidator in reserve
// collateral taken from the comet.
func (e *Engine) LiquidateCometOnassetILD(liquidator, user common.Address, positionIndex int, amount fixed.Decimal) (CometLiquidation, error) {
	var out CometLiquidation
	err := e.execute("liquidate_comet_onasset_ild", liquidator, func(tx *txn) error {
		var err error
		out, err = tx.liquidateCometILD(liquidator, user, positionIndex, amount, true)
		return err
	})
	return out, err
}

// LiquidateCometPosition settles either leg of a position's ILD on behalf of
// an unhealthy comet. With payCollateralDebt the liquidator covers collateral
// ILD in reserve collateral; otherwise onAsset ILD is burned.
func (e *Engine) LiquidateCometPosition(liquidator, user common.Address, positionIndex int, amount fixed.Decimal, payCollateralDebt bool) (CometLiquidation, error) {
	var out CometLiquidation
	err := e.execute("liquidate_comet_position", liquidator, func(tx *txn) error {
		var err error
		out, err = tx.liquidateCometILD(liquidator, user, positionIndex, amount, !payCollateralDebt)
		return err
	})
	return out, err
}

func (tx *txn) liquidateCometILD(liquidator, user common.Address, positionIndex int, amount fixed.Decimal, payOnasset bool) (CometLiquidation, error) {
	e := tx.e
	if err := e.guard(ModuleLiquidation); err != nil {
		return CometLiquidation{}, err
	}
	params, err := tx.parameters()
	if err != nil {
		return CometLiquidation{}, err
	}
	td, reserve, scale, err := tx.reserveScale()
	if err != nil {
		return CometLiquidation{}, err
	}
	tx.tdDirty = true
	u, err := tx.mutableUser(user)
	if err != nil {
		return CometLiquidation{}, err
	}
	pos, err := u.Comet.Position(positionIndex)
	if err != nil {
		return CometLiquidation{}, err
	}
	poolIndex := pos.PoolIndex
	p, err := td.Pool(poolIndex)
	if err != nil {
		return CometLiquidation{}, err
	}
	if err := p.RequireLiquidatable(); err != nil {
		return CometLiquidation{}, err
	}
	if u.Comet.HoldsNonStable(td) {
		return CometLiquidation{}, cloneerr.Wrap(cloneerr.ErrRequireOnlyStableCollateral, "comet holds non-stable collateral")
	}
	start, err := health.Score(&u.Comet, td, e.slot)
	if err != nil {
		return CometLiquidation{}, err
	}
	unhealthy := !start.Healthy()
	if !unhealthy && p.Status != registry.StatusLiquidation {
		return CometLiquidation{}, cloneerr.Wrap(cloneerr.ErrNotSubjectToLiquidation, "health score %s", start.Score)
	}
	price, err := td.PoolPrice(poolIndex, e.slot)
	if err != nil {
		return CometLiquidation{}, err
	}

	out := CometLiquidation{StartScore: start.Score, WithdrawnLP: fixed.Zero(scale)}
	if pos.CommittedCollateralLiquidity.IsPositive() {
		w, err := tx.withdrawLiquidity(u, positionIndex, pos.CommittedCollateralLiquidity)
		if err != nil {
			return CometLiquidation{}, err
		}
		out.WithdrawnLP = w.Amount
		if w.Removed {
			return CometLiquidation{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "position carries no ILD")
		}
		if pos, err = u.Comet.Position(positionIndex); err != nil {
			return CometLiquidation{}, err
		}
	}

	share, err := comet.ILDShare(*p, *pos, scale)
	if err != nil {
		return CometLiquidation{}, err
	}
	outstanding := share.Collateral
	if payOnasset {
		outstanding = share.Onasset
	}
	if !outstanding.IsPositive() {
		return CometLiquidation{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "no ILD outstanding on position %d", positionIndex)
	}
	if out.Paid, err = comet.PayILD(p, &u.Comet, positionIndex, amount, payOnasset, scale); err != nil {
		return CometLiquidation{}, err
	}

	if payOnasset {
		if err := tx.burn(p.AssetInfo.OnassetMint, liquidator, out.Paid); err != nil {
			return CometLiquidation{}, err
		}
		out.Reward, err = health.OnassetReward(out.Paid, price, params.CometOnassetILDLiquidatorFeeBps, scale)
	} else {
		if err := tx.transfer(reserve.Mint, liquidator, reserve.Vault, out.Paid, scale); err != nil {
			return CometLiquidation{}, err
		}
		out.Reward, err = health.CollateralReward(out.Paid, params.CometCollateralILDLiquidatorFeeBps, scale)
	}
	if err != nil {
		return CometLiquidation{}, err
	}
	out.Reward = fixed.Min(out.Reward, u.Comet.CollateralAmount(registry.ReserveCollateralIndex)).Rescale(scale)
	if out.Reward.IsPositive() {
		if err := u.Comet.WithdrawCollateral(registry.ReserveCollateralIndex, out.Reward, scale); err != nil {
			return CometLiquidation{}, err
		}
		if err := adjustSupply(&reserve.VaultCometSupply, out.Reward.Neg(), scale); err != nil {
			return CometLiquidation{}, err
		}
		if err := tx.transfer(reserve.Mint, reserve.Vault, liquidator, out.Reward, scale); err != nil {
			return CometLiquidation{}, err
		}
	}

	if pos, err = u.Comet.Position(positionIndex); err != nil {
		return CometLiquidation{}, err
	}
	if pos.IsEmpty() {
		if err := u.Comet.RemovePosition(p, positionIndex); err != nil {
			return CometLiquidation{}, err
		}
	}

	final, err := health.Score(&u.Comet, td, e.slot)
	if err != nil {
		return CometLiquidation{}, err
	}
	out.FinalScore = final.Score
	if unhealthy {
		if err := health.CheckOutcome(start.Score, final.Score, params.MaxHealth(), true); err != nil {
			return CometLiquidation{}, err
		}
	}
	return out, tx.emitPoolState(poolIndex, price)
}

// LiquidateCometNonstableCollateral lets a liquidator buy an unhealthy
// comet's non-stable collateral with reserve collateral at the discounted
// oracle price. stableAmount is the most the liquidator pays.
func (e *Engine) LiquidateCometNonstableCollateral(liquidator, user common.Address, collateralIndex uint8, stableAmount fixed.Decimal) (health.DiscountedSwap, error) {
	var swap health.DiscountedSwap
	err := e.execute("liquidate_comet_nonstable_collateral", liquidator, func(tx *txn) error {
		if err := e.guard(ModuleLiquidation); err != nil {
			return err
		}
		params, err := tx.parameters()
		if err != nil {
			return err
		}
		td, reserve, reserveScale, err := tx.reserveScale()
		if err != nil {
			return err
		}
		tx.tdDirty = true
		col, err := td.Collateral(collateralIndex)
		if err != nil {
			return err
		}
		if col.IsStable() {
			return cloneerr.Wrap(cloneerr.ErrNonStablesNotSupported, "collateral %d is stable", collateralIndex)
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		start, err := health.Score(&u.Comet, td, e.slot)
		if err != nil {
			return err
		}
		if start.Healthy() {
			return cloneerr.Wrap(cloneerr.ErrNotSubjectToLiquidation, "health score %s", start.Score)
		}
		price, err := td.CollateralPrice(collateralIndex, e.slot)
		if err != nil {
			return err
		}
		holdings := u.Comet.CollateralAmount(collateralIndex)
		if !holdings.IsPositive() {
			return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "comet holds no collateral %d", collateralIndex)
		}
		colScale := uint32(col.Scale)
		if swap, err = health.PriceDiscountedSwap(stableAmount, price, holdings, params.LiquidationDiscountRateBps, reserveScale, colScale); err != nil {
			return err
		}

		if err := u.Comet.WithdrawCollateral(collateralIndex, swap.NonstableOut, colScale); err != nil {
			return err
		}
		if err := u.Comet.AddCollateral(registry.ReserveCollateralIndex, swap.StableIn, reserveScale); err != nil {
			return err
		}
		if err := adjustSupply(&col.VaultCometSupply, swap.NonstableOut.Neg(), colScale); err != nil {
			return err
		}
		if err := adjustSupply(&reserve.VaultCometSupply, swap.StableIn, reserveScale); err != nil {
			return err
		}
		if err := tx.transfer(reserve.Mint, liquidator, reserve.Vault, swap.StableIn, reserveScale); err != nil {
			return err
		}
		if err := tx.transfer(col.Mint, col.Vault, liquidator, swap.NonstableOut, colScale); err != nil {
			return err
		}

		final, err := health.Score(&u.Comet, td, e.slot)
		if err != nil {
			return err
		}
		return health.CheckOutcome(start.Score, final.Score, params.MaxHealth(), false)
	})
	return swap, err
}
