package clone

import (
	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/events"
	"cloneprotocol/native/comet"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/health"
	"cloneprotocol/native/registry"
)

// reserveScale returns the scale every pool's collateral counters use.
func (tx *txn) reserveScale() (*registry.TokenData, *registry.Collateral, uint32, error) {
	td, err := tx.tokenData()
	if err != nil {
		return nil, nil, 0, err
	}
	reserve, err := td.Reserve()
	if err != nil {
		return nil, nil, 0, err
	}
	return td, reserve, uint32(reserve.Scale), nil
}

func adjustSupply(supply *fixed.Decimal, delta fixed.Decimal, scale uint32) error {
	next, err := supply.Add(delta)
	if err != nil {
		return err
	}
	if next.IsNegative() {
		return cloneerr.Wrap(cloneerr.ErrCheckedMath, "vault supply underflow")
	}
	*supply = next.Rescale(scale)
	return nil
}

// AddCollateralToComet moves collateral from the user's wallet into the
// vault and credits the comet.
func (e *Engine) AddCollateralToComet(user common.Address, collateralIndex uint8, amount fixed.Decimal) error {
	return e.execute("add_collateral_to_comet", user, func(tx *txn) error {
		if err := e.guard(ModuleComet); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		col, err := td.Collateral(collateralIndex)
		if err != nil {
			return err
		}
		if col.Deprecated {
			return cloneerr.Wrap(cloneerr.ErrStatusPreventsAction, "collateral %d deprecated", collateralIndex)
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		scale := uint32(col.Scale)
		amount = amount.Rescale(scale)
		if err := u.Comet.AddCollateral(collateralIndex, amount, scale); err != nil {
			return err
		}
		if err := adjustSupply(&col.VaultCometSupply, amount, scale); err != nil {
			return err
		}
		return tx.transfer(col.Mint, user, col.Vault, amount, scale)
	})
}

// WithdrawCollateralFromComet returns free collateral to the user's wallet.
// The comet must remain healthy.
func (e *Engine) WithdrawCollateralFromComet(user common.Address, collateralIndex uint8, amount fixed.Decimal) error {
	return e.execute("withdraw_collateral_from_comet", user, func(tx *txn) error {
		if err := e.guard(ModuleComet); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		col, err := td.Collateral(collateralIndex)
		if err != nil {
			return err
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		scale := uint32(col.Scale)
		amount = amount.Rescale(scale)
		if err := u.Comet.WithdrawCollateral(collateralIndex, amount, scale); err != nil {
			return err
		}
		if err := adjustSupply(&col.VaultCometSupply, amount.Neg(), scale); err != nil {
			return err
		}
		if _, err := health.RequireHealthy(&u.Comet, td, e.slot); err != nil {
			return err
		}
		return tx.transfer(col.Mint, col.Vault, user, amount, scale)
	})
}

// AddLiquidityToComet commits reserve notional from the comet into a pool.
func (e *Engine) AddLiquidityToComet(user common.Address, poolIndex uint8, amount fixed.Decimal) error {
	return e.execute("add_liquidity_to_comet", user, func(tx *txn) error {
		if err := e.guard(ModuleComet); err != nil {
			return err
		}
		params, err := tx.parameters()
		if err != nil {
			return err
		}
		td, _, scale, err := tx.reserveScale()
		if err != nil {
			return err
		}
		tx.tdDirty = true
		p, err := td.Pool(poolIndex)
		if err != nil {
			return err
		}
		price, err := td.PoolPrice(poolIndex, e.slot)
		if err != nil {
			return err
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		amount = amount.Rescale(scale)
		if _, err := comet.AddLiquidity(p, &u.Comet, poolIndex, amount, scale, params.MaxOwnership()); err != nil {
			return err
		}
		if _, err := health.RequireHealthy(&u.Comet, td, e.slot); err != nil {
			return err
		}
		if err := tx.emitLiquidity(user, poolIndex, amount); err != nil {
			return err
		}
		return tx.emitPoolState(poolIndex, price)
	})
}

func (tx *txn) emitLiquidity(user common.Address, poolIndex uint8, delta fixed.Decimal) error {
	return tx.emit(func(id uint64) events.Event {
		return events.LiquidityDelta{
			EventID:        id,
			User:           user,
			PoolIndex:      poolIndex,
			IsConcentrated: true,
			CommittedDelta: delta,
		}
	})
}

// WithdrawLiquidityFromComet releases committed notional from a position.
// Withdrawing more than is committed releases everything.
func (e *Engine) WithdrawLiquidityFromComet(user common.Address, positionIndex int, amount fixed.Decimal) error {
	return e.execute("withdraw_liquidity_from_comet", user, func(tx *txn) error {
		if err := e.guard(ModuleComet); err != nil {
			return err
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		_, err = tx.withdrawLiquidity(u, positionIndex, amount)
		return err
	})
}

// withdrawLiquidity is shared by the user path and liquidations.
func (tx *txn) withdrawLiquidity(u *User, positionIndex int, amount fixed.Decimal) (comet.Withdrawal, error) {
	td, _, scale, err := tx.reserveScale()
	if err != nil {
		return comet.Withdrawal{}, err
	}
	tx.tdDirty = true
	pos, err := u.Comet.Position(positionIndex)
	if err != nil {
		return comet.Withdrawal{}, err
	}
	poolIndex := pos.PoolIndex
	p, err := td.Pool(poolIndex)
	if err != nil {
		return comet.Withdrawal{}, err
	}
	w, err := comet.WithdrawLiquidity(p, &u.Comet, positionIndex, amount, scale)
	if err != nil {
		return comet.Withdrawal{}, err
	}
	price, err := td.CachedPoolPrice(poolIndex)
	if err != nil {
		return comet.Withdrawal{}, err
	}
	if err := tx.emitLiquidity(u.Authority, poolIndex, w.Amount.Neg()); err != nil {
		return comet.Withdrawal{}, err
	}
	return w, tx.emitPoolState(poolIndex, price)
}

// PayILD settles a position's outstanding ILD in onAsset (burned from the
// user's wallet) or collateral (moved into the reserve vault). Payments
// beyond the outstanding share are clamped.
func (e *Engine) PayILD(user common.Address, positionIndex int, amount fixed.Decimal, payOnassetDebt bool) (fixed.Decimal, error) {
	var paid fixed.Decimal
	err := e.execute("pay_ild", user, func(tx *txn) error {
		if err := e.guard(ModuleComet); err != nil {
			return err
		}
		td, reserve, scale, err := tx.reserveScale()
		if err != nil {
			return err
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		pos, err := u.Comet.Position(positionIndex)
		if err != nil {
			return err
		}
		poolIndex := pos.PoolIndex
		p, err := td.Pool(poolIndex)
		if err != nil {
			return err
		}
		if paid, err = comet.PayILD(p, &u.Comet, positionIndex, amount, payOnassetDebt, scale); err != nil {
			return err
		}
		if payOnassetDebt {
			if err := tx.burn(p.AssetInfo.OnassetMint, user, paid); err != nil {
				return err
			}
		} else if err := tx.transfer(reserve.Mint, user, reserve.Vault, paid, scale); err != nil {
			return err
		}
		price, err := td.CachedPoolPrice(poolIndex)
		if err != nil {
			return err
		}
		return tx.emitPoolState(poolIndex, price)
	})
	return paid, err
}

// CollectLPRewards pays out a position's negative ILD shares: onAsset is
// minted to the user and collateral leaves the reserve vault.
func (e *Engine) CollectLPRewards(user common.Address, positionIndex int) (comet.Share, error) {
	var reward comet.Share
	err := e.execute("collect_lp_rewards", user, func(tx *txn) error {
		if err := e.guard(ModuleComet); err != nil {
			return err
		}
		td, reserve, scale, err := tx.reserveScale()
		if err != nil {
			return err
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		pos, err := u.Comet.Position(positionIndex)
		if err != nil {
			return err
		}
		poolIndex := pos.PoolIndex
		p, err := td.Pool(poolIndex)
		if err != nil {
			return err
		}
		if reward, err = comet.CollectRewards(p, &u.Comet, positionIndex, scale); err != nil {
			return err
		}
		if err := tx.mint(p.AssetInfo.OnassetMint, user, reward.Onasset); err != nil {
			return err
		}
		return tx.transfer(reserve.Mint, reserve.Vault, user, reward.Collateral, scale)
	})
	return reward, err
}

// RemoveCometPosition deletes an empty position.
func (e *Engine) RemoveCometPosition(user common.Address, positionIndex int) error {
	return e.execute("remove_comet_position", user, func(tx *txn) error {
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		pos, err := u.Comet.Position(positionIndex)
		if err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
		if err != nil {
			return err
		}
		p, err := td.Pool(pos.PoolIndex)
		if err != nil {
			return err
		}
		return u.Comet.RemovePosition(p, positionIndex)
	})
}
