package clone

import (
	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/events"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/pool"
)

// Swap trades reserve collateral against a pool's onAsset. quantity fixes
// the input when quantityIsInput is set and the output otherwise;
// quantityIsCollateral names its unit. threshold is the minimum output for
// exact-in trades and the maximum input for exact-out trades.
func (e *Engine) Swap(user common.Address, poolIndex uint8, quantity fixed.Decimal, quantityIsInput, quantityIsCollateral bool, threshold fixed.Decimal) (pool.SwapSummary, error) {
	var summary pool.SwapSummary
	err := e.execute("swap", user, func(tx *txn) error {
		if err := e.guard(ModuleSwap); err != nil {
			return err
		}
		params, err := tx.parameters()
		if err != nil {
			return err
		}
		td, reserve, scale, err := tx.reserveScale()
		if err != nil {
			return err
		}
		tx.tdDirty = true
		p, err := td.Pool(poolIndex)
		if err != nil {
			return err
		}
		if err := p.RequireActive(); err != nil {
			return err
		}
		price, err := td.PoolPrice(poolIndex, e.slot)
		if err != nil {
			return err
		}
		req := pool.SwapRequest{
			Quantity:             quantity,
			QuantityIsInput:      quantityIsInput,
			QuantityIsCollateral: quantityIsCollateral,
		}
		if summary, err = pool.CalculateSwap(*p, price, req, scale); err != nil {
			return err
		}
		if err := pool.CheckSlippage(summary, threshold); err != nil {
			return err
		}
		if err := pool.ApplySwap(p, summary, price, scale); err != nil {
			return err
		}

		onasset := p.AssetInfo.OnassetMint
		if summary.InputIsCollateral {
			if err := tx.transfer(reserve.Mint, user, reserve.Vault, summary.Input, scale); err != nil {
				return err
			}
			if err := tx.mint(onasset, user, summary.Output); err != nil {
				return err
			}
			if err := tx.mint(onasset, params.Treasury, summary.TreasuryFeesPaid); err != nil {
				return err
			}
		} else {
			if err := tx.burn(onasset, user, summary.Input); err != nil {
				return err
			}
			if err := tx.transfer(reserve.Mint, reserve.Vault, user, summary.Output, scale); err != nil {
				return err
			}
			if err := tx.transfer(reserve.Mint, reserve.Vault, params.Treasury, summary.TreasuryFeesPaid, scale); err != nil {
				return err
			}
		}

		s := summary
		if err := tx.emit(func(id uint64) events.Event {
			return events.SwapEvent{
				EventID:           id,
				User:              user,
				PoolIndex:         poolIndex,
				InputIsCollateral: s.InputIsCollateral,
				Input:             s.Input,
				Output:            s.Output,
				TradingFee:        s.LiquidityFeesPaid,
				TreasuryFee:       s.TreasuryFeesPaid,
			}
		}); err != nil {
			return err
		}
		return tx.emitPoolState(poolIndex, price)
	})
	if err != nil {
		return pool.SwapSummary{}, err
	}
	return summary, nil
}

// wrapAmount truncates amount to the coarser of the underlying and onAsset
// scales so both legs move the same quantity.
func wrapAmount(amount fixed.Decimal, underlyingScale uint32) fixed.Decimal {
	scale := underlyingScale
	if scale > fixed.CloneScale {
		scale = fixed.CloneScale
	}
	return amount.Rescale(scale)
}

// WrapAsset locks amount of a pool's underlying asset and mints the same
// amount of onAsset. It returns the wrapped quantity.
func (e *Engine) WrapAsset(user common.Address, poolIndex uint8, amount fixed.Decimal) (fixed.Decimal, error) {
	var wrapped fixed.Decimal
	err := e.execute("wrap_asset", user, func(tx *txn) error {
		if err := e.guard(ModuleSwap); err != nil {
			return err
		}
		td, err := tx.tokenData()
		if err != nil {
			return err
		}
		p, err := td.Pool(poolIndex)
		if err != nil {
			return err
		}
		if err := p.RequireActive(); err != nil {
			return err
		}
		info := p.AssetInfo
		if info.UnderlyingMint == (common.Address{}) {
			return cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "pool %d has no underlying asset", poolIndex)
		}
		wrapped = wrapAmount(amount, uint32(info.UnderlyingScale))
		if !wrapped.IsPositive() {
			return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "wrap amount must be positive")
		}
		if err := tx.transfer(info.UnderlyingMint, user, info.UnderlyingVault, wrapped, uint32(info.UnderlyingScale)); err != nil {
			return err
		}
		return tx.mint(info.OnassetMint, user, wrapped)
	})
	return wrapped, err
}

// UnwrapOnasset burns onAsset and releases the same amount of the
// underlying asset.
func (e *Engine) UnwrapOnasset(user common.Address, poolIndex uint8, amount fixed.Decimal) (fixed.Decimal, error) {
	var unwrapped fixed.Decimal
	err := e.execute("unwrap_onasset", user, func(tx *txn) error {
		if err := e.guard(ModuleSwap); err != nil {
			return err
		}
		td, err := tx.tokenData()
		if err != nil {
			return err
		}
		p, err := td.Pool(poolIndex)
		if err != nil {
			return err
		}
		if err := p.RequireNotFrozen(); err != nil {
			return err
		}
		info := p.AssetInfo
		if info.UnderlyingMint == (common.Address{}) {
			return cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "pool %d has no underlying asset", poolIndex)
		}
		unwrapped = wrapAmount(amount, uint32(info.UnderlyingScale))
		if !unwrapped.IsPositive() {
			return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "unwrap amount must be positive")
		}
		if err := tx.burn(info.OnassetMint, user, unwrapped); err != nil {
			return err
		}
		return tx.transfer(info.UnderlyingMint, info.UnderlyingVault, user, unwrapped, uint32(info.UnderlyingScale))
	})
	return unwrapped, err
}

// Quote prices a trade between two mints against cached oracle prices
// without changing state.
func (e *Engine) Quote(inputMint, outputMint common.Address, amount fixed.Decimal, mode pool.SwapMode) (pool.Quote, error) {
	var q pool.Quote
	err := e.view(func(tx *txn) error {
		td, err := tx.tokenData()
		if err != nil {
			return err
		}
		q, err = pool.QuoteSwap(td, inputMint, outputMint, amount, mode)
		return err
	})
	return q, err
}
