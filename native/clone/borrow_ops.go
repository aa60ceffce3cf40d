package clone

import (
	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/events"
	"cloneprotocol/native/borrow"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/registry"
)

func (u *User) borrowAt(index int) (*borrow.Position, error) {
	if index < 0 || index >= len(u.Borrows) {
		return nil, cloneerr.Wrap(cloneerr.ErrInvalidInputPositionIndex, "borrow position %d", index)
	}
	return &u.Borrows[index], nil
}

func (u *User) removeBorrow(index int) {
	u.Borrows = append(u.Borrows[:index], u.Borrows[index+1:]...)
}

// borrowTerms loads the prices and ratios a loan is checked against. Both
// oracles must have been refreshed in the current slot.
func borrowTerms(td *registry.TokenData, poolIndex, collateralIndex uint8, slot uint64) (borrow.Terms, error) {
	p, err := td.Pool(poolIndex)
	if err != nil {
		return borrow.Terms{}, err
	}
	col, err := td.Collateral(collateralIndex)
	if err != nil {
		return borrow.Terms{}, err
	}
	poolPrice, err := td.PoolPrice(poolIndex, slot)
	if err != nil {
		return borrow.Terms{}, err
	}
	collateralPrice, err := td.CollateralPrice(collateralIndex, slot)
	if err != nil {
		return borrow.Terms{}, err
	}
	return borrow.Terms{
		PoolPrice:              poolPrice,
		CollateralPrice:        collateralPrice,
		CollateralizationRatio: col.CollateralizationRatio,
		StableCollateralRatio:  p.AssetInfo.StableCollateralRatio,
	}, nil
}

// bookBorrow applies signed deltas to the pool and vault counters that track
// minted supply.
func bookBorrow(p *registry.Pool, col *registry.Collateral, collateralDelta, borrowedDelta fixed.Decimal) error {
	minted, err := p.TotalMintedAmount.Add(borrowedDelta.Rescale(fixed.CloneScale))
	if err != nil {
		return err
	}
	if minted.IsNegative() {
		return cloneerr.Wrap(cloneerr.ErrCheckedMath, "minted supply underflow")
	}
	p.TotalMintedAmount = minted.Rescale(fixed.CloneScale)

	supplied, err := p.SuppliedMintCollateralAmount.Add(collateralDelta.Rescale(fixed.CloneScale))
	if err != nil {
		return err
	}
	// Truncation to CLONE_SCALE can leave the aggregate a unit short of the
	// sum of positions at finer collateral scales.
	p.SuppliedMintCollateralAmount = supplied.ClampZero().Rescale(fixed.CloneScale)

	return adjustSupply(&col.VaultMintSupply, collateralDelta, uint32(col.Scale))
}

func (tx *txn) emitBorrow(user common.Address, poolIndex uint8, liquidation bool, collateralDelta, borrowedDelta fixed.Decimal) error {
	return tx.emit(func(id uint64) events.Event {
		return events.BorrowUpdate{
			EventID:         id,
			User:            user,
			PoolIndex:       poolIndex,
			IsLiquidation:   liquidation,
			CollateralDelta: collateralDelta,
			BorrowedDelta:   borrowedDelta,
		}
	})
}

// borrowContext resolves the records a borrow position refers to.
func (tx *txn) borrowContext(user common.Address, index int) (*User, *borrow.Position, *registry.Pool, *registry.Collateral, error) {
	td, err := tx.mutableTokenData()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	u, err := tx.mutableUser(user)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pos, err := u.borrowAt(index)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	p, err := td.Pool(pos.PoolIndex)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	col, err := td.Collateral(pos.CollateralIndex)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return u, pos, p, col, nil
}

// InitializeBorrowPosition opens a loan: collateral moves into the vault and
// the borrowed onAsset is minted to the user. It returns the position index.
func (e *Engine) InitializeBorrowPosition(user common.Address, poolIndex, collateralIndex uint8, onassetAmount, collateralAmount fixed.Decimal) (int, error) {
	var index int
	err := e.execute("initialize_borrow_position", user, func(tx *txn) error {
		if err := e.guard(ModuleBorrow); err != nil {
			return err
		}
		td, err := tx.mutableTokenData()
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
		col, err := td.Collateral(collateralIndex)
		if err != nil {
			return err
		}
		if col.Deprecated {
			return cloneerr.Wrap(cloneerr.ErrStatusPreventsAction, "collateral %d deprecated", collateralIndex)
		}
		terms, err := borrowTerms(td, poolIndex, collateralIndex, e.slot)
		if err != nil {
			return err
		}
		scale := uint32(col.Scale)
		pos, err := borrow.Open(poolIndex, collateralIndex, collateralAmount, onassetAmount, scale, terms)
		if err != nil {
			return err
		}
		u, err := tx.mutableUser(user)
		if err != nil {
			return err
		}
		u.Borrows = append(u.Borrows, pos)
		index = len(u.Borrows) - 1
		if err := bookBorrow(p, col, pos.CollateralAmount, pos.BorrowedOnasset); err != nil {
			return err
		}
		if err := tx.transfer(col.Mint, user, col.Vault, pos.CollateralAmount, scale); err != nil {
			return err
		}
		if err := tx.mint(p.AssetInfo.OnassetMint, user, pos.BorrowedOnasset); err != nil {
			return err
		}
		return tx.emitBorrow(user, poolIndex, false, pos.CollateralAmount, pos.BorrowedOnasset)
	})
	return index, err
}

// AddCollateralToBorrow tops up a loan's collateral.
func (e *Engine) AddCollateralToBorrow(user common.Address, index int, amount fixed.Decimal) error {
	return e.execute("add_collateral_to_borrow", user, func(tx *txn) error {
		if err := e.guard(ModuleBorrow); err != nil {
			return err
		}
		_, pos, p, col, err := tx.borrowContext(user, index)
		if err != nil {
			return err
		}
		if err := p.RequireNotFrozen(); err != nil {
			return err
		}
		scale := uint32(col.Scale)
		amount = amount.Rescale(scale)
		if err := pos.AddCollateral(amount, scale); err != nil {
			return err
		}
		if err := bookBorrow(p, col, amount, fixed.Zero(fixed.CloneScale)); err != nil {
			return err
		}
		if err := tx.transfer(col.Mint, user, col.Vault, amount, scale); err != nil {
			return err
		}
		return tx.emitBorrow(user, pos.PoolIndex, false, amount, fixed.Zero(fixed.CloneScale))
	})
}

// WithdrawCollateralFromBorrow releases collateral while keeping the loan
// collateralized. A position left with nothing is removed.
func (e *Engine) WithdrawCollateralFromBorrow(user common.Address, index int, amount fixed.Decimal) error {
	return e.execute("withdraw_collateral_from_borrow", user, func(tx *txn) error {
		if err := e.guard(ModuleBorrow); err != nil {
			return err
		}
		u, pos, p, col, err := tx.borrowContext(user, index)
		if err != nil {
			return err
		}
		if err := p.RequireNotFrozen(); err != nil {
			return err
		}
		scale := uint32(col.Scale)
		amount = amount.Rescale(scale)
		if err := pos.WithdrawCollateral(amount, scale); err != nil {
			return err
		}
		if pos.BorrowedOnasset.IsPositive() {
			terms, err := borrowTerms(tx.td, pos.PoolIndex, pos.CollateralIndex, e.slot)
			if err != nil {
				return err
			}
			if err := terms.Check(*pos); err != nil {
				return err
			}
		}
		if err := bookBorrow(p, col, amount.Neg(), fixed.Zero(fixed.CloneScale)); err != nil {
			return err
		}
		if err := tx.transfer(col.Mint, col.Vault, user, amount, scale); err != nil {
			return err
		}
		if err := tx.emitBorrow(user, pos.PoolIndex, false, amount.Neg(), fixed.Zero(fixed.CloneScale)); err != nil {
			return err
		}
		if pos.IsEmpty() {
			u.removeBorrow(index)
		}
		return nil
	})
}

// PayBorrowDebt burns up to amount of the user's onAsset against the loan and
// returns what was repaid.
func (e *Engine) PayBorrowDebt(user common.Address, index int, amount fixed.Decimal) (fixed.Decimal, error) {
	var paid fixed.Decimal
	err := e.execute("pay_borrow_debt", user, func(tx *txn) error {
		if err := e.guard(ModuleBorrow); err != nil {
			return err
		}
		u, pos, p, col, err := tx.borrowContext(user, index)
		if err != nil {
			return err
		}
		if err := p.RequireNotFrozen(); err != nil {
			return err
		}
		if paid, err = pos.PayDebt(amount); err != nil {
			return err
		}
		if err := bookBorrow(p, col, fixed.Zero(uint32(col.Scale)), paid.Neg()); err != nil {
			return err
		}
		if err := tx.burn(p.AssetInfo.OnassetMint, user, paid); err != nil {
			return err
		}
		if err := tx.emitBorrow(user, pos.PoolIndex, false, fixed.Zero(uint32(col.Scale)), paid.Neg()); err != nil {
			return err
		}
		if pos.IsEmpty() {
			u.removeBorrow(index)
		}
		return nil
	})
	return paid, err
}

// BorrowMore mints additional onAsset against existing collateral.
func (e *Engine) BorrowMore(user common.Address, index int, amount fixed.Decimal) error {
	return e.execute("borrow_more", user, func(tx *txn) error {
		if err := e.guard(ModuleBorrow); err != nil {
			return err
		}
		_, pos, p, col, err := tx.borrowContext(user, index)
		if err != nil {
			return err
		}
		if err := p.RequireActive(); err != nil {
			return err
		}
		terms, err := borrowTerms(tx.td, pos.PoolIndex, pos.CollateralIndex, e.slot)
		if err != nil {
			return err
		}
		amount = amount.Rescale(fixed.CloneScale)
		if err := pos.BorrowMore(amount, terms); err != nil {
			return err
		}
		if err := bookBorrow(p, col, fixed.Zero(uint32(col.Scale)), amount); err != nil {
			return err
		}
		if err := tx.mint(p.AssetInfo.OnassetMint, user, amount); err != nil {
			return err
		}
		return tx.emitBorrow(user, pos.PoolIndex, false, fixed.Zero(uint32(col.Scale)), amount)
	})
}

// LiquidateBorrowPosition closes an undercollateralized loan. The liquidator
// burns the full debt and receives the full collateral.
func (e *Engine) LiquidateBorrowPosition(liquidator, user common.Address, index int) error {
	return e.execute("liquidate_borrow_position", liquidator, func(tx *txn) error {
		if err := e.guard(ModuleLiquidation); err != nil {
			return err
		}
		u, pos, p, col, err := tx.borrowContext(user, index)
		if err != nil {
			return err
		}
		if err := p.RequireLiquidatable(); err != nil {
			return err
		}
		terms, err := borrowTerms(tx.td, pos.PoolIndex, pos.CollateralIndex, e.slot)
		if err != nil {
			return err
		}
		ok, err := terms.Sufficient(*pos)
		if err != nil {
			return err
		}
		if ok {
			return cloneerr.Wrap(cloneerr.ErrNotSubjectToLiquidation, "borrow position %d is collateralized", index)
		}
		collateral, debt := pos.CollateralAmount, pos.BorrowedOnasset
		if err := bookBorrow(p, col, collateral.Neg(), debt.Neg()); err != nil {
			return err
		}
		if err := tx.burn(p.AssetInfo.OnassetMint, liquidator, debt); err != nil {
			return err
		}
		if err := tx.transfer(col.Mint, col.Vault, liquidator, collateral, uint32(col.Scale)); err != nil {
			return err
		}
		// Emitted while the index still refers to the liquidated position.
		if err := tx.emitBorrow(user, pos.PoolIndex, true, collateral.Neg(), debt.Neg()); err != nil {
			return err
		}
		u.removeBorrow(index)
		return nil
	})
}
