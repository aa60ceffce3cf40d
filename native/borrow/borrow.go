package borrow

import (
	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
)

// Position is an overcollateralized onAsset loan.
type Position struct {
	PoolIndex        uint8
	CollateralIndex  uint8
	CollateralAmount fixed.Decimal
	BorrowedOnasset  fixed.Decimal
}

// IsEmpty reports whether both collateral and debt are zero.
func (p Position) IsEmpty() bool {
	return p.CollateralAmount.IsZero() && p.BorrowedOnasset.IsZero()
}

// Terms are the prices and ratios the collateralization invariant is checked
// against. Prices are in reserve units.
type Terms struct {
	PoolPrice              fixed.Decimal
	CollateralPrice        fixed.Decimal
	CollateralizationRatio fixed.Decimal
	StableCollateralRatio  fixed.Decimal
}

// Requirement returns borrowed × pool_price / collateral_price × floor, the
// haircut collateral value a loan of that size needs.
func (t Terms) Requirement(borrowed fixed.Decimal) (fixed.Decimal, error) {
	if !t.CollateralPrice.IsPositive() {
		return fixed.Decimal{}, cloneerr.Wrap(cloneerr.ErrCheckedMath, "collateral price must be positive")
	}
	value, err := borrowed.Mul(t.PoolPrice)
	if err != nil {
		return fixed.Decimal{}, err
	}
	if value, err = value.Div(t.CollateralPrice); err != nil {
		return fixed.Decimal{}, err
	}
	floor := t.StableCollateralRatio
	if floor.IsZero() {
		floor = fixed.New(1, 0)
	}
	return value.Mul(floor)
}

// Backing returns collateral × collateralization_ratio.
func (t Terms) Backing(collateral fixed.Decimal) (fixed.Decimal, error) {
	return collateral.Mul(t.CollateralizationRatio)
}

// Sufficient reports whether the position satisfies the invariant.
func (t Terms) Sufficient(p Position) (bool, error) {
	if !p.BorrowedOnasset.IsPositive() {
		return true, nil
	}
	backing, err := t.Backing(p.CollateralAmount)
	if err != nil {
		return false, err
	}
	required, err := t.Requirement(p.BorrowedOnasset)
	if err != nil {
		return false, err
	}
	return backing.Cmp(required) >= 0, nil
}

// Check fails with InvalidMintCollateralRatio when the position is
// undercollateralized.
func (t Terms) Check(p Position) error {
	ok, err := t.Sufficient(p)
	if err != nil {
		return err
	}
	if !ok {
		return cloneerr.Wrap(cloneerr.ErrInvalidMintCollateralRatio, "collateral %s cannot back %s borrowed", p.CollateralAmount, p.BorrowedOnasset)
	}
	return nil
}

// Open builds a position and validates it against terms.
func Open(poolIndex, collateralIndex uint8, collateral, borrowed fixed.Decimal, collateralScale uint32, t Terms) (Position, error) {
	if !collateral.IsPositive() || !borrowed.IsPositive() {
		return Position{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "collateral and borrow must be positive")
	}
	p := Position{
		PoolIndex:        poolIndex,
		CollateralIndex:  collateralIndex,
		CollateralAmount: collateral.Rescale(collateralScale),
		BorrowedOnasset:  borrowed.Rescale(fixed.CloneScale),
	}
	if p.CollateralAmount.IsZero() || p.BorrowedOnasset.IsZero() {
		return Position{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "amount below token precision")
	}
	if err := t.Check(p); err != nil {
		return Position{}, err
	}
	return p, nil
}

// AddCollateral credits collateral. It can only improve the position.
func (p *Position) AddCollateral(amount fixed.Decimal, collateralScale uint32) error {
	amount = amount.Rescale(collateralScale)
	if !amount.IsPositive() {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "collateral deposit must be positive")
	}
	sum, err := p.CollateralAmount.Add(amount)
	if err != nil {
		return err
	}
	p.CollateralAmount = sum.Rescale(collateralScale)
	return nil
}

// WithdrawCollateral debits collateral. Callers holding debt must re-check
// the invariant afterwards.
func (p *Position) WithdrawCollateral(amount fixed.Decimal, collateralScale uint32) error {
	amount = amount.Rescale(collateralScale)
	if !amount.IsPositive() {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "collateral withdrawal must be positive")
	}
	if amount.Cmp(p.CollateralAmount) > 0 {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "withdrawal %s exceeds collateral %s", amount, p.CollateralAmount)
	}
	left, err := p.CollateralAmount.Sub(amount)
	if err != nil {
		return err
	}
	p.CollateralAmount = left.Rescale(collateralScale)
	return nil
}

// PayDebt reduces the loan by up to amount and returns what was repaid.
func (p *Position) PayDebt(amount fixed.Decimal) (fixed.Decimal, error) {
	amount = amount.Rescale(fixed.CloneScale)
	if !amount.IsPositive() {
		return fixed.Decimal{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "repayment must be positive")
	}
	paid := fixed.Min(amount, p.BorrowedOnasset)
	left, err := p.BorrowedOnasset.Sub(paid)
	if err != nil {
		return fixed.Decimal{}, err
	}
	p.BorrowedOnasset = left.Rescale(fixed.CloneScale)
	return paid, nil
}

// BorrowMore extends the loan and validates the result against terms.
func (p *Position) BorrowMore(amount fixed.Decimal, t Terms) error {
	amount = amount.Rescale(fixed.CloneScale)
	if !amount.IsPositive() {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "borrow must be positive")
	}
	sum, err := p.BorrowedOnasset.Add(amount)
	if err != nil {
		return err
	}
	p.BorrowedOnasset = sum.Rescale(fixed.CloneScale)
	return t.Check(*p)
}
