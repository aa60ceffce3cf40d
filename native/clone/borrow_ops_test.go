package clone

import (
	"testing"

	"github.com/stretchr/testify/require"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/events"
	"cloneprotocol/native/fixed"
)

// openLoan borrows one onAsset (worth 100) against 150 of the 1.50-ratio
// stable collateral, so the backing is 225.
func openLoan(t *testing.T, f *fixture) {
	t.Helper()
	f.fund(stableMint, lp, "150", reserveDecimals)
	index, err := f.engine.InitializeBorrowPosition(lp, goldPool, stableIndex, dec("1"), dec("150"))
	require.NoError(t, err)
	require.Equal(t, 0, index)
}

func TestBorrowCollateralizationInvariant(t *testing.T) {
	f := newFixture(t, "1", "5")
	openLoan(t, f)

	require.Equal(t, "1.00000000", f.balance(onGold, lp, fixed.CloneScale))
	require.Equal(t, "150.000000", f.balance(stableMint, stableVault, reserveDecimals))
	p := f.pool()
	require.Equal(t, "1.00000000", p.TotalMintedAmount.String())
	require.Equal(t, "150.00000000", p.SuppliedMintCollateralAmount.String())

	// 74 x 1.5 = 111 still covers 100.
	require.NoError(t, f.engine.WithdrawCollateralFromBorrow(lp, 0, dec("76")))
	// 66 x 1.5 = 99 does not.
	err := f.engine.WithdrawCollateralFromBorrow(lp, 0, dec("8"))
	require.ErrorIs(t, err, cloneerr.ErrInvalidMintCollateralRatio)

	u := f.user(lp)
	require.Len(t, u.Borrows, 1)
	require.Equal(t, "74.000000", u.Borrows[0].CollateralAmount.String())
	require.Equal(t, "76.000000", f.balance(stableMint, lp, reserveDecimals))

	td, err := f.engine.TokenData()
	require.NoError(t, err)
	require.Equal(t, "74.000000", td.Collaterals[stableIndex].VaultMintSupply.String())
}

func TestBorrowRejectsUndercollateralized(t *testing.T) {
	f := newFixture(t, "1", "5")
	f.fund(stableMint, lp, "60", reserveDecimals)

	_, err := f.engine.InitializeBorrowPosition(lp, goldPool, stableIndex, dec("1"), dec("60"))
	require.ErrorIs(t, err, cloneerr.ErrInvalidMintCollateralRatio)
	require.Equal(t, "60.000000", f.balance(stableMint, lp, reserveDecimals))
	require.Empty(t, f.user(lp).Borrows)
	require.True(t, f.pool().TotalMintedAmount.IsZero())
}

func TestBorrowMoreAndRepay(t *testing.T) {
	f := newFixture(t, "1", "5")
	e := f.engine
	openLoan(t, f)
	f.events.Reset()

	require.NoError(t, e.BorrowMore(lp, 0, dec("1")))
	err := e.BorrowMore(lp, 0, dec("1"))
	require.ErrorIs(t, err, cloneerr.ErrInvalidMintCollateralRatio)
	require.Equal(t, "2.00000000", f.balance(onGold, lp, fixed.CloneScale))

	err = e.AddCollateralToBorrow(lp, 0, dec("0"))
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAmount)

	f.fund(onGold, lp, "3", fixed.CloneScale)
	paid, err := e.PayBorrowDebt(lp, 0, dec("5"))
	require.NoError(t, err)
	require.Equal(t, "2.00000000", paid.String())
	require.Equal(t, "3.00000000", f.balance(onGold, lp, fixed.CloneScale))
	require.True(t, f.pool().TotalMintedAmount.IsZero())

	// A debt-free position may release everything without fresh prices.
	f.slot++
	e.SetSlot(f.slot)
	require.NoError(t, e.WithdrawCollateralFromBorrow(lp, 0, dec("150")))
	require.Empty(t, f.user(lp).Borrows)
	require.Equal(t, "150.000000", f.balance(stableMint, lp, reserveDecimals))

	got := f.events.Events()
	require.Len(t, got, 3)
	last := got[2].(events.BorrowUpdate)
	require.Equal(t, "-150.000000", last.CollateralDelta.String())
	require.False(t, last.IsLiquidation)
}

func TestLiquidateBorrowPosition(t *testing.T) {
	f := newFixture(t, "1", "5")
	e := f.engine
	openLoan(t, f)
	require.NoError(t, e.WithdrawCollateralFromBorrow(lp, 0, dec("76")))
	f.fund(onGold, liquidator, "1", fixed.CloneScale)

	err := e.LiquidateBorrowPosition(liquidator, lp, 0)
	require.ErrorIs(t, err, cloneerr.ErrNotSubjectToLiquidation)
	err = e.LiquidateBorrowPosition(liquidator, lp, 3)
	require.ErrorIs(t, err, cloneerr.ErrInvalidInputPositionIndex)

	f.feed.Set(goldFeed, fixed.New(200, 0))
	f.advance()
	f.events.Reset()

	require.NoError(t, e.LiquidateBorrowPosition(liquidator, lp, 0))
	require.Equal(t, "74.000000", f.balance(stableMint, liquidator, reserveDecimals))
	require.Equal(t, "0.00000000", f.balance(onGold, liquidator, fixed.CloneScale))
	require.Empty(t, f.user(lp).Borrows)
	p := f.pool()
	require.True(t, p.TotalMintedAmount.IsZero())
	require.True(t, p.SuppliedMintCollateralAmount.IsZero())

	got := f.events.Events()
	require.Len(t, got, 1)
	update := got[0].(events.BorrowUpdate)
	require.True(t, update.IsLiquidation)
	require.Equal(t, lp, update.User)
	require.Equal(t, "-74.000000", update.CollateralDelta.String())
	require.Equal(t, "-1.00000000", update.BorrowedDelta.String())
}
