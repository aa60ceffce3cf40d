package borrow

import (
	"testing"

	"github.com/stretchr/testify/require"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
)

func parityTerms() Terms {
	return Terms{
		PoolPrice:              fixed.New(1, 0),
		CollateralPrice:        fixed.New(1, 0),
		CollateralizationRatio: fixed.MustFromString("1.50"),
		StableCollateralRatio:  fixed.MustFromString("1.00"),
	}
}

func TestCollateralizationInvariant(t *testing.T) {
	terms := parityTerms()
	p, err := Open(0, 0, fixed.New(150, 0), fixed.New(100, 0), 6, terms)
	require.NoError(t, err)
	require.Equal(t, "150.000000", p.CollateralAmount.String())
	require.Equal(t, "100.00000000", p.BorrowedOnasset.String())

	// 74 × 1.5 = 111 still covers 100.
	require.NoError(t, p.WithdrawCollateral(fixed.New(76, 0), 6))
	require.NoError(t, terms.Check(p))

	// 66 × 1.5 = 99 does not.
	p.CollateralAmount = fixed.New(150, 0).Rescale(6)
	require.NoError(t, p.WithdrawCollateral(fixed.New(84, 0), 6))
	require.ErrorIs(t, terms.Check(p), cloneerr.ErrInvalidMintCollateralRatio)
}

func TestOpenRejectsUndercollateralized(t *testing.T) {
	terms := parityTerms()
	terms.PoolPrice = fixed.New(2, 0)
	_, err := Open(0, 0, fixed.New(150, 0), fixed.New(100, 0), 6, terms)
	require.ErrorIs(t, err, cloneerr.ErrInvalidMintCollateralRatio)

	_, err = Open(0, 0, fixed.New(150, 0), fixed.Zero(0), 6, terms)
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAmount)

	_, err = Open(0, 0, fixed.New(1, 7), fixed.New(1, 0), 6, terms)
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAmount)
}

func TestStableCollateralFloor(t *testing.T) {
	terms := parityTerms()
	terms.StableCollateralRatio = fixed.MustFromString("2.50")
	_, err := Open(0, 0, fixed.New(150, 0), fixed.New(100, 0), 6, terms)
	require.ErrorIs(t, err, cloneerr.ErrInvalidMintCollateralRatio)

	terms.StableCollateralRatio = fixed.MustFromString("2.25")
	_, err = Open(0, 0, fixed.New(150, 0), fixed.New(100, 0), 6, terms)
	require.NoError(t, err)
}

func TestPayAndBorrowMore(t *testing.T) {
	terms := parityTerms()
	p, err := Open(1, 0, fixed.New(150, 0), fixed.New(100, 0), 6, terms)
	require.NoError(t, err)

	require.NoError(t, p.BorrowMore(fixed.New(50, 0), terms))
	require.Equal(t, "150.00000000", p.BorrowedOnasset.String())
	require.ErrorIs(t, p.BorrowMore(fixed.New(100, 0), terms), cloneerr.ErrInvalidMintCollateralRatio)

	p.BorrowedOnasset = fixed.New(150, 0).Rescale(fixed.CloneScale)
	paid, err := p.PayDebt(fixed.New(500, 0))
	require.NoError(t, err)
	require.Equal(t, "150.00000000", paid.String())
	require.True(t, p.BorrowedOnasset.IsZero())

	// Without debt the whole collateral can leave.
	require.NoError(t, p.WithdrawCollateral(fixed.New(150, 0), 6))
	require.True(t, p.IsEmpty())
	require.ErrorIs(t, p.WithdrawCollateral(fixed.New(1, 0), 6), cloneerr.ErrInvalidTokenAmount)
}

func TestCrossPricedRequirement(t *testing.T) {
	terms := Terms{
		PoolPrice:              fixed.New(100, 0),
		CollateralPrice:        fixed.New(2_000, 0),
		CollateralizationRatio: fixed.MustFromString("0.80"),
	}
	// 3 onAsset at 100 = 300 reserve units = 0.15 collateral at 2000.
	required, err := terms.Requirement(fixed.New(3, 0))
	require.NoError(t, err)
	require.True(t, required.Equal(fixed.MustFromString("0.15")))

	ok, err := terms.Sufficient(Position{CollateralAmount: fixed.MustFromString("0.1875"), BorrowedOnasset: fixed.New(3, 0)})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = terms.Sufficient(Position{CollateralAmount: fixed.MustFromString("0.18"), BorrowedOnasset: fixed.New(3, 0)})
	require.NoError(t, err)
	require.False(t, ok)
}
