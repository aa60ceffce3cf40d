package pool

import (
	"fmt"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/registry"
)

// SwapMode selects which side of a trade the caller fixes.
type SwapMode uint8

const (
	ExactIn SwapMode = iota
	ExactOut
)

func (m SwapMode) String() string {
	if m == ExactOut {
		return "exact_out"
	}
	return "exact_in"
}

// Reserves are the just-in-time virtual balances a pool trades against.
type Reserves struct {
	Collateral fixed.Decimal
	Onasset    fixed.Decimal
}

// VirtualReserves derives the pool's reserves from committed liquidity, the
// ILD counters and the onAsset price (reserve units per onAsset).
func VirtualReserves(p registry.Pool, price fixed.Decimal, collateralScale uint32) (Reserves, error) {
	if !price.IsPositive() {
		return Reserves{}, cloneerr.Wrap(cloneerr.ErrPoolEmpty, "non-positive oracle price")
	}
	vc, err := p.CommittedCollateralLiquidity.Sub(p.CollateralILD)
	if err != nil {
		return Reserves{}, err
	}
	notional, err := p.CommittedCollateralLiquidity.Div(price)
	if err != nil {
		return Reserves{}, err
	}
	vo, err := notional.Sub(p.OnassetILD)
	if err != nil {
		return Reserves{}, err
	}
	return Reserves{
		Collateral: vc.Rescale(collateralScale),
		Onasset:    vo.Rescale(fixed.CloneScale),
	}, nil
}

// Operable reports whether both reserves are strictly positive.
func (r Reserves) Operable() bool {
	return r.Collateral.IsPositive() && r.Onasset.IsPositive()
}

// SwapSummary is the priced outcome of a trade. Input and Output are the
// amounts that move between the user and the protocol; Output is net of
// both fees.
type SwapSummary struct {
	Mode              SwapMode
	InputIsCollateral bool
	Result            fixed.Decimal
	Input             fixed.Decimal
	Output            fixed.Decimal
	LiquidityFeesPaid fixed.Decimal
	TreasuryFeesPaid  fixed.Decimal
}

// SwapRequest names the fixed side of a trade.
type SwapRequest struct {
	Quantity             fixed.Decimal
	QuantityIsInput      bool
	QuantityIsCollateral bool
}

// InputIsCollateral reports the trade direction implied by the request.
func (r SwapRequest) InputIsCollateral() bool {
	return r.QuantityIsInput == r.QuantityIsCollateral
}

// Mode maps the request to ExactIn or ExactOut.
func (r SwapRequest) Mode() SwapMode {
	if r.QuantityIsInput {
		return ExactIn
	}
	return ExactOut
}

// CalculateSwap prices a trade against the pool's virtual reserves. All
// returned amounts are truncated toward zero at their canonical scale.
func CalculateSwap(p registry.Pool, price fixed.Decimal, req SwapRequest, collateralScale uint32) (SwapSummary, error) {
	if !req.Quantity.IsPositive() {
		return SwapSummary{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "quantity must be positive")
	}
	reserves, err := VirtualReserves(p, price, collateralScale)
	if err != nil {
		return SwapSummary{}, err
	}
	if !reserves.Operable() {
		return SwapSummary{}, cloneerr.ErrPoolEmpty
	}

	inputIsCollateral := req.InputIsCollateral()
	inReserve, outReserve := reserves.Onasset, reserves.Collateral
	inScale, outScale := uint32(fixed.CloneScale), collateralScale
	if inputIsCollateral {
		inReserve, outReserve = reserves.Collateral, reserves.Onasset
		inScale, outScale = collateralScale, fixed.CloneScale
	}
	invariant, err := reserves.Collateral.Mul(reserves.Onasset)
	if err != nil {
		return SwapSummary{}, err
	}
	liqRate := p.LiquidityFeeRate()
	trsRate := p.TreasuryFeeRate()

	summary := SwapSummary{Mode: req.Mode(), InputIsCollateral: inputIsCollateral}
	var gross fixed.Decimal
	if req.QuantityIsInput {
		in := req.Quantity.Rescale(inScale)
		newIn, err := inReserve.Add(in)
		if err != nil {
			return SwapSummary{}, err
		}
		remaining, err := invariant.Div(newIn)
		if err != nil {
			return SwapSummary{}, err
		}
		if gross, err = outReserve.Sub(remaining); err != nil {
			return SwapSummary{}, err
		}
		gross = gross.Rescale(outScale)
		if summary.LiquidityFeesPaid, err = feeOn(gross, liqRate, outScale); err != nil {
			return SwapSummary{}, err
		}
		if summary.TreasuryFeesPaid, err = feeOn(gross, trsRate, outScale); err != nil {
			return SwapSummary{}, err
		}
		net, err := subAll(gross, summary.LiquidityFeesPaid, summary.TreasuryFeesPaid)
		if err != nil {
			return SwapSummary{}, err
		}
		summary.Input = in
		summary.Output = net.Rescale(outScale)
		summary.Result = summary.Output
	} else {
		out := req.Quantity.Rescale(outScale)
		totalRate, err := liqRate.Add(trsRate)
		if err != nil {
			return SwapSummary{}, err
		}
		keep, err := fixed.New(1, 0).Sub(totalRate)
		if err != nil {
			return SwapSummary{}, err
		}
		if !keep.IsPositive() {
			return SwapSummary{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "fees consume entire output")
		}
		if gross, err = out.Div(keep); err != nil {
			return SwapSummary{}, err
		}
		if gross.Cmp(outReserve) >= 0 {
			return SwapSummary{}, cloneerr.Wrap(cloneerr.ErrPoolEmpty, "requested output exceeds reserves")
		}
		newOut, err := outReserve.Sub(gross)
		if err != nil {
			return SwapSummary{}, err
		}
		required, err := invariant.Div(newOut)
		if err != nil {
			return SwapSummary{}, err
		}
		in, err := required.Sub(inReserve)
		if err != nil {
			return SwapSummary{}, err
		}
		if summary.LiquidityFeesPaid, err = feeOn(gross, liqRate, outScale); err != nil {
			return SwapSummary{}, err
		}
		if summary.TreasuryFeesPaid, err = feeOn(gross, trsRate, outScale); err != nil {
			return SwapSummary{}, err
		}
		summary.Input = in.Rescale(inScale)
		summary.Output = out
		summary.Result = summary.Input
	}

	if !summary.Result.IsPositive() || !summary.Output.IsPositive() {
		return SwapSummary{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "swap result rounds to zero")
	}
	// Every trade pays both fees. A pool configured with a zero fee cannot
	// be traded against.
	if !summary.LiquidityFeesPaid.IsPositive() {
		return SwapSummary{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "liquidity fee rounds to zero")
	}
	if !summary.TreasuryFeesPaid.IsPositive() {
		return SwapSummary{}, cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "treasury fee rounds to zero")
	}
	return summary, nil
}

func feeOn(amount, rate fixed.Decimal, scale uint32) (fixed.Decimal, error) {
	fee, err := amount.Mul(rate)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return fee.Rescale(scale), nil
}

func subAll(from fixed.Decimal, parts ...fixed.Decimal) (fixed.Decimal, error) {
	out := from
	for _, part := range parts {
		var err error
		if out, err = out.Sub(part); err != nil {
			return fixed.Decimal{}, err
		}
	}
	return out, nil
}

// CheckSlippage enforces the caller's bound: a minimum output for ExactIn
// and a maximum input for ExactOut.
func CheckSlippage(s SwapSummary, threshold fixed.Decimal) error {
	switch s.Mode {
	case ExactIn:
		if s.Result.Cmp(threshold) < 0 {
			return cloneerr.Wrap(cloneerr.ErrSlippageToleranceExceeded, "output %s below minimum %s", s.Result, threshold)
		}
	case ExactOut:
		if s.Result.Cmp(threshold) > 0 {
			return cloneerr.Wrap(cloneerr.ErrSlippageToleranceExceeded, "input %s above maximum %s", s.Result, threshold)
		}
	default:
		return fmt.Errorf("pool: unknown swap mode %d", s.Mode)
	}
	return nil
}

// ApplySwap books a priced trade into the pool's ILD counters: the input side
// falls by the deposited amount, the output side rises by the net output plus
// the treasury fee. The liquidity fee stays with LPs.
func ApplySwap(p *registry.Pool, s SwapSummary, price fixed.Decimal, collateralScale uint32) error {
	outflow, err := s.Output.Add(s.TreasuryFeesPaid)
	if err != nil {
		return err
	}
	if s.InputIsCollateral {
		collateralILD, err := p.CollateralILD.Sub(s.Input)
		if err != nil {
			return err
		}
		onassetILD, err := p.OnassetILD.Add(outflow)
		if err != nil {
			return err
		}
		p.CollateralILD = collateralILD.Rescale(collateralScale)
		p.OnassetILD = onassetILD.Rescale(fixed.CloneScale)
	} else {
		onassetILD, err := p.OnassetILD.Sub(s.Input)
		if err != nil {
			return err
		}
		collateralILD, err := p.CollateralILD.Add(outflow)
		if err != nil {
			return err
		}
		p.OnassetILD = onassetILD.Rescale(fixed.CloneScale)
		p.CollateralILD = collateralILD.Rescale(collateralScale)
	}
	after, err := VirtualReserves(*p, price, collateralScale)
	if err != nil {
		return err
	}
	if !after.Operable() {
		return cloneerr.Wrap(cloneerr.ErrPoolEmpty, "swap would exhaust reserves")
	}
	return nil
}
