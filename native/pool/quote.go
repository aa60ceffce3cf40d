package pool

import (
	"github.com/ethereum/go-ethereum/common"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/registry"
)

// Quote is the read-only pricing answer handed to external routers.
type Quote struct {
	PoolIndex uint8
	InAmount  fixed.Decimal
	OutAmount fixed.Decimal
	FeeAmount fixed.Decimal
	FeeMint   common.Address
	FeePct    fixed.Decimal
}

// QuoteSwap prices a trade between inputMint and outputMint using cached
// oracle prices. One side must be the reserve collateral and the other an
// onAsset with a live pool.
func QuoteSwap(td *registry.TokenData, inputMint, outputMint common.Address, amount fixed.Decimal, mode SwapMode) (Quote, error) {
	reserve, err := td.Reserve()
	if err != nil {
		return Quote{}, err
	}
	var (
		onassetMint       common.Address
		inputIsCollateral bool
	)
	switch {
	case inputMint == reserve.Mint && outputMint != reserve.Mint:
		onassetMint, inputIsCollateral = outputMint, true
	case outputMint == reserve.Mint && inputMint != reserve.Mint:
		onassetMint, inputIsCollateral = inputMint, false
	default:
		return Quote{}, cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "unsupported mint pair %s/%s", inputMint.Hex(), outputMint.Hex())
	}
	index, p, ok := td.PoolByMint(onassetMint)
	if !ok {
		return Quote{}, cloneerr.Wrap(cloneerr.ErrInvalidAccountLoaderOwner, "no pool for mint %s", onassetMint.Hex())
	}
	price, err := td.CachedPoolPrice(index)
	if err != nil {
		return Quote{}, err
	}
	req := SwapRequest{Quantity: amount, QuantityIsInput: mode == ExactIn}
	// The fixed side is collateral when it is the input of a collateral-in
	// trade or the output of a collateral-out trade.
	req.QuantityIsCollateral = req.QuantityIsInput == inputIsCollateral
	summary, err := CalculateSwap(*p, price, req, uint32(reserve.Scale))
	if err != nil {
		return Quote{}, err
	}
	fee, err := summary.LiquidityFeesPaid.Add(summary.TreasuryFeesPaid)
	if err != nil {
		return Quote{}, err
	}
	feePct, err := p.LiquidityFeeRate().Add(p.TreasuryFeeRate())
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		PoolIndex: index,
		InAmount:  summary.Input,
		OutAmount: summary.Output,
		FeeAmount: fee,
		FeeMint:   outputMint,
		FeePct:    feePct,
	}, nil
}
