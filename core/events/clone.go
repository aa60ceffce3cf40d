package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"cloneprotocol/core/types"
	"cloneprotocol/native/fixed"
)

const (
	// TypeSwap is emitted for every executed swap.
	TypeSwap = "clone.swap"
	// TypePoolState snapshots a pool after any mutation of its counters.
	TypePoolState = "clone.pool_state"
	// TypeLiquidityDelta records committed liquidity entering or leaving a pool.
	TypeLiquidityDelta = "clone.liquidity_delta"
	// TypeBorrowUpdate records changes to a borrow position.
	TypeBorrowUpdate = "clone.borrow_update"
)

// SwapEvent describes a completed trade against a pool.
type SwapEvent struct {
	EventID           uint64
	User              common.Address
	PoolIndex         uint8
	InputIsCollateral bool
	Input             fixed.Decimal
	Output            fixed.Decimal
	TradingFee        fixed.Decimal
	TreasuryFee       fixed.Decimal
}

func (SwapEvent) EventType() string { return TypeSwap }

func (e SwapEvent) Event() *types.Event {
	return &types.Event{
		Type: TypeSwap,
		Attributes: map[string]string{
			"eventId":           formatID(e.EventID),
			"user":              e.User.Hex(),
			"poolIndex":         formatIndex(e.PoolIndex),
			"inputIsCollateral": strconv.FormatBool(e.InputIsCollateral),
			"input":             e.Input.String(),
			"output":            e.Output.String(),
			"tradingFee":        e.TradingFee.String(),
			"treasuryFee":       e.TreasuryFee.String(),
		},
	}
}

// PoolState carries the counters of a pool together with the oracle price
// observed by the emitting operation.
type PoolState struct {
	EventID                      uint64
	PoolIndex                    uint8
	OnassetILD                   fixed.Decimal
	CollateralILD                fixed.Decimal
	CommittedCollateralLiquidity fixed.Decimal
	OraclePrice                  fixed.Decimal
}

func (PoolState) EventType() string { return TypePoolState }

func (e PoolState) Event() *types.Event {
	return &types.Event{
		Type: TypePoolState,
		Attributes: map[string]string{
			"eventId":                      formatID(e.EventID),
			"poolIndex":                    formatIndex(e.PoolIndex),
			"onassetIld":                   e.OnassetILD.String(),
			"collateralIld":                e.CollateralILD.String(),
			"committedCollateralLiquidity": e.CommittedCollateralLiquidity.String(),
			"oraclePrice":                  e.OraclePrice.String(),
		},
	}
}

// LiquidityDelta is signed: positive when liquidity was committed and
// negative when it was withdrawn.
type LiquidityDelta struct {
	EventID        uint64
	User           common.Address
	PoolIndex      uint8
	IsConcentrated bool
	CommittedDelta fixed.Decimal
}

func (LiquidityDelta) EventType() string { return TypeLiquidityDelta }

func (e LiquidityDelta) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityDelta,
		Attributes: map[string]string{
			"eventId":        formatID(e.EventID),
			"user":           e.User.Hex(),
			"poolIndex":      formatIndex(e.PoolIndex),
			"isConcentrated": strconv.FormatBool(e.IsConcentrated),
			"committedDelta": e.CommittedDelta.String(),
		},
	}
}

// BorrowUpdate carries signed deltas applied to a borrow position.
type BorrowUpdate struct {
	EventID         uint64
	User            common.Address
	PoolIndex       uint8
	IsLiquidation   bool
	CollateralDelta fixed.Decimal
	BorrowedDelta   fixed.Decimal
}

func (BorrowUpdate) EventType() string { return TypeBorrowUpdate }

func (e BorrowUpdate) Event() *types.Event {
	return &types.Event{
		Type: TypeBorrowUpdate,
		Attributes: map[string]string{
			"eventId":         formatID(e.EventID),
			"user":            e.User.Hex(),
			"poolIndex":       formatIndex(e.PoolIndex),
			"isLiquidation":   strconv.FormatBool(e.IsLiquidation),
			"collateralDelta": e.CollateralDelta.String(),
			"borrowedDelta":   e.BorrowedDelta.String(),
		},
	}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func formatIndex(idx uint8) string { return strconv.FormatUint(uint64(idx), 10) }
