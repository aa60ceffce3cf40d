package observability

import (
	"cloneprotocol/core/events"
)

// Events returns an emitter that folds protocol events into the Protocol
// collectors.
func Events() events.Emitter {
	m := Protocol()
	return events.EmitterFunc(m.Record)
}

// Record updates the collectors for one committed event. Unknown event
// types are ignored.
func (m *ProtocolMetrics) Record(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case events.SwapEvent:
		pool, side := poolLabel(e.PoolIndex), sideLabel(e.InputIsCollateral)
		m.swaps.WithLabelValues(pool, side).Inc()
		m.swapVolume.WithLabelValues(pool, side).Add(e.Input.Abs().Float64())
		m.fees.WithLabelValues(pool, "liquidity").Add(e.TradingFee.Abs().Float64())
		m.fees.WithLabelValues(pool, "treasury").Add(e.TreasuryFee.Abs().Float64())
	case events.PoolState:
		pool := poolLabel(e.PoolIndex)
		m.onassetILD.WithLabelValues(pool).Set(e.OnassetILD.Float64())
		m.collateralILD.WithLabelValues(pool).Set(e.CollateralILD.Float64())
		m.committed.WithLabelValues(pool).Set(e.CommittedCollateralLiquidity.Float64())
		m.poolPrice.WithLabelValues(pool).Set(e.OraclePrice.Float64())
	case events.LiquidityDelta:
		direction := "add"
		if e.CommittedDelta.IsNegative() {
			direction = "withdraw"
		}
		m.liquidity.WithLabelValues(poolLabel(e.PoolIndex), direction).Inc()
	case events.BorrowUpdate:
		kind := "update"
		if e.IsLiquidation {
			kind = "liquidation"
		}
		m.borrows.WithLabelValues(poolLabel(e.PoolIndex), kind).Inc()
	}
}
