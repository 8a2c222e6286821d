package metrics

import "expvar"

var (
	HedgeFlushes      = expvar.NewInt("hedge_flushes")
	HedgeOrdersPlaced = expvar.NewInt("hedge_orders_placed")
	HedgeRejects      = expvar.NewInt("hedge_rejects")
	ReconcileRuns     = expvar.NewInt("reconcile_runs")
	ReconcileErrors   = expvar.NewInt("reconcile_errors")
	SettleRuns        = expvar.NewInt("settle_runs")
	SettledPositions  = expvar.NewInt("settled_positions")
)
