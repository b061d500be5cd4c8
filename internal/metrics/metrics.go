package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Synchronizer counters, partitioned by offering symbol where it applies.

var (
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "RPC calls by method and outcome class",
	}, []string{"method", "status"})

	WindowsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "scanner",
		Name:      "windows_total",
		Help:      "Block windows fetched and committed",
	}, []string{"offering", "mode"})

	WindowShrinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "scanner",
		Name:      "window_shrinks_total",
		Help:      "Window size reductions after a recoverable fetch error",
	}, []string{"offering"})

	GapSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "scanner",
		Name:      "gap_skips_total",
		Help:      "Single blocks skipped after shrinking to a one-block window",
	}, []string{"offering"})

	CursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgersync",
		Subsystem: "scanner",
		Name:      "cursor_block",
		Help:      "Last committed block per offering",
	}, []string{"offering"})

	Contributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "pipeline",
		Name:      "contributions_total",
		Help:      "Contribution events by outcome (inserted, duplicate, unknown_wallet, decode_error)",
	}, []string{"offering", "outcome"})

	UnresolvedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "currency",
		Name:      "unresolved_tokens_total",
		Help:      "Token metadata lookups that fell back to derived symbol and 18 decimals",
	})
)
