package hostagent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_netmon_batches_total",
		Help: "Telemetry batch delivery attempts by source and outcome",
	}, []string{"source", "outcome"})

	heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_netmon_heartbeats_total",
		Help: "Heartbeat pings by outcome",
	}, []string{"outcome"})

	pollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_netmon_poll_errors_total",
		Help: "Polling ticks that failed to read interface counters",
	})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_netmon_cache_entries",
		Help: "Batches waiting in the durable cache",
	})

	agentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_netmon_agent_state",
		Help: "Current scheduler state (1 for the active state)",
	}, []string{"state"})

	lastFlushTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_netmon_last_flush_timestamp_seconds",
		Help: "Unix time of the last completed flush",
	})
)

const (
	sourceCache  = "cache"
	sourceWindow = "window"
	outcomeDrop  = "dropped"
)

func recordState(current State) {
	for _, s := range []State{StateIdle, StateCollecting, StateFlushing, StateBackoff} {
		v := 0.0
		if s == current {
			v = 1
		}
		agentState.WithLabelValues(s.String()).Set(v)
	}
}
