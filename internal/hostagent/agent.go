// Package hostagent schedules polling, delivery and heartbeats for the
// network telemetry agent.
package hostagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-netmon/internal/delivery"
	"github.com/rcourtman/pulse-netmon/internal/hostmetrics"
	"github.com/rcourtman/pulse-netmon/internal/usage"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

const (
	defaultPollInterval      = time.Second
	defaultFlushInterval     = 10 * time.Second
	defaultHeartbeatInterval = time.Minute
	defaultShutdownGrace     = 10 * time.Second
)

// Collector takes one sample of the host's network state.
type Collector interface {
	Poll(ctx context.Context) (hostmetrics.Sample, error)
}

// Sender delivers batches and heartbeats to the collector.
type Sender interface {
	Send(ctx context.Context, batch netmon.Batch) delivery.Result
	Heartbeat(ctx context.Context, hb netmon.Heartbeat) delivery.Result
}

// Cache holds batches that could not be delivered yet.
type Cache interface {
	Load() error
	Add(batch netmon.Batch) error
	DrainAttempt(send func(netmon.Batch) bool) (int, error)
	Persist() error
	Len() int
}

// State is the scheduler's externally visible state.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFlushing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateFlushing:
		return "flushing"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config controls the behaviour of the agent.
type Config struct {
	Collector  Collector
	Attributor usage.Attributor
	Sender     Sender
	Cache      Cache

	AgentID      string
	Hostname     string
	AgentVersion string

	PollInterval      time.Duration
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	// ShutdownGrace bounds how long an in-flight flush may run after Run's
	// context is cancelled.
	ShutdownGrace time.Duration
	// CacheRejected keeps batches the collector refused so they are retried
	// later. When false they are dropped.
	CacheRejected bool

	Logger *zerolog.Logger
}

// Agent owns the usage accumulator and drives every periodic cycle.
type Agent struct {
	cfg        Config
	logger     zerolog.Logger
	collector  Collector
	sender     Sender
	cache      Cache
	acc        *usage.Accumulator
	aggregator *usage.Aggregator
	meta       usage.Meta
	now        func() time.Time

	flushMu  sync.Mutex
	flushing atomic.Bool
	backoff  atomic.Bool
	ready    atomic.Bool
}

// FlushReport summarises one flush cycle.
type FlushReport struct {
	CacheDelivered int
	CacheRemaining int
	WindowSent     bool
	WindowStatus   delivery.Status
	WindowCached   bool
	WindowDropped  bool
}

// New constructs an Agent. Collector, Attributor, Sender and Cache are required.
func New(cfg Config) (*Agent, error) {
	switch {
	case cfg.Collector == nil:
		return nil, errors.New("collector is required")
	case cfg.Attributor == nil:
		return nil, errors.New("attributor is required")
	case cfg.Sender == nil:
		return nil, errors.New("sender is required")
	case cfg.Cache == nil:
		return nil, errors.New("cache is required")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "scheduler").Logger()
	}

	hostname := strings.TrimSpace(cfg.Hostname)
	if hostname == "" {
		if name, err := os.Hostname(); err == nil {
			hostname = strings.TrimSpace(name)
		}
	}
	if hostname == "" {
		hostname = "unknown-host"
	}

	acc := usage.NewAccumulator()
	return &Agent{
		cfg:        cfg,
		logger:     logger,
		collector:  cfg.Collector,
		sender:     cfg.Sender,
		cache:      cfg.Cache,
		acc:        acc,
		aggregator: usage.NewAggregator(cfg.Attributor, acc),
		meta: usage.Meta{
			AgentID:      cfg.AgentID,
			Hostname:     hostname,
			AgentVersion: cfg.AgentVersion,
		},
		now: time.Now,
	}, nil
}

// State reports what the agent is doing right now.
func (a *Agent) State() State {
	switch {
	case a.flushing.Load():
		return StateFlushing
	case a.backoff.Load():
		return StateBackoff
	case a.acc.Len() > 0:
		return StateCollecting
	default:
		return StateIdle
	}
}

// Ready reports whether Run has finished starting up.
func (a *Agent) Ready() bool { return a.ready.Load() }

// Accumulator exposes the open usage window.
func (a *Agent) Accumulator() *usage.Accumulator { return a.acc }

// Run reloads the cache and runs the poll, flush and heartbeat loops until ctx
// is cancelled. The unflushed window is spooled into the cache on the way out.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.cache.Load(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to load cached batches; starting with what could be read")
	}
	cacheEntries.Set(float64(a.cache.Len()))
	a.publishState()

	// Flushes outlive ctx by the grace period so an in-flight delivery can finish.
	flushCtx, cancelFlush := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFlush()
	stopGrace := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(a.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelFlush()
		case <-flushCtx.Done():
		}
	})
	defer stopGrace()

	a.logger.Info().
		Str("agentId", a.meta.AgentID).
		Str("hostname", a.meta.Hostname).
		Dur("pollInterval", a.cfg.PollInterval).
		Dur("flushInterval", a.cfg.FlushInterval).
		Dur("heartbeatInterval", a.cfg.HeartbeatInterval).
		Int("cachedBatches", a.cache.Len()).
		Msg("Agent started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.every(gctx, a.cfg.PollInterval, true, func() { a.pollOnce(gctx) })
		return nil
	})
	g.Go(func() error {
		a.every(gctx, a.cfg.FlushInterval, false, func() { a.Flush(flushCtx) })
		return nil
	})
	g.Go(func() error {
		a.every(gctx, a.cfg.HeartbeatInterval, true, func() { a.heartbeatOnce(gctx) })
		return nil
	})
	a.ready.Store(true)

	err := g.Wait()
	a.ready.Store(false)

	a.spool()
	a.logger.Info().Int("cachedBatches", a.cache.Len()).Msg("Agent stopped")
	return err
}

func (a *Agent) every(ctx context.Context, interval time.Duration, immediate bool, fn func()) {
	if immediate {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Both cases can be ready at once; never start work after shutdown.
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	sample, err := a.collector.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			pollErrorsTotal.Inc()
			a.logger.Warn().Err(err).Msg("Polling failed; skipping tick")
		}
		return
	}

	records := a.aggregator.Observe(ctx, sample.Counters, sample.RemoteIPs())
	a.acc.AddFileEvents(sample.FileEvents...)
	a.acc.SetSystemInfo(sample.System)
	a.acc.SetProcesses(sample.Processes)
	if len(records) > 0 {
		a.publishState()
	}
	a.logger.Trace().Int("records", len(records)).Int("connections", len(sample.Endpoints)).Msg("Poll complete")
}

// Flush drains the cache and then delivers the current window. The window is
// consumed before any network call, so usage observed meanwhile belongs to the
// next window.
func (a *Agent) Flush(ctx context.Context) FlushReport {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.flushing.Store(true)
	a.publishState()
	defer func() {
		a.flushing.Store(false)
		lastFlushTimestamp.Set(float64(a.now().Unix()))
		cacheEntries.Set(float64(a.cache.Len()))
		a.publishState()
	}()

	window := a.acc.Drain()
	var report FlushReport

	transportDown := false
	delivered, err := a.cache.DrainAttempt(func(batch netmon.Batch) bool {
		if transportDown {
			return false
		}
		res := a.sender.Send(ctx, batch)
		batchesTotal.WithLabelValues(sourceCache, res.Status.String()).Inc()
		switch res.Status {
		case delivery.Delivered:
			return true
		case delivery.Rejected:
			if a.cfg.CacheRejected {
				a.logger.Error().Err(res.Err).Int("status", res.StatusCode).Time("batchTimestamp", batch.Timestamp).
					Msg("Collector refused cached batch; keeping it")
				return false
			}
			batchesTotal.WithLabelValues(sourceCache, outcomeDrop).Inc()
			a.logger.Error().Err(res.Err).Int("status", res.StatusCode).Time("batchTimestamp", batch.Timestamp).
				Msg("Collector refused cached batch; dropping it")
			return true
		default:
			transportDown = true
			return false
		}
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to persist cache after drain; will retry next cycle")
	}
	report.CacheDelivered = delivered
	if delivered > 0 {
		a.logger.Info().Int("delivered", delivered).Int("remaining", a.cache.Len()).Msg("Delivered cached batches")
	}

	if !window.Empty() {
		batch := window.Batch(a.meta, a.now())
		var res delivery.Result
		if transportDown {
			// The collector is unreachable this pass; do not spend another retry budget.
			res = delivery.Result{Status: delivery.TransportFailed}
		} else {
			report.WindowSent = true
			res = a.sender.Send(ctx, batch)
			batchesTotal.WithLabelValues(sourceWindow, res.Status.String()).Inc()
		}
		report.WindowStatus = res.Status

		switch res.Status {
		case delivery.Delivered:
			a.logger.Debug().
				Float64("uploadMB", batch.TotalUploadMB).
				Float64("downloadMB", batch.TotalDownloadMB).
				Int("websites", len(batch.Websites)).
				Int("fileEvents", len(batch.FileEvents)).
				Msg("Telemetry batch delivered")
		case delivery.Rejected:
			if a.cfg.CacheRejected {
				a.logger.Error().Err(res.Err).Int("status", res.StatusCode).Msg("Collector refused batch; caching it")
				a.store(batch)
				report.WindowCached = true
			} else {
				batchesTotal.WithLabelValues(sourceWindow, outcomeDrop).Inc()
				a.logger.Error().Err(res.Err).Int("status", res.StatusCode).Msg("Collector refused batch; dropping it")
				report.WindowDropped = true
			}
		default:
			transportDown = true
			a.logger.Warn().Err(res.Err).Int("attempts", res.Attempts).Msg("Collector unreachable; caching batch")
			a.store(batch)
			report.WindowCached = true
		}
	}

	a.backoff.Store(transportDown)
	report.CacheRemaining = a.cache.Len()
	return report
}

func (a *Agent) store(batch netmon.Batch) {
	if err := a.cache.Add(batch); err != nil {
		a.logger.Error().Err(err).Msg("Failed to persist cache; batch kept in memory")
	}
}

// spool moves the open window into the cache so it survives a restart.
func (a *Agent) spool() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	window := a.acc.Drain()
	if !window.Empty() {
		a.store(window.Batch(a.meta, a.now()))
		a.logger.Info().Int("websites", len(window.Records)).Msg("Spooled open window to cache")
	}
	if err := a.cache.Persist(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to persist cache on shutdown")
	}
	cacheEntries.Set(float64(a.cache.Len()))
}

func (a *Agent) heartbeatOnce(ctx context.Context) delivery.Result {
	hb := netmon.Heartbeat{
		AgentID:      a.meta.AgentID,
		Hostname:     a.meta.Hostname,
		AgentVersion: a.meta.AgentVersion,
		Timestamp:    a.now().UTC(),
		CacheSize:    a.cache.Len(),
		State:        a.State().String(),
	}
	res := a.sender.Heartbeat(ctx, hb)
	heartbeatsTotal.WithLabelValues(res.Status.String()).Inc()
	if !res.OK() && ctx.Err() == nil {
		a.logger.Warn().Err(res.Err).Str("status", res.Status.String()).Msg("Heartbeat failed")
	}
	return res
}

func (a *Agent) publishState() {
	recordState(a.State())
}
