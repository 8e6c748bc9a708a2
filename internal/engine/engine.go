// Package engine is grid-watcher's facade: it wires the bloom filters,
// behavioral analyzer, mitigation engine, metrics, and logger into the
// single verdict function process_packet, plus the worker pool and
// background loops that keep the ledger and statistics current. Grounded on
// the teacher's daemon wiring style (one struct owning its collaborators,
// constructed once in main, started/stopped cooperatively) generalized to
// the ten-step pipeline and control surface.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iolloyd/gridwatcher/internal/behavior"
	"github.com/iolloyd/gridwatcher/internal/bloom"
	"github.com/iolloyd/gridwatcher/internal/config"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/lockfree"
	"github.com/iolloyd/gridwatcher/internal/logger"
	"github.com/iolloyd/gridwatcher/internal/metrics"
	"github.com/iolloyd/gridwatcher/internal/mitigation"
	"github.com/iolloyd/gridwatcher/internal/modbus"
	"github.com/iolloyd/gridwatcher/internal/scada"
)

const (
	jobQueueCapacity = 32768
	cleanupInterval  = 60 * time.Second
	monitorInterval  = 30 * time.Second
	modbusPort       = 502
)

// PacketJob is a unit of work submitted to the worker pool: the raw packet
// fields plus a result cell the owning worker publishes with a
// release-ordered store once process_packet returns. Callers poll Done with
// an acquire-ordered load.
type PacketJob struct {
	Payload  []byte
	Src      ipv4.Endpoint
	Dst      ipv4.Endpoint
	SrcPort  uint16
	DstPort  uint16
	Received time.Time

	done    atomic.Bool
	allowed atomic.Bool
}

// Done reports whether the worker pool has produced a verdict for this job.
func (j *PacketJob) Done() bool { return j.done.Load() }

// Allowed returns the verdict once Done reports true; undefined before
// that.
func (j *PacketJob) Allowed() bool { return j.allowed.Load() }

func (j *PacketJob) publish(allowed bool) {
	j.allowed.Store(allowed)
	j.done.Store(true)
}

// Engine is the fully wired detection core.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   config.DetectionConfig

	whitelistBloom *bloom.Filter
	blocklistBloom *bloom.Filter
	whitelistMu    sync.Mutex
	whitelist      map[uint32]bool

	analyzer   *behavior.Analyzer
	mitigation *mitigation.Engine
	metrics    *metrics.Manager
	stats      *metrics.Statistics
	log        *logger.Logger
	modbus     modbus.Parser

	queue   *lockfree.MPMC[*PacketJob]
	workers int

	running    atomic.Bool
	stopOnce   sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	queueFull atomic.Uint64

	alertHandlersMu sync.Mutex
	alertHandlers   []AlertHandler
}

// AlertHandler is invoked synchronously, once per ThreatAlert, after
// mitigation has decided that alert's action. Used by internal/web to
// broadcast alerts to its websocket feed without polling. Handlers must not
// call back into ProcessPacket.
type AlertHandler func(alert scada.ThreatAlert, action mitigation.Action)

// OnAlert registers a callback fired for every ThreatAlert the analyzer
// produces, after mitigation has acted on it.
func (e *Engine) OnAlert(h AlertHandler) {
	e.alertHandlersMu.Lock()
	e.alertHandlers = append(e.alertHandlers, h)
	e.alertHandlersMu.Unlock()
}

func (e *Engine) fireAlert(alert scada.ThreatAlert, action mitigation.Action) {
	e.alertHandlersMu.Lock()
	handlers := append([]AlertHandler(nil), e.alertHandlers...)
	e.alertHandlersMu.Unlock()
	for _, h := range handlers {
		h(alert, action)
	}
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithWorkers overrides the worker pool size. Without it, or with n <= 0,
// the pool has 4 workers; cmd/gridwatcher passes runtime.NumCPU() unless
// --threads names a positive count.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLenientModbus relaxes the MBAP length cross-check to "at least".
func WithLenientModbus() Option {
	return func(e *Engine) { e.modbus.Lenient = true }
}

// New constructs an Engine from cfg and a started logger, ready for Start.
func New(cfg config.DetectionConfig, log *logger.Logger, opts ...Option) *Engine {
	now := time.Now()
	e := &Engine{
		cfg:            cfg,
		whitelistBloom: bloom.NewDefault(),
		blocklistBloom: bloom.NewDefault(),
		whitelist:      make(map[uint32]bool),
		analyzer:       behavior.New(cfg),
		mitigation:     mitigation.New(cfg),
		metrics:        metrics.NewManager(),
		stats:          metrics.NewStatistics(now),
		log:            log,
		workers:        4,
		queue:          lockfree.NewMPMC[*PacketJob](jobQueueCapacity),
	}
	for _, ep := range cfg.WhitelistedIPs {
		e.addWhitelistLocked(ep)
	}
	for _, ep := range cfg.BlacklistedIPs {
		e.blocklistBloom.Add(ep.Key())
		e.mitigation.Block(ep, scada.AttackNone, now, 0)
	}
	for _, opt := range opts {
		opt(e)
	}

	e.mitigation.OnEnforcement(func(entry mitigation.BlockEntry, alert scada.ThreatAlert) {
		e.blocklistBloom.Add(entry.Source.Key())
	})

	return e
}

func (e *Engine) addWhitelistLocked(ep ipv4.Endpoint) {
	e.whitelistMu.Lock()
	e.whitelist[ep.Key()] = true
	e.whitelistMu.Unlock()
	e.whitelistBloom.Add(ep.Key())
}

func (e *Engine) isWhitelisted(ep ipv4.Endpoint) bool {
	e.whitelistMu.Lock()
	defer e.whitelistMu.Unlock()
	return e.whitelist[ep.Key()]
}

func (e *Engine) config() config.DetectionConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// isMonitoredPort reports whether port is one of the SCADA ports the
// configuration says to attempt a Modbus parse on. modbusPort is always
// checked as a floor even if a hot-reloaded config's list omits it.
func (e *Engine) isMonitoredPort(port uint16) bool {
	if port == modbusPort {
		return true
	}
	for _, p := range e.config().MonitoredPorts {
		if p == port {
			return true
		}
	}
	return false
}

// SetConfig hot-swaps the detection configuration, propagating it to the
// analyzer and mitigation engine.
func (e *Engine) SetConfig(cfg config.DetectionConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.analyzer.SetConfig(cfg)
	e.mitigation.SetConfig(cfg)
}

// Start launches the worker pool and background cleanup/monitor loops.
// Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if e.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
	e.wg.Add(2)
	go e.cleanupLoop(ctx)
	go e.monitorLoop(ctx)
}

// Shutdown stops the worker pool and background loops, draining the job
// queue opportunistically and abandoning whatever remains. Safe to call
// more than once.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := e.queue.TryPop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		allowed := e.ProcessPacket(job.Payload, job.Src, job.Dst, job.SrcPort, job.DstPort, job.Received)
		job.publish(allowed)
	}
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cleanup(time.Now())
		}
	}
}

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.MetricsSnapshot()
			e.log.Debug("monitor", fmt.Sprintf(
				"packet_latency_avg_us=%.2f threat_latency_avg_us=%.2f throughput_pps=%.1f endpoints=%d",
				snap.PacketLatency.AvgUs, snap.ThreatLatency.AvgUs, snap.Throughput.PacketsPerSec,
				e.analyzer.TrackedEndpoints()))
		}
	}
}

// Cleanup sweeps the block ledger and behavioral state for expired/idle
// entries. Exposed directly so tests and the CLI can invoke it without
// waiting on the background ticker.
func (e *Engine) Cleanup(now time.Time) {
	reclaimed := e.mitigation.Cleanup(now)
	retired := e.analyzer.Cleanup(now)
	for i := uint64(0); i < uint64(reclaimed); i++ {
		e.stats.DecrementActiveBlocks()
	}
	if reclaimed > 0 || retired > 0 {
		e.log.Debug("cleanup", fmt.Sprintf("reclaimed_blocks=%d retired_endpoints=%d", reclaimed, retired))
	}
}

// Submit enqueues job onto the worker pool's MPMC queue without blocking.
// Returns false if the queue is full, in which case the caller should treat
// the packet as dropped.
func (e *Engine) Submit(job *PacketJob) bool {
	if !e.queue.TryPush(job) {
		e.queueFull.Add(1)
		return false
	}
	return true
}

// QueueFullCount returns how many submissions were rejected because the job
// queue was full.
func (e *Engine) QueueFullCount() uint64 { return e.queueFull.Load() }

// ProcessPacket is the ten-step verdict pipeline. It never blocks and never
// panics on malformed input; every error condition resolves to a drop.
func (e *Engine) ProcessPacket(payload []byte, src, dst ipv4.Endpoint, srcPort, dstPort uint16, now time.Time) bool {
	start := time.Now()
	e.stats.IncrementPacketsProcessed()

	// Step 3: whitelist fast path.
	if e.whitelistBloom.Contains(src.Key()) {
		e.stats.IncrementPacketsAllowed()
		e.stats.AddBytesProcessed(uint64(len(payload)))
		e.metrics.Throughput.Record(now, uint64(len(payload)))
		e.metrics.PacketLatency.Record(time.Since(start))
		return true
	}

	// Step 4: blocklist fast path, confirmed against the authoritative ledger.
	if e.blocklistBloom.Contains(src.Key()) && e.mitigation.IsBlocked(src, now) {
		e.stats.IncrementPacketsDropped()
		e.metrics.PacketLatency.Record(time.Since(start))
		return false
	}

	// Step 5: build the packet record, attempting a Modbus parse on the
	// configured port.
	record := scada.PacketRecord{
		SourceEndpoint: src,
		DestEndpoint:   dst,
		SourcePort:     srcPort,
		DestPort:       dstPort,
		SizeBytes:      len(payload),
		Timestamp:      now,
	}
	if e.isMonitoredPort(dstPort) || e.isMonitoredPort(srcPort) {
		frame, reason := e.modbus.Parse(payload)
		if reason == modbus.ReasonNone {
			record.ProtocolTag = scada.ProtocolModbusTCP
			record.Modbus = &frame
		} else {
			record.Malformed = true
			record.MalformedInfo = reason.String()
		}
	}

	// Step 6: governor.
	if e.mitigation.ShouldDropPacket(src, now) {
		e.stats.IncrementPacketsDropped()
		e.metrics.PacketLatency.Record(time.Since(start))
		return false
	}

	// Step 7: behavioral analysis.
	threatStart := time.Now()
	alerts := e.analyzer.Analyze(record)
	e.metrics.ThreatLatency.Record(time.Since(threatStart))

	// Step 8: react to each alert.
	drop := false
	for _, alert := range alerts {
		e.stats.IncrementThreatsDetected()
		e.log.CriticalAlert("analyzer", alert.Description, logger.Threat{
			AttackType: alert.AttackType.String(),
			Severity:   alert.Severity.String(),
			Source:     alert.SourceEndpoint.String(),
			Confidence: alert.Confidence,
		})

		action, installed := e.mitigation.Mitigate(alert, now)
		switch action {
		case mitigation.ActionDropPacket:
			drop = true
			e.stats.IncrementThreatsMitigated()
			if installed {
				e.stats.IncrementTotalBlocks()
			}
		case mitigation.ActionRateLimit:
			e.stats.IncrementThreatsMitigated()
		}
		e.fireAlert(alert, action)
	}

	// Step 9: final verdict and counters.
	if drop {
		e.stats.IncrementPacketsDropped()
	} else {
		e.stats.IncrementPacketsAllowed()
		e.stats.AddBytesProcessed(uint64(len(payload)))
		e.metrics.Throughput.Record(now, uint64(len(payload)))
	}

	// Step 10: end-to-end latency.
	e.metrics.PacketLatency.Record(time.Since(start))
	return !drop
}

// BlockIP installs a manual permanent block unless the endpoint is
// whitelisted, in which case the request is silently suppressed — per the
// invariant that a whitelisted endpoint can never be blocked.
func (e *Engine) BlockIP(source ipv4.Endpoint, reason scada.AttackType) {
	if e.isWhitelisted(source) {
		return
	}
	e.mitigation.Block(source, reason, time.Now(), 0)
	e.blocklistBloom.Add(source.Key())
	e.stats.IncrementTotalBlocks()
}

// UnblockIP removes source from the block ledger. Returns true if an entry
// existed.
func (e *Engine) UnblockIP(source ipv4.Endpoint) bool {
	blocks := e.mitigation.ListBlocked()
	existed := false
	for _, b := range blocks {
		if b.Source == source {
			existed = true
			break
		}
	}
	e.mitigation.Unblock(source)
	if existed {
		e.stats.DecrementActiveBlocks()
	}
	return existed
}

// AddWhitelist marks source as trusted: process_packet allows it
// unconditionally and BlockIP refuses to block it.
func (e *Engine) AddWhitelist(source ipv4.Endpoint) {
	e.addWhitelistLocked(source)
}

// RemoveWhitelist revokes source's trusted status. The whitelist bloom
// filter cannot remove entries, so a removed endpoint may still pass the
// bloom fast path until the filter is eventually reset; the authoritative
// whitelist map used by BlockIP is updated immediately.
func (e *Engine) RemoveWhitelist(source ipv4.Endpoint) {
	e.whitelistMu.Lock()
	delete(e.whitelist, source.Key())
	e.whitelistMu.Unlock()
}

// ListBlockedIPs returns a snapshot of the block ledger.
func (e *Engine) ListBlockedIPs() []mitigation.BlockEntry {
	return e.mitigation.ListBlocked()
}

// IsBlocked exposes the authoritative block-ledger lookup.
func (e *Engine) IsBlocked(source ipv4.Endpoint, now time.Time) bool {
	return e.mitigation.IsBlocked(source, now)
}

// StatisticsSnapshot returns the current derived statistics.
func (e *Engine) StatisticsSnapshot() metrics.StatisticsSnapshot {
	return e.stats.Snapshot(time.Now())
}

// MetricsSnapshot returns the current latency/throughput/resource metrics.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	return e.metrics.Snapshot(time.Now())
}
