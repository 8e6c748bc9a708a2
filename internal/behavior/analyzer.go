// Package behavior implements grid-watcher's behavioral analyzer: per-source
// endpoint state tracked across packets, checked against six ordered
// detection rules to produce ThreatAlerts. Grounded on the teacher's
// internal/conversation.Manager (a mutex-guarded map keyed by flow, with a
// periodic cleanup goroutine sweeping idle entries), generalized here from a
// single global mutex to a sharded array of mutex-guarded maps so lookups
// for unrelated source endpoints don't contend.
package behavior

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iolloyd/gridwatcher/internal/config"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/modbus"
	"github.com/iolloyd/gridwatcher/internal/scada"
	"github.com/iolloyd/gridwatcher/internal/slidingcounter"
)

const (
	shardCount  = 32
	idleTimeout = 10 * time.Minute
)

// portSeen records when a distinct destination port was last observed, so
// stale entries age out of the port-scan window without a separate sweep.
type portSeen struct {
	lastSeen time.Time
}

// endpointState is the per-source-endpoint behavioral record, rebuilt from
// spec.md §3's EndpointBehavior.
type endpointState struct {
	mu sync.Mutex

	firstSeen time.Time
	lastSeen  time.Time

	ports map[uint16]portSeen

	packetWindow *slidingcounter.Counter
	byteWindow   *slidingcounter.Counter
	readWindow   *slidingcounter.Counter
	writeWindow  *slidingcounter.Counter
	exceptionWin *slidingcounter.Counter

	// Welford's online mean/variance over packet sizes, matching the
	// original's running PacketSizeStats.
	sizeCount    uint64
	sizeMean     float64
	sizeM2       float64
}

func newEndpointState(now time.Time) *endpointState {
	return &endpointState{
		firstSeen:    now,
		lastSeen:     now,
		ports:        make(map[uint16]portSeen),
		packetWindow: slidingcounter.New(300),
		byteWindow:   slidingcounter.New(300),
		readWindow:   slidingcounter.New(300),
		writeWindow:  slidingcounter.New(300),
		exceptionWin: slidingcounter.New(300),
	}
}

func (e *endpointState) observeSize(size float64) {
	e.sizeCount++
	delta := size - e.sizeMean
	e.sizeMean += delta / float64(e.sizeCount)
	delta2 := size - e.sizeMean
	e.sizeM2 += delta * delta2
}

func (e *endpointState) stddev() float64 {
	if e.sizeCount < 2 {
		return 0
	}
	return math.Sqrt(e.sizeM2 / float64(e.sizeCount-1))
}

func (e *endpointState) prunePorts(now time.Time, window time.Duration) {
	for port, seen := range e.ports {
		if now.Sub(seen.lastSeen) > window {
			delete(e.ports, port)
		}
	}
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint32]*endpointState
}

// Analyzer evaluates every packet against the six ordered rules and tracks
// per-source behavioral state across calls.
type Analyzer struct {
	shards [shardCount]*shard
	cfg    config.DetectionConfig
}

// New constructs an Analyzer using cfg's thresholds and windows.
func New(cfg config.DetectionConfig) *Analyzer {
	a := &Analyzer{cfg: cfg}
	for i := range a.shards {
		a.shards[i] = &shard{entries: make(map[uint32]*endpointState)}
	}
	return a
}

// SetConfig swaps in a freshly validated configuration, for hot-reload.
func (a *Analyzer) SetConfig(cfg config.DetectionConfig) {
	a.cfg = cfg
}

func (a *Analyzer) shardFor(key uint32) *shard {
	return a.shards[key%shardCount]
}

func (a *Analyzer) stateFor(ep ipv4.Endpoint, now time.Time) *endpointState {
	key := ep.Key()
	sh := a.shardFor(key)

	sh.mu.RLock()
	st, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.entries[key]; ok {
		return st
	}
	st = newEndpointState(now)
	sh.entries[key] = st
	return st
}

// Analyze updates the source endpoint's behavioral state with record and
// returns every threat the six rules flag, in rule order. A PacketRecord can
// trigger more than one alert (e.g. a malformed write during a flood).
func (a *Analyzer) Analyze(record scada.PacketRecord) []scada.ThreatAlert {
	st := a.stateFor(record.SourceEndpoint, record.Timestamp)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastSeen = record.Timestamp
	st.ports[record.DestPort] = portSeen{lastSeen: record.Timestamp}
	st.prunePorts(record.Timestamp, a.cfg.PortScanWindow)

	st.packetWindow.Record(record.Timestamp, 1)
	st.byteWindow.Record(record.Timestamp, uint64(record.SizeBytes))
	st.observeSize(float64(record.SizeBytes))

	if record.Modbus != nil {
		switch {
		case record.Modbus.IsException:
			st.exceptionWin.Record(record.Timestamp, 1)
		case isWriteFrame(record):
			st.writeWindow.Record(record.Timestamp, 1)
		case isReadFrame(record):
			st.readWindow.Record(record.Timestamp, 1)
		}
	}

	var alerts []scada.ThreatAlert

	// Rule 1: malformed frame. Severity HIGH so mitigation always drops it,
	// per the confidence-1.0 guarantee: a frame that fails the wire-format
	// check is never forwarded.
	if record.Malformed {
		alerts = append(alerts, a.newAlert(record, scada.AttackMalformedFrame, scada.SeverityHigh,
			1.0, record.MalformedInfo))
	}

	// Rule 2: port scan.
	if distinct := len(st.ports); uint32(distinct) >= a.cfg.PortScanThreshold {
		overrun := float64(distinct) / float64(a.cfg.PortScanThreshold)
		alerts = append(alerts, a.newAlert(record, scada.AttackPortScan, escalate(scada.SeverityMedium, overrun),
			scada.Clip01(overrun), fmt.Sprintf("%d distinct destination ports within %s", distinct, a.cfg.PortScanWindow)))
	}

	// Rule 3: DoS flood.
	packets := st.packetWindow.Sum(record.Timestamp, int64(a.cfg.DosWindow/time.Second))
	bytes := st.byteWindow.Sum(record.Timestamp, int64(a.cfg.DosWindow/time.Second))
	if packets >= a.cfg.DosPacketThreshold || bytes >= a.cfg.DosByteThreshold {
		overrun := math.Max(
			float64(packets)/float64(a.cfg.DosPacketThreshold),
			float64(bytes)/float64(a.cfg.DosByteThreshold))
		alerts = append(alerts, a.newAlert(record, scada.AttackDoSFlood, escalate(scada.SeverityHigh, overrun),
			scada.Clip01(overrun), fmt.Sprintf("%d packets / %d bytes within %s", packets, bytes, a.cfg.DosWindow)))
	}

	// Rule 4: unauthorized write (write volume disproportionate to reads).
	writeWindowSec := int64(a.cfg.DosWindow / time.Second)
	writes := st.writeWindow.Sum(record.Timestamp, writeWindowSec)
	reads := st.readWindow.Sum(record.Timestamp, writeWindowSec)
	if writes > 0 {
		ratio := float64(writes) / float64(reads+1)
		if ratio >= a.cfg.WriteReadRatioThreshold {
			overrun := ratio / a.cfg.WriteReadRatioThreshold
			alerts = append(alerts, a.newAlert(record, scada.AttackUnauthorizedWrite, escalate(scada.SeverityHigh, overrun),
				scada.Clip01(overrun), fmt.Sprintf("write/read ratio %.2f over %s", ratio, a.cfg.DosWindow)))
		}
	}

	// Rule 5: protocol exception storm.
	exceptions := st.exceptionWin.Sum(record.Timestamp, writeWindowSec)
	if uint32(exceptions) >= a.cfg.ExceptionRateThreshold {
		overrun := float64(exceptions) / float64(a.cfg.ExceptionRateThreshold)
		alerts = append(alerts, a.newAlert(record, scada.AttackProtocolExceptionStorm, escalate(scada.SeverityMedium, overrun),
			scada.Clip01(overrun), fmt.Sprintf("%d exception responses within %s", exceptions, a.cfg.DosWindow)))
	}

	// Rule 6: packet size anomaly (Welford mean/variance, needs enough
	// samples for the standard deviation to be meaningful). A history with
	// zero observed variance (every packet identical so far) still flags an
	// outlier outright, since sigma-based scaling is undefined at sd=0.
	if st.sizeCount >= 30 {
		diff := math.Abs(float64(record.SizeBytes) - st.sizeMean)
		sd := st.stddev()
		var deviation float64
		switch {
		case sd > 0:
			deviation = diff / sd
		case diff > 0:
			deviation = a.cfg.PacketSizeDeviationThreshold
		}
		if deviation >= a.cfg.PacketSizeDeviationThreshold {
			confidence := scada.Clip01(deviation / (a.cfg.PacketSizeDeviationThreshold * 2))
			alerts = append(alerts, a.newAlert(record, scada.AttackSizeAnomaly, scada.SeverityLow,
				confidence, fmt.Sprintf("size %d deviates %.2f sigma from mean %.1f", record.SizeBytes, deviation, st.sizeMean)))
		}
	}

	return alerts
}

// escalate bumps base up one severity tier once a rule's threshold overrun
// (observed/threshold) reaches 2x, so a source that blows well past a
// threshold gets a harsher mitigation action than one that just crosses it.
func escalate(base scada.Severity, overrun float64) scada.Severity {
	if overrun < 2.0 {
		return base
	}
	switch base {
	case scada.SeverityLow:
		return scada.SeverityMedium
	case scada.SeverityMedium:
		return scada.SeverityHigh
	case scada.SeverityHigh:
		return scada.SeverityCritical
	default:
		return base
	}
}

func (a *Analyzer) newAlert(record scada.PacketRecord, attack scada.AttackType, severity scada.Severity, confidence float64, description string) scada.ThreatAlert {
	return scada.ThreatAlert{
		ID:             uuid.NewString(),
		SourceEndpoint: record.SourceEndpoint,
		DestEndpoint:   record.DestEndpoint,
		AttackType:     attack,
		Severity:       severity,
		Confidence:     confidence,
		Timestamp:      record.Timestamp,
		Description:    description,
	}
}

func isWriteFrame(record scada.PacketRecord) bool {
	return record.Modbus != nil && modbus.IsWrite(record.Modbus.FunctionCode)
}

func isReadFrame(record scada.PacketRecord) bool {
	return record.Modbus != nil && modbus.IsRead(record.Modbus.FunctionCode)
}

// Cleanup retires endpoints idle longer than idleTimeout, called by the
// engine's periodic housekeeping loop.
func (a *Analyzer) Cleanup(now time.Time) int {
	removed := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		for key, st := range sh.entries {
			st.mu.Lock()
			idle := now.Sub(st.lastSeen) > idleTimeout
			st.mu.Unlock()
			if idle {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// TrackedEndpoints reports how many source endpoints currently have state,
// mainly for metrics/diagnostics.
func (a *Analyzer) TrackedEndpoints() int {
	total := 0
	for _, sh := range a.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}
