// Package mitigation turns ThreatAlerts into enforcement decisions: it
// tracks a block ledger keyed by source endpoint, runs a per-source token
// bucket that governs how aggressively a borderline source gets rate
// limited, and maps alert severity to an Action per spec.md §4.5's table.
// Grounded on the teacher's internal/conversation.Manager for the
// mutex-guarded map/expiry-sweep shape, generalized to carry block state and
// violation counts instead of TCP flow state.
package mitigation

import (
	"sync"
	"time"

	"github.com/iolloyd/gridwatcher/internal/config"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/scada"
)

// Action is the enforcement decision attached to a mitigated ThreatAlert.
type Action int

const (
	ActionLogOnly Action = iota
	ActionRateLimit
	ActionDropPacket
)

func (a Action) String() string {
	switch a {
	case ActionRateLimit:
		return "RATE_LIMIT"
	case ActionDropPacket:
		return "DROP_PACKET"
	default:
		return "LOG_ONLY"
	}
}

// BlockEntry is one source endpoint's block ledger record.
type BlockEntry struct {
	Source         ipv4.Endpoint
	Reason         scada.AttackType
	BlockedAt      time.Time
	ExpiresAt      time.Time
	Permanent      bool
	ViolationCount int
}

// permanentAfterViolations promotes a source to a permanent block once it
// has re-offended this many times within violationWindow, per spec.md §3's
// BlockEntry invariant.
const permanentAfterViolations = 3

// violationWindow is the rolling lookback for permanentAfterViolations:
// violations that aged out of the last hour no longer count toward
// promotion.
const violationWindow = time.Hour

// violationHistory tracks a source's recent DROP_PACKET-triggering
// violations, pruned to violationWindow on every update.
type violationHistory struct {
	at []time.Time
}

func (h *violationHistory) record(now time.Time) int {
	h.at = append(h.at, now)
	cutoff := now.Add(-violationWindow)
	kept := h.at[:0]
	for _, t := range h.at {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.at = kept
	return len(h.at)
}

// Handler is invoked whenever Mitigate installs or extends a block (a
// DROP_PACKET action), so callers (e.g. the web dashboard's live feed) learn
// about enforcement without polling. Handlers run synchronously on the
// caller's goroutine after the block-ledger mutex has been released; they
// must not call back into ProcessPacket.
type Handler func(entry BlockEntry, alert scada.ThreatAlert)

// Engine is the mitigation component: block ledger + token-bucket governor.
type Engine struct {
	mu         sync.RWMutex
	blocks     map[uint32]*BlockEntry
	buckets    map[uint32]*tokenBucket
	violations map[uint32]*violationHistory

	cfg config.DetectionConfig

	handlersMu sync.Mutex
	handlers   []Handler
}

// New constructs a mitigation Engine using cfg's auto-block duration and
// DoS thresholds to size its token buckets.
func New(cfg config.DetectionConfig) *Engine {
	return &Engine{
		blocks:     make(map[uint32]*BlockEntry),
		buckets:    make(map[uint32]*tokenBucket),
		violations: make(map[uint32]*violationHistory),
		cfg:        cfg,
	}
}

// SetConfig swaps in a freshly validated configuration, for hot-reload.
func (e *Engine) SetConfig(cfg config.DetectionConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// OnEnforcement registers a callback fired after every DROP_PACKET decision
// (a block installed or extended). RATE_LIMIT decisions do not fire it.
func (e *Engine) OnEnforcement(h Handler) {
	e.handlersMu.Lock()
	e.handlers = append(e.handlers, h)
	e.handlersMu.Unlock()
}

func (e *Engine) fire(entry BlockEntry, alert scada.ThreatAlert) {
	e.handlersMu.Lock()
	handlers := append([]Handler(nil), e.handlers...)
	e.handlersMu.Unlock()
	for _, h := range handlers {
		h(entry, alert)
	}
}

// severityAction maps a ThreatAlert's severity to its baseline enforcement
// action, per spec.md §4.5's severity->action table.
func severityAction(severity scada.Severity) Action {
	switch severity {
	case scada.SeverityCritical, scada.SeverityHigh:
		return ActionDropPacket
	case scada.SeverityMedium:
		return ActionRateLimit
	default:
		return ActionLogOnly
	}
}

// Mitigate applies the severity->action table to alert, updating the block
// ledger when the action is DROP_PACKET and shrinking the source's
// token-bucket capacity when the action is RATE_LIMIT. It returns the action
// taken and whether a DROP_PACKET call installed a brand-new ledger entry as
// opposed to extending/re-violating an existing one — callers that track an
// active-block gauge must only count the former.
func (e *Engine) Mitigate(alert scada.ThreatAlert, now time.Time) (Action, bool) {
	action := severityAction(alert.Severity)
	key := alert.SourceEndpoint.Key()

	if action == ActionRateLimit {
		e.mu.Lock()
		e.shrinkBucketLocked(key, now)
		e.mu.Unlock()
		return action, false
	}

	if action != ActionDropPacket {
		return action, false
	}

	e.mu.Lock()
	entry, exists := e.blocks[key]
	if !exists {
		entry = &BlockEntry{Source: alert.SourceEndpoint}
		e.blocks[key] = entry
	}
	history, ok := e.violations[key]
	if !ok {
		history = &violationHistory{}
		e.violations[key] = history
	}
	withinWindow := history.record(now)

	entry.ViolationCount++
	entry.Reason = alert.AttackType
	entry.BlockedAt = now
	if alert.Severity == scada.SeverityCritical || withinWindow >= permanentAfterViolations {
		entry.Permanent = true
	} else {
		entry.ExpiresAt = now.Add(e.cfg.AutoBlockDuration)
	}
	e.evictOverCapacityLocked()
	snapshot := *entry
	e.mu.Unlock()

	e.fire(snapshot, alert)
	return action, !exists
}

// IsBlocked reports whether source currently has an active block, expiring
// lazily (an expired non-permanent entry is treated as unblocked without
// mutating the ledger — Cleanup is responsible for reclaiming it).
func (e *Engine) IsBlocked(source ipv4.Endpoint, now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.blocks[source.Key()]
	if !ok {
		return false
	}
	if entry.Permanent {
		return true
	}
	return now.Before(entry.ExpiresAt)
}

// Block installs a manual block (e.g. from an operator's BlockIP call),
// permanent unless duration is positive.
func (e *Engine) Block(source ipv4.Endpoint, reason scada.AttackType, now time.Time, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := &BlockEntry{
		Source:    source,
		Reason:    reason,
		BlockedAt: now,
		Permanent: duration <= 0,
	}
	if !entry.Permanent {
		entry.ExpiresAt = now.Add(duration)
	}
	e.blocks[source.Key()] = entry
	e.evictOverCapacityLocked()
}

// evictOverCapacityLocked drops the oldest non-permanent entry once the
// ledger exceeds max_concurrent_blocks, per spec.md §4.5. Callers must hold
// e.mu.
func (e *Engine) evictOverCapacityLocked() {
	limit := e.cfg.MaxConcurrentBlocks
	if limit <= 0 || len(e.blocks) <= limit {
		return
	}
	var oldestKey uint32
	var oldestAt time.Time
	found := false
	for key, entry := range e.blocks {
		if entry.Permanent {
			continue
		}
		if !found || entry.BlockedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.BlockedAt
			found = true
		}
	}
	if found {
		delete(e.blocks, oldestKey)
	}
}

// Unblock removes source from the ledger unconditionally.
func (e *Engine) Unblock(source ipv4.Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := source.Key()
	delete(e.blocks, key)
	delete(e.violations, key)
}

// ListBlocked returns a snapshot of every entry currently in the ledger.
func (e *Engine) ListBlocked() []BlockEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]BlockEntry, 0, len(e.blocks))
	for _, entry := range e.blocks {
		out = append(out, *entry)
	}
	return out
}

// Cleanup evicts expired, non-permanent block entries and their token
// buckets. Returns the number of entries reclaimed.
func (e *Engine) Cleanup(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key, entry := range e.blocks {
		if !entry.Permanent && now.After(entry.ExpiresAt) {
			delete(e.blocks, key)
			delete(e.buckets, key)
			delete(e.violations, key)
			removed++
		}
	}
	return removed
}

// rateLimitShrinkFactor is how much a MEDIUM-severity RATE_LIMIT action
// shrinks the offending source's token-bucket capacity, and
// rateLimitShrinkDuration is how long the shrink stays in effect before the
// bucket reverts to its normal capacity.
const (
	rateLimitShrinkFactor   = 0.25
	rateLimitShrinkDuration = 5 * time.Minute
)

// bucketForLocked returns source's token bucket, creating it with the default
// capacity/refill sizing if this is its first appearance. Callers must hold
// e.mu.
func (e *Engine) bucketForLocked(key uint32, now time.Time) *tokenBucket {
	bucket, ok := e.buckets[key]
	if !ok {
		capacity := float64(e.cfg.DosPacketThreshold) * 2
		refillPerSec := float64(e.cfg.DosPacketThreshold) / e.cfg.DosWindow.Seconds()
		bucket = newTokenBucket(capacity, refillPerSec, now)
		e.buckets[key] = bucket
	}
	return bucket
}

// shrinkBucketLocked enforces a RATE_LIMIT action by cutting the source's
// bucket capacity to rateLimitShrinkFactor of normal for
// rateLimitShrinkDuration. Callers must hold e.mu.
func (e *Engine) shrinkBucketLocked(key uint32, now time.Time) {
	bucket := e.bucketForLocked(key, now)
	bucket.shrink(now, rateLimitShrinkFactor, rateLimitShrinkDuration)
}

// ShouldDropPacket runs the per-source token-bucket governor: sources that
// are not blocked but are approaching the DoS threshold get rate limited
// before the full block/drop path engages. Capacity is 2x the configured
// packet threshold, refilling at threshold/window per second, matching the
// original's governor sizing, unless a RATE_LIMIT action has temporarily
// shrunk it.
func (e *Engine) ShouldDropPacket(source ipv4.Endpoint, now time.Time) bool {
	e.mu.Lock()
	bucket := e.bucketForLocked(source.Key(), now)
	e.mu.Unlock()

	return !bucket.take(now, 1)
}

// tokenBucket is a standard token-bucket rate limiter: tokens refill
// continuously at refillPerSec, capped at capacity; take consumes n tokens
// and reports whether there were enough. A RATE_LIMIT enforcement action can
// shrink capacity for a fixed duration via shrink.
type tokenBucket struct {
	mu sync.Mutex

	normalCapacity float64
	capacity       float64
	tokens         float64
	refillPerSec   float64
	lastRefill     time.Time

	shrunkUntil time.Time
}

func newTokenBucket(capacity, refillPerSec float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		normalCapacity: capacity,
		capacity:       capacity,
		tokens:         capacity,
		refillPerSec:   refillPerSec,
		lastRefill:     now,
	}
}

// shrink cuts capacity to factor*normalCapacity until now+duration, clamping
// any currently-held tokens down to the new, smaller ceiling. Restoration
// happens lazily, the next time refill observes shrunkUntil has passed.
func (b *tokenBucket) shrink(now time.Time, factor float64, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.capacity = b.normalCapacity * factor
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	until := now.Add(duration)
	if until.After(b.shrunkUntil) {
		b.shrunkUntil = until
	}
}

func (b *tokenBucket) take(now time.Time, n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.shrunkUntil.IsZero() && !now.Before(b.shrunkUntil) {
		b.capacity = b.normalCapacity
		b.shrunkUntil = time.Time{}
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}
