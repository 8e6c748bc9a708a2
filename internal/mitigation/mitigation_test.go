package mitigation

import (
	"testing"
	"time"

	"github.com/iolloyd/gridwatcher/internal/config"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/scada"
)

func testConfig() config.DetectionConfig {
	cfg := config.Default()
	cfg.AutoBlockDuration = time.Minute
	cfg.DosPacketThreshold = 10
	cfg.DosWindow = time.Second
	return cfg
}

func TestSeverityActionTable(t *testing.T) {
	cases := map[scada.Severity]Action{
		scada.SeverityLow:      ActionLogOnly,
		scada.SeverityMedium:   ActionRateLimit,
		scada.SeverityHigh:     ActionDropPacket,
		scada.SeverityCritical: ActionDropPacket,
	}
	for severity, want := range cases {
		if got := severityAction(severity); got != want {
			t.Errorf("severityAction(%s) = %s, want %s", severity, got, want)
		}
	}
}

func TestMitigateDropInstallsBlock(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 77)
	alert := scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityHigh, AttackType: scada.AttackDoSFlood}

	action, installed := e.Mitigate(alert, now)
	if action != ActionDropPacket {
		t.Fatalf("action = %s, want DROP_PACKET", action)
	}
	if !installed {
		t.Fatal("expected the first violation to install a new block entry")
	}
	if !e.IsBlocked(source, now) {
		t.Fatal("expected source to be blocked after a HIGH severity alert")
	}

	_, installedAgain := e.Mitigate(alert, now)
	if installedAgain {
		t.Fatal("expected a re-violation to extend the existing entry, not install a new one")
	}
}

func TestBlockExpires(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 77)
	e.Mitigate(scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityHigh}, now)

	if !e.IsBlocked(source, now.Add(30*time.Second)) {
		t.Fatal("expected block still active before expiry")
	}
	if e.IsBlocked(source, now.Add(2*time.Minute)) {
		t.Fatal("expected block expired after AutoBlockDuration")
	}
}

func TestRepeatedViolationsBecomePermanent(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 77)
	alert := scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityHigh}

	for i := 0; i < permanentAfterViolations; i++ {
		e.Mitigate(alert, now.Add(time.Duration(i)*time.Minute))
	}
	if !e.IsBlocked(source, now.Add(365*24*time.Hour)) {
		t.Fatal("expected permanent block after 3 violations within 1 hour")
	}
}

func TestViolationsOutsideWindowDoNotPromote(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 77)
	alert := scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityHigh}

	e.Mitigate(alert, now)
	e.Mitigate(alert, now.Add(2*time.Hour))
	e.Mitigate(alert, now.Add(2*time.Hour+time.Minute))

	if e.IsBlocked(source, now.Add(365*24*time.Hour)) {
		t.Fatal("expected no permanent block: only 2 of the 3 violations fall within the trailing hour")
	}
}

func TestCleanupReclaimsExpiredBlocks(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 77)
	e.Mitigate(scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityHigh}, now)

	removed := e.Cleanup(now.Add(2 * time.Minute))
	if removed != 1 {
		t.Fatalf("Cleanup removed = %d, want 1", removed)
	}
	if len(e.ListBlocked()) != 0 {
		t.Fatal("expected block ledger empty after cleanup")
	}
}

func TestTokenBucketGovernor(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 99)

	drops := 0
	for i := 0; i < 30; i++ {
		if e.ShouldDropPacket(source, now) {
			drops++
		}
	}
	if drops == 0 {
		t.Error("expected token bucket to start dropping once capacity is exhausted")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 99)

	for i := 0; i < 20; i++ {
		e.ShouldDropPacket(source, now)
	}
	if e.ShouldDropPacket(source, now.Add(5*time.Second)) {
		t.Error("expected tokens to have refilled after 5 seconds")
	}
}

func TestRateLimitShrinksTokenBucket(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 88)
	alert := scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityMedium}

	// Establish the bucket at full (unshrunk) capacity first.
	e.ShouldDropPacket(source, now)

	action, _ := e.Mitigate(alert, now)
	if action != ActionRateLimit {
		t.Fatalf("action = %s, want RATE_LIMIT", action)
	}

	drops := 0
	for i := 0; i < 30; i++ {
		if e.ShouldDropPacket(source, now) {
			drops++
		}
	}
	if drops == 0 {
		t.Error("expected a shrunk bucket to start dropping well before the unshrunk capacity would")
	}

	// After the shrink window elapses, capacity (and the refill it allows)
	// should return to normal.
	restored := now.Add(rateLimitShrinkDuration + time.Second)
	if e.ShouldDropPacket(source, restored) {
		t.Error("expected bucket capacity restored and refilled once the shrink window elapsed")
	}
}

func TestEnforcementHandlerFires(t *testing.T) {
	e := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	source := ipv4.New(10, 0, 0, 77)

	fired := false
	e.OnEnforcement(func(entry BlockEntry, alert scada.ThreatAlert) {
		fired = true
		if entry.Source != source {
			t.Errorf("handler entry.Source = %v, want %v", entry.Source, source)
		}
	})
	e.Mitigate(scada.ThreatAlert{SourceEndpoint: source, Severity: scada.SeverityCritical}, now)
	if !fired {
		t.Fatal("expected enforcement handler to fire on DROP_PACKET")
	}
}
