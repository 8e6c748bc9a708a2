package behavior

import (
	"testing"
	"time"

	"github.com/iolloyd/gridwatcher/internal/config"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/modbus"
	"github.com/iolloyd/gridwatcher/internal/scada"
)

func testConfig() config.DetectionConfig {
	cfg := config.Default()
	cfg.PortScanThreshold = 5
	cfg.PortScanWindow = 10 * time.Second
	cfg.DosPacketThreshold = 20
	cfg.DosByteThreshold = 1_000_000
	cfg.DosWindow = 5 * time.Second
	cfg.WriteReadRatioThreshold = 3.0
	cfg.ExceptionRateThreshold = 5
	cfg.PacketSizeDeviationThreshold = 3.0
	return cfg
}

func baseRecord(now time.Time, destPort uint16) scada.PacketRecord {
	return scada.PacketRecord{
		SourceEndpoint: ipv4.New(10, 0, 0, 50),
		DestEndpoint:   ipv4.New(10, 0, 0, 1),
		SourcePort:     44000,
		DestPort:       destPort,
		SizeBytes:      64,
		Timestamp:      now,
		ProtocolTag:    scada.ProtocolModbusTCP,
	}
}

func hasAttack(alerts []scada.ThreatAlert, attack scada.AttackType) bool {
	for _, a := range alerts {
		if a.AttackType == attack {
			return true
		}
	}
	return false
}

func TestMalformedFrameFlagged(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	rec := baseRecord(now, 502)
	rec.Malformed = true
	rec.MalformedInfo = "frame too short"

	alerts := a.Analyze(rec)
	if !hasAttack(alerts, scada.AttackMalformedFrame) {
		t.Fatal("expected AttackMalformedFrame")
	}
}

func TestPortScanDetected(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)

	var alerts []scada.ThreatAlert
	for port := uint16(0); port < 6; port++ {
		alerts = a.Analyze(baseRecord(now, 20000+port))
	}
	if !hasAttack(alerts, scada.AttackPortScan) {
		t.Fatal("expected AttackPortScan after 6 distinct ports")
	}
}

func TestDoSFloodDetected(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)

	var alerts []scada.ThreatAlert
	for i := 0; i < 25; i++ {
		alerts = a.Analyze(baseRecord(now, 502))
	}
	if !hasAttack(alerts, scada.AttackDoSFlood) {
		t.Fatal("expected AttackDoSFlood after exceeding packet threshold")
	}
}

func TestUnauthorizedWriteDetected(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)

	rec := baseRecord(now, 502)
	rec.Modbus = &modbus.Frame{FunctionCode: 0x06} // write single register

	var alerts []scada.ThreatAlert
	for i := 0; i < 4; i++ {
		alerts = a.Analyze(rec)
	}
	if !hasAttack(alerts, scada.AttackUnauthorizedWrite) {
		t.Fatal("expected AttackUnauthorizedWrite with no corresponding reads")
	}
}

func TestUnauthorizedWriteRatioAccountsForReads(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)

	writeRec := baseRecord(now, 502)
	writeRec.Modbus = &modbus.Frame{FunctionCode: 0x06} // write single register
	readRec := baseRecord(now, 502)
	readRec.Modbus = &modbus.Frame{FunctionCode: 0x03} // read holding registers

	var alerts []scada.ThreatAlert
	for i := 0; i < 15; i++ {
		alerts = a.Analyze(writeRec)
	}
	for i := 0; i < 5; i++ {
		alerts = a.Analyze(readRec)
	}
	// ratio = 15/(5+1) = 2.5, below the 3.0 threshold: no alert yet.
	if hasAttack(alerts, scada.AttackUnauthorizedWrite) {
		t.Fatal("did not expect AttackUnauthorizedWrite at a 2.5 write/read ratio")
	}

	for i := 0; i < 5; i++ {
		alerts = a.Analyze(writeRec)
	}
	// ratio = 20/(5+1) = 3.33, past the threshold.
	if !hasAttack(alerts, scada.AttackUnauthorizedWrite) {
		t.Fatal("expected AttackUnauthorizedWrite once the ratio clears the threshold")
	}
}

func TestProtocolExceptionStormDetected(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)

	rec := baseRecord(now, 502)
	rec.Modbus = &modbus.Frame{FunctionCode: 0x86, IsException: true}

	var alerts []scada.ThreatAlert
	for i := 0; i < 6; i++ {
		alerts = a.Analyze(rec)
	}
	if !hasAttack(alerts, scada.AttackProtocolExceptionStorm) {
		t.Fatal("expected AttackProtocolExceptionStorm after repeated exceptions")
	}
}

func TestSizeAnomalyDetected(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)

	rec := baseRecord(now, 502)
	rec.SizeBytes = 64
	for i := 0; i < 40; i++ {
		a.Analyze(rec)
	}

	anomaly := baseRecord(now, 502)
	anomaly.SizeBytes = 260
	alerts := a.Analyze(anomaly)
	if !hasAttack(alerts, scada.AttackSizeAnomaly) {
		t.Fatal("expected AttackSizeAnomaly for a size far outside the observed distribution")
	}
}

func TestCleanupRetiresIdleEndpoints(t *testing.T) {
	a := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	a.Analyze(baseRecord(now, 502))

	if a.TrackedEndpoints() != 1 {
		t.Fatalf("TrackedEndpoints() = %d, want 1", a.TrackedEndpoints())
	}
	removed := a.Cleanup(now.Add(11 * time.Minute))
	if removed != 1 {
		t.Fatalf("Cleanup removed = %d, want 1", removed)
	}
	if a.TrackedEndpoints() != 0 {
		t.Fatalf("TrackedEndpoints() after cleanup = %d, want 0", a.TrackedEndpoints())
	}
}
