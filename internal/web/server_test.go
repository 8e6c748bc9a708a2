package web

import (
	"encoding/json"
	"testing"

	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/mitigation"
	"github.com/iolloyd/gridwatcher/internal/scada"
)

func TestAttackFromString(t *testing.T) {
	cases := map[string]scada.AttackType{
		"PORT_SCAN":                scada.AttackPortScan,
		"DOS_FLOOD":                scada.AttackDoSFlood,
		"UNAUTHORIZED_WRITE":       scada.AttackUnauthorizedWrite,
		"MALFORMED_FRAME":         scada.AttackMalformedFrame,
		"PROTOCOL_EXCEPTION_STORM": scada.AttackProtocolExceptionStorm,
		"SIZE_ANOMALY":             scada.AttackSizeAnomaly,
		"garbage":                  scada.AttackNone,
	}
	for in, want := range cases {
		if got := attackFromString(in); got != want {
			t.Errorf("attackFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOnAlertBroadcastsJSONEvent(t *testing.T) {
	src, _ := ipv4.Parse("10.0.0.5")
	dst, _ := ipv4.Parse("10.0.0.1")

	s := &Server{broadcast: make(chan []byte, 1)}
	alert := scada.ThreatAlert{
		ID:             "alert-1",
		SourceEndpoint: src,
		DestEndpoint:   dst,
		AttackType:     scada.AttackPortScan,
		Severity:       scada.SeverityMedium,
		Confidence:     0.9,
		Description:    "port scan detected",
	}

	s.onAlert(alert, mitigation.ActionRateLimit)

	select {
	case data := <-s.broadcast:
		var event AlertEvent
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("unmarshal broadcast payload: %v", err)
		}
		if event.ID != "alert-1" || event.AttackType != scada.AttackPortScan.String() {
			t.Errorf("unexpected event: %+v", event)
		}
		if event.Action != mitigation.ActionRateLimit.String() {
			t.Errorf("Action = %q, want %q", event.Action, mitigation.ActionRateLimit.String())
		}
	default:
		t.Fatal("expected an event on the broadcast channel")
	}
}

func TestOnAlertDropsWhenBroadcastFull(t *testing.T) {
	s := &Server{broadcast: make(chan []byte, 1)}
	s.broadcast <- []byte("already queued")

	alert := scada.ThreatAlert{ID: "alert-2", AttackType: scada.AttackDoSFlood, Severity: scada.SeverityCritical}
	s.onAlert(alert, mitigation.ActionDropPacket)

	if len(s.broadcast) != 1 {
		t.Fatalf("broadcast channel len = %d, want 1 (new event should be dropped)", len(s.broadcast))
	}
}
