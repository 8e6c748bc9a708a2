// Package scada holds the data types shared across grid-watcher's detection
// pipeline (behavior, mitigation, engine): the canonical packet record,
// threat alert, and their enumerations. Keeping these in one leaf package
// avoids an import cycle between internal/behavior and internal/mitigation,
// both of which need to speak about the same PacketRecord and ThreatAlert.
package scada

import (
	"time"

	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/modbus"
)

// ProtocolTag classifies the payload carried by a PacketRecord.
type ProtocolTag int

const (
	ProtocolUnknown ProtocolTag = iota
	ProtocolModbusTCP
)

func (p ProtocolTag) String() string {
	switch p {
	case ProtocolModbusTCP:
		return "MODBUS_TCP"
	default:
		return "UNKNOWN"
	}
}

// PacketRecord is the canonical packet the verdict pipeline reasons about,
// built after link/IP/TCP stripping.
type PacketRecord struct {
	SourceEndpoint ipv4.Endpoint
	DestEndpoint   ipv4.Endpoint
	SourcePort     uint16
	DestPort       uint16
	SizeBytes      int
	Timestamp      time.Time
	ProtocolTag    ProtocolTag
	Malformed      bool
	MalformedInfo  string
	Modbus         *modbus.Frame
}

// AttackType enumerates the threats the behavioral analyzer can emit.
type AttackType int

const (
	AttackNone AttackType = iota
	AttackPortScan
	AttackDoSFlood
	AttackUnauthorizedWrite
	AttackMalformedFrame
	AttackProtocolExceptionStorm
	AttackSizeAnomaly
)

func (a AttackType) String() string {
	switch a {
	case AttackPortScan:
		return "PORT_SCAN"
	case AttackDoSFlood:
		return "DOS_FLOOD"
	case AttackUnauthorizedWrite:
		return "UNAUTHORIZED_WRITE"
	case AttackMalformedFrame:
		return "MALFORMED_FRAME"
	case AttackProtocolExceptionStorm:
		return "PROTOCOL_EXCEPTION_STORM"
	case AttackSizeAnomaly:
		return "SIZE_ANOMALY"
	default:
		return "NONE"
	}
}

// Severity ranks a ThreatAlert's urgency.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ThreatAlert is a structured detection emitted by the behavioral analyzer.
type ThreatAlert struct {
	ID             string
	SourceEndpoint ipv4.Endpoint
	DestEndpoint   ipv4.Endpoint
	AttackType     AttackType
	Severity       Severity
	Confidence     float64
	Timestamp      time.Time
	Description    string
}

// Clip01 bounds v to [0, 1], the confidence value's valid range.
func Clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
