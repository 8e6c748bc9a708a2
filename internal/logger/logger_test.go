package logger

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLogFormat(t *testing.T) {
	entry := Entry{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:     Critical,
		Source:    "engine",
		Message:   "threat detected",
		Threat: &Threat{
			AttackType: "PORT_SCAN",
			Severity:   "MEDIUM",
			Source:     "10.0.0.50",
			Confidence: 1.0,
		},
	}
	got := entry.String()
	want := "2026-01-02 03:04:05 [CRITICAL] [engine] threat detected | Attack: PORT_SCAN | Severity: MEDIUM | Source: 10.0.0.50 | Confidence: 100.00%"
	if got != want {
		t.Errorf("String() =\n%q\nwant\n%q", got, want)
	}
}

func TestSeverityFilter(t *testing.T) {
	path := t.TempDir() + "/test.log"
	l, err := New(path, Warning, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	l.Info("test", "should be filtered")
	l.Error("test", "should pass")
	l.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "should be filtered") {
		t.Error("INFO entry written despite Warning threshold")
	}
	if !strings.Contains(content, "should pass") {
		t.Error("ERROR entry missing from log file")
	}
}

func TestDropsOnOverflow(t *testing.T) {
	path := t.TempDir() + "/overflow.log"
	l, err := New(path, Trace, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Do not Start the writer, so the queue fills without draining.
	for i := 0; i < queueCapacity+100; i++ {
		l.Info("test", "flood")
	}
	if l.LogsDropped() == 0 {
		t.Error("LogsDropped() = 0, want > 0 after overflowing the queue")
	}
	l.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/idempotent.log"
	l, err := New(path, Trace, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	l.Stop()
	l.Stop() // must not panic or hang
}
