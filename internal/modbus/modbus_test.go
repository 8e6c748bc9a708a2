package modbus

import "testing"

func TestRoundTrip(t *testing.T) {
	frame := Build(42, 1, 0x03, 100, 4)
	p := Parser{}
	decoded, reason := p.Parse(frame)
	if reason != ReasonNone {
		t.Fatalf("Parse() reason = %v, want ReasonNone", reason)
	}
	if decoded.TransactionID != 42 || decoded.UnitID != 1 || decoded.FunctionCode != 0x03 {
		t.Errorf("decoded = %+v, want txn=42 unit=1 fn=0x03", decoded)
	}
	if !IsRead(decoded.FunctionCode) {
		t.Error("function 0x03 should classify as a read")
	}
}

func TestTooShort(t *testing.T) {
	p := Parser{}
	_, reason := p.Parse([]byte{0, 1, 0, 0, 0, 1, 1})
	if reason != ReasonTooShort {
		t.Errorf("reason = %v, want ReasonTooShort", reason)
	}
}

func TestBadProtocolID(t *testing.T) {
	p := Parser{}
	frame := Build(1, 1, 0x03, 0, 1)
	frame[2] = 0x00
	frame[3] = 0x01 // protocol_id = 1
	_, reason := p.Parse(frame)
	if reason != ReasonBadProtocolID {
		t.Errorf("reason = %v, want ReasonBadProtocolID", reason)
	}
}

func TestLengthMismatch(t *testing.T) {
	p := Parser{}
	frame := Build(1, 1, 0x03, 0, 1)
	frame[5] = frame[5] + 1 // corrupt length low byte
	_, reason := p.Parse(frame)
	if reason != ReasonLengthMismatch {
		t.Errorf("reason = %v, want ReasonLengthMismatch", reason)
	}
}

func TestLenientAllowsPadding(t *testing.T) {
	frame := Build(1, 1, 0x03, 0, 1)
	padded := append(frame, 0x00, 0x00)

	strict := Parser{Lenient: false}
	if _, reason := strict.Parse(padded); reason != ReasonLengthMismatch {
		t.Errorf("strict parser reason = %v, want ReasonLengthMismatch", reason)
	}

	lenient := Parser{Lenient: true}
	if _, reason := lenient.Parse(padded); reason != ReasonNone {
		t.Errorf("lenient parser reason = %v, want ReasonNone", reason)
	}
}

func TestFrameTooLarge(t *testing.T) {
	p := Parser{}
	big := make([]byte, MaxFrameBytes+1)
	_, reason := p.Parse(big)
	if reason != ReasonFrameTooLarge {
		t.Errorf("reason = %v, want ReasonFrameTooLarge", reason)
	}
}

func TestExceptionBit(t *testing.T) {
	p := Parser{}
	frame := Build(1, 1, 0x83, 0, 1) // 0x03 | 0x80
	decoded, reason := p.Parse(frame)
	if reason != ReasonNone {
		t.Fatalf("Parse() reason = %v", reason)
	}
	if !decoded.IsException {
		t.Error("IsException = false, want true for function 0x83")
	}
}

func TestFunctionClassification(t *testing.T) {
	cases := []struct {
		fn                   byte
		read, write, diag bool
	}{
		{0x01, true, false, false},
		{0x03, true, false, false},
		{0x05, false, true, false},
		{0x10, false, true, false},
		{0x17, true, true, false}, // both read/write (0x17)
		{0x08, false, false, true},
		{0x41, false, false, false}, // unknown
	}
	for _, c := range cases {
		if got := IsRead(c.fn); got != c.read {
			t.Errorf("IsRead(0x%02x) = %v, want %v", c.fn, got, c.read)
		}
		if got := IsWrite(c.fn); got != c.write {
			t.Errorf("IsWrite(0x%02x) = %v, want %v", c.fn, got, c.write)
		}
		if got := IsDiagnostic(c.fn); got != c.diag {
			t.Errorf("IsDiagnostic(0x%02x) = %v, want %v", c.fn, got, c.diag)
		}
	}
}

func TestUnknownFunctionTagged(t *testing.T) {
	p := Parser{}
	frame := Build(1, 1, 0x41, 0, 1)
	decoded, reason := p.Parse(frame)
	if reason != ReasonNone {
		t.Fatalf("Parse() reason = %v", reason)
	}
	if !decoded.UnknownFunc {
		t.Error("UnknownFunc = false, want true for function 0x41")
	}
}
