package ipv4

import "testing"

func TestParseAndString(t *testing.T) {
	e, err := Parse("192.168.1.10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := e.String(); got != "192.168.1.10" {
		t.Errorf("String() = %q, want %q", got, "192.168.1.10")
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"1.2.3", "1.2.3.4.5", "256.0.0.1", "a.b.c.d", ""}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", c)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	e := New(10, 0, 0, 50)
	key := e.Key()
	back := FromUint32(key)
	if back != e {
		t.Errorf("FromUint32(Key()) = %+v, want %+v", back, e)
	}
}

func TestKeyOrdering(t *testing.T) {
	a := New(10, 0, 0, 1)
	b := New(10, 0, 0, 2)
	if a.Key() >= b.Key() {
		t.Errorf("expected a.Key() < b.Key(), got %d >= %d", a.Key(), b.Key())
	}
}

func TestIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Error("Zero.IsZero() = false, want true")
	}
	if New(1, 0, 0, 0).IsZero() {
		t.Error("non-zero endpoint reported IsZero() = true")
	}
}
