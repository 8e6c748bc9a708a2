package slidingcounter

import (
	"testing"
	"time"
)

func TestSumWithinWindow(t *testing.T) {
	c := New(10)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		c.Record(base, 1)
	}
	if got := c.Sum(base, 5); got != 5 {
		t.Errorf("Sum = %d, want 5", got)
	}
}

func TestSumDecaysAfterWindow(t *testing.T) {
	c := New(10)
	base := time.Unix(1_700_000_000, 0)

	c.Record(base, 5)
	if got := c.Sum(base, 5); got != 5 {
		t.Fatalf("Sum immediately after record = %d, want 5", got)
	}

	later := base.Add(20 * time.Second)
	if got := c.Sum(later, 5); got != 0 {
		t.Errorf("Sum after 2x window with no events = %d, want 0", got)
	}
}

func TestRecordAcrossMultipleSeconds(t *testing.T) {
	c := New(10)
	base := time.Unix(1_700_000_000, 0)

	c.Record(base, 3)
	c.Record(base.Add(1*time.Second), 4)
	c.Record(base.Add(2*time.Second), 2)

	if got := c.Sum(base.Add(2*time.Second), 3); got != 9 {
		t.Errorf("Sum = %d, want 9", got)
	}
}

func TestBytesWindow(t *testing.T) {
	c := New(5)
	base := time.Unix(1_700_000_000, 0)

	c.Record(base, 1500)
	c.Record(base, 1500)
	if got := c.Sum(base, 5); got != 3000 {
		t.Errorf("Sum = %d, want 3000", got)
	}
}
