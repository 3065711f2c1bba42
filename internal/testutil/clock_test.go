package testutil

import (
	"testing"
	"time"
)

func TestClockAdvances(t *testing.T) {
	c := NewClock()
	first := c.Now()
	second := c.Now()
	if !second.After(first) {
		t.Fatalf("clock did not advance: %v then %v", first, second)
	}
	if got := second.Sub(first); got != time.Second {
		t.Fatalf("step = %v, want 1s", got)
	}
}

func TestClockFrozen(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockAt(at, 0)
	if got := c.Now(); !got.Equal(at) {
		t.Fatalf("Now() = %v, want %v", got, at)
	}
	if got := c.Now(); !got.Equal(at) {
		t.Fatalf("frozen clock moved to %v", got)
	}
}

func TestClockPeekDoesNotAdvance(t *testing.T) {
	c := NewClock()
	p := c.Peek()
	if got := c.Now(); !got.Equal(p) {
		t.Fatalf("Peek() = %v but Now() = %v", p, got)
	}
}

func TestFixedIDsSequence(t *testing.T) {
	g := NewFixedIDs("job")
	if got := g.NewID(); got != "job-0001" {
		t.Fatalf("first id = %q", got)
	}
	if got := g.NewID(); got != "job-0002" {
		t.Fatalf("second id = %q", got)
	}
}
