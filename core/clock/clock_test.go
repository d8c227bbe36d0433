package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(90 * time.Minute)
	if got := f.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("unexpected time %v", got)
	}
	f.Set(start)
	if !f.Now().Equal(start) {
		t.Fatalf("set not applied")
	}
}
