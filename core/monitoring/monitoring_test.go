package monitoring

import (
	"errors"
	"testing"
)

func TestPanicError(t *testing.T) {
	base := errors.New("boom")
	if err := PanicError(base); !errors.Is(err, base) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if err := PanicError("nil map"); err.Error() != "panic: nil map" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if _, ok := OrNop(nil).(NopMonitor); !ok {
		t.Fatal("expected NopMonitor")
	}
}
