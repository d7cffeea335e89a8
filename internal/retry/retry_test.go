package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestDo_Attempts(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		failFirst int
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 3, 0, 1, false},
		{"success after retries", 3, 2, 3, false},
		{"exhausted", 3, 10, 3, true},
		{"zero attempts rounds up", 0, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.max, time.Millisecond, func() error {
				calls++
				if calls <= tt.failFirst {
					return errTransient
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errTransient) {
				t.Errorf("expected last error to be returned, got %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	rejected := errors.New("rejected by node")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(rejected)
	})
	if err != rejected {
		t.Fatalf("expected the unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 10, time.Hour, func() error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestJittered_StaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jittered(base)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v out of bounds", base, d)
		}
	}
	if jittered(0) != 0 {
		t.Error("zero delay should stay zero")
	}
}
