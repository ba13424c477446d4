package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRefused = errors.New("connection refused")

func fast(attempts int) *Backoff {
	return &Backoff{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: attempts}
}

func TestBackoff_Do(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failFirst int   // attempts that fail before success
		final     error // returned on failing attempts
		wantCalls int
		wantErr   bool
	}{
		{"first try", 5, 0, errRefused, 1, false},
		{"succeeds on third", 5, 2, errRefused, 3, false},
		{"runs out", 3, 10, errRefused, 3, true},
		{"permanent stops at once", 5, 10, Permanent(errRefused), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fast(tt.attempts).Do(context.Background(), func(attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d on call %d", attempt, calls)
				}
				if calls <= tt.failFirst {
					return tt.final
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errRefused) {
				t.Errorf("error should wrap the last failure: %v", err)
			}
		})
	}
}

func TestBackoff_PermanentIsUnwrapped(t *testing.T) {
	err := fast(5).Do(context.Background(), func(int) error { return Permanent(errRefused) })
	if err != errRefused {
		t.Errorf("Do returned %v, want the bare inner error", err)
	}
	if IsPermanent(err) {
		t.Error("returned error should no longer be permanent")
	}
}

func TestBackoff_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backoff{InitialDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(int) error { return errRefused })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestBackoff_WaitsGrowAndCap(t *testing.T) {
	var waits []time.Duration
	b := fast(6)
	b.OnRetry = func(_ int, err error, wait time.Duration) {
		if err != errRefused {
			t.Errorf("OnRetry err = %v", err)
		}
		waits = append(waits, wait)
	}
	b.Do(context.Background(), func(int) error { return errRefused }) //nolint:errcheck

	want := []time.Duration{1, 2, 4, 4, 4}
	if len(waits) != len(want) {
		t.Fatalf("OnRetry called %d times, want %d (never after the last attempt)", len(waits), len(want))
	}
	for i, w := range want {
		if waits[i] != w*time.Millisecond {
			t.Errorf("wait %d = %v, want %v", i, waits[i], w*time.Millisecond)
		}
	}
}

func TestBackoff_ZeroValueDefaults(t *testing.T) {
	delay, growth, ceiling := (&Backoff{}).params()
	if delay != time.Second || growth != 2 || ceiling != time.Minute {
		t.Errorf("params() = %v, %v, %v", delay, growth, ceiling)
	}
}

func TestPresets(t *testing.T) {
	d := DialBackoff(3)
	if d.MaxAttempts != 3 || d.InitialDelay >= time.Second || !d.Jitter {
		t.Errorf("DialBackoff(3) = %+v", d)
	}
	r := ReconnectBackoff()
	if r.MaxAttempts != 0 || r.MaxDelay != time.Minute {
		t.Errorf("ReconnectBackoff() = %+v", r)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	wrapped := errors.Join(errors.New("dial"), Permanent(errRefused))
	if !IsPermanent(wrapped) {
		t.Error("IsPermanent should see through wrapping")
	}
	if IsPermanent(errRefused) {
		t.Error("plain error is not permanent")
	}
}

func TestJitter_Bounds(t *testing.T) {
	for i := 0; i < 500; i++ {
		j := jitter(100 * time.Millisecond)
		if j < 75*time.Millisecond || j > 125*time.Millisecond {
			t.Fatalf("jitter(100ms) = %v", j)
		}
	}
	if j := jitter(0); j != time.Millisecond {
		t.Errorf("jitter(0) = %v, want 1ms floor", j)
	}
}
