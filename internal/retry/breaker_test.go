package retry

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	cherr "connhub/internal/errors"
)

func fail() error    { return errRefused }
func succeed() error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		b.Execute(fail) //nolint:errcheck
	}
	if b.State() != StateClosed {
		t.Fatalf("open after 2 of 3 failures")
	}
	b.Execute(fail) //nolint:errcheck
	if b.State() != StateOpen || b.Trips() != 1 {
		t.Fatalf("state = %s trips = %d", b.State(), b.Trips())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if called {
		t.Error("fn ran while open")
	}
	if !errors.Is(err, cherr.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessClearsStreak(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Hour}, nil)
	b.Execute(fail)    //nolint:errcheck
	b.Execute(succeed) //nolint:errcheck
	b.Execute(fail)    //nolint:errcheck
	if b.State() != StateClosed {
		t.Error("non-consecutive failures opened the breaker")
	}
}

func TestBreaker_PermanentNotCounted(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour}, nil)
	err := b.Execute(func() error { return Permanent(errRefused) })
	if !IsPermanent(err) {
		t.Errorf("error should pass through unchanged, got %v", err)
	}
	if b.State() != StateClosed {
		t.Error("permanent error tripped the breaker")
	}
}

func TestBreaker_Trial(t *testing.T) {
	tests := []struct {
		name   string
		trials int
		calls  []func() error
		want   State
		trips  int
	}{
		{"one good trial closes", 1, []func() error{succeed}, StateClosed, 1},
		{"bad trial reopens", 1, []func() error{fail}, StateOpen, 2},
		{"needs two trials", 2, []func() error{succeed}, StateHalfOpen, 1},
		{"two trials close", 2, []func() error{succeed, succeed}, StateClosed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, Trials: tt.trials}, nil)
			b.Execute(fail) //nolint:errcheck
			time.Sleep(20 * time.Millisecond)

			for _, fn := range tt.calls {
				b.Execute(fn) //nolint:errcheck
			}
			if b.State() != tt.want {
				t.Errorf("state = %s, want %s", b.State(), tt.want)
			}
			if b.Trips() != tt.trips {
				t.Errorf("trips = %d, want %d", b.Trips(), tt.trips)
			}
		})
	}
}

func TestBreaker_OneTrialAtATime(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Millisecond}, nil)
	b.Execute(fail) //nolint:errcheck
	time.Sleep(5 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Execute(func() error { //nolint:errcheck
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(succeed)
	if !errors.Is(err, cherr.ErrCircuitOpen) {
		t.Errorf("second caller during trial: %v", err)
	}
	close(release)
	wg.Wait()
	if b.State() != StateClosed {
		t.Errorf("state after good trial = %s", b.State())
	}
}

func TestBreakers_PerKey(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	s := NewBreakers(BreakerConfig{Threshold: 2, Cooldown: time.Hour}, func(key string, from, to State) {
		mu.Lock()
		changes = append(changes, key+":"+from.String()+">"+to.String())
		mu.Unlock()
	})

	s.Execute("db:5432", fail) //nolint:errcheck
	s.Execute("db:5432", fail) //nolint:errcheck

	if err := s.Execute("db:5432", succeed); !errors.Is(err, cherr.ErrCircuitOpen) {
		t.Errorf("db:5432 should be open, got %v", err)
	}
	if err := s.Execute("cache:6379", succeed); err != nil {
		t.Errorf("cache:6379 should be unaffected: %v", err)
	}
	if s.Get("db:5432") != s.Get("db:5432") {
		t.Error("Get should return the same breaker for a key")
	}

	open := s.Open()
	sort.Strings(open)
	if len(open) != 1 || open[0] != "db:5432" {
		t.Errorf("Open() = %v", open)
	}
	if len(changes) != 1 || changes[0] != "db:5432:closed>open" {
		t.Errorf("changes = %v", changes)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "State(9)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
