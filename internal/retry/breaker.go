package retry

import (
	"fmt"
	"sync"
	"time"

	cherr "connhub/internal/errors"
)

// State is where a Breaker is in its closed → open → probing cycle.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast until the cooldown ends
	StateHalfOpen              // one trial call at a time decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BreakerConfig tunes every Breaker in a set.
type BreakerConfig struct {
	// Threshold is how many failures in a row open the breaker (default 5).
	Threshold int
	// Cooldown is how long an open breaker rejects before letting a
	// trial through (default 30s).
	Cooldown time.Duration
	// Trials is how many successful trials in a row close it again
	// (default 1).
	Trials int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Trials <= 0 {
		c.Trials = 1
	}
	return c
}

// Breaker guards one target.  Permanent errors pass through without
// counting either way: they say the request was bad, not the target.
type Breaker struct {
	cfg    BreakerConfig
	notify func(from, to State)

	mu       sync.Mutex
	state    State
	failures int // consecutive, while closed
	passed   int // consecutive successful trials, while half-open
	probing  bool
	openedAt time.Time
	trips    int
}

func newBreaker(cfg BreakerConfig, notify func(from, to State)) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), notify: notify}
}

// Execute runs fn unless the breaker is open or a trial is already in
// flight, in which case it returns an error wrapping ErrCircuitOpen
// without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

// State returns the current state.  An open breaker whose cooldown has
// passed still reports open until the next call tries it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trips returns how many times the breaker has opened.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		left := b.cfg.Cooldown - time.Since(b.openedAt)
		if left > 0 {
			return false, fmt.Errorf("%w: retry in %v", cherr.ErrCircuitOpen, left.Truncate(time.Millisecond))
		}
		b.move(StateHalfOpen)
		b.passed = 0
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, fmt.Errorf("%w: trial in flight", cherr.ErrCircuitOpen)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.probing = false
	}
	if IsPermanent(err) {
		return
	}

	switch {
	case err == nil && b.state == StateHalfOpen:
		if b.passed++; b.passed >= b.cfg.Trials {
			b.failures = 0
			b.move(StateClosed)
		}
	case err == nil:
		b.failures = 0
	case b.state == StateHalfOpen:
		b.open()
	default:
		if b.failures++; b.failures >= b.cfg.Threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.trips++
	b.move(StateOpen)
}

func (b *Breaker) move(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.notify != nil {
		b.notify(from, to)
	}
}

// ── Breakers ─────────────────────────────────────────────────────────

// Breakers keeps one Breaker per key, made on first use.  Tunnel dials
// key it by target address so one dead host does not block the rest.
type Breakers struct {
	cfg      BreakerConfig
	onChange func(key string, from, to State)

	mu  sync.Mutex
	set map[string]*Breaker
}

// NewBreakers returns an empty set.  onChange, if non-nil, is called
// under the breaker's lock on every transition, so it must not call
// back into the set.
func NewBreakers(cfg BreakerConfig, onChange func(key string, from, to State)) *Breakers {
	return &Breakers{cfg: cfg, onChange: onChange, set: make(map[string]*Breaker)}
}

// Get returns key's breaker.
func (s *Breakers) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.set[key]; ok {
		return b
	}
	var notify func(from, to State)
	if s.onChange != nil {
		notify = func(from, to State) { s.onChange(key, from, to) }
	}
	b := newBreaker(s.cfg, notify)
	s.set[key] = b
	return b
}

// Execute runs fn through key's breaker.
func (s *Breakers) Execute(key string, fn func() error) error {
	return s.Get(key).Execute(fn)
}

// Open returns the keys whose breaker is currently open.
func (s *Breakers) Open() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, b := range s.set {
		if b.State() == StateOpen {
			keys = append(keys, k)
		}
	}
	return keys
}
