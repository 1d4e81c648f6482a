// Package circuit implements a three-state (closed/open/half-open) circuit
// breaker, adapted from the teacher's pkg/circuit/breaker.go. The Kafka
// sink under pkg/connectors wraps its producer sends to the brokers in a
// Breaker so a wedged dependency fails fast
// instead of stalling the scheduler loop that calls them synchronously.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a circuit breaker's lifecycle state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes a Breaker's trip and recovery thresholds.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// Breaker guards a fallible operation, tripping open after consecutive
// failures and probing half-open after Timeout elapses.
type Breaker struct {
	config Config
	logger *logrus.Logger

	mu                sync.Mutex
	state             State
	failures          int64
	successes         int64
	nextRetry         time.Time
	halfOpenCalls     int
	halfOpenSuccesses int
}

// New returns a Breaker, defaulting any unset Config field.
func New(config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Breaker{config: config, logger: logger}
}

// Execute runs fn under the breaker's protection, rejecting it without
// calling fn if the breaker is open and not yet due for a half-open probe.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == Open {
		if time.Now().Before(b.nextRetry) {
			b.mu.Unlock()
			return fmt.Errorf("circuit %s: open", b.config.Name)
		}
		b.setState(HalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	}
	if b.state == HalfOpen {
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return fmt.Errorf("circuit %s: half-open probe limit reached", b.config.Name)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == HalfOpen || b.failures >= int64(b.config.FailureThreshold) {
			b.trip()
		}
		return err
	}
	b.successes++
	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(Closed)
			b.failures = 0
		}
	} else if b.failures > 0 {
		b.failures--
	}
	return nil
}

func (b *Breaker) trip() {
	b.setState(Open)
	b.nextRetry = time.Now().Add(b.config.Timeout)
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	old := b.state
	b.state = s
	b.logger.WithFields(logrus.Fields{"breaker": b.config.Name, "from": old, "to": s}).Info("circuit breaker state changed")
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
