// Package retry wraps calls to external collaborators (tracker, LLM,
// embeddings, vector store) with per-attempt timeouts, exponential backoff,
// a circuit breaker and an optional concurrency cap.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/bountyd/internal/config"

	"golang.org/x/sync/semaphore"
)

// Config holds retry configuration for collaborator calls
type Config struct {
	MaxAttempts       int           // Total attempts including the first (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 10s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-attempt timeout (default: 60s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	MaxConcurrentCalls int // 0 = unlimited
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            10 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
	}
}

// FromConfig overlays the configured attempts, backoff and timeout on the defaults
func FromConfig(rc config.RetryConfig) Config {
	cfg := DefaultConfig()
	if rc.MaxAttempts > 0 {
		cfg.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoff > 0 {
		cfg.InitialBackoff = rc.InitialBackoff
	}
	if rc.MaxBackoff > 0 {
		cfg.MaxBackoff = rc.MaxBackoff
	}
	if rc.Timeout > 0 {
		cfg.Timeout = rc.Timeout
	}
	return cfg
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a collaborator that keeps failing
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and its timeout has not elapsed
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.openTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.transition(CircuitOpen)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// must be called with lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successCount = 0
	if to == CircuitClosed {
		cb.failureCount = 0
	}
	slog.Info("circuit breaker state transition",
		"collaborator", cb.name, "from", from.String(), "to", to.String(), "failures", cb.failureCount)
}

// Policy executes collaborator calls with retry and backoff.
// A Policy is safe for concurrent use.
type Policy struct {
	name    string
	cfg     Config
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	sleep   func(context.Context, time.Duration) error
}

// New creates a Policy for the named collaborator
func New(name string, cfg Config) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	p := &Policy{name: name, cfg: cfg, sleep: sleepCtx}
	if cfg.CircuitBreakerEnabled {
		p.breaker = NewCircuitBreaker(name, cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout)
	}
	if cfg.MaxConcurrentCalls > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls))
	}
	return p
}

// Breaker exposes the circuit breaker, or nil when disabled
func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

// Do runs fn until it succeeds, returns a permanent error, or attempts run out
func (p *Policy) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer p.sem.Release(1)
	}

	var lastErr error
	backoff := p.cfg.InitialBackoff

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				return fmt.Errorf("%s %s failed: %w", p.name, operation, err)
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			if attempt > 1 {
				slog.Info("collaborator call succeeded after retry",
					"collaborator", p.name, "operation", operation, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		retriable := IsRetriable(err)
		if p.breaker != nil && retriable {
			p.breaker.RecordFailure()
		}
		if !retriable {
			return fmt.Errorf("%s %s failed: %w", p.name, operation, err)
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s failed: context canceled: %w", p.name, operation, ctx.Err())
		}

		slog.Warn("collaborator call failed, retrying",
			"collaborator", p.name, "operation", operation,
			"attempt", attempt, "max_attempts", p.cfg.MaxAttempts, "backoff", backoff, "error", err)

		if err := p.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s %s failed: context canceled during backoff: %w", p.name, operation, err)
		}
		backoff = time.Duration(float64(backoff) * p.cfg.BackoffMultiplier)
		if p.cfg.MaxBackoff > 0 && backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", p.name, operation, p.cfg.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusError is returned by HTTP collaborators for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsRetriable determines if an error is transient
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode == 429 || status.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// SDK errors only expose the status through their message
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{"429", "rate limit", "500", "502", "503", "504", "529", "overloaded",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"connection refused", "connection reset", "timeout", "temporary failure", "eof"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
