package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, fail fast
	CircuitHalfOpen                     // Probing for recovery
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

// CircuitBreaker stops calling a failing backend until it has had time to recover
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		logger:           logger,
		now:              time.Now,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and the open timeout
// has not elapsed
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
	}
	return ErrCircuitOpen
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
		// Any failure while probing reopens the circuit
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
	cb.logger.Info("circuit breaker state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("failures", cb.failureCount),
		slog.Duration("open_timeout", cb.openTimeout))
}

// retryWithBackoff runs fn until it succeeds, returns a non-retriable error,
// or the retries are exhausted. Each attempt gets its own timeout.
func (s *Service) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer s.sem.Release(1)
	}

	var lastErr error
	backoff := s.config.InitialBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if err := s.breaker.Allow(); err != nil {
			s.logger.Warn("summarizer call blocked by circuit breaker",
				slog.String("op", operation),
				slog.String("state", s.breaker.State().String()))
			return fmt.Errorf("%s failed: %w", operation, err)
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			if attempt > 0 {
				s.logger.Info("summarizer call succeeded after retries",
					slog.String("op", operation), slog.Int("retries", attempt))
			}
			return nil
		}
		lastErr = err

		// Non-retriable errors (bad request, auth) don't count against the breaker
		if !isRetriableError(err) {
			s.logger.Warn("summarizer call failed with non-retriable error",
				slog.String("op", operation), slog.Any("error", err))
			return err
		}
		s.breaker.RecordFailure()

		if attempt == s.config.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		s.logger.Debug("summarizer call failed, retrying",
			slog.String("op", operation),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", s.config.MaxRetries+1),
			slog.Duration("backoff", backoff),
			slog.Any("error", err))

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * 2)
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, s.config.MaxRetries+1, lastErr)
}

// errMalformedResponse marks a response that arrived but could not be used.
// Asking again with the same prompt is allowed once per attempt budget.
var errMalformedResponse = errors.New("malformed summarizer response")

// isRetriableError determines if an error is transient
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errMalformedResponse) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retriableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return retriableStatus(openaiErr.HTTPStatusCode)
	}
	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) {
		return retriableStatus(requestErr.HTTPStatusCode)
	}

	// Transport errors carry no status; fall back to the message
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "connection refused", "connection reset", "timeout", "temporary failure", "eof"} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

func retriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
