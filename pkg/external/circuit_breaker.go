package external

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/cryo-specimen-server/internal/domain"
)

// Default breaker settings, shared by every remote dependency
const (
	breakerMaxRequests = 5
	breakerInterval    = 30 * time.Second
	breakerTimeout     = 60 * time.Second
)

// newBreaker builds a circuit breaker that trips when at least 60% of the
// last three or more requests failed. Only transient failures count: a
// NotFound or a rejected import is a healthy answer from the backend.
func newBreaker(name string, timeout time.Duration, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	if timeout <= 0 {
		timeout = breakerTimeout
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
}

// breakerError turns a rejected call into a TransientIOError
func breakerError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.TransientIOError{Op: op, Err: err}
	}
	return err
}
