package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrNetworkTransient = errors.New("network transient")
	ErrRateLimited      = errors.New("rate limited")
	ErrOrderRejected    = errors.New("order rejected")
	ErrOrderNotFound    = errors.New("order not found")
	ErrAuthFailure      = errors.New("authentication failure")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Error is a normalized exchange failure. Kind is one of the sentinels above and
// is what errors.Is matches against.
type Error struct {
	Exchange   string
	Op         string
	Kind       error
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Exchange, e.Op, e.Kind)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// ClassifyStatus maps an HTTP status to an error kind. Venue specific codes are
// handled by the adapters before falling back to this.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthFailure
	case status == http.StatusNotFound:
		return ErrOrderNotFound
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrNetworkTransient
	default:
		return ErrOrderRejected
	}
}

// WrapTransport turns a transport level failure (dial, timeout, reset) into a
// transient exchange error. Context cancellation by the caller is passed through.
func WrapTransport(exchange, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Exchange: exchange, Op: op, Kind: ErrNetworkTransient, Message: err.Error()}
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTransient) || errors.Is(err, ErrRateLimited)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

func retryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(h)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
