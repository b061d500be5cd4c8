package chain

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrUnreachableSource means no endpoint answered. Fatal for the run.
	ErrUnreachableSource = errors.New("rpc source unreachable")
	// ErrRateLimited means the provider throttled the request.
	ErrRateLimited = errors.New("rpc rate limited")
	// ErrTimeout means the request did not complete within its deadline.
	ErrTimeout = errors.New("rpc timeout")
	// ErrRangeTooWide means the provider refused the block range or result size.
	ErrRangeTooWide = errors.New("rpc block range too wide")
	// ErrSourceError is any other protocol-level failure.
	ErrSourceError = errors.New("rpc source error")
)

// limitExceededCode is the JSON-RPC code providers use for throttling (EIP-1474).
const limitExceededCode = -32005

type classifiedError struct {
	kind error
	err  error
}

func (e *classifiedError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Classify wraps a raw RPC error with one of the package sentinels so callers
// can branch with errors.Is. Context cancellation passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || isClassified(err) {
		return err
	}
	return &classifiedError{kind: classifyKind(err), err: err}
}

// IsShrinkable reports whether a narrower block range may succeed.
func IsShrinkable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRangeTooWide) ||
		errors.Is(err, ErrSourceError)
}

// StatusLabel returns a short metrics label for an error.
func StatusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUnreachableSource):
		return "unreachable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRangeTooWide):
		return "range_too_wide"
	default:
		return "source_error"
	}
}

func isClassified(err error) bool {
	var c *classifiedError
	return errors.As(err, &c) || errors.Is(err, ErrUnreachableSource)
}

func classifyKind(err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return ErrRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return ErrTimeout
		case http.StatusRequestEntityTooLarge:
			return ErrRangeTooWide
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == limitExceededCode {
		if isRangeMessage(strings.ToLower(rpcErr.Error())) {
			return ErrRangeTooWide
		}
		return ErrRateLimited
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	lower := strings.ToLower(err.Error())
	switch {
	case isRangeMessage(lower):
		return ErrRangeTooWide
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") || strings.Contains(lower, "exceeded the quota"):
		return ErrRateLimited
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable"):
		return ErrUnreachableSource
	case strings.Contains(lower, "connection reset") || strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "eof"):
		return ErrTimeout
	default:
		return ErrSourceError
	}
}

func isRangeMessage(lower string) bool {
	return strings.Contains(lower, "block range") ||
		strings.Contains(lower, "range too large") ||
		strings.Contains(lower, "query returned more than") ||
		strings.Contains(lower, "response size exceeded") ||
		strings.Contains(lower, "too many blocks")
}
