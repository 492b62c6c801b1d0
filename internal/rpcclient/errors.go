package rpcclient

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorKind is the error taxonomy the Adaptive Rate Controller and scheduler
// react to (spec.md §4.1, §7).
type ErrorKind string

const (
	KindRateLimited     ErrorKind = "rate_limited"
	KindServerTransient ErrorKind = "server_transient"
	KindTimeout         ErrorKind = "timeout"
	KindNetwork         ErrorKind = "network"
	KindOther           ErrorKind = "other"
)

// ClassifiedError wraps an RPC failure with the class the controller and
// retry policy need to react to it.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// classify inspects an error returned by the solana-go RPC client (or the
// context) and assigns it one of the five classes from spec.md §4.1.
//
// The underlying client surfaces HTTP status via the error string (no typed
// status code is exported for all paths), so classification matches on
// well-known substrings the same way brojonat-forohtoo's solana client does.
func classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ClassifiedError{Kind: KindTimeout, Err: err}
		}
		return &ClassifiedError{Kind: KindNetwork, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return &ClassifiedError{Kind: KindRateLimited, Err: err}
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return &ClassifiedError{Kind: KindServerTransient, Err: err}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "EOF"):
		return &ClassifiedError{Kind: KindNetwork, Err: err}
	default:
		return &ClassifiedError{Kind: KindOther, Err: err}
	}
}
