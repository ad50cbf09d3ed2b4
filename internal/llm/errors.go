package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies provider failures so callers can decide whether
// a retry is worthwhile without inspecting provider-specific errors.
type ErrorKind int

const (
	// KindTransient covers timeouts, rate limits, and 5xx responses.
	// Retrying the identical request may succeed.
	KindTransient ErrorKind = iota

	// KindMalformed means the provider returned a payload we could not
	// decode. Retrying is pointless until the adapter or provider changes.
	KindMalformed

	// KindFatal covers authentication and configuration failures.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProviderError is the uniform failure type returned by all adapters.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int // HTTP status when applicable, else 0
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Kind == KindTransient
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindFatal
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// classifyNetError maps a transport-level error to an error kind.
// Context cancellation is not wrapped; callers see ctx.Err() directly.
func classifyNetError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindTransient
}

// wrapTransportErr converts an HTTP round-trip failure into a
// ProviderError, passing context cancellation through untouched.
func wrapTransportErr(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{
		Provider: provider,
		Kind:     classifyNetError(err),
		Err:      err,
	}
}
