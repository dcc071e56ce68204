package errutil

import (
	"context"
	"errors"
	"net"
)

// Kind groups failures by how the worker reacts to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient failures are retried with back-off.
	KindTransient
	// KindTerminal failures are recorded on the schedule or run and left for manual remediation.
	KindTerminal
	// KindInvariant failures signal a bug. They abort the operation, not the process.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Transient wraps err as a retryable failure (timeouts, unavailable dependencies).
func Transient(msg string, err error, options ...Option) error {
	return New(StatusServiceUnavailable, msg, append(options, WithErr(err))...)
}

// Terminal wraps err as a non-retryable data failure.
func Terminal(msg string, err error, options ...Option) error {
	return New(StatusUnprocessableEntity, msg, append(options, WithErr(err))...)
}

// Invariant wraps err as a programming error.
func Invariant(msg string, err error, options ...Option) error {
	return New(StatusInvariant, msg, append(options, WithErr(err))...)
}

// KindOf classifies err. Deadline and network timeouts count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var base BaseError
	if errors.As(err, &base) {
		switch base.Code {
		case StatusServiceUnavailable, StatusTimeout, StatusGatewayTimeout, StatusTooManyRequests, StatusBadGateway:
			return KindTransient
		case StatusInvariant:
			return KindInvariant
		case StatusUnprocessableEntity, StatusBadRequest, StatusNotFound, StatusConflict:
			return KindTerminal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsTerminal(err error) bool  { return KindOf(err) == KindTerminal }
func IsInvariant(err error) bool { return KindOf(err) == KindInvariant }

// CodeOf returns the status code carried by err, or StatusUnknown.
func CodeOf(err error) CoreStatus {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code
	}
	return StatusUnknown
}

func IsNotFound(err error) bool { return CodeOf(err) == StatusNotFound }
func IsConflict(err error) bool { return CodeOf(err) == StatusConflict }
