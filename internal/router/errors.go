package router

import (
	"context"
	"errors"
	"fmt"

	"engined/internal/engine"
)

// ErrorKind classifies a dispatch failure for callers and metrics.
type ErrorKind string

const (
	KindPortUnavailable ErrorKind = "port_unavailable"
	KindStartTimeout    ErrorKind = "start_timeout"
	KindUnknownProvider ErrorKind = "unknown_provider"
	KindNotFound        ErrorKind = "not_found"
	KindLoad            ErrorKind = "load"
	KindInference       ErrorKind = "inference"
	KindTimeout         ErrorKind = "timeout"
	KindCanceled        ErrorKind = "canceled"
	KindFatal           ErrorKind = "fatal"
	KindInternal        ErrorKind = "internal"
)

// Error is returned by Dispatch for every failed request.
type Error struct {
	ModelID string
	Op      Op
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.ModelID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a dispatch error, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(context.Background(), err)
}

// classify maps an engine error to a kind. parent is the caller's context:
// once it is done the failure counts as a cancellation, not an engine fault.
func classify(parent context.Context, err error) ErrorKind {
	switch {
	case engine.IsFatal(err):
		return KindFatal
	case parent.Err() != nil:
		return KindCanceled
	case engine.IsPortUnavailable(err):
		return KindPortUnavailable
	case engine.IsStartTimeout(err):
		return KindStartTimeout
	case engine.IsUnknownProvider(err):
		return KindUnknownProvider
	case engine.IsNotFound(err):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case engine.IsLoad(err):
		return KindLoad
	case engine.IsInference(err):
		return KindInference
	default:
		return KindInternal
	}
}

// reportable kinds are engine faults worth a crash report.
func reportable(k ErrorKind) bool {
	switch k {
	case KindUnknownProvider, KindNotFound, KindCanceled:
		return false
	}
	return true
}
