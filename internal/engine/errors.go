package engine

import (
	"errors"

	"engined/internal/supervisor"
)

// unknownProviderError signals that no registered engine can serve a model:
// either the provider name is not registered or the model was never loaded
// and no provider was named.
type unknownProviderError struct{ modelID, provider string }

func (e unknownProviderError) Error() string {
	if e.provider == "" {
		return "unknown provider for model " + e.modelID + ": no engine owns it and none was specified"
	}
	return "unknown provider " + e.provider + " for model " + e.modelID
}

// ErrUnknownProvider constructs an unknownProviderError.
func ErrUnknownProvider(modelID, provider string) error {
	return unknownProviderError{modelID: modelID, provider: provider}
}

// IsUnknownProvider reports whether err indicates an unresolvable provider.
func IsUnknownProvider(err error) bool {
	var e unknownProviderError
	return errors.As(err, &e)
}

// loadError signals that a model failed to load. Not retried automatically.
type loadError struct {
	provider, modelID string
	err               error
}

func (e loadError) Error() string {
	return "load " + e.modelID + " on " + e.provider + ": " + e.err.Error()
}

func (e loadError) Unwrap() error { return e.err }

// ErrLoad constructs a loadError.
func ErrLoad(provider, modelID string, cause error) error {
	return loadError{provider: provider, modelID: modelID, err: cause}
}

// IsLoad reports whether err is a load failure.
func IsLoad(err error) bool {
	var e loadError
	return errors.As(err, &e)
}

// inferenceError signals that the engine failed or became unreachable
// mid-call. The failed call is never replayed.
type inferenceError struct {
	provider, modelID string
	err               error
}

func (e inferenceError) Error() string {
	return "inference " + e.modelID + " on " + e.provider + ": " + e.err.Error()
}

func (e inferenceError) Unwrap() error { return e.err }

// ErrInference constructs an inferenceError.
func ErrInference(provider, modelID string, cause error) error {
	return inferenceError{provider: provider, modelID: modelID, err: cause}
}

// IsInference reports whether err is an inference failure.
func IsInference(err error) bool {
	var e inferenceError
	return errors.As(err, &e)
}

type notFoundError struct{ provider, modelID string }

func (e notFoundError) Error() string {
	return "model " + e.modelID + " is not loaded on " + e.provider
}

// ErrNotFound returns an error for an unload of a model without a session.
func ErrNotFound(provider, modelID string) error {
	return notFoundError{provider: provider, modelID: modelID}
}

// IsNotFound reports whether err indicates a missing session.
func IsNotFound(err error) bool {
	var e notFoundError
	return errors.As(err, &e)
}

// telemetryDeliveryError is produced by telemetry sinks. It is always
// swallowed by the reporter and never reaches a dispatch caller.
type telemetryDeliveryError struct {
	sink string
	err  error
}

func (e telemetryDeliveryError) Error() string {
	return "telemetry delivery to " + e.sink + ": " + e.err.Error()
}

func (e telemetryDeliveryError) Unwrap() error { return e.err }

// ErrTelemetryDelivery constructs a telemetryDeliveryError.
func ErrTelemetryDelivery(sink string, cause error) error {
	return telemetryDeliveryError{sink: sink, err: cause}
}

// IsTelemetryDelivery reports whether err is a telemetry delivery failure.
func IsTelemetryDelivery(err error) bool {
	var e telemetryDeliveryError
	return errors.As(err, &e)
}

// Process level errors originate in the supervisor.
var ErrRestartBudgetExhausted = supervisor.ErrRestartBudgetExhausted

// IsPortUnavailable reports whether err indicates a port conflict.
func IsPortUnavailable(err error) bool { return supervisor.IsPortUnavailable(err) }

// IsStartTimeout reports whether the engine process failed to become healthy in time.
func IsStartTimeout(err error) bool { return supervisor.IsStartTimeout(err) }

// IsFatal reports whether the engine gave up on its process.
func IsFatal(err error) bool { return errors.Is(err, ErrRestartBudgetExhausted) }

// ErrModelNotLoaded is the cause when a model is used without a session.
var ErrModelNotLoaded = errors.New("model not loaded")

// IsNotLoaded reports whether err stems from using a model that has no session.
func IsNotLoaded(err error) bool { return errors.Is(err, ErrModelNotLoaded) }

var (
	errSessionFailed  = errors.New("session failed")
	errInvalidPayload = errors.New("payload is not valid JSON")
)
