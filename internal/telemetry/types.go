// Package telemetry turns irrecoverable engine failures into crash reports
// and hands them to a sink without ever failing the caller.
package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// CrashReport describes one irrecoverable failure.
type CrashReport struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	ModelID         string          `json:"model_id"`
	Provider        string          `json:"provider,omitempty"`
	Operation       string          `json:"operation"`
	Params          json.RawMessage `json:"params,omitempty"`
	ContextLength   int             `json:"context_length,omitempty"`
	TokensPerSecond float64         `json:"tokens_per_second"`
	Error           string          `json:"error,omitempty"`
}

// Resource describes the host the reports come from.
type Resource struct {
	Timestamp    time.Time `json:"timestamp"`
	OSName       string    `json:"os_name"`
	OSVersion    string    `json:"os_version"`
	AppVersion   string    `json:"app_version"`
	Architecture string    `json:"architecture"`
}

// Envelope is one delivery: the resource plus one or more reports.
type Envelope struct {
	Resource Resource      `json:"resource"`
	Reports  []CrashReport `json:"reports"`
}

// Sink is the telemetry collaborator that stores or transmits envelopes.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Policy selects the delivery cadence.
type Policy string

const (
	PolicyImmediate Policy = "immediate"
	PolicyBatched   Policy = "batched"
)
