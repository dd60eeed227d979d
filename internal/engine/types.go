// Package engine defines the contract every inference backend implements and
// its two variants: a locally supervised native process and a remote API.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"engined/internal/supervisor"
)

// Kind is the closed set of engine variants.
type Kind int

const (
	KindLocal Kind = iota + 1
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind name in JSON and config files.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses "local" or "remote".
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return KindLocal, nil
	case "remote":
		return KindRemote, nil
	default:
		return 0, fmt.Errorf("unknown engine kind %q", s)
	}
}

// LocalConfig configures a natively spawned engine process.
type LocalConfig struct {
	Host               string
	Port               int
	ExecutablePath     string
	AcceleratorDevices []string
	ExtraArgs          []string
}

// RemoteConfig configures an OpenAI compatible remote API.
type RemoteConfig struct {
	APIBaseURL string
	APIKey     string
	Timeout    time.Duration
}

// Descriptor identifies one engine implementation. Exactly one config
// matches Kind.
type Descriptor struct {
	Provider string
	Kind     Kind
	Local    *LocalConfig
	Remote   *RemoteConfig
}

// Validate checks the descriptor shape.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Provider) == "" {
		return errors.New("engine: provider name is required")
	}
	switch d.Kind {
	case KindLocal:
		if d.Local == nil || d.Remote != nil {
			return fmt.Errorf("engine %s: local kind requires exactly a local config", d.Provider)
		}
		if d.Local.ExecutablePath == "" {
			return fmt.Errorf("engine %s: executable path is required", d.Provider)
		}
		if d.Local.Port <= 0 || d.Local.Port > 65535 {
			return fmt.Errorf("engine %s: invalid port %d", d.Provider, d.Local.Port)
		}
	case KindRemote:
		if d.Remote == nil || d.Local != nil {
			return fmt.Errorf("engine %s: remote kind requires exactly a remote config", d.Provider)
		}
		u, err := url.Parse(d.Remote.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("engine %s: invalid api base url %q", d.Provider, d.Remote.APIBaseURL)
		}
	default:
		return fmt.Errorf("engine %s: unknown kind %s", d.Provider, d.Kind)
	}
	return nil
}

// SessionStatus is the lifecycle state of a loaded model.
type SessionStatus string

const (
	StatusLoading   SessionStatus = "loading"
	StatusReady     SessionStatus = "ready"
	StatusFailed    SessionStatus = "failed"
	StatusUnloading SessionStatus = "unloading"
)

// Session is a snapshot of one model loaded on an engine.
type Session struct {
	ModelID  string          `json:"model_id"`
	Provider string          `json:"provider"`
	LoadedAt time.Time       `json:"loaded_at"`
	Status   SessionStatus   `json:"status"`
	Params   json.RawMessage `json:"params,omitempty"`
	Err      string          `json:"error,omitempty"`
}

// HealthState summarizes an engine for listings.
type HealthState string

const (
	HealthReady     HealthState = "ready"
	HealthStarting  HealthState = "starting"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// ModelInfo describes one session in a health snapshot.
type ModelInfo struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	LoadedAt  time.Time     `json:"start_time"`
	VRAMBytes uint64        `json:"vram"`
	RAMBytes  uint64        `json:"ram"`
}

// Health is a best-effort status snapshot of an engine.
type Health struct {
	Provider  string               `json:"provider"`
	Kind      Kind                 `json:"kind"`
	State     HealthState          `json:"state"`
	Error     string               `json:"error,omitempty"`
	Process   *supervisor.Snapshot `json:"process,omitempty"`
	Models    []ModelInfo          `json:"models"`
	CheckedAt time.Time            `json:"checked_at"`
}

// Usage is the resource footprint attributed to a model.
type Usage struct {
	VRAMBytes uint64
	RAMBytes  uint64
}

// Extension is the capability every engine variant implements.
type Extension interface {
	Provider() string
	Kind() Kind
	LoadModel(ctx context.Context, modelID string, params json.RawMessage) (Session, error)
	UnloadModel(ctx context.Context, modelID string) error
	Infer(ctx context.Context, modelID string, req json.RawMessage) (*Stream, error)
	// Status never fails; unreachable engines report HealthUnhealthy.
	Status(ctx context.Context) Health
	Session(modelID string) (Session, bool)
	Usage(ctx context.Context, modelID string) (Usage, error)
	Close(ctx context.Context) error
}

// ProbeFailureNoter is implemented by engines that own a process and want to
// hear about failed external probes of it.
type ProbeFailureNoter interface {
	NoteProbeFailure(err error)
}

// ModelPathResolver maps model ids to files on disk.
type ModelPathResolver interface {
	Path(modelID string) (string, bool)
}
