package supervisor

import "time"

// State is the lifecycle state of a managed native process.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateUnhealthy State = "unhealthy"
)

// Handle is a point-in-time view of the process owned by a Supervisor.
type Handle struct {
	PID       int
	Port      int
	State     State
	StartedAt time.Time
}

// Snapshot summarizes supervisor state for status reporting.
type Snapshot struct {
	State               State
	PID                 int
	Port                int
	StartedAt           time.Time
	ConsecutiveFailures int
	RestartsInWindow    int
	LastError           string
	Fatal               bool
}
