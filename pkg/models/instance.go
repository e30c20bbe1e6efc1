package models

import "time"

// InstanceState is the runtime state of one child process.
type InstanceState string

const (
	StateStopped  InstanceState = "stopped"
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateStopping InstanceState = "stopping"
	StateFailed   InstanceState = "failed"
)

// validTransitions encodes the lifecycle state machine.
// stopped → starting → running → stopping → stopped, with failed reachable
// from starting (spawn/ready failure) and running (unexpected exit), and
// failed → starting when the restart engine grants another attempt.
var validTransitions = map[InstanceState][]InstanceState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateFailed:   {StateStarting, StateStopped},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to InstanceState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the state owns a live process.
func (s InstanceState) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// ServerInstance is the runtime record of one child.
// The in-memory copy held by the manager is authoritative; the persisted
// mirror exists for observability and restart-after-crash recovery.
type ServerInstance struct {
	ServerID string        `json:"server_id"`
	State    InstanceState `json:"state"`

	// PID is set iff State is starting, running, or stopping.
	PID int `json:"pid,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`
	StopTime  *time.Time `json:"stop_time,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	RestartCount        int        `json:"restart_count"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
	HealthCheckFailures int        `json:"health_check_failures"`

	// Host/Port describe a process-internal proxy endpoint.
	// Empty for stdio children.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	StartedBy string    `json:"started_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy safe to hand out of the manager's lock.
func (i *ServerInstance) Clone() *ServerInstance {
	out := *i
	if i.StartTime != nil {
		t := *i.StartTime
		out.StartTime = &t
	}
	if i.StopTime != nil {
		t := *i.StopTime
		out.StopTime = &t
	}
	if i.ExitCode != nil {
		c := *i.ExitCode
		out.ExitCode = &c
	}
	if i.LastHealthCheck != nil {
		t := *i.LastHealthCheck
		out.LastHealthCheck = &t
	}
	return &out
}
