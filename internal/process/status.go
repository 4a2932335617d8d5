package process

import "time"

// State is the supervisor-side lifecycle state of an application.
type State string

const (
	StateStopped        State = "stopped"
	StateLaunching      State = "launching"
	StateOnline         State = "online"
	StateStopping       State = "stopping"
	StateWaitingRestart State = "waiting_restart"
	StateErrored        State = "errored"
)

// Status is a point-in-time view of a managed application.
type Status struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	PID              int           `json:"pid"`
	StartedAt        time.Time     `json:"started_at"`
	StoppedAt        time.Time     `json:"stopped_at"`
	Uptime           time.Duration `json:"uptime"`
	Restarts         int           `json:"restarts"`
	UnstableRestarts int           `json:"unstable_restarts"`
	ExitCode         int           `json:"exit_code"`
	LastError        string        `json:"last_error,omitempty"`
	CPUPercent       float64       `json:"cpu_percent"`
	MemoryRSS        uint64        `json:"memory_rss"`
}

// Running reports whether the application currently has a live process.
func (s Status) Running() bool { return s.State == StateOnline || s.State == StateStopping }
