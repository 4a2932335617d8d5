package client

import "time"

// State is an app's lifecycle state as reported by the API.
type State string

const (
	StateStopped        State = "stopped"
	StateLaunching      State = "launching"
	StateOnline         State = "online"
	StateStopping       State = "stopping"
	StateWaitingRestart State = "waiting_restart"
	StateErrored        State = "errored"
)

// Status is the body of GET /apps/{name} and an element of GET /apps.
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

// Running reports whether the app has a live process.
func (s Status) Running() bool { return s.State == StateOnline || s.State == StateStopping }

// Run is an element of GET /apps/{name}/runs. StoppedAt and ExitCode are nil
// while the run is live.
type Run struct {
	ID        string     `json:"id"`
	App       string     `json:"app"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	ExitErr   string     `json:"exit_error,omitempty"`
	Restarts  int        `json:"restarts"`
}

// Token is returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
