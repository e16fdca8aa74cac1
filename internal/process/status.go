package process

import "time"

// Status is a point-in-time snapshot of the managed child process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
	Restarts  int       `json:"restarts"`
}
