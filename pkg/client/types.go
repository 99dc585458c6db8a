package client

import (
	"fmt"
	"time"
)

// Status mirrors the JSON document served at {base}/status.
type Status struct {
	State       string    `json:"state"`
	Service     string    `json:"service"`
	Port        int       `json:"port"`
	PID         int       `json:"pid,omitempty"`
	RecordedPID int       `json:"recorded_pid,omitempty"`
	Holders     []int     `json:"holders,omitempty"`
	Matched     []int     `json:"matched,omitempty"`
	Candidates  []int     `json:"candidates,omitempty"`
	Incomplete  bool      `json:"incomplete,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// String renders the same terse line the CLI prints locally.
func (s Status) String() string {
	switch s.State {
	case "running", "orphaned":
		return fmt.Sprintf("%s pid=%d port=%d", s.State, s.PID, s.Port)
	default:
		return s.State
	}
}

// ErrorResponse represents an error document returned by the endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}
