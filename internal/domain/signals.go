package domain

import "fmt"

// Status is the externally supplied activity of the streamer.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusThinking   Status = "thinking"
	StatusResponding Status = "responding"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "", StatusIdle:
		return StatusIdle, nil
	case StatusThinking, StatusResponding:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Signals are the semantic inputs owned by the caller.
type Signals struct {
	Speaking     bool   `json:"speaking"`
	Status       Status `json:"status"`
	RespondingTo string `json:"responding_to,omitempty"`
}
