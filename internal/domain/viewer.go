// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxViewerNameLen = 36

var (
	ErrViewerNameTooLong = errors.New("viewer name too long")
	ErrViewerNameEmpty   = errors.New("viewer name empty")
)

type ViewerID string

// Viewer is a presentation-layer client watching the avatar state.
type Viewer struct {
	ID   ViewerID `json:"id"`
	Name string   `json:"name"`
}

// NewViewer is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a random one.
func NewViewer(id ViewerID, name string) (*Viewer, error) {
	if len(name) == 0 {
		return nil, ErrViewerNameEmpty
	}
	if len(name) > MaxViewerNameLen {
		return nil, ErrViewerNameTooLong
	}
	if id == "" {
		id = ViewerID(uuid.NewString())
	}
	return &Viewer{ID: id, Name: name}, nil
}
