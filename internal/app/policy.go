package app

import "github.com/dkeye/LiveAvatar/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickViewer
)

// Policy decides what happens to a viewer whose send buffer is full.
type Policy interface {
	OnBackPressure(viewer *domain.Viewer) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*domain.Viewer) BackpressureAction {
	return KickViewer
}

// LenientPolicy keeps slow viewers and skips the frame. Viewers only need
// the latest state, which the next change delivers.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(*domain.Viewer) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a policy; unknown names kick.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
