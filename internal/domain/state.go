package domain

// PresentationState is the display state consumed by the rendering layer.
// The zero value means the controller has not been configured yet.
type PresentationState string

const (
	StateConnecting PresentationState = "connecting"
	StateWaiting    PresentationState = "waiting"
	StateLive       PresentationState = "live"
	StateSpeaking   PresentationState = "speaking"
	StateThinking   PresentationState = "thinking"
	StateError      PresentationState = "error"
)

// VideoVisible reports whether the video surface should be shown.
func (s PresentationState) VideoVisible() bool {
	return s == StateLive || s == StateSpeaking || s == StateThinking
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)
