package domain

// Descriptor identifies one media session. It is immutable for the
// lifetime of a connection attempt: a different endpoint or credential
// means a new connection.
type Descriptor struct {
	Endpoint   string `json:"endpoint"`
	Credential string `json:"-"`
}

// Complete reports whether a connection attempt may be made.
func (d Descriptor) Complete() bool {
	return d.Endpoint != "" && d.Credential != ""
}

// Config is the full set of caller-owned inputs of the avatar controller.
type Config struct {
	Descriptor Descriptor
	Signals    Signals
}
