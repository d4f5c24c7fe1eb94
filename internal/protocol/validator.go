package protocol

import (
	"errors"
	"regexp"
)

// Username limits.
const (
	MinUsernameLength = 1
	MaxUsernameLength = 16
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidUsername reports whether name is 1-16 ASCII letters, digits or underscores.
func ValidUsername(name string) bool {
	if len(name) < MinUsernameLength || len(name) > MaxUsernameLength {
		return false
	}
	return usernamePattern.MatchString(name)
}

// Validator checks handshake packets against the local protocol version.
// It holds no mutable state and is shared by every connection of a process.
type Validator struct {
	version string
}

// NewValidator creates a validator for the given protocol version.
func NewValidator(version string) (*Validator, error) {
	if version == "" {
		return nil, errors.New("protocol version must not be empty")
	}
	return &Validator{version: version}, nil
}

// Version returns the version the validator compares against.
func (v *Validator) Version() string {
	return v.version
}

// CheckClient validates a packet received by the server. Only ClientHandshake
// is inspected: the version is checked before the username.
func (v *Validator) CheckClient(p Packet) error {
	hs, ok := p.(ClientHandshake)
	if !ok {
		return nil
	}
	if hs.Version != v.version {
		return ServerErrVersion
	}
	if !ValidUsername(hs.Username) {
		return ServerErrUsername
	}
	return nil
}

// CheckServer validates a packet received by the client. Only ServerHandshake
// is inspected.
func (v *Validator) CheckServer(p Packet) error {
	hs, ok := p.(ServerHandshake)
	if !ok {
		return nil
	}
	if hs.Version != v.version {
		return ClientErrVersion
	}
	return nil
}
