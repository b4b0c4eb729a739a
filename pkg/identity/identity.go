// Package identity holds who this computer is: the two opaque ids the
// server issues at registration, persisted across restarts, plus the
// registration inputs taken from configuration. An empty SecureID
// means the computer is not registered.
package identity

import (
	"github.com/corralhq/corral/pkg/persist"
)

// Config carries the operator-supplied registration inputs.
type Config struct {
	ComputerTitle        string
	AccountName          string
	RegistrationPassword string
	Tags                 string
	AccessGroup          string
}

// Identity is the persisted identity of this computer.
type Identity struct {
	state persist.Tree
	cfg   Config
}

// New creates an Identity over the given persist namespace.
func New(state persist.Tree, cfg Config) *Identity {
	return &Identity{state: state, cfg: cfg}
}

// SecureID returns the server-issued registration proof, or "" when
// this computer is not registered.
func (i *Identity) SecureID() string {
	return i.state.GetString("secure-id")
}

// SetSecureID stores the server-issued secure id; an empty value
// clears it.
func (i *Identity) SetSecureID(id string) {
	if id == "" {
		i.state.Remove("secure-id")
		return
	}
	i.state.Set("secure-id", id)
}

// InsecureID returns the server-issued insecure id used by the ping
// endpoint, or "".
func (i *Identity) InsecureID() string {
	return i.state.GetString("insecure-id")
}

// SetInsecureID stores the insecure id; an empty value clears it.
func (i *Identity) SetInsecureID(id string) {
	if id == "" {
		i.state.Remove("insecure-id")
		return
	}
	i.state.Set("insecure-id", id)
}

// Clear drops both ids, forcing re-registration on the next exchange.
func (i *Identity) Clear() {
	i.SetSecureID("")
	i.SetInsecureID("")
}

func (i *Identity) ComputerTitle() string        { return i.cfg.ComputerTitle }
func (i *Identity) AccountName() string          { return i.cfg.AccountName }
func (i *Identity) RegistrationPassword() string { return i.cfg.RegistrationPassword }
func (i *Identity) Tags() string                 { return i.cfg.Tags }
func (i *Identity) AccessGroup() string          { return i.cfg.AccessGroup }
