// Package client implements the high-level TS3 engine: connect/disconnect,
// channel and text operations, and the event stream surfaced to callers.
package client

import "time"

// Config carries the connect-time parameters recognized by the engine
// (spec §6 "Engine configuration").
type Config struct {
	Host string
	Port uint16

	Nickname       string
	DefaultChannel string
	ServerPassword string
	HWID           string

	// RelayURL/RelayToken select the relay transport when both are set;
	// otherwise the engine dials the TS3 server directly over UDP.
	RelayURL   string
	RelayToken string

	// StrictLicense makes a license-chain derivation failure during the
	// handshake fatal instead of falling back to a random server key with a
	// Warning event (see DESIGN.md's Open Question resolution).
	StrictLicense bool

	ConnectTimeout time.Duration // default 15s
	IdleTimeout    time.Duration // default 30s
	PingInterval   time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 1 * time.Second
	}
	return c
}

func (c Config) usesRelay() bool {
	return c.RelayURL != "" && c.RelayToken != ""
}
