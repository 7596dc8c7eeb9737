package config

import (
	"fmt"
	"time"
)

// Module control policy modes.
const (
	ModuleControlOff       = "off"
	ModuleControlWhitelist = "whitelist"
	ModuleControlBlacklist = "blacklist"
)

// Default timeouts. Inactivity defaults are generous so that the handshake
// cost is amortized across request bursts.
const (
	DefaultTCPServerPort           = 5369
	DefaultConnectTimeout          = 5 * time.Second
	DefaultSendTimeout             = 5 * time.Second
	DefaultReceiveTimeout          = 15 * time.Second
	DefaultSBCastReceiveTimeout    = 15 * time.Second
	DefaultClientInactivityTimeout = 5 * time.Minute
	DefaultServerInactivityTimeout = 5 * time.Minute
	DefaultAsyncInactivityTimeout  = 10 * time.Minute
)

// RPCConfiguration holds the transport settings. A zero duration on any of
// the inactivity timeouts means infinity (no reaping).
type RPCConfiguration struct {
	// TCPServerPort is the control-channel listener port.
	TCPServerPort uint16 `yaml:"TCPServerPort"`
	// RemoteTCPServerPorts overrides the control port per peer for peers
	// listening on a nonstandard port.
	RemoteTCPServerPorts map[string]uint16 `yaml:"RemoteTCPServerPorts"`

	// RPCModuleControl selects the allowed-call policy: off, whitelist or
	// blacklist. RPCModuleList names the modules the policy applies to.
	RPCModuleControl string   `yaml:"RPCModuleControl"`
	RPCModuleList    []string `yaml:"RPCModuleList"`

	ConnectTimeout       time.Duration `yaml:"ConnectTimeout"`
	SendTimeout          time.Duration `yaml:"SendTimeout"`
	ReceiveTimeout       time.Duration `yaml:"ReceiveTimeout"`
	SBCastReceiveTimeout time.Duration `yaml:"SBCastReceiveTimeout"`

	ClientInactivityTimeout    time.Duration `yaml:"ClientInactivityTimeout"`
	ServerInactivityTimeout    time.Duration `yaml:"ServerInactivityTimeout"`
	AsyncCallInactivityTimeout time.Duration `yaml:"AsyncCallInactivityTimeout"`

	// CheckPeerAlive enables the pre-send liveness probe. A TCP send can
	// succeed into a kernel buffer even when the peer has crashed, the probe
	// gives an earlier node_down signal at the cost of extra latency.
	CheckPeerAlive bool `yaml:"CheckPeerAlive"`
}

// DefaultRPCConfiguration returns the RPC section with all defaults applied.
func DefaultRPCConfiguration() RPCConfiguration {
	return RPCConfiguration{
		TCPServerPort:              DefaultTCPServerPort,
		RPCModuleControl:           ModuleControlOff,
		ConnectTimeout:             DefaultConnectTimeout,
		SendTimeout:                DefaultSendTimeout,
		ReceiveTimeout:             DefaultReceiveTimeout,
		SBCastReceiveTimeout:       DefaultSBCastReceiveTimeout,
		ClientInactivityTimeout:    DefaultClientInactivityTimeout,
		ServerInactivityTimeout:    DefaultServerInactivityTimeout,
		AsyncCallInactivityTimeout: DefaultAsyncInactivityTimeout,
	}
}

// Validate returns an error if the RPC section is not valid.
func (r RPCConfiguration) Validate() error {
	switch r.RPCModuleControl {
	case ModuleControlOff, ModuleControlWhitelist, ModuleControlBlacklist:
	default:
		return fmt.Errorf("invalid RPCModuleControl: %s", r.RPCModuleControl)
	}
	if r.RPCModuleControl != ModuleControlOff && len(r.RPCModuleList) == 0 {
		return fmt.Errorf("RPCModuleControl is %s but RPCModuleList is empty", r.RPCModuleControl)
	}
	for name, d := range map[string]time.Duration{
		"ConnectTimeout": r.ConnectTimeout,
		"SendTimeout":    r.SendTimeout,
		"ReceiveTimeout": r.ReceiveTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ControlPortOf returns the control port to use for the given peer,
// honoring per-peer overrides.
func (r RPCConfiguration) ControlPortOf(peer string) uint16 {
	if p, ok := r.RemoteTCPServerPorts[peer]; ok {
		return p
	}
	return r.TCPServerPort
}
