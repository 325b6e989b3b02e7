package handshake

import "github.com/obinexus/libpolycall/polyerr"

// MinRequirements is a side's local (non-wire) floor: the lowest security
// level and the feature set it insists the negotiated Params satisfy. It is
// engine configuration, not a wire field; the Capabilities struct transmits
// only the side's supported/offered ceiling.
type MinRequirements struct {
	SecurityLevel SecurityLevel
	// RequireStreaming/RequireFragmentation, if set, fail negotiation
	// when the negotiated Params does not carry that feature.
	RequireStreaming     bool
	RequireFragmentation bool
}

// Negotiate computes the negotiated Params from two sides' declared
// Capabilities: each boolean is the logical AND of both declarations,
// max-message-size is the minimum of the two, heartbeat-interval is the
// maximum of the two (the least frequent cadence either side can sustain),
// and the security level is the minimum of the two declared levels.
func Negotiate(local, remote Capabilities, localMin, remoteMin MinRequirements) (Params, error) {
	level := local.SecurityLevel
	if remote.SecurityLevel < level {
		level = remote.SecurityLevel
	}

	p := Params{
		SecurityLevel:     level,
		Compression:       local.Compression && remote.Compression,
		Encryption:        local.Encryption && remote.Encryption,
		Streaming:         local.Streaming && remote.Streaming,
		Fragmentation:     local.Fragmentation && remote.Fragmentation,
		MaxMessageSize:    minU16(local.MaxMessageSize, remote.MaxMessageSize),
		HeartbeatInterval: maxU16(local.HeartbeatInterval, remote.HeartbeatInterval),
	}

	if p.SecurityLevel < localMin.SecurityLevel || p.SecurityLevel < remoteMin.SecurityLevel {
		return Params{}, polyerr.New(polyerr.CodeProtocolViolation, "ParameterMismatch: negotiated security level below a side's minimum")
	}
	if (localMin.RequireStreaming || remoteMin.RequireStreaming) && !p.Streaming {
		return Params{}, polyerr.New(polyerr.CodeProtocolViolation, "ParameterMismatch: streaming required but not negotiated")
	}
	if (localMin.RequireFragmentation || remoteMin.RequireFragmentation) && !p.Fragmentation {
		return Params{}, polyerr.New(polyerr.CodeProtocolViolation, "ParameterMismatch: fragmentation required but not negotiated")
	}

	return p, nil
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
