// Package handshake drives the staged Hello -> Capabilities -> Params
// exchange that establishes a session's negotiated parameters and, when
// encryption is negotiated, its Noise-backed secure channel.
package handshake

import (
	"encoding/binary"

	"github.com/obinexus/libpolycall/polyerr"
)

// Magic is the Hello magic number.
const Magic uint32 = 0x50434853

// ProtocolVersion is the only version this engine speaks.
const ProtocolVersion uint8 = 1

// SecurityLevel is the negotiated channel security level.
type SecurityLevel uint8

const (
	SecurityNone SecurityLevel = iota
	SecurityLow
	SecurityMedium
	SecurityHigh
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityLow:
		return "low"
	case SecurityMedium:
		return "medium"
	case SecurityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// HelloSize is the first-stage message layout:
//
//	magic(4) version(1) flags(2) session-id(4) protocol-options(1) reserved(3)
const HelloSize = 4 + 1 + 2 + 4 + 1 + 3

const (
	helloFlagSecure      uint16 = 1 << 0
	helloFlagCompression uint16 = 1 << 1

	helloOptStreaming     uint8 = 1 << 0
	helloOptFragmentation uint8 = 1 << 1
)

// Hello is the decoded form of the Hello wire message.
type Hello struct {
	Version       uint8
	Secure        bool
	Compression   bool
	SessionID     uint32
	Streaming     bool
	Fragmentation bool
}

// Encode serializes h into its 15-byte wire form.
func (h Hello) Encode() []byte {
	buf := make([]byte, HelloSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = h.Version

	var flags uint16
	if h.Secure {
		flags |= helloFlagSecure
	}
	if h.Compression {
		flags |= helloFlagCompression
	}
	binary.LittleEndian.PutUint16(buf[5:7], flags)

	binary.LittleEndian.PutUint32(buf[7:11], h.SessionID)

	var opts uint8
	if h.Streaming {
		opts |= helloOptStreaming
	}
	if h.Fragmentation {
		opts |= helloOptFragmentation
	}
	buf[11] = opts
	// buf[12:15] reserved, left zero.
	return buf
}

// DecodeHello parses a Hello wire message, validating magic and version.
func DecodeHello(b []byte) (Hello, error) {
	if len(b) < HelloSize {
		return Hello{}, polyerr.New(polyerr.CodeProtocolViolation, "hello: short message")
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != Magic {
		return Hello{}, polyerr.New(polyerr.CodeProtocolViolation, "InvalidMagic")
	}
	version := b[4]
	if version != ProtocolVersion {
		return Hello{}, polyerr.New(polyerr.CodeProtocolViolation, "VersionMismatch")
	}
	flags := binary.LittleEndian.Uint16(b[5:7])
	sessionID := binary.LittleEndian.Uint32(b[7:11])
	opts := b[11]

	return Hello{
		Version:       version,
		Secure:        flags&helloFlagSecure != 0,
		Compression:   flags&helloFlagCompression != 0,
		SessionID:     sessionID,
		Streaming:     opts&helloOptStreaming != 0,
		Fragmentation: opts&helloOptFragmentation != 0,
	}, nil
}

// capabilityFlags packs the boolean quartet shared by Capabilities and
// Params into a single byte: bit0=compression bit1=encryption
// bit2=streaming bit3=fragmentation.
type capabilityFlags struct {
	Compression   bool
	Encryption    bool
	Streaming     bool
	Fragmentation bool
}

const (
	capFlagCompression   uint8 = 1 << 0
	capFlagEncryption    uint8 = 1 << 1
	capFlagStreaming     uint8 = 1 << 2
	capFlagFragmentation uint8 = 1 << 3
)

func (f capabilityFlags) encode() uint8 {
	var b uint8
	if f.Compression {
		b |= capFlagCompression
	}
	if f.Encryption {
		b |= capFlagEncryption
	}
	if f.Streaming {
		b |= capFlagStreaming
	}
	if f.Fragmentation {
		b |= capFlagFragmentation
	}
	return b
}

func decodeCapabilityFlags(b uint8) capabilityFlags {
	return capabilityFlags{
		Compression:   b&capFlagCompression != 0,
		Encryption:    b&capFlagEncryption != 0,
		Streaming:     b&capFlagStreaming != 0,
		Fragmentation: b&capFlagFragmentation != 0,
	}
}

// Feature bitmap bit positions shared between Capabilities'
// supported-features (16 bytes) and Params' selected-features (2 bytes).
const (
	featureSecurity      = 1 << 0
	featureCompression   = 1 << 1
	featureEncryption    = 1 << 2
	featureStreaming     = 1 << 3
	featureFragmentation = 1 << 4
)

func featureBitmap(secure, compression, encryption, streaming, fragmentation bool) uint32 {
	var v uint32
	if secure {
		v |= featureSecurity
	}
	if compression {
		v |= featureCompression
	}
	if encryption {
		v |= featureEncryption
	}
	if streaming {
		v |= featureStreaming
	}
	if fragmentation {
		v |= featureFragmentation
	}
	return v
}

// CapabilitiesSize is the second-stage message layout:
//
//	security(1) flags(1) max-message-size(2) heartbeat-interval(2)
//	option-flags(4) supported-features(16)
const CapabilitiesSize = 1 + 1 + 2 + 2 + 4 + 16

// Capabilities is the decoded form of the Capabilities wire message: the
// declared capability struct one side offers.
type Capabilities struct {
	SecurityLevel     SecurityLevel
	Compression       bool
	Encryption        bool
	Streaming         bool
	Fragmentation     bool
	MaxMessageSize    uint16
	HeartbeatInterval uint16
	OptionFlags       uint32
}

// Encode serializes c into its 26-byte wire form.
func (c Capabilities) Encode() []byte {
	buf := make([]byte, CapabilitiesSize)
	buf[0] = uint8(c.SecurityLevel)
	flags := capabilityFlags{Compression: c.Compression, Encryption: c.Encryption, Streaming: c.Streaming, Fragmentation: c.Fragmentation}
	buf[1] = flags.encode()
	binary.LittleEndian.PutUint16(buf[2:4], c.MaxMessageSize)
	binary.LittleEndian.PutUint16(buf[4:6], c.HeartbeatInterval)
	binary.LittleEndian.PutUint32(buf[6:10], c.OptionFlags)

	bitmap := featureBitmap(c.SecurityLevel != SecurityNone, c.Compression, c.Encryption, c.Streaming, c.Fragmentation)
	binary.LittleEndian.PutUint32(buf[10:14], bitmap)
	// buf[14:26] remainder of the 16-byte bitmap field, reserved/zero.
	return buf
}

// DecodeCapabilities parses a Capabilities wire message.
func DecodeCapabilities(b []byte) (Capabilities, error) {
	if len(b) < CapabilitiesSize {
		return Capabilities{}, polyerr.New(polyerr.CodeProtocolViolation, "capabilities: short message")
	}
	flags := decodeCapabilityFlags(b[1])
	return Capabilities{
		SecurityLevel:     SecurityLevel(b[0]),
		Compression:       flags.Compression,
		Encryption:        flags.Encryption,
		Streaming:         flags.Streaming,
		Fragmentation:     flags.Fragmentation,
		MaxMessageSize:    binary.LittleEndian.Uint16(b[2:4]),
		HeartbeatInterval: binary.LittleEndian.Uint16(b[4:6]),
		OptionFlags:       binary.LittleEndian.Uint32(b[6:10]),
	}, nil
}

// ParamsSize is the third-stage message layout: the 6-byte
// negotiated-parameters struct, a 4-byte flags field, a 2-byte
// selected-features bitmap, 2 reserved bytes, and 16 reserved
// extended-params bytes.
const ParamsSize = 6 + 4 + 2 + 2 + 16

// Params is the decoded form of the negotiated Params wire message.
type Params struct {
	SecurityLevel     SecurityLevel
	Compression       bool
	Encryption        bool
	Streaming         bool
	Fragmentation     bool
	MaxMessageSize    uint16
	HeartbeatInterval uint16
	Flags             uint32
}

// Encode serializes p into its 30-byte wire form.
func (p Params) Encode() []byte {
	buf := make([]byte, ParamsSize)
	buf[0] = uint8(p.SecurityLevel)
	cf := capabilityFlags{Compression: p.Compression, Encryption: p.Encryption, Streaming: p.Streaming, Fragmentation: p.Fragmentation}
	buf[1] = cf.encode()
	binary.LittleEndian.PutUint16(buf[2:4], p.MaxMessageSize)
	binary.LittleEndian.PutUint16(buf[4:6], p.HeartbeatInterval)
	binary.LittleEndian.PutUint32(buf[6:10], p.Flags)

	bitmap := featureBitmap(p.SecurityLevel != SecurityNone, p.Compression, p.Encryption, p.Streaming, p.Fragmentation)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(bitmap))
	// buf[12:14] reserved, buf[14:30] extended-params reserved; both zero.
	return buf
}

// DecodeParams parses a Params wire message.
func DecodeParams(b []byte) (Params, error) {
	if len(b) < ParamsSize {
		return Params{}, polyerr.New(polyerr.CodeProtocolViolation, "params: short message")
	}
	flags := decodeCapabilityFlags(b[1])
	return Params{
		SecurityLevel:     SecurityLevel(b[0]),
		Compression:       flags.Compression,
		Encryption:        flags.Encryption,
		Streaming:         flags.Streaming,
		Fragmentation:     flags.Fragmentation,
		MaxMessageSize:    binary.LittleEndian.Uint16(b[2:4]),
		HeartbeatInterval: binary.LittleEndian.Uint16(b[4:6]),
		Flags:             binary.LittleEndian.Uint32(b[6:10]),
	}, nil
}
