package message

import (
	"encoding/binary"
	"errors"
)

func init() {
	Register(binaryCodec{})
}

// binaryCodec is a compact length-prefixed-field encoding. The layout is
// small and fixed-shape enough not to need a general-purpose serialization
// library.
//
// Layout: kind-len(u16) kind
//
//	flags(u8) fragment-of(u16) fragment-seq(u16)
//	cid(u64)
//	token-len(u16) token
//	resource-len(u16) resource
//	action-len(u16) action
//	identity-len(u16) identity
//	payload-len(u32) payload
//
// All integers little-endian, matching the frame layer.
type binaryCodec struct{}

func (binaryCodec) Name() string { return "binary" }

const (
	flagReliable = 1 << 0
	flagPriority = 1 << 1
	flagMore     = 1 << 2
)

func (binaryCodec) Encode(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 64+len(m.Payload))
	buf = appendString(buf, string(m.Kind))

	var flagByte byte
	if m.Flags.Reliable {
		flagByte |= flagReliable
	}
	if m.Flags.Priority {
		flagByte |= flagPriority
	}
	if m.Flags.MoreToFollow {
		flagByte |= flagMore
	}
	buf = append(buf, flagByte)
	buf = appendU16(buf, m.Flags.FragmentOf)
	buf = appendU16(buf, m.Flags.FragmentSeq)
	buf = appendU64(buf, m.CorrelationID)
	buf = appendString(buf, m.Token)
	buf = appendString(buf, m.Resource)
	buf = appendString(buf, m.Action)
	buf = appendString(buf, m.IdentityID)
	buf = appendBytes(buf, m.Payload)
	return buf, nil
}

func (binaryCodec) Decode(b []byte) (*Message, error) {
	r := &reader{b: b}
	kind, err := r.string()
	if err != nil {
		return nil, err
	}
	flagByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	fragOf, err := r.u16()
	if err != nil {
		return nil, err
	}
	fragSeq, err := r.u16()
	if err != nil {
		return nil, err
	}
	cid, err := r.u64()
	if err != nil {
		return nil, err
	}
	token, err := r.string()
	if err != nil {
		return nil, err
	}
	resource, err := r.string()
	if err != nil {
		return nil, err
	}
	action, err := r.string()
	if err != nil {
		return nil, err
	}
	identity, err := r.string()
	if err != nil {
		return nil, err
	}
	payload, err := r.bytes32()
	if err != nil {
		return nil, err
	}

	return &Message{
		Kind:          Kind(kind),
		CorrelationID: cid,
		Token:         token,
		Resource:      resource,
		Action:        action,
		IdentityID:    identity,
		Payload:       payload,
		Flags: Flags{
			Reliable:     flagByte&flagReliable != 0,
			Priority:     flagByte&flagPriority != 0,
			MoreToFollow: flagByte&flagMore != 0,
			FragmentOf:   fragOf,
			FragmentSeq:  fragSeq,
		},
	}, nil
}

var errShortBuffer = errors.New("message: short buffer decoding binary frame")

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendString(b []byte, s string) []byte {
	b = appendU16(b, uint16(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, data []byte) []byte {
	b = appendU32(b, uint32(len(data)))
	return append(b, data...)
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) byte() (byte, error) {
	if r.off+1 > len(r.b) {
		return 0, errShortBuffer
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.b) {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.b) {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.b) {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if r.off+int(n) > len(r.b) {
		return "", errShortBuffer
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) bytes32() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.b) {
		return nil, errShortBuffer
	}
	out := append([]byte(nil), r.b[r.off:r.off+int(n)]...)
	r.off += int(n)
	return out, nil
}
