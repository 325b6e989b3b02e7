package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/obinexus/libpolycall/polyerr"
)

// LengthHeaderSize is the 4-byte little-endian frame length prefix. The
// length excludes the length field itself.
const LengthHeaderSize = 4

// FragmentHeaderSize is the optional 1-byte fragment header carried before
// the payload when fragmentation is negotiated.
const FragmentHeaderSize = 1

// moreFragmentsBit is bit7 of the fragment header; the low 7 bits are the
// fragment index.
const moreFragmentsBit = 0x80

// FragmentHeader is the 1-byte fragment descriptor carried before the
// payload when fragmentation is negotiated.
type FragmentHeader struct {
	More  bool
	Index uint8
}

// Encode packs the fragment header into its wire byte.
func (f FragmentHeader) Encode() byte {
	b := f.Index & 0x7f
	if f.More {
		b |= moreFragmentsBit
	}
	return b
}

// DecodeFragmentHeader unpacks a wire byte into a FragmentHeader.
func DecodeFragmentHeader(b byte) FragmentHeader {
	return FragmentHeader{More: b&moreFragmentsBit != 0, Index: b & 0x7f}
}

// WriteFrame length-prefixes payload (and, if frag is non-nil, prepends the
// fragment header) and writes it to t in one Write call.
func WriteFrame(ctx context.Context, t Transport, payload []byte, frag *FragmentHeader) error {
	headerLen := LengthHeaderSize
	if frag != nil {
		headerLen += FragmentHeaderSize
	}
	body := len(payload)
	if frag != nil {
		body++
	}

	buf := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(buf[:LengthHeaderSize], uint32(body))
	off := LengthHeaderSize
	if frag != nil {
		buf[off] = frag.Encode()
		off++
	}
	copy(buf[off:], payload)

	return t.Write(ctx, buf)
}

// FrameReader reads length-prefixed frames off a Transport, buffering any
// bytes read past a frame boundary for the next call.
type FrameReader struct {
	t       Transport
	scratch []byte
	pending bytes.Buffer
}

// NewFrameReader wraps t for frame-oriented reads.
func NewFrameReader(t Transport) *FrameReader {
	return &FrameReader{t: t, scratch: make([]byte, 64*1024)}
}

// ReadFrame returns the next frame's whole body as its payload. The
// FragmentHeader result is always nil: ReadFrame does not split off a
// fragment header; ReadFragmentedFrame does that for frames written with one.
func (r *FrameReader) ReadFrame(ctx context.Context) ([]byte, *FragmentHeader, error) {
	for {
		if r.pending.Len() >= LengthHeaderSize {
			header := r.pending.Bytes()[:LengthHeaderSize]
			bodyLen := int(binary.LittleEndian.Uint32(header))
			if r.pending.Len() >= LengthHeaderSize+bodyLen {
				r.pending.Next(LengthHeaderSize)
				body := append([]byte(nil), r.pending.Next(bodyLen)...)
				return body, nil, nil
			}
		}

		n, err := r.t.Read(ctx, r.scratch)
		if n > 0 {
			r.pending.Write(r.scratch[:n])
		}
		if err != nil {
			if err == io.EOF && r.pending.Len() == 0 {
				return nil, nil, polyerr.Wrap(polyerr.CodeTransportClosed, err, "transport closed")
			}
			if err != io.EOF {
				return nil, nil, err
			}
		}
	}
}

// ReadFragmentedFrame reads a frame that was written with a fragment header
// and splits the header from the payload for the caller.
func (r *FrameReader) ReadFragmentedFrame(ctx context.Context) ([]byte, FragmentHeader, error) {
	for {
		if r.pending.Len() >= LengthHeaderSize {
			header := r.pending.Bytes()[:LengthHeaderSize]
			bodyLen := int(binary.LittleEndian.Uint32(header))
			if r.pending.Len() >= LengthHeaderSize+bodyLen {
				r.pending.Next(LengthHeaderSize)
				raw := r.pending.Next(bodyLen)
				if len(raw) < FragmentHeaderSize {
					return nil, FragmentHeader{}, polyerr.New(polyerr.CodeProtocolViolation, "frame shorter than fragment header")
				}
				frag := DecodeFragmentHeader(raw[0])
				payload := append([]byte(nil), raw[FragmentHeaderSize:]...)
				return payload, frag, nil
			}
		}

		n, err := r.t.Read(ctx, r.scratch)
		if n > 0 {
			r.pending.Write(r.scratch[:n])
		}
		if err != nil {
			if err == io.EOF && r.pending.Len() == 0 {
				return nil, FragmentHeader{}, polyerr.Wrap(polyerr.CodeTransportClosed, err, "transport closed")
			}
			if err != io.EOF {
				return nil, FragmentHeader{}, err
			}
		}
	}
}
