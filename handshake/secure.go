package handshake

import (
	"encoding/binary"
	"io"

	"github.com/flynn/noise"

	"github.com/obinexus/libpolycall/polyerr"
)

// SecureOverhead is the Noise encryption overhead added to every sealed
// chunk: 4-byte length prefix + 16-byte AEAD tag.
const SecureOverhead = 4 + 16

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// SecureChannel wraps a Noise handshake/cipher pair: the key-exchange leg
// of the session establishment, entered once the Hello/Capabilities/Params
// negotiation settles on Params with encryption on.
type SecureChannel struct {
	hs          *noise.HandshakeState
	send        *noise.CipherState
	recv        *noise.CipherState
	isComplete  bool
	isInitiator bool
}

// NewSecureInitiator starts a Noise NN handshake as the initiator.
func NewSecureInitiator() (*SecureChannel, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, polyerr.Wrap(polyerr.CodeInternal, err, "secure channel init failed")
	}
	return &SecureChannel{hs: hs, isInitiator: true}, nil
}

// NewSecureResponder starts a Noise NN handshake as the responder.
func NewSecureResponder() (*SecureChannel, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, polyerr.Wrap(polyerr.CodeInternal, err, "secure channel init failed")
	}
	return &SecureChannel{hs: hs, isInitiator: false}, nil
}

// WriteMessage produces the next Noise handshake message carrying payload.
func (s *SecureChannel) WriteMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := s.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, polyerr.Wrap(polyerr.CodeProtocolViolation, err, "secure handshake write failed")
	}
	if cs1 != nil && cs2 != nil {
		s.send, s.recv = cs1, cs2
		s.isComplete = true
	}
	return msg, nil
}

// ReadMessage consumes a Noise handshake message, returning its payload.
func (s *SecureChannel) ReadMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, polyerr.Wrap(polyerr.CodeProtocolViolation, err, "secure handshake read failed")
	}
	if cs1 != nil && cs2 != nil {
		s.send, s.recv = cs1, cs2
		s.isComplete = true
	}
	return payload, nil
}

// IsComplete reports whether the key exchange finished and session keys
// are ready for Seal/Unseal.
func (s *SecureChannel) IsComplete() bool { return s.isComplete }

func (s *SecureChannel) sendCipher() *noise.CipherState {
	if s.isInitiator {
		return s.send
	}
	return s.recv
}

func (s *SecureChannel) recvCipher() *noise.CipherState {
	if s.isInitiator {
		return s.recv
	}
	return s.send
}

// Seal encrypts plaintext and prepends a 4-byte little-endian length.
func (s *SecureChannel) Seal(dst, plaintext []byte) ([]byte, error) {
	if !s.isComplete {
		return nil, polyerr.New(polyerr.CodeInvalidState, "secure channel not established")
	}
	needed := 4 + len(plaintext) + 16
	if cap(dst) < needed {
		dst = make([]byte, 4, needed)
	} else {
		dst = dst[:4]
	}

	ciphertext, err := s.sendCipher().Encrypt(dst[4:4], nil, plaintext)
	if err != nil {
		return nil, polyerr.Wrap(polyerr.CodeInternal, err, "seal failed")
	}
	binary.LittleEndian.PutUint32(dst[:4], uint32(len(ciphertext)))
	return dst[:4+len(ciphertext)], nil
}

// Unseal extracts and decrypts one sealed chunk from data, returning the
// plaintext and the unconsumed remainder.
func (s *SecureChannel) Unseal(dst, data []byte) (plaintext, remaining []byte, err error) {
	if !s.isComplete {
		return nil, data, polyerr.New(polyerr.CodeInvalidState, "secure channel not established")
	}
	if len(data) < 4 {
		return nil, data, io.ErrShortBuffer
	}
	length := int(binary.LittleEndian.Uint32(data[:4]))
	if len(data) < 4+length {
		return nil, data, io.ErrShortBuffer
	}

	decrypted, err := s.recvCipher().Decrypt(dst[:0], nil, data[4:4+length])
	if err != nil {
		return nil, nil, polyerr.Wrap(polyerr.CodeInternal, err, "unseal failed")
	}
	return decrypted, data[4+length:], nil
}
