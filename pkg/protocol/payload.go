package protocol

import (
	"encoding/binary"
	"strings"
	"time"
)

// Sealed payloads of the key-distribution protocol decrypt to a KeyTransport:
//
//	[timestamp(8)] [peer_len(1)] [peer] [key_len(1)] [key]
//
// The same layout is used for A -> S ({T_A, B, K_AB}, peer = receiver) and
// S -> B ({T_S, A, K_AB}, peer = sender). Only the associated data (hardened
// mode) tells the two directions apart.
const (
	// TimestampSize is the size of the big-endian Unix-nanosecond timestamp.
	TimestampSize = 8

	// MaxNameSize bounds a node name inside a payload.
	MaxNameSize = 255

	// MaxSessionKeySize bounds a session key inside a payload.
	MaxSessionKeySize = 255
)

// KeyTransport is the plaintext of a key-distribution message.
type KeyTransport struct {
	// Timestamp is when the payload was produced (T_A or T_S).
	Timestamp time.Time

	// Peer is the other party: the receiver on the way in, the sender on the way out.
	Peer string

	// SessionKey is K_AB.
	SessionKey []byte
}

// MarshalKeyTransport serialises p. Names and keys longer than 255 bytes are rejected.
func MarshalKeyTransport(p *KeyTransport) ([]byte, error) {
	if len(p.Peer) > MaxNameSize || len(p.SessionKey) > MaxSessionKeySize {
		return nil, ErrMalformedFrame
	}
	buf := make([]byte, 0, TimestampSize+2+len(p.Peer)+len(p.SessionKey))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp.UnixNano()))
	buf = append(buf, byte(len(p.Peer)))
	buf = append(buf, p.Peer...)
	buf = append(buf, byte(len(p.SessionKey)))
	buf = append(buf, p.SessionKey...)
	return buf, nil
}

// UnmarshalKeyTransport parses a payload produced by MarshalKeyTransport.
func UnmarshalKeyTransport(raw []byte) (*KeyTransport, error) {
	if len(raw) < TimestampSize+2 {
		return nil, ErrMalformedFrame
	}
	ts := int64(binary.BigEndian.Uint64(raw))
	rest := raw[TimestampSize:]

	peerLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < peerLen+1 {
		return nil, ErrMalformedFrame
	}
	peer := string(rest[:peerLen])
	rest = rest[peerLen:]

	keyLen := int(rest[0])
	rest = rest[1:]
	if len(rest) != keyLen {
		return nil, ErrMalformedFrame
	}
	key := make([]byte, keyLen)
	copy(key, rest)

	return &KeyTransport{
		Timestamp:  time.Unix(0, ts),
		Peer:       peer,
		SessionKey: key,
	}, nil
}

// Labels for associated data. In hardened mode every sealed payload is bound
// to the step that produced it, so a ciphertext from one step cannot be
// presented at another.
const (
	LabelSetup     = "nsauth/nonce/setup"
	LabelChallenge = "nsauth/nonce/challenge"
	LabelSend      = "nsauth/keydist/send"
	LabelDeliver   = "nsauth/keydist/deliver"
)

// AssociatedData joins a label and its context into AEAD associated data.
func AssociatedData(label string, parts ...string) []byte {
	return []byte(strings.Join(append([]string{label}, parts...), "|"))
}
