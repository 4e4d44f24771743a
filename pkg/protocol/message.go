// Package protocol defines the nsauth wire format shared by nodes, the
// authentication server and the adversary models.
//
// Every message is a tagged record. Requests carry a dest tag selecting the
// protocol step:
//
//	setup         N -> S   {N_N}K                         (nonce challenge, step 1)
//	confirmation  N -> S   id, N_S                        (nonce challenge, step 3)
//	send          A -> S   A, {T_A, B, K_AB}K_AS           (key distribution, step 1)
//	recv          B -> S   pull the buffered {T_S, A, K_AB}K_BS
//
// Replies echo the dest of the request they answer. Sealed payloads travel as
// the (n, c, t) triple: AEAD nonce, ciphertext and authentication tag.
//
// Frames on the wire are a 4-byte big-endian length followed by the encoded
// record; the record encoding is pluggable (see Codec).
package protocol

import "fmt"

// Dest tags the protocol step a frame belongs to.
type Dest string

const (
	DestSetup        Dest = "setup"
	DestConfirmation Dest = "confirmation"
	DestSend         Dest = "send"
	DestRecv         Dest = "recv"
)

// Status is the small fixed token the server uses to report an outcome.
type Status string

const (
	StatusVerified         Status = "verified"
	StatusRejected         Status = "rejected"
	StatusAccepted         Status = "accepted"
	StatusTimestampInvalid Status = "timestamp not valid"
	StatusNoContent        Status = "no content"
	StatusNotAuthentic     Status = "not authentic"
	StatusUnknownPeer      Status = "unknown peer"
	StatusKeyReused        Status = "key reused"
)

// Err maps a status to the sentinel error a client returns for it.
// Successful statuses map to nil.
func (s Status) Err() error {
	switch s {
	case StatusVerified, StatusAccepted:
		return nil
	case StatusRejected:
		return ErrRejected
	case StatusTimestampInvalid:
		return ErrStaleTimestamp
	case StatusNoContent:
		return ErrNoContent
	case StatusNotAuthentic:
		return ErrAuthFailed
	case StatusUnknownPeer:
		return ErrUnknownPeer
	case StatusKeyReused:
		return ErrKeyReused
	}
	return fmt.Errorf("%w: unrecognised status %q", ErrMalformedFrame, string(s))
}

// Sealed is the result of AEAD-sealing a payload: the AEAD nonce, the
// ciphertext and the authentication tag.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// IsZero reports whether s carries no sealed payload.
func (s Sealed) IsZero() bool {
	return len(s.Nonce) == 0 && len(s.Ciphertext) == 0 && len(s.Tag) == 0
}

// Frame is the flat record every message is encoded to before it reaches a Codec.
type Frame struct {
	Dest      Dest   `json:"dest,omitempty"`
	ID        string `json:"id,omitempty"`
	N         []byte `json:"n,omitempty"`
	C         []byte `json:"c,omitempty"`
	T         []byte `json:"t,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"rcv,omitempty"`
	NodeNonce string `json:"n_n,omitempty"`
	Status    Status `json:"ts,omitempty"`
}

func (f *Frame) sealed() Sealed {
	return Sealed{Nonce: f.N, Ciphertext: f.C, Tag: f.T}
}

func (f *Frame) setSealed(s Sealed) {
	f.N, f.C, f.T = s.Nonce, s.Ciphertext, s.Tag
}

// Request is one of *Setup, *Confirmation, *Send or *Recv.
type Request interface {
	Dest() Dest
	frame() *Frame
}

// Setup opens the nonce challenge: the node's nonce sealed under the shared key.
type Setup struct {
	Nonce Sealed
}

// Confirmation returns the server nonce in plaintext for the given client id.
type Confirmation struct {
	ID    string
	Nonce string
}

// Send hands a sealed key-distribution payload to the server on behalf of Sender.
type Send struct {
	Sender  string
	Payload Sealed
}

// Recv pulls whatever the server currently has buffered. Receiver is informational.
type Recv struct {
	Receiver string
}

func (*Setup) Dest() Dest        { return DestSetup }
func (*Confirmation) Dest() Dest { return DestConfirmation }
func (*Send) Dest() Dest         { return DestSend }
func (*Recv) Dest() Dest         { return DestRecv }

func (m *Setup) frame() *Frame {
	f := &Frame{Dest: DestSetup}
	f.setSealed(m.Nonce)
	return f
}

func (m *Confirmation) frame() *Frame {
	return &Frame{Dest: DestConfirmation, ID: m.ID, N: []byte(m.Nonce)}
}

func (m *Send) frame() *Frame {
	f := &Frame{Dest: DestSend, Sender: m.Sender}
	f.setSealed(m.Payload)
	return f
}

func (m *Recv) frame() *Frame {
	return &Frame{Dest: DestRecv, Receiver: m.Receiver}
}

// Reply is one of *SetupReply, *StatusReply or *RecvReply.
type Reply interface {
	Answers() Dest
	frame() *Frame
}

// SetupReply carries the issued client id, the echoed node nonce and the
// sealed server nonce.
type SetupReply struct {
	ID        string
	NodeNonce string
	Challenge Sealed
}

// StatusReply reports the outcome of a confirmation or send.
type StatusReply struct {
	For    Dest
	Status Status
}

// RecvReply returns the buffered message, or only a status when the buffer
// holds an error or nothing at all.
type RecvReply struct {
	Status   Status
	Sender   string
	Receiver string
	Message  *Sealed
}

func (*SetupReply) Answers() Dest    { return DestSetup }
func (r *StatusReply) Answers() Dest { return r.For }
func (*RecvReply) Answers() Dest     { return DestRecv }

func (r *SetupReply) frame() *Frame {
	f := &Frame{Dest: DestSetup, ID: r.ID, NodeNonce: r.NodeNonce}
	f.setSealed(r.Challenge)
	return f
}

func (r *StatusReply) frame() *Frame {
	return &Frame{Dest: r.For, Status: r.Status}
}

func (r *RecvReply) frame() *Frame {
	f := &Frame{Dest: DestRecv, Status: r.Status, Sender: r.Sender, Receiver: r.Receiver}
	if r.Message != nil {
		f.setSealed(*r.Message)
	}
	return f
}

// ParseRequest maps a decoded frame onto its request variant.
func ParseRequest(f *Frame) (Request, error) {
	switch f.Dest {
	case DestSetup:
		return &Setup{Nonce: f.sealed()}, nil
	case DestConfirmation:
		return &Confirmation{ID: f.ID, Nonce: string(f.N)}, nil
	case DestSend:
		return &Send{Sender: f.Sender, Payload: f.sealed()}, nil
	case DestRecv:
		return &Recv{Receiver: f.Receiver}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDest, string(f.Dest))
}

// ParseReply maps a decoded frame onto its reply variant.
func ParseReply(f *Frame) (Reply, error) {
	switch f.Dest {
	case DestSetup:
		return &SetupReply{ID: f.ID, NodeNonce: f.NodeNonce, Challenge: f.sealed()}, nil
	case DestConfirmation, DestSend:
		return &StatusReply{For: f.Dest, Status: f.Status}, nil
	case DestRecv:
		r := &RecvReply{Status: f.Status, Sender: f.Sender, Receiver: f.Receiver}
		if s := f.sealed(); !s.IsZero() {
			r.Message = &s
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDest, string(f.Dest))
}
