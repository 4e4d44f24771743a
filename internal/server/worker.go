package server

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/internal/freshness"
	"github.com/merlos/nsauth/pkg/protocol"
)

// connState is where a single connection is in the protocol.
type connState int

const (
	connAwaiting connState = iota
	connChallengeIssued
	connKeyIssued
	connConfirmed
	connRejected
)

func (s connState) String() string {
	switch s {
	case connAwaiting:
		return "awaiting request"
	case connChallengeIssued:
		return "challenge issued"
	case connKeyIssued:
		return "key issued"
	case connConfirmed:
		return "confirmed"
	case connRejected:
		return "rejected"
	}
	return "unknown"
}

// worker owns one connection. Its client ids are released when it exits.
type worker struct {
	srv   *Server
	conn  *protocol.Conn
	log   logrus.FieldLogger
	state connState
	ids   []string
}

func (w *worker) handle(ctx context.Context, req protocol.Request) (done bool, err error) {
	w.log.WithFields(logrus.Fields{"dest": req.Dest(), "state": w.state}).Debug("request")
	switch m := req.(type) {
	case *protocol.Setup:
		return w.setup(ctx, m)
	case *protocol.Confirmation:
		return w.confirm(ctx, m)
	case *protocol.Send:
		return w.send(ctx, m)
	case *protocol.Recv:
		return w.recv(ctx, m)
	}
	return true, protocol.ErrUnknownDest
}

// setup answers N -> S: {N_N}K with N_N, {N_S}K and a fresh client id.
//
// If {N_N}K does not authenticate the challenge is still issued, but the echo
// is left empty: the echo only lets the node authenticate the server, and the
// server never uses plaintext it could not verify.
func (w *worker) setup(ctx context.Context, m *protocol.Setup) (bool, error) {
	s := w.srv
	if w.state != connAwaiting || len(s.opts.ChallengeKey) == 0 {
		return true, protocol.ErrUnexpectedMessage
	}

	var echo string
	plain, err := crypto.Open(s.cipher, s.opts.ChallengeKey, m.Nonce, s.bind(protocol.LabelSetup))
	authentic := err == nil
	if authentic {
		echo = string(plain)
	} else {
		w.log.WithError(err).Warn("node nonce failed authentication")
	}

	nonce, err := s.opts.NewNonce()
	if err != nil {
		return true, err
	}
	id := s.sessions.Issue(s.opts.NewClientID, nonce, w.conn.RemoteAddr(), s.opts.Clock.Now())
	w.ids = append(w.ids, id)

	challenge, err := crypto.Seal(s.cipher, s.opts.ChallengeKey, []byte(nonce), s.bind(protocol.LabelChallenge, id))
	if err != nil {
		return true, err
	}

	w.log.WithFields(logrus.Fields{
		"client_id":  id,
		"node_nonce": echo,
		"authentic":  authentic,
	}).Info("S -> N: N_N, {N_S}K")

	if err := w.conn.WriteReply(ctx, &protocol.SetupReply{ID: id, NodeNonce: echo, Challenge: challenge}); err != nil {
		return true, err
	}
	w.state = connChallengeIssued
	return false, nil
}

// confirm checks N -> S: N_S against the nonce issued to the client id.
func (w *worker) confirm(ctx context.Context, m *protocol.Confirmation) (bool, error) {
	s := w.srv
	if w.state != connChallengeIssued {
		return true, protocol.ErrUnexpectedMessage
	}

	state, err := s.sessions.Confirm(m.ID, m.Nonce, freshness.VerifyNonce)
	status := protocol.StatusVerified
	log := w.log.WithField("client_id", m.ID)
	if err != nil {
		status = protocol.StatusRejected
		log.WithError(err).Warn("confirmation rejected")
	} else {
		log.Info("node verified")
	}

	if err := w.conn.WriteReply(ctx, &protocol.StatusReply{For: protocol.DestConfirmation, Status: status}); err != nil {
		return true, err
	}
	if state == StateConfirmed {
		w.state = connConfirmed
	} else {
		w.state = connRejected
	}
	s.emit(SessionEvent{
		Protocol:  ProtocolNonce,
		ClientID:  m.ID,
		Remote:    w.conn.RemoteAddr(),
		Timestamp: s.opts.Clock.Now(),
		Status:    status,
	})
	return true, nil
}

// send handles A -> S: A, {T_A, B, K_AB}K_AS. On success the server buffers
// {T_S, A, K_AB}K_BS for B; on failure it buffers the failure status.
func (w *worker) send(ctx context.Context, m *protocol.Send) (bool, error) {
	s := w.srv
	if w.state != connAwaiting && w.state != connKeyIssued {
		return true, protocol.ErrUnexpectedMessage
	}
	log := w.log.WithField("sender", m.Sender)

	senderKey, ok := s.opts.NodeKeys[m.Sender]
	if !ok {
		return w.refuse(ctx, m.Sender, "", protocol.StatusUnknownPeer, log)
	}
	plain, err := crypto.Open(s.cipher, senderKey, m.Payload, s.bind(protocol.LabelSend, m.Sender))
	if err != nil {
		log.WithError(err).Warn("key transport failed authentication")
		return w.refuse(ctx, m.Sender, "", protocol.StatusNotAuthentic, log)
	}
	in, err := protocol.UnmarshalKeyTransport(plain)
	if err != nil {
		log.WithError(err).Warn("malformed key transport")
		return w.refuse(ctx, m.Sender, "", protocol.StatusNotAuthentic, log)
	}
	log = log.WithField("receiver", in.Peer)

	if !s.validator.Fresh(in.Timestamp) {
		log.WithField("age", s.validator.Age(in.Timestamp)).Warn("sender timestamp outside window")
		return w.refuse(ctx, m.Sender, in.Peer, protocol.StatusTimestampInvalid, log)
	}
	receiverKey, ok := s.opts.NodeKeys[in.Peer]
	if !ok {
		return w.refuse(ctx, m.Sender, in.Peer, protocol.StatusUnknownPeer, log)
	}

	now := s.opts.Clock.Now()
	if s.opts.Hardened && !s.ledger.Record(in.SessionKey, now) {
		log.WithField("key", crypto.Fingerprint(in.SessionKey)).Warn("session key already distributed")
		return w.refuse(ctx, m.Sender, in.Peer, protocol.StatusKeyReused, log)
	}

	out, err := protocol.MarshalKeyTransport(&protocol.KeyTransport{
		Timestamp:  now,
		Peer:       m.Sender,
		SessionKey: in.SessionKey,
	})
	if err != nil {
		return true, err
	}
	sealed, err := crypto.Seal(s.cipher, receiverKey, out, s.bind(protocol.LabelDeliver, in.Peer))
	if err != nil {
		return true, err
	}
	s.mailbox.Put(Pending{
		Sender:     m.Sender,
		Receiver:   in.Peer,
		Timestamp:  now,
		SessionKey: in.SessionKey,
		Message:    &sealed,
		Status:     protocol.StatusAccepted,
	})
	log.WithFields(logrus.Fields{
		"key":       crypto.Fingerprint(in.SessionKey),
		"timestamp": now,
	}).Info("S: buffered {T_S, A, K_AB}K_BS")

	if err := w.conn.WriteReply(ctx, &protocol.StatusReply{For: protocol.DestSend, Status: protocol.StatusAccepted}); err != nil {
		return true, err
	}
	w.state = connKeyIssued
	s.emit(SessionEvent{
		Protocol:  ProtocolKeyDist,
		Remote:    w.conn.RemoteAddr(),
		Sender:    m.Sender,
		Receiver:  in.Peer,
		Timestamp: now,
		Status:    protocol.StatusAccepted,
	})
	return false, nil
}

// refuse buffers and reports a failed distribution, then ends the exchange.
func (w *worker) refuse(ctx context.Context, sender, receiver string, status protocol.Status, log logrus.FieldLogger) (bool, error) {
	s := w.srv
	now := s.opts.Clock.Now()
	s.mailbox.Put(Pending{
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: now,
		Status:    status,
	})
	log.WithField("status", status).Warn("key distribution refused")
	w.state = connRejected
	s.emit(SessionEvent{
		Protocol:  ProtocolKeyDist,
		Remote:    w.conn.RemoteAddr(),
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: now,
		Status:    status,
	})
	if err := w.conn.WriteReply(ctx, &protocol.StatusReply{For: protocol.DestSend, Status: status}); err != nil {
		return true, err
	}
	return true, nil
}

// recv returns the mailbox as it is. Pulling does not consume the message.
func (w *worker) recv(ctx context.Context, m *protocol.Recv) (bool, error) {
	if w.state != connAwaiting && w.state != connKeyIssued {
		return true, protocol.ErrUnexpectedMessage
	}
	reply := &protocol.RecvReply{Status: protocol.StatusNoContent}
	if p, ok := w.srv.mailbox.Peek(); ok {
		reply = &protocol.RecvReply{
			Status:   p.Status,
			Sender:   p.Sender,
			Receiver: p.Receiver,
			Message:  p.Message,
		}
	}
	w.log.WithFields(logrus.Fields{
		"puller":   m.Receiver,
		"receiver": reply.Receiver,
		"status":   reply.Status,
	}).Debug("S -> B: buffered message")
	if err := w.conn.WriteReply(ctx, reply); err != nil {
		return true, err
	}
	return false, nil
}

func (w *worker) release() {
	for _, id := range w.ids {
		w.srv.sessions.Release(id)
	}
}

func (w *worker) closed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		w.log.Debug("peer closed connection")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.log.Debug("connection cancelled")
	case errors.Is(err, protocol.ErrUnknownDest), errors.Is(err, protocol.ErrUnexpectedMessage):
		w.log.WithError(err).Warn("protocol violation")
	default:
		w.log.WithError(err).Warn("connection failed")
	}
}
