package adversary

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/internal/logger"
	"github.com/merlos/nsauth/pkg/protocol"
)

// Reflection completes the nonce challenge without the shared key.
type Reflection struct {
	Target

	// Cipher is the server's cipher. It is public; only its shape is used,
	// to produce a well-formed but meaningless first setup.
	Cipher crypto.Cipher
}

// ReflectionResult reports what the attacker obtained.
type ReflectionResult struct {
	// ClientID is the id of the session the attacker tried to complete.
	ClientID string

	// OracleID is the id of the session used as a decryption oracle.
	OracleID string

	// Recovered is the server nonce the oracle session gave away.
	Recovered string

	// Status is the server's verdict on the forged confirmation.
	Status protocol.Status
}

// Succeeded reports whether the server accepted the forged confirmation.
func (r *ReflectionResult) Succeeded() bool {
	return r.Status == protocol.StatusVerified
}

// Run plays both sessions:
//
//	session 1  A -> S  {junk}            S -> A  id1, {N_S1}K
//	session 2  A -> S  {N_S1}K           S -> A  id2, N_S1, {N_S2}K
//	session 1  A -> S  id1, N_S1         S -> A  verified
//
// An error is returned only when the exchange itself breaks; a refused
// confirmation is reported through the result.
func (r *Reflection) Run(ctx context.Context) (*ReflectionResult, error) {
	log := logger.OrDiscard(r.Log).WithField("attack", "reflection")
	c := r.Cipher
	if c == nil {
		var err error
		if c, err = crypto.CipherByName(""); err != nil {
			return nil, err
		}
	}

	first, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer first.Close()

	// A key of our own: the server cannot open this, but it still answers.
	own, err := crypto.GenerateKey(c)
	if err != nil {
		return nil, err
	}
	junk, err := crypto.Seal(c, own, []byte("00000000"), nil)
	if err != nil {
		return nil, err
	}
	setup1, err := r.setup(ctx, first, junk)
	if err != nil {
		return nil, err
	}
	log = log.WithField("client_id", setup1.ID)
	log.Info("session 1: holding sealed server nonce")

	second, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer second.Close()

	setup2, err := r.setup(ctx, second, setup1.Challenge)
	if err != nil {
		return nil, err
	}
	res := &ReflectionResult{
		ClientID:  setup1.ID,
		OracleID:  setup2.ID,
		Recovered: setup2.NodeNonce,
	}
	log.WithFields(logrus.Fields{
		"oracle_id": setup2.ID,
		"recovered": res.Recovered,
	}).Info("session 2: server echoed the reflected nonce")

	rep, err := roundTrip(ctx, first, &protocol.Confirmation{ID: setup1.ID, Nonce: res.Recovered})
	if err != nil {
		return nil, err
	}
	status, ok := rep.(*protocol.StatusReply)
	if !ok {
		return nil, fmt.Errorf("%w: %s reply to confirmation", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	res.Status = status.Status
	if res.Succeeded() {
		log.Warn("session 1 verified without the shared key")
	} else {
		log.WithField("status", res.Status).Info("reflection refused")
	}
	return res, nil
}

func (r *Reflection) setup(ctx context.Context, conn *protocol.Conn, sealed protocol.Sealed) (*protocol.SetupReply, error) {
	rep, err := roundTrip(ctx, conn, &protocol.Setup{Nonce: sealed})
	if err != nil {
		return nil, err
	}
	setup, ok := rep.(*protocol.SetupReply)
	if !ok {
		return nil, fmt.Errorf("%w: %s reply to setup", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	return setup, nil
}
