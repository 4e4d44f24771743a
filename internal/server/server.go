// Package server implements the nsauth authentication server: the trusted
// third party of the nonce-challenge and key-distribution protocols.
//
// The server:
//  1. Listens on a TCP port and runs one worker goroutine per connection.
//  2. Nonce challenge: opens the node's sealed nonce, issues a client id and
//     a sealed server nonce, then checks the nonce the node returns.
//  3. Key distribution: opens {T_A, B, K_AB}K_AS, checks T_A against the
//     freshness window, re-seals {T_S, A, K_AB}K_BS and buffers it until B pulls.
//
// Workers share two pieces of state: the session table (client id to server
// nonce) and the single-slot mailbox. Everything else is per connection.
//
// In hardened mode every sealed payload is bound to its protocol step with
// AEAD associated data and a session key is only distributed once. The
// default mode reproduces the classic protocols, including the weaknesses
// the adversary package exploits.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/internal/freshness"
	"github.com/merlos/nsauth/internal/logger"
	"github.com/merlos/nsauth/pkg/protocol"
)

const (
	// DefaultNonceLength is the number of decimal digits in a server nonce.
	DefaultNonceLength = 8

	// DefaultWindow is the default timestamp freshness window.
	DefaultWindow = 5 * time.Second

	// DefaultKeyRetention is how long a hardened server remembers distributed keys.
	DefaultKeyRetention = time.Hour

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Protocol names reported in SessionEvent.
const (
	ProtocolNonce   = "nonce"
	ProtocolKeyDist = "keydist"
)

// SessionEvent describes a finished protocol exchange.
type SessionEvent struct {
	Protocol  string
	ClientID  string
	Remote    string
	Sender    string
	Receiver  string
	Timestamp time.Time
	Status    protocol.Status
}

// SessionHandler is called for every terminal nonce-challenge outcome and
// every key-distribution attempt.
type SessionHandler func(SessionEvent)

// Options holds server configuration.
type Options struct {
	// Addr is the TCP address Run listens on, e.g. ":5006".
	Addr string

	// Cipher seals and opens every payload. Nil means crypto.DefaultCipher.
	Cipher crypto.Cipher

	// ChallengeKey is the key shared with nodes for the nonce challenge.
	ChallengeKey []byte

	// NodeKeys maps node names to their pre-shared node-server keys
	// for key distribution.
	NodeKeys map[string][]byte

	// Window is the freshness window for key-distribution timestamps.
	Window time.Duration

	// Hardened enables context binding and single-use session keys.
	Hardened bool

	// KeyRetention bounds how long a hardened server remembers distributed keys.
	KeyRetention time.Duration

	// NonceLength is the number of digits in an issued server nonce.
	NonceLength int

	// Clock supplies timestamps. Nil means the system clock.
	Clock freshness.Clock

	// NewClientID generates client ids. Nil means ULIDs.
	NewClientID func() string

	// NewNonce generates server nonces. Nil means NonceLength random digits.
	NewNonce func() (string, error)

	// Conn configures framing on accepted connections.
	Conn protocol.ConnOptions

	// Sessions and Mailbox are the shared state. Nil values are created by New.
	Sessions *Sessions
	Mailbox  *Mailbox

	// OnComplete is called for each finished exchange.
	OnComplete SessionHandler

	// Log is the structured logger.
	Log logrus.FieldLogger
}

// Server is the running nsauth server instance.
type Server struct {
	opts      Options
	cipher    crypto.Cipher
	validator freshness.Validator
	sessions  *Sessions
	mailbox   *Mailbox
	ledger    *keyLedger
	log       logrus.FieldLogger
}

// New validates opts and creates a Server.
func New(opts *Options) (*Server, error) {
	o := *opts
	if o.Cipher == nil {
		c, err := crypto.CipherByName("")
		if err != nil {
			return nil, err
		}
		o.Cipher = c
	}
	if len(o.ChallengeKey) == 0 && len(o.NodeKeys) == 0 {
		return nil, oops.Errorf("server needs a challenge key or at least one node key")
	}
	if len(o.ChallengeKey) > 0 {
		if err := crypto.ValidateKey(o.Cipher, o.ChallengeKey); err != nil {
			return nil, oops.Wrapf(err, "challenge key")
		}
	}
	for name, key := range o.NodeKeys {
		if err := crypto.ValidateKey(o.Cipher, key); err != nil {
			return nil, oops.Wrapf(err, "node %q key", name)
		}
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.KeyRetention <= 0 {
		o.KeyRetention = DefaultKeyRetention
	}
	if o.NonceLength <= 0 {
		o.NonceLength = DefaultNonceLength
	}
	if o.Clock == nil {
		o.Clock = freshness.SystemClock{}
	}
	if o.NewClientID == nil {
		o.NewClientID = func() string { return ulid.Make().String() }
	}
	if o.NewNonce == nil {
		n := o.NonceLength
		o.NewNonce = func() (string, error) { return crypto.GenerateNonce(n) }
	}
	if o.Sessions == nil {
		o.Sessions = NewSessions()
	}
	if o.Mailbox == nil {
		o.Mailbox = NewMailbox()
	}
	return &Server{
		opts:      o,
		cipher:    o.Cipher,
		validator: freshness.Validator{Clock: o.Clock, Window: o.Window},
		sessions:  o.Sessions,
		mailbox:   o.Mailbox,
		ledger:    newKeyLedger(o.KeyRetention),
		log:       logger.OrDiscard(o.Log),
	}, nil
}

// Sessions returns the shared session table.
func (s *Server) Sessions() *Sessions { return s.sessions }

// Mailbox returns the shared key-distribution mailbox.
func (s *Server) Mailbox() *Mailbox { return s.mailbox }

// Run listens on Options.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return oops.Errorf("listening TCP %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, running one worker
// per connection. It waits for all workers before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.WithFields(logrus.Fields{
		"addr":     ln.Addr().String(),
		"cipher":   s.cipher.Name(),
		"hardened": s.opts.Hardened,
		"window":   s.opts.Window,
		"nodes":    len(s.opts.NodeKeys),
	}).Info("nsauth server listening")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = acceptBackoff(delay)
			s.log.WithError(err).WithField("retry_in", delay).Warn("accept error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// acceptBackoff doubles the wait after a failed Accept, from
// minAcceptBackoff up to maxAcceptBackoff.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptBackoff
	}
	if next := 2 * prev; next < maxAcceptBackoff {
		return next
	}
	return maxAcceptBackoff
}

// ServeConn runs the worker for a single connection until the exchange
// reaches a terminal state, the peer disconnects, or ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	conn := protocol.NewConn(nc, &s.opts.Conn)
	w := &worker{
		srv:  s,
		conn: conn,
		log:  s.log.WithField("remote", conn.RemoteAddr()),
	}
	defer conn.Close()
	defer w.release()

	w.log.Debug("connection opened")
	for {
		req, err := conn.ReadRequest(ctx)
		if err != nil {
			w.closed(err)
			return
		}
		done, err := w.handle(ctx, req)
		if err != nil {
			w.closed(err)
			return
		}
		if done {
			w.log.WithField("state", w.state).Debug("exchange finished")
			return
		}
	}
}

// bind returns the associated data for a step, or nil outside hardened mode.
func (s *Server) bind(label string, parts ...string) []byte {
	if !s.opts.Hardened {
		return nil
	}
	return protocol.AssociatedData(label, parts...)
}

func (s *Server) emit(ev SessionEvent) {
	if s.opts.OnComplete != nil {
		s.opts.OnComplete(ev)
	}
}
