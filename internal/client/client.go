// Package client implements the node side of the nsauth protocols.
//
// To authenticate with the nonce challenge:
//  1. Generate a fresh nonce N_N and send it sealed under the shared key.
//  2. Check that the server echoed N_N. A server that cannot open {N_N}K
//     does not hold the key and is not trusted any further.
//  3. Open the server's sealed nonce N_S and return it in plaintext.
//  4. Read the server's verdict.
//
// To hand a session key to another node, Send seals {T_A, B, K_AB} under the
// node's own key. The receiver pulls the re-sealed {T_S, A, K_AB} with Receive
// or Poll and checks T_S against its own clock before accepting K_AB.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/internal/freshness"
	"github.com/merlos/nsauth/internal/logger"
	"github.com/merlos/nsauth/pkg/protocol"
)

const (
	// DefaultWindow is the default freshness window for received keys.
	DefaultWindow = 5 * time.Second

	// DefaultPollInterval is the delay between pulls while waiting for a key.
	DefaultPollInterval = time.Second

	// DefaultNonceLength is the number of digits in a node nonce.
	DefaultNonceLength = 8
)

// DialFunc opens the transport to the server. net.Dialer.DialContext fits.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options holds node configuration.
type Options struct {
	// Name identifies the node to the server for key distribution.
	Name string

	// ServerAddr is the server's TCP address, e.g. "auth.example.com:5006".
	ServerAddr string

	// Dial opens connections. Nil means a plain TCP dialer.
	Dial DialFunc

	// Cipher must match the server's. Nil means crypto.DefaultCipher.
	Cipher crypto.Cipher

	// ChallengeKey is the key shared with the server for the nonce challenge.
	ChallengeKey []byte

	// NodeKey is this node's pre-shared key with the server.
	NodeKey []byte

	// Window is the freshness window applied to received keys.
	Window time.Duration

	// Clock supplies the time for outgoing timestamps and local checks.
	Clock freshness.Clock

	// Hardened must match the server's mode.
	Hardened bool

	// NewNonce generates node nonces. Nil means DefaultNonceLength random digits.
	NewNonce func() (string, error)

	// PollInterval paces Poll.
	PollInterval time.Duration

	// Conn configures framing.
	Conn protocol.ConnOptions

	// Log is the structured logger.
	Log logrus.FieldLogger
}

// Delivery is a session key accepted from the server.
type Delivery struct {
	Sender     string
	SessionKey []byte
	Timestamp  time.Time
	Age        time.Duration
}

// Node talks to one nsauth server. Send, Receive and Poll share a single
// connection that is opened on first use; Authenticate always opens its own.
type Node struct {
	opts      Options
	validator freshness.Validator
	log       logrus.FieldLogger

	mu   sync.Mutex
	conn *protocol.Conn
}

// New validates opts and creates a Node.
func New(opts *Options) (*Node, error) {
	o := *opts
	if o.ServerAddr == "" && o.Dial == nil {
		return nil, oops.Errorf("node needs a server address")
	}
	if o.Cipher == nil {
		c, err := crypto.CipherByName("")
		if err != nil {
			return nil, err
		}
		o.Cipher = c
	}
	if len(o.ChallengeKey) > 0 {
		if err := crypto.ValidateKey(o.Cipher, o.ChallengeKey); err != nil {
			return nil, oops.Wrapf(err, "challenge key")
		}
	}
	if len(o.NodeKey) > 0 {
		if err := crypto.ValidateKey(o.Cipher, o.NodeKey); err != nil {
			return nil, oops.Wrapf(err, "node key")
		}
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = d.DialContext
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = freshness.SystemClock{}
	}
	if o.NewNonce == nil {
		o.NewNonce = func() (string, error) { return crypto.GenerateNonce(DefaultNonceLength) }
	}
	log := logger.OrDiscard(o.Log)
	if o.Name != "" {
		log = log.WithField("node", o.Name)
	}
	return &Node{
		opts:      o,
		validator: freshness.Validator{Clock: o.Clock, Window: o.Window},
		log:       log,
	}, nil
}

// Authenticate runs the nonce challenge on a new connection and returns the
// client id the server issued. It returns protocol.ErrServerNotVerified if the
// server did not echo the node's nonce and protocol.ErrRejected if the server
// refused the returned server nonce.
func (n *Node) Authenticate(ctx context.Context) (string, error) {
	if len(n.opts.ChallengeKey) == 0 {
		return "", oops.Errorf("node has no challenge key")
	}
	conn, err := n.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	nonce, err := n.opts.NewNonce()
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(n.opts.Cipher, n.opts.ChallengeKey, []byte(nonce), n.bind(protocol.LabelSetup))
	if err != nil {
		return "", err
	}
	n.log.WithField("node_nonce", nonce).Debug("N -> S: {N_N}K")
	if err := conn.WriteRequest(ctx, &protocol.Setup{Nonce: sealed}); err != nil {
		return "", oops.Errorf("sending setup: %w", err)
	}
	rep, err := conn.ReadReply(ctx)
	if err != nil {
		return "", oops.Errorf("reading setup reply: %w", err)
	}
	setup, ok := rep.(*protocol.SetupReply)
	if !ok {
		return "", fmt.Errorf("%w: %s reply to setup", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	log := n.log.WithField("client_id", setup.ID)

	if !freshness.VerifyNonce(nonce, setup.NodeNonce) {
		log.WithField("echo", setup.NodeNonce).Warn("server did not return our nonce")
		return "", oops.In("node").With("client_id", setup.ID).Wrap(protocol.ErrServerNotVerified)
	}
	log.Debug("server verified")

	challenge, err := crypto.Open(n.opts.Cipher, n.opts.ChallengeKey, setup.Challenge, n.bind(protocol.LabelChallenge, setup.ID))
	if err != nil {
		return "", oops.Wrapf(err, "opening server nonce")
	}
	log.WithField("server_nonce", string(challenge)).Debug("N -> S: N_S")
	if err := conn.WriteRequest(ctx, &protocol.Confirmation{ID: setup.ID, Nonce: string(challenge)}); err != nil {
		return "", oops.Errorf("sending confirmation: %w", err)
	}
	rep, err = conn.ReadReply(ctx)
	if err != nil {
		return "", oops.Errorf("reading confirmation reply: %w", err)
	}
	status, ok := rep.(*protocol.StatusReply)
	if !ok || status.For != protocol.DestConfirmation {
		return "", fmt.Errorf("%w: %s reply to confirmation", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	if err := status.Status.Err(); err != nil {
		log.WithField("status", status.Status).Warn("server refused confirmation")
		return "", err
	}
	log.Info("authenticated")
	return setup.ID, nil
}

// Send asks the server to deliver sessionKey to receiver.
func (n *Node) Send(ctx context.Context, receiver string, sessionKey []byte) error {
	if len(n.opts.NodeKey) == 0 || n.opts.Name == "" {
		return oops.Errorf("node needs a name and a node key to send")
	}
	raw, err := protocol.MarshalKeyTransport(&protocol.KeyTransport{
		Timestamp:  n.opts.Clock.Now(),
		Peer:       receiver,
		SessionKey: sessionKey,
	})
	if err != nil {
		return oops.Wrapf(err, "encoding key transport")
	}
	sealed, err := crypto.Seal(n.opts.Cipher, n.opts.NodeKey, raw, n.bind(protocol.LabelSend, n.opts.Name))
	if err != nil {
		return err
	}

	rep, err := n.exchange(ctx, &protocol.Send{Sender: n.opts.Name, Payload: sealed})
	if err != nil {
		return err
	}
	status, ok := rep.(*protocol.StatusReply)
	if !ok || status.For != protocol.DestSend {
		n.reset()
		return fmt.Errorf("%w: %s reply to send", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	log := n.log.WithFields(logrus.Fields{
		"receiver": receiver,
		"key":      crypto.Fingerprint(sessionKey),
		"status":   status.Status,
	})
	if err := status.Status.Err(); err != nil {
		// The server ends the exchange after a refusal.
		n.reset()
		log.Warn("key distribution refused")
		return err
	}
	log.Info("A -> S: session key handed over")
	return nil
}

// Receive pulls the server's buffered message once. It returns
// protocol.ErrNoContent when nothing is waiting for this node, including a
// slot addressed to another node, the sentinel for the server's error status
// when one is buffered for this node or for no receiver, and
// protocol.ErrStaleTimestamp when the key is older than the window here.
func (n *Node) Receive(ctx context.Context) (*Delivery, error) {
	if len(n.opts.NodeKey) == 0 || n.opts.Name == "" {
		return nil, oops.Errorf("node needs a name and a node key to receive")
	}
	rep, err := n.exchange(ctx, &protocol.Recv{Receiver: n.opts.Name})
	if err != nil {
		return nil, err
	}
	msg, ok := rep.(*protocol.RecvReply)
	if !ok {
		n.reset()
		return nil, fmt.Errorf("%w: %s reply to recv", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	// A slot addressed to another node is not ours, whatever its status.
	if msg.Receiver != "" && msg.Receiver != n.opts.Name {
		return nil, fmt.Errorf("%w: buffered message is for %s", protocol.ErrNoContent, msg.Receiver)
	}
	if err := msg.Status.Err(); err != nil {
		return nil, err
	}
	if msg.Message == nil {
		return nil, fmt.Errorf("%w: accepted reply without a message", protocol.ErrMalformedFrame)
	}

	raw, err := crypto.Open(n.opts.Cipher, n.opts.NodeKey, *msg.Message, n.bind(protocol.LabelDeliver, n.opts.Name))
	if err != nil {
		return nil, err
	}
	kt, err := protocol.UnmarshalKeyTransport(raw)
	if err != nil {
		return nil, err
	}
	d := &Delivery{
		Sender:     kt.Peer,
		SessionKey: kt.SessionKey,
		Timestamp:  kt.Timestamp,
		Age:        n.validator.Age(kt.Timestamp),
	}
	log := n.log.WithFields(logrus.Fields{
		"sender": d.Sender,
		"key":    crypto.Fingerprint(d.SessionKey),
		"age":    d.Age,
	})
	if !n.validator.Fresh(kt.Timestamp) {
		log.Warn("received key is stale")
		return nil, fmt.Errorf("%w: key from %s is %s old", protocol.ErrStaleTimestamp, d.Sender, d.Age)
	}
	log.Info("B: session key accepted")
	return d, nil
}

// Poll calls Receive until a key for this node arrives, a pull fails for a
// reason other than protocol.ErrNoContent, or ctx is done.
func (n *Node) Poll(ctx context.Context) (*Delivery, error) {
	lim := rate.NewLimiter(rate.Every(n.opts.PollInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
		d, err := n.Receive(ctx)
		if errors.Is(err, protocol.ErrNoContent) {
			n.log.Debug("nothing buffered yet")
			continue
		}
		return d, err
	}
}

// Close releases the shared connection, if one is open.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}

// exchange sends req on the shared connection and reads one reply. A
// transport failure drops the connection so the next call redials.
func (n *Node) exchange(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		conn, err := n.dial(ctx)
		if err != nil {
			return nil, err
		}
		n.conn = conn
	}
	if err := n.conn.WriteRequest(ctx, req); err != nil {
		n.dropLocked()
		return nil, oops.Errorf("sending %s: %w", req.Dest(), err)
	}
	rep, err := n.conn.ReadReply(ctx)
	if err != nil {
		n.dropLocked()
		return nil, oops.Errorf("reading %s reply: %w", req.Dest(), err)
	}
	return rep, nil
}

func (n *Node) reset() {
	n.mu.Lock()
	n.dropLocked()
	n.mu.Unlock()
}

func (n *Node) dropLocked() {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *Node) dial(ctx context.Context) (*protocol.Conn, error) {
	nc, err := n.opts.Dial(ctx, "tcp", n.opts.ServerAddr)
	if err != nil {
		return nil, oops.Errorf("dialing %s: %w", n.opts.ServerAddr, err)
	}
	return protocol.NewConn(nc, &n.opts.Conn), nil
}

func (n *Node) bind(label string, parts ...string) []byte {
	if !n.opts.Hardened {
		return nil
	}
	return protocol.AssociatedData(label, parts...)
}
