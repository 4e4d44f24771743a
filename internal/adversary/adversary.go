// Package adversary models the two classic attacks on the nsauth protocols.
// Neither attacker ever holds a key shared with the server.
//
// Reflection uses the server as a decryption oracle: the sealed server nonce
// from one session is presented as the node nonce of a second session, and
// the server's echo of it completes the first session.
//
// SuppressReplay keeps a session key alive past its lifetime: it pulls the
// buffered key-distribution message and hands it straight back as a send
// from its addressee. The server re-stamps it every time.
//
// Against a hardened server both attacks fail.
package adversary

import (
	"context"
	"net"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/merlos/nsauth/internal/client"
	"github.com/merlos/nsauth/pkg/protocol"
)

// Target is the server an attacker talks to.
type Target struct {
	// ServerAddr is the server's TCP address.
	ServerAddr string

	// Dial opens connections. Nil means a plain TCP dialer.
	Dial client.DialFunc

	// Conn configures framing.
	Conn protocol.ConnOptions

	// Log is the structured logger.
	Log logrus.FieldLogger
}

func (t *Target) dial(ctx context.Context) (*protocol.Conn, error) {
	dial := t.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	nc, err := dial(ctx, "tcp", t.ServerAddr)
	if err != nil {
		return nil, oops.Errorf("dialing %s: %w", t.ServerAddr, err)
	}
	return protocol.NewConn(nc, &t.Conn), nil
}

func roundTrip(ctx context.Context, conn *protocol.Conn, req protocol.Request) (protocol.Reply, error) {
	if err := conn.WriteRequest(ctx, req); err != nil {
		return nil, oops.Errorf("sending %s: %w", req.Dest(), err)
	}
	rep, err := conn.ReadReply(ctx)
	if err != nil {
		return nil, oops.Errorf("reading %s reply: %w", req.Dest(), err)
	}
	return rep, nil
}
