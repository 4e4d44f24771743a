package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/internal/freshness"
	"github.com/merlos/nsauth/internal/server"
	"github.com/merlos/nsauth/pkg/protocol"
)

var (
	challengeKey = bytes.Repeat([]byte{0x11}, 32)
	keyA         = bytes.Repeat([]byte{0xaa}, 32)
	keyB         = bytes.Repeat([]byte{0xbb}, 32)
	sessionKey   = bytes.Repeat([]byte{0x5e}, 32)
	start        = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func defaultCipher(t *testing.T) crypto.Cipher {
	t.Helper()
	c, err := crypto.CipherByName("")
	require.NoError(t, err)
	return c
}

func newServer(t *testing.T, opts *server.Options) *server.Server {
	t.Helper()
	if opts.ChallengeKey == nil {
		opts.ChallengeKey = challengeKey
	}
	if opts.NodeKeys == nil {
		opts.NodeKeys = map[string][]byte{"A": keyA, "B": keyB}
	}
	srv, err := server.New(opts)
	require.NoError(t, err)
	return srv
}

// dial connects a client Conn to srv over an in-memory pipe. The returned
// channel closes when the server side of the connection has finished.
func dial(t *testing.T, srv *server.Server) (*protocol.Conn, <-chan struct{}) {
	t.Helper()
	client, side := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), side)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return protocol.NewConn(client, nil), done
}

func roundTrip(t *testing.T, conn *protocol.Conn, req protocol.Request) protocol.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.WriteRequest(ctx, req))
	rep, err := conn.ReadReply(ctx)
	require.NoError(t, err)
	return rep
}

func expectClosed(t *testing.T, conn *protocol.Conn, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not close the connection")
	}
	_, err := conn.ReadReply(context.Background())
	assert.Error(t, err)
}

func fixedNonce(n string) func() (string, error) {
	return func() (string, error) { return n, nil }
}

func TestNonceChallenge_Verified(t *testing.T) {
	c := defaultCipher(t)
	events := make(chan server.SessionEvent, 1)
	srv := newServer(t, &server.Options{
		NewNonce:   fixedNonce("87654321"),
		OnComplete: func(ev server.SessionEvent) { events <- ev },
	})
	conn, done := dial(t, srv)

	sealed, err := crypto.Seal(c, challengeKey, []byte("12345678"), nil)
	require.NoError(t, err)
	rep := roundTrip(t, conn, &protocol.Setup{Nonce: sealed})
	setup, ok := rep.(*protocol.SetupReply)
	require.True(t, ok, "want *SetupReply, got %T", rep)
	assert.Equal(t, "12345678", setup.NodeNonce)
	assert.NotEmpty(t, setup.ID)

	plain, err := crypto.Open(c, challengeKey, setup.Challenge, nil)
	require.NoError(t, err)
	assert.Equal(t, "87654321", string(plain))

	rec, ok := srv.Sessions().Lookup(setup.ID)
	require.True(t, ok)
	assert.Equal(t, server.StateIssued, rec.State)

	rep = roundTrip(t, conn, &protocol.Confirmation{ID: setup.ID, Nonce: string(plain)})
	assert.Equal(t, &protocol.StatusReply{For: protocol.DestConfirmation, Status: protocol.StatusVerified}, rep)

	expectClosed(t, conn, done)
	ev := <-events
	assert.Equal(t, server.ProtocolNonce, ev.Protocol)
	assert.Equal(t, setup.ID, ev.ClientID)
	assert.Equal(t, protocol.StatusVerified, ev.Status)
	assert.Zero(t, srv.Sessions().Len(), "client id must be released with the connection")
}

func TestNonceChallenge_TamperedConfirmation(t *testing.T) {
	c := defaultCipher(t)
	events := make(chan server.SessionEvent, 1)
	records := make(chan server.SessionRecord, 1)
	var srv *server.Server
	srv = newServer(t, &server.Options{
		NewNonce: fixedNonce("87654321"),
		OnComplete: func(ev server.SessionEvent) {
			// The record is still held by the worker when the event fires.
			if rec, ok := srv.Sessions().Lookup(ev.ClientID); ok {
				records <- rec
			}
			events <- ev
		},
	})
	conn, done := dial(t, srv)

	sealed, err := crypto.Seal(c, challengeKey, []byte("12345678"), nil)
	require.NoError(t, err)
	setup := roundTrip(t, conn, &protocol.Setup{Nonce: sealed}).(*protocol.SetupReply)

	rep := roundTrip(t, conn, &protocol.Confirmation{ID: setup.ID, Nonce: "87654322"})
	assert.Equal(t, protocol.StatusRejected, rep.(*protocol.StatusReply).Status)
	expectClosed(t, conn, done)
	assert.Equal(t, protocol.StatusRejected, (<-events).Status)

	select {
	case rec := <-records:
		assert.Equal(t, setup.ID, rec.ID)
		assert.Equal(t, server.StateRejected, rec.State)
		assert.Empty(t, rec.Nonce, "the issued nonce is compared once")
	default:
		t.Fatal("session record was gone before the exchange completed")
	}
	assert.Zero(t, srv.Sessions().Len())
}

func TestNonceChallenge_UnknownClientID(t *testing.T) {
	c := defaultCipher(t)
	srv := newServer(t, &server.Options{})
	conn, done := dial(t, srv)

	sealed, err := crypto.Seal(c, challengeKey, []byte("12345678"), nil)
	require.NoError(t, err)
	roundTrip(t, conn, &protocol.Setup{Nonce: sealed})

	rep := roundTrip(t, conn, &protocol.Confirmation{ID: "no-such-id", Nonce: "00000000"})
	assert.Equal(t, protocol.StatusRejected, rep.(*protocol.StatusReply).Status)
	expectClosed(t, conn, done)
}

func TestNonceChallenge_ForgedSetupStillChallenged(t *testing.T) {
	c := defaultCipher(t)
	srv := newServer(t, &server.Options{})
	conn, _ := dial(t, srv)

	junk, err := crypto.RandomBytes(24)
	require.NoError(t, err)
	sealed := protocol.Sealed{Nonce: junk[:12], Ciphertext: junk[12:20], Tag: bytes.Repeat([]byte{1}, 16)}

	setup := roundTrip(t, conn, &protocol.Setup{Nonce: sealed}).(*protocol.SetupReply)
	assert.Empty(t, setup.NodeNonce, "unauthenticated plaintext must not be echoed")
	assert.NotEmpty(t, setup.ID)
	_, err = crypto.Open(c, challengeKey, setup.Challenge, nil)
	assert.NoError(t, err)
}

func TestNonceChallenge_DefaultNonceIsDigits(t *testing.T) {
	c := defaultCipher(t)
	srv := newServer(t, &server.Options{NonceLength: 12})
	conn, _ := dial(t, srv)

	sealed, err := crypto.Seal(c, challengeKey, []byte("1"), nil)
	require.NoError(t, err)
	setup := roundTrip(t, conn, &protocol.Setup{Nonce: sealed}).(*protocol.SetupReply)
	plain, err := crypto.Open(c, challengeKey, setup.Challenge, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9]{12}$`, string(plain))
}

func TestNonceChallenge_HardenedBindsChallengeToID(t *testing.T) {
	c := defaultCipher(t)
	srv := newServer(t, &server.Options{Hardened: true, NewNonce: fixedNonce("87654321")})
	conn, _ := dial(t, srv)

	sealed, err := crypto.Seal(c, challengeKey, []byte("12345678"), protocol.AssociatedData(protocol.LabelSetup))
	require.NoError(t, err)
	setup := roundTrip(t, conn, &protocol.Setup{Nonce: sealed}).(*protocol.SetupReply)
	assert.Equal(t, "12345678", setup.NodeNonce)

	_, err = crypto.Open(c, challengeKey, setup.Challenge, nil)
	assert.ErrorIs(t, err, protocol.ErrAuthFailed)
	plain, err := crypto.Open(c, challengeKey, setup.Challenge, protocol.AssociatedData(protocol.LabelChallenge, setup.ID))
	require.NoError(t, err)
	assert.Equal(t, "87654321", string(plain))
}

func TestServeConn_ConfirmationBeforeSetup(t *testing.T) {
	srv := newServer(t, &server.Options{})
	conn, done := dial(t, srv)

	require.NoError(t, conn.WriteRequest(context.Background(), &protocol.Confirmation{ID: "x", Nonce: "1"}))
	expectClosed(t, conn, done)
}

func TestServeConn_UnknownDest(t *testing.T) {
	srv := newServer(t, &server.Options{})
	client, side := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), side)
		close(done)
	}()
	defer client.Close()

	require.NoError(t, protocol.WriteFrame(client, []byte(`{"dest":"bogus"}`), protocol.MaxFrameSize))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not terminate on unknown dest")
	}
	_, err := protocol.ReadFrame(client, protocol.MaxFrameSize)
	assert.ErrorIs(t, err, io.EOF)
}

func sealTransport(t *testing.T, key []byte, ts time.Time, peer string, k []byte, ad []byte) protocol.Sealed {
	t.Helper()
	raw, err := protocol.MarshalKeyTransport(&protocol.KeyTransport{Timestamp: ts, Peer: peer, SessionKey: k})
	require.NoError(t, err)
	s, err := crypto.Seal(defaultCipher(t), key, raw, ad)
	require.NoError(t, err)
	return s
}

func TestKeyDistribution_SendAndRecv(t *testing.T) {
	clock := freshness.NewManualClock(start)
	srv := newServer(t, &server.Options{Clock: clock, Window: 5 * time.Second})
	conn, _ := dial(t, srv)

	payload := sealTransport(t, keyA, clock.Now(), "B", sessionKey, nil)
	clock.Advance(2 * time.Second)
	rep := roundTrip(t, conn, &protocol.Send{Sender: "A", Payload: payload})
	assert.Equal(t, &protocol.StatusReply{For: protocol.DestSend, Status: protocol.StatusAccepted}, rep)

	first := roundTrip(t, conn, &protocol.Recv{Receiver: "B"}).(*protocol.RecvReply)
	assert.Equal(t, protocol.StatusAccepted, first.Status)
	assert.Equal(t, "A", first.Sender)
	assert.Equal(t, "B", first.Receiver)
	require.NotNil(t, first.Message)

	raw, err := crypto.Open(defaultCipher(t), keyB, *first.Message, nil)
	require.NoError(t, err)
	kt, err := protocol.UnmarshalKeyTransport(raw)
	require.NoError(t, err)
	assert.Equal(t, "A", kt.Peer)
	assert.Equal(t, sessionKey, kt.SessionKey)
	assert.True(t, kt.Timestamp.Equal(clock.Now()), "server must re-stamp with its own clock")

	second := roundTrip(t, conn, &protocol.Recv{Receiver: "B"}).(*protocol.RecvReply)
	assert.Equal(t, first, second, "recv must not consume the buffered message")
}

func TestKeyDistribution_EmptyMailbox(t *testing.T) {
	srv := newServer(t, &server.Options{})
	conn, _ := dial(t, srv)

	rep := roundTrip(t, conn, &protocol.Recv{Receiver: "B"}).(*protocol.RecvReply)
	assert.Equal(t, protocol.StatusNoContent, rep.Status)
	assert.Nil(t, rep.Message)
}

func TestKeyDistribution_TimestampWindow(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want protocol.Status
	}{
		{"fresh", time.Second, protocol.StatusAccepted},
		{"boundary", 5 * time.Second, protocol.StatusAccepted},
		{"just past", 5*time.Second + time.Millisecond, protocol.StatusTimestampInvalid},
		{"future", -time.Minute, protocol.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := freshness.NewManualClock(start)
			srv := newServer(t, &server.Options{Clock: clock, Window: 5 * time.Second})
			conn, _ := dial(t, srv)

			payload := sealTransport(t, keyA, start.Add(-tt.age), "B", sessionKey, nil)
			rep := roundTrip(t, conn, &protocol.Send{Sender: "A", Payload: payload})
			assert.Equal(t, tt.want, rep.(*protocol.StatusReply).Status)

			p, ok := srv.Mailbox().Peek()
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Status)
		})
	}
}

func TestKeyDistribution_FailureOverwritesMailbox(t *testing.T) {
	clock := freshness.NewManualClock(start)
	srv := newServer(t, &server.Options{Clock: clock})

	conn, _ := dial(t, srv)
	roundTrip(t, conn, &protocol.Send{Sender: "A", Payload: sealTransport(t, keyA, start, "B", sessionKey, nil)})

	stale, done := dial(t, srv)
	payload := sealTransport(t, keyA, start.Add(-time.Hour), "B", sessionKey, nil)
	rep := roundTrip(t, stale, &protocol.Send{Sender: "A", Payload: payload})
	assert.Equal(t, protocol.StatusTimestampInvalid, rep.(*protocol.StatusReply).Status)
	expectClosed(t, stale, done)

	pulled := roundTrip(t, conn, &protocol.Recv{Receiver: "B"}).(*protocol.RecvReply)
	assert.Equal(t, protocol.StatusTimestampInvalid, pulled.Status)
	assert.Nil(t, pulled.Message)
}

func TestKeyDistribution_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		key    []byte
		peer   string
		want   protocol.Status
	}{
		{"unknown sender", "C", keyA, "B", protocol.StatusUnknownPeer},
		{"unknown receiver", "A", keyA, "C", protocol.StatusUnknownPeer},
		{"wrong key", "A", keyB, "B", protocol.StatusNotAuthentic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := freshness.NewManualClock(start)
			srv := newServer(t, &server.Options{Clock: clock})
			conn, done := dial(t, srv)

			payload := sealTransport(t, tt.key, start, tt.peer, sessionKey, nil)
			rep := roundTrip(t, conn, &protocol.Send{Sender: tt.sender, Payload: payload})
			assert.Equal(t, tt.want, rep.(*protocol.StatusReply).Status)
			expectClosed(t, conn, done)
		})
	}
}

func TestKeyDistribution_HardenedRejectsUnboundPayload(t *testing.T) {
	clock := freshness.NewManualClock(start)
	srv := newServer(t, &server.Options{Clock: clock, Hardened: true})
	conn, _ := dial(t, srv)

	rep := roundTrip(t, conn, &protocol.Send{Sender: "A", Payload: sealTransport(t, keyA, start, "B", sessionKey, nil)})
	assert.Equal(t, protocol.StatusNotAuthentic, rep.(*protocol.StatusReply).Status)
}

func TestKeyDistribution_HardenedKeyReuse(t *testing.T) {
	clock := freshness.NewManualClock(start)
	srv := newServer(t, &server.Options{Clock: clock, Hardened: true})
	ad := protocol.AssociatedData(protocol.LabelSend, "A")

	conn, _ := dial(t, srv)
	rep := roundTrip(t, conn, &protocol.Send{Sender: "A", Payload: sealTransport(t, keyA, start, "B", sessionKey, ad)})
	assert.Equal(t, protocol.StatusAccepted, rep.(*protocol.StatusReply).Status)

	pulled := roundTrip(t, conn, &protocol.Recv{Receiver: "B"}).(*protocol.RecvReply)
	_, err := crypto.Open(defaultCipher(t), keyB, *pulled.Message, protocol.AssociatedData(protocol.LabelDeliver, "B"))
	require.NoError(t, err)

	again, done := dial(t, srv)
	rep = roundTrip(t, again, &protocol.Send{Sender: "A", Payload: sealTransport(t, keyA, start, "B", sessionKey, ad)})
	assert.Equal(t, protocol.StatusKeyReused, rep.(*protocol.StatusReply).Status)
	expectClosed(t, again, done)
}

func TestServe_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := newServer(t, &server.Options{NewNonce: fixedNonce("87654321")})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn := protocol.NewConn(nc, nil)
	defer conn.Close()

	sealed, err := crypto.Seal(defaultCipher(t), challengeKey, []byte("12345678"), nil)
	require.NoError(t, err)
	setup := roundTrip(t, conn, &protocol.Setup{Nonce: sealed}).(*protocol.SetupReply)
	rep := roundTrip(t, conn, &protocol.Confirmation{ID: setup.ID, Nonce: "87654321"})
	assert.Equal(t, protocol.StatusVerified, rep.(*protocol.StatusReply).Status)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// failingListener fails Accept a number of times, or forever when failures is
// negative, and reports net.ErrClosed once the failures run out or it is closed.
type failingListener struct {
	mu       sync.Mutex
	failures int
	closed   bool
	accepts  []time.Time
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepts = append(l.accepts, time.Now())
	if l.closed || l.failures == 0 {
		return nil, net.ErrClosed
	}
	if l.failures > 0 {
		l.failures--
	}
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServe_AcceptErrorsBackOff(t *testing.T) {
	srv := newServer(t, &server.Options{})
	ln := &failingListener{failures: 4}

	require.NoError(t, srv.Serve(context.Background(), ln))

	ln.mu.Lock()
	defer ln.mu.Unlock()
	require.Len(t, ln.accepts, 5)
	// Waits of 5, 10, 20 and 40ms separate the five attempts.
	gaps := []time.Duration{5, 10, 20, 40}
	for i, want := range gaps {
		got := ln.accepts[i+1].Sub(ln.accepts[i])
		assert.GreaterOrEqual(t, got, want*time.Millisecond, "gap %d", i)
	}
}

func TestServe_CancelDuringAcceptBackoff(t *testing.T) {
	srv := newServer(t, &server.Options{})
	ln := &failingListener{failures: -1}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	// Without a backoff the loop would have retried thousands of times.
	assert.Less(t, len(ln.accepts), 20)
}

func TestNew_Validation(t *testing.T) {
	_, err := server.New(&server.Options{})
	assert.Error(t, err)

	_, err = server.New(&server.Options{ChallengeKey: []byte("short")})
	assert.ErrorIs(t, err, protocol.ErrInvalidKeySize)

	_, err = server.New(&server.Options{NodeKeys: map[string][]byte{"A": []byte("short")}})
	assert.ErrorIs(t, err, protocol.ErrInvalidKeySize)

	_, err = server.New(&server.Options{NodeKeys: map[string][]byte{"A": keyA}})
	assert.NoError(t, err)
}

func TestNonceChallenge_DisabledWithoutChallengeKey(t *testing.T) {
	srv, err := server.New(&server.Options{NodeKeys: map[string][]byte{"A": keyA}})
	require.NoError(t, err)
	conn, done := dial(t, srv)

	sealed, err := crypto.Seal(defaultCipher(t), challengeKey, []byte("1"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteRequest(context.Background(), &protocol.Setup{Nonce: sealed}))
	expectClosed(t, conn, done)
}
