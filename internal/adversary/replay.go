package adversary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/merlos/nsauth/internal/logger"
	"github.com/merlos/nsauth/pkg/protocol"
)

const (
	// DefaultInterval is the delay between relays.
	DefaultInterval = time.Second

	// DefaultIterations is the number of relays Run performs.
	DefaultIterations = 10
)

// SuppressReplay bounces the buffered session key between its two holders.
type SuppressReplay struct {
	Target

	// Interval is the delay between relays in Run.
	Interval time.Duration

	// Iterations bounds Run. Negative values run until ctx is done.
	Iterations int

	mu   sync.Mutex
	conn *protocol.Conn
}

// Relay describes one bounce.
type Relay struct {
	// From is the node the pulled message was addressed to and the
	// sender the attacker posed as.
	From string

	// To is the node the server re-addressed the key to.
	To string

	// Status is the server's answer to the replayed send.
	Status protocol.Status
}

// Step pulls the buffered message once and replays it as a send from its
// addressee. Nothing buffered yields protocol.ErrNoContent; a refusal yields
// the status's sentinel.
func (a *SuppressReplay) Step(ctx context.Context) (*Relay, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	log := logger.OrDiscard(a.Log).WithField("attack", "suppress-replay")

	rep, err := a.exchange(ctx, &protocol.Recv{})
	if err != nil {
		return nil, err
	}
	msg, ok := rep.(*protocol.RecvReply)
	if !ok {
		a.drop()
		return nil, fmt.Errorf("%w: %s reply to recv", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	if err := msg.Status.Err(); err != nil {
		return nil, err
	}
	if msg.Message == nil {
		return nil, protocol.ErrNoContent
	}

	rep, err = a.exchange(ctx, &protocol.Send{Sender: msg.Receiver, Payload: *msg.Message})
	if err != nil {
		return nil, err
	}
	status, ok := rep.(*protocol.StatusReply)
	if !ok {
		a.drop()
		return nil, fmt.Errorf("%w: %s reply to send", protocol.ErrUnexpectedMessage, rep.Answers())
	}
	relay := &Relay{From: msg.Receiver, To: msg.Sender, Status: status.Status}
	log = log.WithFields(logrus.Fields{"from": relay.From, "to": relay.To, "status": relay.Status})
	if err := status.Status.Err(); err != nil {
		// The server ends the exchange after a refusal.
		a.drop()
		log.Info("replay refused")
		return relay, err
	}
	log.Info("key re-stamped")
	return relay, nil
}

// Run performs Step every Interval until Iterations relays are done, a relay
// fails, or ctx is done. It returns the relays that succeeded.
func (a *SuppressReplay) Run(ctx context.Context) ([]Relay, error) {
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	n := a.Iterations
	if n == 0 {
		n = DefaultIterations
	}
	defer a.Close()

	lim := rate.NewLimiter(rate.Every(interval), 1)
	var relays []Relay
	for i := 0; n < 0 || i < n; i++ {
		if err := lim.Wait(ctx); err != nil {
			return relays, err
		}
		r, err := a.Step(ctx)
		if err != nil {
			return relays, err
		}
		relays = append(relays, *r)
	}
	return relays, nil
}

// Close releases the attacker's connection.
func (a *SuppressReplay) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *SuppressReplay) exchange(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	if a.conn == nil {
		conn, err := a.dial(ctx)
		if err != nil {
			return nil, err
		}
		a.conn = conn
	}
	rep, err := roundTrip(ctx, a.conn, req)
	if err != nil {
		a.drop()
		return nil, err
	}
	return rep, nil
}

func (a *SuppressReplay) drop() {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}
