package protocol

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// ConnOptions tunes a Conn. The zero value selects JSON framing with the
// default maximum frame size and no idle timeout.
type ConnOptions struct {
	// Codec encodes records on the wire. Nil means JSONCodec.
	Codec Codec

	// MaxFrameSize bounds the size of a single encoded record.
	MaxFrameSize int

	// IdleTimeout, when positive, bounds how long a single read may wait for
	// the peer. Zero waits until the peer sends, closes, or ctx is cancelled.
	IdleTimeout time.Duration
}

// Conn is a message-oriented view of a reliable byte stream.
// A Conn is not safe for concurrent use; each connection has one owner.
type Conn struct {
	nc   net.Conn
	opts ConnOptions
}

// NewConn wraps nc. opts may be nil.
func NewConn(nc net.Conn, opts *ConnOptions) *Conn {
	c := &Conn{nc: nc}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Codec == nil {
		c.opts.Codec = JSONCodec{}
	}
	if c.opts.MaxFrameSize <= 0 {
		c.opts.MaxFrameSize = MaxFrameSize
	}
	return c
}

// RemoteAddr identifies the peer for logging. It is never used for authentication.
func (c *Conn) RemoteAddr() string {
	if a := c.nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// WriteRequest encodes and sends a request.
func (c *Conn) WriteRequest(ctx context.Context, req Request) error {
	return c.write(ctx, req.frame())
}

// WriteReply encodes and sends a reply.
func (c *Conn) WriteReply(ctx context.Context, rep Reply) error {
	return c.write(ctx, rep.frame())
}

// ReadRequest blocks for the next request. Unknown dest tags yield ErrUnknownDest.
func (c *Conn) ReadRequest(ctx context.Context) (Request, error) {
	f, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	return ParseRequest(f)
}

// ReadReply blocks for the next reply.
func (c *Conn) ReadReply(ctx context.Context) (Reply, error) {
	f, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	return ParseReply(f)
}

func (c *Conn) write(ctx context.Context, f *Frame) error {
	body, err := c.opts.Codec.Marshal(f)
	if err != nil {
		return err
	}
	stop := c.interruptOn(ctx)
	defer stop()
	if err := WriteFrame(c.nc, body, c.opts.MaxFrameSize); err != nil {
		return c.contextErr(ctx, err)
	}
	return nil
}

func (c *Conn) read(ctx context.Context) (*Frame, error) {
	if c.opts.IdleTimeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return nil, err
		}
	}
	stop := c.interruptOn(ctx)
	defer stop()

	body, err := ReadFrame(c.nc, c.opts.MaxFrameSize)
	if err != nil {
		return nil, c.contextErr(ctx, err)
	}
	f := new(Frame)
	if err := c.opts.Codec.Unmarshal(body, f); err != nil {
		return nil, err
	}
	return f, nil
}

// interruptOn unblocks pending I/O when ctx is cancelled by expiring the
// connection deadline.
func (c *Conn) interruptOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Now())
	})
}

// contextErr prefers the context's error over the deadline error it caused.
func (c *Conn) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return ctxErr
	}
	return err
}
