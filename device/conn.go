package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hujun-open/etherconn"
	"github.com/hujun-open/zoumlppp/lcp"
	"go.uber.org/zap"
)

const (
	// MaxPPPMsgSize specifies max length of a received PPP pkt
	MaxPPPMsgSize = 1500
	readTimeout   = time.Second
)

// Conn is a Device sending PPP frames, without address/control field, over a net.PacketConn,
// e.g. a PPPoE session or a UDP socket
type Conn struct {
	mux    *sync.Mutex
	conn   net.PacketConn
	remote net.Addr
	name   string
	mtu    int
	origin Origination
	logger *zap.Logger
	h      Handler
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	closed bool
}

// ConnModifier is a function to provide custom configuration when creating a Conn
type ConnModifier func(c *Conn)

// WithRemote sets the destination address of every frame, nil is fine for connected conns like PPPoE
func WithRemote(addr net.Addr) ConnModifier {
	return func(c *Conn) {
		c.remote = addr
	}
}

// WithMTU sets the MTU
func WithMTU(mtu int) ConnModifier {
	return func(c *Conn) {
		c.mtu = mtu
	}
}

// WithOrigination sets the origination
func WithOrigination(o Origination) ConnModifier {
	return func(c *Conn) {
		c.origin = o
	}
}

// NewConn returns a Conn over conn, conn is closed by Destroy
func NewConn(name string, conn net.PacketConn, logger *zap.Logger, mods ...ConnModifier) *Conn {
	r := &Conn{
		mux:    new(sync.Mutex),
		conn:   conn,
		name:   name,
		mtu:    MaxPPPMsgSize,
		origin: OriginLocal,
		logger: logger.Named(name),
		wg:     new(sync.WaitGroup),
	}
	for _, m := range mods {
		m(r)
	}
	return r
}

// Open implements Device interface, the conn is usable right away so EventUp is delivered before Open returns
func (c *Conn) Open(h Handler) error {
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mux.Unlock()
		return fmt.Errorf("%v is already open", c.name)
	}
	c.h = h
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mux.Unlock()
	h(Event{Kind: EventUp})
	c.wg.Add(1)
	go c.recv(ctx, h)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, etherconn.ErrTimeOut) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Conn) recv(ctx context.Context, h Handler) {
	defer c.wg.Done()
	for {
		buf := make([]byte, MaxPPPMsgSize)
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := c.conn.ReadFrom(buf)
		select {
		case <-ctx.Done():
			c.logger.Debug("recv routine stopped")
			return
		default:
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			c.logger.Sugar().Errorf("failed to recv, %v", err)
			h(Event{Kind: EventDownFatal, Msg: err.Error()})
			return
		}
		f := new(lcp.Frame)
		if err := f.Parse(buf[:n]); err != nil {
			c.logger.Sugar().Warnf("dropped invalid frame, %v", err)
			continue
		}
		h(Event{Kind: EventFrame, Proto: f.Proto, Data: f.Payload})
	}
}

// Write implements Device interface
func (c *Conn) Write(proto lcp.PPPProtocolNumber, b []byte) error {
	c.mux.Lock()
	open := c.cancel != nil && !c.closed
	c.mux.Unlock()
	if !open {
		return ErrClosed
	}
	_, err := c.conn.WriteTo((&lcp.Frame{Proto: proto, Payload: b}).Serialize(), c.remote)
	if err != nil {
		return fmt.Errorf("failed to send pkt, %w", err)
	}
	return nil
}

// Close implements Device interface, it stops the recv routine and waits for it
func (c *Conn) Close() error {
	c.mux.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.h = nil
	c.mux.Unlock()
	if cancel != nil {
		cancel()
		c.conn.SetReadDeadline(time.Now())
		c.wg.Wait()
	}
	return nil
}

// Destroy implements Device interface, it closes the underlying conn
func (c *Conn) Destroy() {
	c.Close()
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		c.logger.Sugar().Debugf("failed to close conn, %v", err)
	}
}

// MTU implements Device interface
func (c *Conn) MTU() int { return c.mtu }

// ACFComp implements Device interface
func (c *Conn) ACFComp() bool { return false }

// PFComp implements Device interface
func (c *Conn) PFComp() bool { return false }

// IsAsync implements Device interface
func (c *Conn) IsAsync() bool { return false }

// Origination implements Device interface
func (c *Conn) Origination() Origination { return c.origin }

func (c *Conn) String() string { return c.name }
