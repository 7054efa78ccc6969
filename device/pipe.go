package device

import (
	"sync"

	"github.com/hujun-open/zoumlppp/lcp"
)

// Pipe is one end of an in-memory channel created by NewPipe
type Pipe struct {
	mux     *sync.Mutex
	name    string
	peer    *Pipe
	h       Handler
	open    bool
	up      bool
	mtu     int
	origin  Origination
	dropped bool
}

// NewPipe returns two connected ends; both must be opened before either sees EventUp
func NewPipe(name string, mtu int) (*Pipe, *Pipe) {
	mux := new(sync.Mutex)
	a := &Pipe{mux: mux, name: name + "-a", mtu: mtu, origin: OriginLocal}
	b := &Pipe{mux: mux, name: name + "-b", mtu: mtu, origin: OriginRemote}
	a.peer, b.peer = b, a
	return a, b
}

// Open implements Device interface
func (p *Pipe) Open(h Handler) error {
	p.mux.Lock()
	if p.dropped {
		p.mux.Unlock()
		return ErrClosed
	}
	p.h = h
	p.open = true
	var notify []Handler
	if p.peer.open && !p.up {
		p.up, p.peer.up = true, true
		notify = []Handler{p.h, p.peer.h}
	}
	p.mux.Unlock()
	for _, n := range notify {
		n(Event{Kind: EventUp})
	}
	return nil
}

// Write implements Device interface, the frame is delivered to the other end synchronously
func (p *Pipe) Write(proto lcp.PPPProtocolNumber, b []byte) error {
	p.mux.Lock()
	if !p.up {
		p.mux.Unlock()
		return ErrClosed
	}
	h := p.peer.h
	p.mux.Unlock()
	h(Event{Kind: EventFrame, Proto: proto, Data: append([]byte(nil), b...)})
	return nil
}

// Close implements Device interface, the other end gets EventDownNonFatal
func (p *Pipe) Close() error {
	p.mux.Lock()
	wasUp := p.up
	p.open, p.up = false, false
	p.h = nil
	var h Handler
	if wasUp {
		p.peer.up = false
		h = p.peer.h
	}
	p.mux.Unlock()
	if h != nil {
		h(Event{Kind: EventDownNonFatal, Msg: "peer closed"})
	}
	return nil
}

// Destroy implements Device interface, the other end gets EventDownFatal
func (p *Pipe) Destroy() {
	p.mux.Lock()
	wasUp := p.up
	p.open, p.up, p.dropped = false, false, true
	p.h = nil
	var h Handler
	if wasUp {
		p.peer.up = false
		h = p.peer.h
	}
	p.mux.Unlock()
	if h != nil {
		h(Event{Kind: EventDownFatal, Msg: "peer destroyed"})
	}
}

// MTU implements Device interface
func (p *Pipe) MTU() int { return p.mtu }

// ACFComp implements Device interface
func (p *Pipe) ACFComp() bool { return false }

// PFComp implements Device interface
func (p *Pipe) PFComp() bool { return false }

// IsAsync implements Device interface
func (p *Pipe) IsAsync() bool { return false }

// Origination implements Device interface
func (p *Pipe) Origination() Origination { return p.origin }

func (p *Pipe) String() string { return "pipe:" + p.name }
