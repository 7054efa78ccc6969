// Package device defines the physical channel a PPP link runs over, with an in-memory pipe
// and a net.PacketConn based implementation
package device

import (
	"errors"
	"fmt"

	"github.com/hujun-open/zoumlppp/lcp"
)

// ErrClosed is returned when writing to a closed device
var ErrClosed = errors.New("device closed")

// EventKind is the kind of a device event
type EventKind int

// list of EventKind
const (
	EventUp EventKind = iota
	// EventDownFatal means the device is gone for good
	EventDownFatal
	// EventDownNonFatal means the device went down but could come up again
	EventDownNonFatal
	// EventFrame is a received frame
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventUp:
		return "Up"
	case EventDownFatal:
		return "DownFatal"
	case EventDownNonFatal:
		return "DownNonFatal"
	case EventFrame:
		return "Frame"
	}
	return fmt.Sprintf("unknown (%d)", int(k))
}

// Event is emitted by a device
type Event struct {
	Kind EventKind
	// Msg is set for down events
	Msg   string
	Proto lcp.PPPProtocolNumber
	Data  []byte
}

// Handler receives device events, it could be called from any goroutine
type Handler func(Event)

// Origination tells which side brought up the channel
type Origination int

// list of Origination
const (
	OriginLocal Origination = iota
	OriginRemote
)

func (o Origination) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Device is a channel carrying PPP frames
type Device interface {
	// Open starts delivering events to h; EventUp follows once the channel is usable
	Open(h Handler) error
	// Close hangs up the channel, no more events after it returns
	Close() error
	// Destroy releases all resources of the device
	Destroy()
	// Write sends b as a frame with protocol proto
	Write(proto lcp.PPPProtocolNumber, b []byte) error
	MTU() int
	// ACFComp and PFComp report the device takes compressed frames, the link then asks peer for ACFC and PFC
	ACFComp() bool
	PFComp() bool
	IsAsync() bool
	Origination() Origination
	String() string
}
