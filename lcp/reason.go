package lcp

import (
	"errors"
	"fmt"
	"syscall"
)

// ReasonKind is the kind of reason an FSM went down or dead
type ReasonKind uint8

// list of ReasonKind
const (
	ReasonNone ReasonKind = iota
	// ReasonClose is an administrative close
	ReasonClose
	// ReasonDownFatal is the lower layer going away for good
	ReasonDownFatal
	// ReasonDownNonFatal is the lower layer going down, it may come back
	ReasonDownNonFatal
	// ReasonConf is a close for reconfiguration
	ReasonConf
	// ReasonTerm is a Terminate-Request from peer
	ReasonTerm
	// ReasonCodeRej is a Code-Reject of a required code
	ReasonCodeRej
	// ReasonProtoRej is a Protocol-Reject of a required protocol
	ReasonProtoRej
	// ReasonFailed is a negotiation failure
	ReasonFailed
	// ReasonTimeout is the restart counter or echo keepalive running out
	ReasonTimeout
	// ReasonLoopback is own magic number seen in a peer Conf-Req
	ReasonLoopback
	// ReasonBadMagic is a wrong magic number in an echo/discard pkt
	ReasonBadMagic
	// ReasonSyserr is a system error, see Reason.Errno
	ReasonSyserr
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonNone:
		return "none"
	case ReasonClose:
		return "close"
	case ReasonDownFatal:
		return "down-fatal"
	case ReasonDownNonFatal:
		return "down-nonfatal"
	case ReasonConf:
		return "conf"
	case ReasonTerm:
		return "term"
	case ReasonCodeRej:
		return "coderej"
	case ReasonProtoRej:
		return "protorej"
	case ReasonFailed:
		return "failed"
	case ReasonTimeout:
		return "timeout"
	case ReasonLoopback:
		return "loopback"
	case ReasonBadMagic:
		return "badmagic"
	case ReasonSyserr:
		return "syserr"
	}
	return fmt.Sprintf("unknown (%d)", uint8(k))
}

// Reason is why an FSM went down or dead; it implements error so instances could return it
type Reason struct {
	Kind  ReasonKind
	Msg   string
	Errno syscall.Errno
}

// NewReason returns a Reason of kind k
func NewReason(k ReasonKind, format string, a ...interface{}) Reason {
	return Reason{Kind: k, Msg: fmt.Sprintf(format, a...)}
}

// Error implements error interface
func (r Reason) Error() string {
	s := r.Kind.String()
	if r.Kind == ReasonSyserr && r.Errno != 0 {
		s += fmt.Sprintf(" (%v)", r.Errno)
	}
	if r.Msg != "" {
		s += ": " + r.Msg
	}
	return s
}

// String implements fmt.Stringer interface
func (r Reason) String() string {
	return r.Error()
}

// overwritable returns true if a later reason may replace r
func (r Reason) overwritable() bool {
	return r.Kind == ReasonConf || r.Kind == ReasonDownNonFatal
}

// ErrLoopback is returned by an instance when the peer's magic number equals own
var ErrLoopback = fmt.Errorf("loopback detected, %w", syscall.ELOOP)

// reasonFromError maps an error returned by an Instance into a Reason
func reasonFromError(err error) Reason {
	var r Reason
	if errors.As(err, &r) {
		return r
	}
	if errors.Is(err, syscall.ELOOP) {
		return Reason{Kind: ReasonLoopback, Msg: err.Error()}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return Reason{Kind: ReasonSyserr, Errno: errno, Msg: err.Error()}
	}
	return Reason{Kind: ReasonSyserr, Msg: err.Error()}
}
