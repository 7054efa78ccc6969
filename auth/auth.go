// Package auth defines the contracts shared by the PAP and CHAP sub-machines:
// credentials, the asynchronous backend that acquires and checks them, and the
// host a sub-machine reports to
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

var (
	// ErrUnsupported is returned when a backend or a hash variant can't serve an auth type
	ErrUnsupported = errors.New("unsupported auth type")
	// ErrUnknownUser is returned by a backend for an unknown user name
	ErrUnknownUser = errors.New("unknown user")
)

// Credential is what gets exchanged by an auth sub-machine
type Credential struct {
	Type lcp.AuthType
	Name string
	// Password is the PAP password; for CHAP Acquire returns the secret here
	Password string
	// ID, Challenge and Response are CHAP only
	ID        uint8
	Challenge []byte
	Response  []byte
}

// MPPEKeys are the key material from an MS-CHAP authentication
type MPPEKeys struct {
	// Key64 and Key128 are MS-CHAPv1 keys
	Key64  [8]byte
	Key128 [16]byte
	// Send and Recv are MS-CHAPv2 master keys, from the authenticator's view
	Send [16]byte
	Recv [16]byte
}

// IsZero returns true if no key is set
func (k MPPEKeys) IsZero() bool {
	return k == MPPEKeys{}
}

// Response is a backend's answer
type Response struct {
	// Error is a message to peer when the credential is refused
	Error string
	// Verified means the backend verified the credential itself
	Verified bool
	// Password is the secret of the user, for local verification when not Verified
	Password string
	MPPE     MPPEKeys
	// AuthResp is the MS-CHAPv2 authenticator response
	AuthResp string
	// PeerIP is an address assigned to peer, nil if none
	PeerIP net.IP
}

// Backend acquires own credentials and checks peer's, both may block
type Backend interface {
	// Acquire returns own credential for authenticating to peer, stub carries the type, and challenge for CHAP
	Acquire(ctx context.Context, stub Credential) (Credential, Response, error)
	// Check checks peer's credential
	Check(ctx context.Context, cred Credential) (Credential, Response, error)
}

// Result is the outcome of an auth sub-machine
type Result struct {
	Type lcp.AuthType
	// Dir Self means peer authenticated to this side, Peer means this side authenticated to peer
	Dir lcp.Dir
	OK  bool
	Msg string
	// Name is the authenticated name
	Name     string
	Response Response
}

func (r Result) String() string {
	s := fmt.Sprintf("%v/%v ", r.Type, r.Dir)
	if r.OK {
		return s + "ok, name " + r.Name
	}
	return s + "failed: " + r.Msg
}

// Host is what an auth sub-machine runs on
type Host interface {
	// Send sends pkt with protocol proto over the link
	Send(proto lcp.PPPProtocolNumber, pkt []byte)
	// Finish is called once by a sub-machine with its result
	Finish(r Result)
}

// Env is the environment of an auth sub-machine; all sub-machine methods must be called on Sched
type Env struct {
	Sched   sched.Scheduler
	Ctx     context.Context
	Backend Backend
	Host    Host
	Logger  *zap.Logger
	// Timeout and Retry override per protocol defaults if non-zero
	Timeout time.Duration
	Retry   int
}

// Machine is an auth sub-machine
type Machine interface {
	// Start starts the sub-machine
	Start()
	// Recv handles a received pkt of the sub-machine's protocol
	Recv(pkt []byte)
	// Stop cancels timers and any outstanding backend operation
	Stop()
}
