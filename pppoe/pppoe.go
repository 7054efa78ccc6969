// Package pppoe implements the client side of PPPoE as defined in RFC2516,
// an open session is a net.PacketConn carrying PPP frames
package pppoe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/hujun-open/etherconn"
	"go.uber.org/zap"
)

// ErrTerminated is returned by ReadFrom after the AC sent PADT
var ErrTerminated = errors.New("pppoe session terminated by AC")

// PPPoE is the PPPoE protocol
type PPPoE struct {
	serviceName string
	acName      string
	hostUniq    []byte
	sessionID   uint16
	tags        []Tag
	acMAC       net.HardwareAddr
	conn        *etherconn.EtherConn
	state       *uint32
	logger      *zap.Logger
	timeout     time.Duration
	retry       int
}

const (
	// DefaultTimeout is default timeout for PPPoE
	DefaultTimeout = 3 * time.Second
	// DefaultRetry is the default retry for PPPoE
	DefaultRetry = 3
)

// list of PPPoEState
const (
	pppoeStateInitial = iota
	pppoeStateDialing
	pppoeStateOpen
	pppoeStateClosed
)

const (
	// EtherTypePPPoESession is the Ether type for PPPoE session pkt
	EtherTypePPPoESession = 0x8864
	// EtherTypePPPoEDiscovery is the Ether type for PPPoE discovery pkt
	EtherTypePPPoEDiscovery = 0x8863
	hostUniqLen             = 8
)

// Modifier is a function to provide custom configuration when creating new PPPoE instances
type Modifier func(pppoe *PPPoE)

// WithTags adds all tags in t in PADI and PADR
func WithTags(t []Tag) Modifier {
	return func(pppoe *PPPoE) {
		pppoe.tags = append(pppoe.tags, t...)
	}
}

// WithServiceName sets the requested service name, empty means any service
func WithServiceName(svc string) Modifier {
	return func(pppoe *PPPoE) {
		pppoe.serviceName = svc
	}
}

// WithACName only accepts PADO from the AC with name ac
func WithACName(ac string) Modifier {
	return func(pppoe *PPPoE) {
		pppoe.acName = ac
	}
}

// WithTimeout sets discovery timeout and retry
func WithTimeout(timeout time.Duration, retry int) Modifier {
	return func(pppoe *PPPoE) {
		if timeout > 0 {
			pppoe.timeout = timeout
		}
		if retry > 0 {
			pppoe.retry = retry
		}
	}
}

// NewPPPoE return a new PPPoE struct; use conn as underlying transport, logger for logging;
// optionally Modifer could provide custom configurations;
func NewPPPoE(conn *etherconn.EtherConn, logger *zap.Logger, options ...Modifier) *PPPoE {
	r := new(PPPoE)
	r.timeout = DefaultTimeout
	r.retry = DefaultRetry
	for _, option := range options {
		option(r)
	}
	r.hostUniq = make([]byte, hostUniqLen)
	rand.Read(r.hostUniq)
	r.state = new(uint32)
	*r.state = pppoeStateInitial
	r.conn = conn
	r.logger = logger
	return r
}

// SessionID returns the session id, zero before Dial succeeds
func (pppoe *PPPoE) SessionID() uint16 {
	return pppoe.sessionID
}

// SetReadDeadline implements net.PacketConn interface
func (pppoe *PPPoE) SetReadDeadline(t time.Time) error {
	return pppoe.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements net.PacketConn interface
func (pppoe *PPPoE) SetWriteDeadline(t time.Time) error {
	return pppoe.conn.SetWriteDeadline(t)
}

// SetDeadline implements net.PacketConn interface
func (pppoe *PPPoE) SetDeadline(t time.Time) error {
	pppoe.SetReadDeadline(t)
	pppoe.SetWriteDeadline(t)
	return nil
}

// LocalAddr return local Endpoint, see doc of Endpoint
func (pppoe *PPPoE) LocalAddr() net.Addr {
	return newPPPoEEndpoint(pppoe.conn.LocalAddr(), pppoe.sessionID)
}

// Close implements net.PacketConn interface, it sends PADT if the session is open
func (pppoe *PPPoE) Close() error {
	if atomic.SwapUint32(pppoe.state, pppoeStateClosed) != pppoeStateOpen {
		return nil
	}
	pktbytes, err := pppoe.buildPADT().Serialize()
	if err != nil {
		return err
	}
	pppoe.logger.Info("sending PADT")
	_, err = pppoe.conn.WritePktTo(pktbytes, EtherTypePPPoEDiscovery, pppoe.acMAC)
	return err
}

func (pppoe *PPPoE) buildPADT() *Pkt {
	return &Pkt{
		Code:      CodePADT,
		SessionID: pppoe.sessionID,
	}
}

func (pppoe *PPPoE) discoveryTags() []Tag {
	r := []Tag{
		NewSvcTag(pppoe.serviceName),
		&TagByteSlice{TagType: TagTypeHostUniq, Value: pppoe.hostUniq},
	}
	for _, t := range pppoe.tags {
		if t.Type() != uint16(TagTypeServiceName) && t.Type() != uint16(TagTypeHostUniq) {
			r = append(r, t)
		}
	}
	return r
}

func (pppoe *PPPoE) buildPADI() *Pkt {
	return &Pkt{
		Code: CodePADI,
		Tags: pppoe.discoveryTags(),
	}
}

func (pppoe *PPPoE) buildPADRWithPADO(pado *Pkt) *Pkt {
	padr := &Pkt{
		Code: CodePADR,
		Tags: pppoe.discoveryTags(),
	}
	for _, t := range []TagType{TagTypeACCookie, TagTypeRelaySessionID} {
		padr.Tags = append(padr.Tags, pado.GetTag(t)...)
	}
	return padr
}

// match returns nil if resp is the expected response to own request
func (pppoe *PPPoE) match(resp *Pkt, code Code) error {
	if resp.Code != code {
		return fmt.Errorf("expect %v, got %v", code, resp.Code)
	}
	uniq := resp.GetTag(TagTypeHostUniq)
	if len(uniq) == 0 || !bytes.Equal(uniq[0].(*TagByteSlice).Value, pppoe.hostUniq) {
		return fmt.Errorf("%v is for another host", code)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if code == CodePADO && pppoe.acName != "" {
		names := resp.GetTag(TagTypeACName)
		if len(names) == 0 || names[0].(*TagString).Value != pppoe.acName {
			return fmt.Errorf("PADO from another AC")
		}
	}
	return nil
}

// WriteTo implments net.PacketConn interface, addr is ignored, pkt is always sent to AC's MAC
func (pppoe *PPPoE) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if atomic.LoadUint32(pppoe.state) != pppoeStateOpen {
		return 0, fmt.Errorf("pppoe is not open")
	}
	pkt := &Pkt{
		SessionID: pppoe.sessionID,
		Code:      CodeSession,
		Payload:   p,
	}
	pktbytes, err := pkt.Serialize()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize pppoe pkt,%w", err)
	}
	_, err = pppoe.conn.WritePktTo(pktbytes, EtherTypePPPoESession, pppoe.acMAC)
	if err != nil {
		return 0, fmt.Errorf("failed to send pppoe pkt,%w", err)
	}
	return len(p), nil
}

// ReadFrom implments net.PacketConn interface; only works after pppoe session is open.
// It returns ErrTerminated once the AC sent PADT for the session.
func (pppoe *PPPoE) ReadFrom(buf []byte) (int, net.Addr, error) {
	if atomic.LoadUint32(pppoe.state) != pppoeStateOpen {
		return 0, nil, fmt.Errorf("pppoe is not open")
	}
	for {
		n, remotemac, err := pppoe.conn.ReadPktFrom(buf)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to recv, %w", err)
		}
		if n < headerLen || !bytes.Equal(remotemac, pppoe.acMAC) {
			continue
		}
		if binary.BigEndian.Uint16(buf[2:4]) != pppoe.sessionID {
			continue
		}
		switch Code(buf[1]) {
		case CodeSession:
		case CodePADT:
			atomic.StoreUint32(pppoe.state, pppoeStateClosed)
			pppoe.logger.Info("got PADT")
			return 0, nil, ErrTerminated
		default:
			continue
		}
		l := int(binary.BigEndian.Uint16(buf[4:6]))
		if l > n-headerLen {
			continue
		}
		copy(buf, buf[headerLen:headerLen+l])
		return l, pppoe.newRemotePPPoEP(remotemac), nil
	}
}

func (pppoe *PPPoE) newRemotePPPoEP(mac net.HardwareAddr) *Endpoint {
	l2ep := etherconn.L2Endpoint{
		HwAddr: mac,
		VLANs:  pppoe.conn.LocalAddr().VLANs,
	}
	return newPPPoEEndpoint(&l2ep, pppoe.sessionID)
}

// getResponse return 1st matching PPPoE response as specified by code, along with remote mac
func (pppoe *PPPoE) getResponse(ctx context.Context, req *Pkt, code Code, dst net.HardwareAddr) (*Pkt, net.HardwareAddr, error) {
	pktbytes, err := req.Serialize()
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, 1514)
	for i := 0; i < pppoe.retry; i++ {
		if _, err = pppoe.conn.WritePktTo(pktbytes, EtherTypePPPoEDiscovery, dst); err != nil {
			return nil, nil, err
		}
		pppoe.logger.Sugar().Infof("sending %v", req.Code)
		pppoe.logger.Sugar().Debugf("%v:\n%v", req.Code, req)
		deadline := time.Now().Add(pppoe.timeout)
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			pppoe.conn.SetReadDeadline(deadline)
			n, remotemac, err := pppoe.conn.ReadPktFrom(buf)
			if err != nil {
				if errors.Is(err, etherconn.ErrTimeOut) {
					break
				}
				return nil, nil, fmt.Errorf("failed to recv response, %w", err)
			}
			resp := new(Pkt)
			if err := resp.Parse(buf[:n]); err != nil {
				pppoe.logger.Sugar().Debugf("ignored invalid pkt, %v", err)
				continue
			}
			if err := pppoe.match(resp, code); err != nil {
				pppoe.logger.Sugar().Debugf("ignored %v, %v", resp.Code, err)
				if resp.Code == code && resp.Err() != nil {
					return nil, nil, err
				}
				continue
			}
			return resp, remotemac, nil
		}
	}
	return nil, nil, fmt.Errorf("failed to recv expect response %v", code)
}

// GetLogger returns pppoe's logger
func (pppoe *PPPoE) GetLogger() *zap.Logger {
	return pppoe.logger
}

// Dial complets a full PPPoE discovery exchange (PADI/PADO/PADR/PADS)
func (pppoe *PPPoE) Dial(ctx context.Context) error {
	atomic.StoreUint32(pppoe.state, pppoeStateDialing)
	defer func() {
		if atomic.LoadUint32(pppoe.state) != pppoeStateOpen {
			atomic.StoreUint32(pppoe.state, pppoeStateClosed)
		}
	}()
	var err error
	var pado, pads *Pkt
	pado, pppoe.acMAC, err = pppoe.getResponse(ctx, pppoe.buildPADI(), CodePADO, etherconn.BroadCastMAC)
	if err != nil {
		return err
	}
	pppoe.logger.Info("Got PADO")
	pppoe.logger.Sugar().Debugf("PADO:\n%v", pado)
	pads, _, err = pppoe.getResponse(ctx, pppoe.buildPADRWithPADO(pado), CodePADS, pppoe.acMAC)
	if err != nil {
		return err
	}
	pppoe.logger.Info("Got PADS")
	pppoe.logger.Sugar().Debugf("PADS:\n%v", pads)
	if pads.SessionID == 0 {
		return fmt.Errorf("AC rejected,\n %v", pads.String())
	}
	pppoe.sessionID = pads.SessionID
	atomic.StoreUint32(pppoe.state, pppoeStateOpen)
	pppoe.logger = pppoe.logger.Named(fmt.Sprintf("%X", pppoe.sessionID))
	return nil
}

// Endpoint represents a PPPoE endpont
type Endpoint struct {
	// L2EP is the associated EtherConn's L2Endpoint
	L2EP *etherconn.L2Endpoint
	// SessionId is the PPPoE session ID
	SessionID uint16
}

// Network implenets net.Addr interface, always return "pppoe"
func (pep Endpoint) Network() string {
	return "pppoe"
}

// String implenets net.Addr interface, return "pppoe:<L2EP>:<SessionID>"
func (pep Endpoint) String() string {
	return fmt.Sprintf("pppoe:%v:%x", pep.L2EP.String(), pep.SessionID)
}

func newPPPoEEndpoint(l2ep *etherconn.L2Endpoint, sid uint16) *Endpoint {
	return &Endpoint{
		L2EP:      l2ep,
		SessionID: sid,
	}
}
