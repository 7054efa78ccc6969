package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hujun-open/zoumlppp/lcp"
	"go.uber.org/zap"
)

// LinkInfo describes the link founding a bundle
type LinkInfo struct {
	ID     uuid.UUID
	Device string
	Result lcp.LCPResult
	// AuthName[Self] is the name peer authenticated with, AuthName[Peer] is own name
	AuthName [2]string
	// PeerIP is the peer address assigned by the auth backend, nil if none
	PeerIP net.IP
}

// BundleConfig is the per bundle configuration returned by a Manager
type BundleConfig struct {
	IPCP lcp.IPCPConfig
	CCP  lcp.CCPConfig
	// MPPERequired makes the bundle fail when MPPE can't be negotiated
	MPPERequired bool
	FSM          lcp.Config
}

// MPPEEnabled returns true if any MPPE width is enabled
func (c BundleConfig) MPPEEnabled() bool {
	return (c.CCP.Supported | c.CCP.Self).Encrypted()
}

// PlumbRequest asks a Manager to attach IP delivery to a bundle
type PlumbRequest struct {
	BundleID uuid.UUID
	Port     Port
	// IP[Self] is own address, IP[Peer] is peer's
	IP   [2]net.IP
	DNS  [2]net.IP
	NBNS [2]net.IP
	MTU  int
}

// Token identifies a plumbing done by a Manager
type Token uint64

// Manager is the bundle lifecycle collaborator, BundleConfig could block and is called off the scheduler;
// the other methods are called on the scheduler
type Manager interface {
	BundleConfig(ctx context.Context, l LinkInfo) (BundleConfig, error)
	Plumb(req PlumbRequest) (Token, error)
	Unplumb(t Token)
	ReleaseIP(ip net.IP)
}

// PlumbFunc attaches IP delivery, the returned io.Closer detaches it
type PlumbFunc func(req PlumbRequest) (io.Closer, error)

// StaticManager is a Manager returning the same BundleConfig for every bundle
type StaticManager struct {
	mux      *sync.Mutex
	cfg      BundleConfig
	delay    time.Duration
	plumb    PlumbFunc
	plumbed  map[Token]io.Closer
	next     Token
	released []net.IP
	logger   *zap.Logger
}

// NewStaticManager returns a StaticManager, plumb could be nil
func NewStaticManager(cfg BundleConfig, plumb PlumbFunc, logger *zap.Logger) *StaticManager {
	return &StaticManager{
		mux:     new(sync.Mutex),
		cfg:     cfg,
		plumb:   plumb,
		plumbed: make(map[Token]io.Closer),
		logger:  logger.Named("manager"),
	}
}

// SetDelay makes BundleConfig wait d before returning
func (m *StaticManager) SetDelay(d time.Duration) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.delay = d
}

// BundleConfig implements Manager interface
func (m *StaticManager) BundleConfig(ctx context.Context, l LinkInfo) (BundleConfig, error) {
	m.mux.Lock()
	cfg, delay := m.cfg, m.delay
	m.mux.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return cfg, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return cfg, err
	}
	m.logger.Sugar().Debugf("bundle config for link %v of %v", l.ID, l.AuthName[lcp.Self])
	return cfg, nil
}

// Plumb implements Manager interface
func (m *StaticManager) Plumb(req PlumbRequest) (Token, error) {
	var c io.Closer
	if m.plumb != nil {
		var err error
		if c, err = m.plumb(req); err != nil {
			return 0, fmt.Errorf("failed to plumb bundle %v, %w", req.BundleID, err)
		}
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	m.next++
	m.plumbed[m.next] = c
	m.logger.Sugar().Infof("plumbed bundle %v, local %v, peer %v, mtu %d", req.BundleID, req.IP[lcp.Self], req.IP[lcp.Peer], req.MTU)
	return m.next, nil
}

// Unplumb implements Manager interface
func (m *StaticManager) Unplumb(t Token) {
	m.mux.Lock()
	c, ok := m.plumbed[t]
	delete(m.plumbed, t)
	m.mux.Unlock()
	if !ok {
		return
	}
	if c != nil {
		if err := c.Close(); err != nil {
			m.logger.Sugar().Warnf("failed to unplumb, %v", err)
		}
	}
}

// ReleaseIP implements Manager interface
func (m *StaticManager) ReleaseIP(ip net.IP) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.released = append(m.released, ip)
}

// Released returns addresses released so far
func (m *StaticManager) Released() []net.IP {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]net.IP(nil), m.released...)
}

// Plumbed returns the number of bundles currently plumbed
func (m *StaticManager) Plumbed() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.plumbed)
}
