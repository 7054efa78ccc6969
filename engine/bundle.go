package engine

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

var errNoKeys = errors.New("no MPPE keys from authentication")

// Port is the network side of a bundle, handed to the plumbing
type Port interface {
	// Write sends an IPv4 pkt to peer, safe to call from any goroutine
	Write(b []byte) error
	// Attach sets the receiver of IPv4 pkts from peer, must be called within Manager.Plumb
	Attach(deliver func(b []byte))
}

// Bundle is a set of links to the same peer sharing one network layer
type Bundle struct {
	id     uuid.UUID
	e      *Engine
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	links  []*Link
	// nextIndex is the index given to the next joining link
	nextIndex int

	// identity of the founding link, matched by joining links
	multilink bool
	authName  [2]string
	eid       [2]lcp.EID
	founder   lcp.LCPResult

	authType   lcp.AuthType
	mppeServer bool
	keys       auth.MPPEKeys
	peerIP     net.IP

	cfgTask    *sched.Task
	cfgTimer   sched.Timer
	cfg        BundleConfig
	configured bool

	node     Node
	shell    *lcp.FSM
	ipcp     *lcp.FSM
	ipcpInst *lcp.IPCP
	ccp      *lcp.FSM
	ccpInst  *lcp.CCP

	plumbed bool
	token   Token
	deliver func([]byte)
	mtu     int
	dead    bool
}

func newBundle(e *Engine, l *Link) *Bundle {
	b := &Bundle{
		id:        uuid.New(),
		e:         e,
		multilink: l.result.MutualMultiLink(),
		authName:  l.authName(),
		eid:       l.result.EID,
		founder:   l.result,
	}
	b.logger = e.logger.Named("bundle").With(zap.String("bundle", b.id.String()))
	b.ctx, b.cancel = context.WithCancel(context.Background())
	// the side authenticating the peer is the MPPE server
	b.mppeServer = l.result.Auth[lcp.Self] != lcp.AuthNone
	keyDir := lcp.Peer
	if b.mppeServer {
		keyDir = lcp.Self
	}
	b.authType = l.result.Auth[keyDir]
	if r := l.authRes[keyDir]; r != nil {
		b.keys = r.Response.MPPE
	}
	if r := l.authRes[lcp.Self]; r != nil {
		b.peerIP = r.Response.PeerIP
	}
	return b
}

// ID returns the bundle id
func (b *Bundle) ID() uuid.UUID {
	return b.id
}

// Links returns ids of member links in join order
func (b *Bundle) Links() []uuid.UUID {
	r := make([]uuid.UUID, len(b.links))
	for i, l := range b.links {
		r[i] = l.id
	}
	return r
}

// IPCPState returns the state of IPCP, StateInitial before the bundle is configured
func (b *Bundle) IPCPState() lcp.State {
	if b.ipcp == nil {
		return lcp.StateInitial
	}
	return b.ipcp.State()
}

// CCPState returns the state of CCP, StateInitial if there is no CCP
func (b *Bundle) CCPState() lcp.State {
	if b.ccp == nil {
		return lcp.StateInitial
	}
	return b.ccp.State()
}

// IPCPResult returns the negotiated IPCP values
func (b *Bundle) IPCPResult() lcp.IPCPResult {
	if b.ipcpInst == nil {
		return lcp.IPCPResult{}
	}
	return b.ipcpInst.Result()
}

// Node returns the data path of the bundle, nil before it is configured
func (b *Bundle) Node() Node {
	return b.node
}

// matches returns true if l could join b
func (b *Bundle) matches(l *Link) bool {
	if b.dead || !b.multilink || !l.result.MutualMultiLink() {
		return false
	}
	if b.authName != l.authName() {
		return false
	}
	return b.eid[lcp.Self].Equal(l.result.EID[lcp.Self]) && b.eid[lcp.Peer].Equal(l.result.EID[lcp.Peer])
}

func (b *Bundle) linkInfo(l *Link) LinkInfo {
	return LinkInfo{
		ID:       l.id,
		Device:   l.dev.String(),
		Result:   l.result,
		AuthName: l.authName(),
		PeerIP:   b.peerIP,
	}
}

// start asks the Manager for the bundle config, founder is the first member
func (b *Bundle) start(founder *Link) {
	b.join(founder)
	info := b.linkInfo(founder)
	b.cfgTask = sched.Start(b.e.s, b.ctx,
		func(ctx context.Context) (BundleConfig, error) {
			return b.e.mgr.BundleConfig(ctx, info)
		},
		b.configDone)
	b.cfgTimer = b.e.s.AfterFunc(b.e.bundleCfgTO, func() {
		if !b.cfgTask.Pending() {
			return
		}
		b.cfgTask.Cancel()
		b.fail(lcp.NewReason(lcp.ReasonTimeout, "bundle config timeout"))
	})
}

func (b *Bundle) join(l *Link) {
	b.nextIndex++
	l.bundle, l.index = b.id, b.nextIndex
	b.links = append(b.links, l)
	if b.node != nil {
		b.connect(l)
	}
}

func (b *Bundle) connect(l *Link) {
	if err := b.node.Connect(l.index, l.dev); err != nil {
		b.logger.Sugar().Errorf("failed to connect link %v, %v", l.id, err)
		l.close(lcp.NewReason(lcp.ReasonSyserr, "failed to connect to bundle, %v", err))
	}
}

// leave removes l, the bundle is destroyed with its last link
func (b *Bundle) leave(l *Link, r lcp.Reason) {
	for i, m := range b.links {
		if m == l {
			b.links = append(b.links[:i], b.links[i+1:]...)
			break
		}
	}
	if b.node != nil {
		b.node.Disconnect(l.index)
	}
	b.logger.Sugar().Infof("link %v left, %d remaining", l.id, len(b.links))
	if len(b.links) == 0 {
		b.destroy(r)
	}
}

func (b *Bundle) fsmConfig() lcp.Config {
	if b.cfg.FSM == (lcp.Config{}) {
		return lcp.DefaultConfig()
	}
	return b.cfg.FSM
}

func (b *Bundle) newFSM(inst lcp.Instance) *lcp.FSM {
	var f *lcp.FSM
	f = lcp.NewFSM(inst, b.e.s, b.logger, lcp.WithConfig(b.fsmConfig()),
		lcp.WithNotify(func() { b.drain(f) }), lcp.WithEventHook(b.e.fsmHook))
	return f
}

func (b *Bundle) configDone(cfg BundleConfig, err error) {
	if b.cfgTimer != nil {
		b.cfgTimer.Stop()
	}
	if b.dead {
		return
	}
	if err != nil {
		b.fail(lcp.NewReason(lcp.ReasonFailed, "failed to get bundle config, %v", err))
		return
	}
	useCCP := cfg.MPPEEnabled() && b.authType.IsMSCHAP()
	if cfg.MPPEEnabled() && !useCCP {
		if cfg.MPPERequired {
			b.fail(lcp.NewReason(lcp.ReasonFailed, "MPPE required but authenticated with %v", b.authType))
			return
		}
		b.logger.Sugar().Warnf("MPPE needs MS-CHAP, authenticated with %v, CCP disabled", b.authType)
	}
	if !useCCP {
		cfg.CCP = lcp.CCPConfig{}
	}
	if b.peerIP != nil {
		cfg.IPCP.PeerIP = b.peerIP
		cfg.IPCP.PeerNet = nil
	}
	b.cfg = cfg
	b.node = b.e.newNode(b.id.String(), b.logger)
	b.node.Attach(b.input)
	b.node.OnMsg(b.nodeMsg)
	nc := NodeConfig{
		MRU:       b.founder.MRU[lcp.Peer],
		MRRU:      b.founder.MRRU[lcp.Peer],
		MultiLink: b.multilink,
		ShortSeq:  b.founder.ShortSeq[lcp.Peer],
	}
	if err := b.node.SetConfig(nc); err != nil {
		b.fail(lcp.NewReason(lcp.ReasonSyserr, "failed to configure node, %v", err))
		return
	}
	for _, l := range b.links {
		b.connect(l)
	}
	b.configured = true
	b.shell = b.newFSM(lcp.NewShell())
	b.shell.Up()
	b.ipcpInst = lcp.NewIPCP(cfg.IPCP)
	b.ipcp = b.newFSM(b.ipcpInst)
	if useCCP {
		b.ccpInst = lcp.NewCCP(cfg.CCP, b.resetRelay)
		b.ccp = b.newFSM(b.ccpInst)
	}
	b.logger.Info("bundle configured")
	for _, f := range []*lcp.FSM{b.ipcp, b.ccp} {
		if f != nil {
			f.Up()
			f.Open()
		}
	}
}

// recv handles a bundle protocol pkt received on link l, false if proto is not handled
func (b *Bundle) recv(l *Link, proto lcp.PPPProtocolNumber, data []byte) bool {
	if !b.configured {
		b.logger.Sugar().Debugf("dropped %v pkt, bundle not configured", proto)
		return true
	}
	switch proto {
	case lcp.ProtoIPCP:
		b.ipcp.Recv(data)
	case lcp.ProtoCCP:
		if b.ccp == nil {
			return false
		}
		b.ccp.Recv(data)
	case lcp.ProtoIPv4, lcp.ProtoVanJacobsonCompressedTCPIP, lcp.ProtoVanJacobsonUncompressedTCPIP:
		if b.ipcp.State() != lcp.StateOpened {
			b.logger.Sugar().Debugf("dropped %v pkt, IPCP not opened", proto)
			return true
		}
		b.node.Input(l.index, proto, data)
	case lcp.ProtoMultiLink:
		if !b.multilink {
			return false
		}
		b.node.Input(l.index, proto, data)
	case lcp.ProtoCompresseddatagram:
		if b.ccp == nil || b.ccp.State() != lcp.StateOpened {
			return false
		}
		b.node.Input(l.index, proto, data)
	default:
		return false
	}
	return true
}

// input receives decapsulated pkts from the node
func (b *Bundle) input(proto lcp.PPPProtocolNumber, data []byte) {
	if proto != lcp.ProtoIPv4 {
		b.shell.SendProtoRej(proto, data)
		return
	}
	if b.deliver == nil || b.ipcp.State() != lcp.StateOpened {
		return
	}
	b.deliver(data)
}

func (b *Bundle) drain(f *lcp.FSM) {
	for _, o := range f.Drain() {
		if b.dead {
			return
		}
		switch o.Kind {
		case lcp.OutputData:
			if err := b.node.Write(AnyLink, o.Proto, o.Data); err != nil {
				b.logger.Sugar().Errorf("failed to send %v pkt, %v", o.Proto, err)
				b.e.s.Post(func() {
					f.Close(lcp.NewReason(lcp.ReasonSyserr, "failed to write, %v", err))
				})
			}
		case lcp.OutputUp:
			switch f {
			case b.ipcp:
				b.ipcpUp()
			case b.ccp:
				b.ccpUp()
			}
		case lcp.OutputDown:
			switch f {
			case b.ipcp:
				b.ipcpDown()
			case b.ccp:
				b.ccpDown()
			}
		case lcp.OutputDead:
			b.e.obs.FSMDead(f.Type().Name, o.Reason)
			b.fsmDead(f, o.Reason)
		}
	}
}

func (b *Bundle) fsmDead(f *lcp.FSM, r lcp.Reason) {
	switch f {
	case b.ipcp:
		b.fail(lcp.NewReason(r.Kind, "IPCP finished, %v", r.Msg))
	case b.ccp:
		if b.cfg.MPPERequired {
			b.fail(lcp.NewReason(r.Kind, "CCP finished while MPPE is required, %v", r.Msg))
		}
	}
}

func (b *Bundle) protoRejected(proto lcp.PPPProtocolNumber) {
	switch proto {
	case lcp.ProtoIPCP:
		if b.ipcp != nil {
			b.ipcp.ProtoRejected(true)
		}
	case lcp.ProtoCCP:
		if b.ccp != nil {
			b.ccp.ProtoRejected(b.cfg.MPPERequired)
		}
	}
}

// ifMTU returns the interface MTU from the peer's MRU or MRRU, less the MPPE header once CCP is opened
func (b *Bundle) ifMTU() int {
	mtu := int(b.founder.MRU[lcp.Peer])
	if b.multilink && b.founder.MRRU[lcp.Peer] != 0 {
		mtu = int(b.founder.MRRU[lcp.Peer])
	}
	if b.ccp != nil && b.ccp.State() == lcp.StateOpened {
		r := b.ccpInst.Result()
		if (r.Bits[lcp.Self] | r.Bits[lcp.Peer]).Encrypted() {
			mtu -= mppeOverhead
		}
	}
	return mtu
}

func (b *Bundle) ipcpUp() {
	r := b.ipcpInst.Result()
	b.mtu = b.ifMTU()
	b.logger.Sugar().Infof("IPCP up, local %v, peer %v, mtu %d", r.IP[lcp.Self], r.IP[lcp.Peer], b.mtu)
	if r.VJ[lcp.Self].Enabled || r.VJ[lcp.Peer].Enabled {
		nc := b.node.Config()
		nc.VJ = r.VJ
		if err := b.node.SetConfig(nc); err != nil {
			b.logger.Sugar().Warnf("failed to enable VJ, %v", err)
		}
	}
	req := PlumbRequest{
		BundleID: b.id,
		Port:     bundlePort{b: b},
		IP:       r.IP,
		DNS:      b.cfg.IPCP.DNS,
		NBNS:     b.cfg.IPCP.NBNS,
		MTU:      b.mtu,
	}
	if b.cfg.IPCP.RequestDNS {
		req.DNS = r.DNS
	}
	t, err := b.e.mgr.Plumb(req)
	if err != nil {
		b.logger.Sugar().Errorf("%v", err)
		b.ipcp.Close(lcp.NewReason(lcp.ReasonSyserr, "%v", err))
		return
	}
	b.token, b.plumbed = t, true
}

func (b *Bundle) unplumb() {
	if !b.plumbed {
		return
	}
	b.plumbed = false
	b.deliver = nil
	b.e.mgr.Unplumb(b.token)
}

func (b *Bundle) ipcpDown() {
	b.logger.Info("IPCP down")
	b.unplumb()
}

func (b *Bundle) ccpUp() {
	r := b.ccpInst.Result()
	b.logger.Sugar().Infof("CCP up, rx %v, tx %v", r.Bits[lcp.Self], r.Bits[lcp.Peer])
	nc := b.node.Config()
	for _, d := range []lcp.Dir{lcp.Self, lcp.Peer} {
		comp, err := b.compression(d, r.Bits[d])
		if err != nil {
			b.ccp.Close(lcp.NewReason(lcp.ReasonFailed, "%v", err))
			return
		}
		nc.Comp[d] = comp
	}
	if err := b.node.SetConfig(nc); err != nil {
		b.ccp.Close(lcp.NewReason(lcp.ReasonSyserr, "failed to enable MPPE, %v", err))
		return
	}
	b.setMTU()
}

// setMTU refreshes the interface MTU after CCP changed state
func (b *Bundle) setMTU() {
	if mtu := b.ifMTU(); mtu != b.mtu && b.plumbed {
		b.logger.Sugar().Infof("mtu changed to %d", mtu)
		b.mtu = mtu
	}
}

func (b *Bundle) ccpDown() {
	b.logger.Info("CCP down")
	if b.node == nil {
		return
	}
	nc := b.node.Config()
	nc.Comp = [2]Compression{}
	if err := b.node.SetConfig(nc); err != nil {
		b.logger.Sugar().Warnf("failed to disable MPPE, %v", err)
	}
	b.setMTU()
}

// compression returns the setting of direction d; Self is the receive direction
func (b *Bundle) compression(d lcp.Dir, bits lcp.MPPEBits) (Compression, error) {
	c := Compression{Bits: bits}
	if !bits.Encrypted() {
		return c, nil
	}
	if b.keys.IsZero() {
		return c, errNoKeys
	}
	width := 40
	switch {
	case bits&lcp.MPPE128 != 0:
		width = 128
	case bits&lcp.MPPE56 != 0:
		width = 56
	}
	var master []byte
	switch b.authType {
	case lcp.AuthCHAPMSv1:
		if width == 128 {
			master = b.keys.Key128[:]
		} else {
			master = b.keys.Key64[:]
		}
	default:
		// Send and Recv are from the MPPE server's view
		send, recv := b.keys.Send, b.keys.Recv
		if !b.mppeServer {
			send, recv = recv, send
		}
		if d == lcp.Self {
			master = recv[:]
		} else {
			master = send[:]
		}
	}
	key, err := auth.MPPEStartKey(master, width)
	if err != nil {
		return c, err
	}
	c.Key = key
	return c, nil
}

// fail closes all member links
func (b *Bundle) fail(r lcp.Reason) {
	if b.dead {
		return
	}
	b.logger.Sugar().Warnf("bundle failed, %v", r)
	for _, l := range append([]*Link(nil), b.links...) {
		l.close(r)
	}
}

func (b *Bundle) nodeMsg(msg NodeMsg) {
	if b.ccp == nil {
		return
	}
	switch msg.Code {
	case lcp.CodeResetRequest:
		b.ccp.SendResetReq(msg.Data)
	case lcp.CodeResetAck:
		b.ccp.SendResetAck(msg.ID, msg.Data)
	}
}

// resetRelay passes peer's Reset-Request/Ack to the node
func (b *Bundle) resetRelay(code lcp.MsgCode, id uint8, data []byte) {
	if b.node == nil {
		return
	}
	b.node.SendMsg(NodeMsg{Code: code, ID: id, Data: append([]byte(nil), data...)})
}

func (b *Bundle) destroy(r lcp.Reason) {
	if b.dead {
		return
	}
	b.logger.Sugar().Infof("bundle destroyed, %v", r)
	b.cfgTask.Cancel()
	if b.cfgTimer != nil {
		b.cfgTimer.Stop()
	}
	b.cancel()
	for _, f := range []*lcp.FSM{b.ipcp, b.ccp, b.shell} {
		if f != nil {
			f.Down(r)
			f.Close(r)
		}
	}
	b.dead = true
	b.unplumb()
	if ip := b.IPCPResult().IP[lcp.Peer]; b.assignsPeerIP() && ip != nil && !ip.IsUnspecified() {
		b.e.mgr.ReleaseIP(ip)
	}
	if b.node != nil {
		b.node.Close()
	}
	b.e.removeBundle(b)
}

// assignsPeerIP returns true if peer's address comes from this side
func (b *Bundle) assignsPeerIP() bool {
	return b.peerIP != nil || b.cfg.IPCP.PeerIP != nil || b.cfg.IPCP.PeerNet != nil
}

func (b *Bundle) status() BundleStatus {
	s := BundleStatus{
		ID:        b.id.String(),
		MultiLink: b.multilink,
		IPCP:      b.IPCPState().String(),
		MTU:       b.mtu,
	}
	for _, l := range b.links {
		s.Links = append(s.Links, l.id.String())
	}
	if b.ccp != nil {
		s.CCP = b.ccp.State().String()
	}
	if b.ipcpInst != nil {
		r := b.ipcpInst.Result()
		s.LocalIP, s.PeerIP = r.IP[lcp.Self].String(), r.IP[lcp.Peer].String()
	}
	return s
}

// bundlePort implements Port interface
type bundlePort struct {
	b *Bundle
}

func (p bundlePort) Write(pkt []byte) error {
	return p.b.node.Write(AnyLink, lcp.ProtoIPv4, pkt)
}

func (p bundlePort) Attach(deliver func([]byte)) {
	p.b.deliver = deliver
}
