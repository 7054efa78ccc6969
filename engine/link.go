package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/chap"
	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/pap"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

// LinkPhase is the phase of a link, see RFC1661 section 3.2
type LinkPhase int

// list of LinkPhase
const (
	PhaseEstablish LinkPhase = iota
	PhaseAuthenticate
	PhaseNetwork
	PhaseDead
)

func (p LinkPhase) String() string {
	switch p {
	case PhaseEstablish:
		return "establish"
	case PhaseAuthenticate:
		return "authenticate"
	case PhaseNetwork:
		return "network"
	case PhaseDead:
		return "dead"
	}
	return fmt.Sprintf("unknown (%d)", int(p))
}

// AuthTiming overrides the retransmission timing of an auth protocol, zero values mean defaults
type AuthTiming struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   int           `yaml:"retry"`
}

// LinkConfig is the per link configuration
type LinkConfig struct {
	LCP lcp.LCPConfig
	// FSM is the LCP timer and counter config, zero value means lcp.DefaultConfig
	FSM     lcp.Config
	Backend auth.Backend
	PAP     AuthTiming
	CHAP    AuthTiming
}

// Link is a PPP link over a device; it negotiates LCP, authenticates, then joins a Bundle
type Link struct {
	id      uuid.UUID
	seq     uint64
	e       *Engine
	dev     device.Device
	cfg     LinkConfig
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	lcpInst *lcp.LCP
	lcp     *lcp.FSM
	result  lcp.LCPResult
	phase   LinkPhase

	authGen   int
	auth      [2]auth.Machine
	authRes   [2]*auth.Result
	authTimer sched.Timer

	// bundle is looked up in the Engine on use, uuid.Nil if not in a bundle
	bundle uuid.UUID
	index  int
}

func newLink(e *Engine, dev device.Device, cfg LinkConfig, seq uint64) *Link {
	l := &Link{
		id:  uuid.New(),
		seq: seq,
		e:   e,
		dev: dev,
		cfg: cfg,
	}
	l.logger = e.logger.Named("link").With(zap.String("link", l.id.String()), zap.Stringer("dev", dev))
	l.ctx, l.cancel = context.WithCancel(context.Background())
	lcpCfg := cfg.LCP
	lcpCfg.Async = dev.IsAsync()
	lcpCfg.ACFC = lcpCfg.ACFC || dev.ACFComp()
	lcpCfg.PFC = lcpCfg.PFC || dev.PFComp()
	l.lcpInst = lcp.NewLCP(lcpCfg)
	fsmCfg := cfg.FSM
	if fsmCfg == (lcp.Config{}) {
		fsmCfg = lcp.DefaultConfig()
	}
	l.lcp = lcp.NewFSM(l.lcpInst, e.s, l.logger, lcp.WithConfig(fsmCfg),
		lcp.WithNotify(l.drain), lcp.WithEventHook(e.fsmHook))
	return l
}

// ID returns the link id
func (l *Link) ID() uuid.UUID {
	return l.id
}

// Phase returns current phase
func (l *Link) Phase() LinkPhase {
	return l.phase
}

// LCPState returns the state of the link's LCP FSM
func (l *Link) LCPState() lcp.State {
	return l.lcp.State()
}

// Result returns the negotiated LCP values
func (l *Link) Result() lcp.LCPResult {
	return l.result
}

// Reason returns why the link went down or dead
func (l *Link) Reason() lcp.Reason {
	return l.lcp.Reason()
}

// Bundle returns the bundle the link is in, nil if none
func (l *Link) Bundle() *Bundle {
	if l.bundle == uuid.Nil {
		return nil
	}
	return l.e.bundles[l.bundle]
}

// authName returns the name peer authenticated with and own name, empty if not authenticated in that direction
func (l *Link) authName() [2]string {
	var r [2]string
	for d, res := range l.authRes {
		if res != nil {
			r[d] = res.Name
		}
	}
	return r
}

func (l *Link) open() error {
	err := l.dev.Open(func(ev device.Event) {
		l.e.s.Post(func() { l.handleDev(ev) })
	})
	if err != nil {
		return fmt.Errorf("failed to open %v, %w", l.dev, err)
	}
	l.logger.Info("link created")
	return nil
}

// Close terminates the link gracefully, the link is destroyed once LCP is finished
func (l *Link) Close() {
	l.close(lcp.NewReason(lcp.ReasonClose, "administratively closed"))
}

func (l *Link) close(r lcp.Reason) {
	if l.phase == PhaseDead {
		return
	}
	l.lcp.Close(r)
}

func (l *Link) handleDev(ev device.Event) {
	if l.phase == PhaseDead {
		return
	}
	switch ev.Kind {
	case device.EventUp:
		l.logger.Info("device up")
		l.lcp.Up()
		l.lcp.Open()
	case device.EventDownNonFatal:
		l.logger.Sugar().Infof("device down, %v", ev.Msg)
		l.lcp.Down(lcp.NewReason(lcp.ReasonDownNonFatal, "%v", ev.Msg))
	case device.EventDownFatal:
		l.logger.Sugar().Infof("device gone, %v", ev.Msg)
		r := lcp.NewReason(lcp.ReasonDownFatal, "%v", ev.Msg)
		l.lcp.Down(r)
		l.lcp.Close(r)
	case device.EventFrame:
		l.recv(ev.Proto, ev.Data)
	}
}

func (l *Link) recv(proto lcp.PPPProtocolNumber, data []byte) {
	if proto == lcp.ProtoLCP {
		l.lcp.Recv(data)
		return
	}
	if l.lcp.State() != lcp.StateOpened {
		l.logger.Sugar().Debugf("dropped %v pkt, LCP not opened", proto)
		return
	}
	switch proto {
	case lcp.ProtoPAP, lcp.ProtoCHAP:
		handled := false
		for d, m := range l.auth {
			if m != nil && l.result.Auth[d].Proto() == proto {
				m.Recv(data)
				handled = true
			}
		}
		if handled {
			return
		}
	default:
		if l.phase != PhaseNetwork {
			l.logger.Sugar().Debugf("dropped %v pkt before network phase", proto)
			return
		}
		if b := l.Bundle(); b != nil && b.recv(l, proto, data) {
			return
		}
	}
	l.logger.Sugar().Debugf("rejecting protocol %v", proto)
	l.lcp.SendProtoRej(proto, data)
}

// Write sends b with protocol proto over the device, a failure closes the link
func (l *Link) Write(proto lcp.PPPProtocolNumber, b []byte) {
	if err := l.dev.Write(proto, b); err != nil {
		l.logger.Sugar().Errorf("failed to send %v pkt, %v", proto, err)
		l.e.s.Post(func() {
			l.close(lcp.NewReason(lcp.ReasonSyserr, "failed to write to %v, %v", l.dev, err))
		})
	}
}

func (l *Link) drain() {
	for _, o := range l.lcp.Drain() {
		if l.phase == PhaseDead {
			return
		}
		switch o.Kind {
		case lcp.OutputStart:
			l.logger.Debug("LCP needs lower layer")
		case lcp.OutputData:
			l.Write(lcp.ProtoLCP, o.Data)
		case lcp.OutputUp:
			l.lcpUp()
		case lcp.OutputDown:
			l.lcpDown(o.Reason)
		case lcp.OutputProtoRej:
			l.protoRejected(o.Proto)
		case lcp.OutputDead:
			l.e.obs.FSMDead(lcp.LCPType.Name, o.Reason)
			l.destroy(o.Reason)
		}
	}
}

func (l *Link) protoRejected(proto lcp.PPPProtocolNumber) {
	l.logger.Sugar().Infof("peer rejected protocol %v", proto)
	switch proto {
	case lcp.ProtoLCP:
		l.lcp.ProtoRejected(true)
	case lcp.ProtoPAP, lcp.ProtoCHAP, lcp.ProtoMultiLink:
		l.close(lcp.NewReason(lcp.ReasonProtoRej, "%v rejected by peer", proto))
	default:
		if b := l.Bundle(); b != nil {
			b.protoRejected(proto)
		}
	}
}

func (l *Link) lcpUp() {
	l.result = l.lcpInst.Result()
	l.logger.Sugar().Infof("LCP up, auth %v/%v, multilink %v", l.result.Auth[lcp.Self], l.result.Auth[lcp.Peer], l.result.MutualMultiLink())
	l.startAuth()
}

func (l *Link) lcpDown(r lcp.Reason) {
	l.logger.Sugar().Infof("LCP down, %v", r)
	l.stopAuth()
	l.leaveBundle(r)
	l.phase = PhaseEstablish
}

func (l *Link) leaveBundle(r lcp.Reason) {
	if b := l.Bundle(); b != nil {
		b.leave(l, r)
	}
	l.bundle = uuid.Nil
	l.index = 0
}

// authHost is the auth.Host of one auth round
type authHost struct {
	l   *Link
	gen int
}

func (h authHost) Send(proto lcp.PPPProtocolNumber, pkt []byte) {
	if h.gen != h.l.authGen {
		return
	}
	h.l.Write(proto, pkt)
}

func (h authHost) Finish(r auth.Result) {
	if h.gen != h.l.authGen {
		return
	}
	h.l.authFinished(r)
}

func (l *Link) newAuthMachine(d lcp.Dir, env auth.Env) (auth.Machine, error) {
	t := l.result.Auth[d]
	if t == lcp.AuthPAP {
		env.Timeout, env.Retry = l.cfg.PAP.Timeout, l.cfg.PAP.Retry
		if d == lcp.Self {
			return pap.NewResponder(env), nil
		}
		return pap.NewRequester(env), nil
	}
	v, err := chap.VariantFor(t, l.e.msCrypto)
	if err != nil {
		return nil, err
	}
	env.Timeout, env.Retry = l.cfg.CHAP.Timeout, l.cfg.CHAP.Retry
	if d == lcp.Self {
		return chap.NewChallenger(env, v), nil
	}
	return chap.NewResponder(env, v), nil
}

func (l *Link) startAuth() {
	l.phase = PhaseAuthenticate
	l.authGen++
	l.authRes = [2]*auth.Result{}
	if l.result.Auth[lcp.Self] == lcp.AuthNone && l.result.Auth[lcp.Peer] == lcp.AuthNone {
		l.authDone()
		return
	}
	if l.cfg.Backend == nil {
		l.close(lcp.NewReason(lcp.ReasonFailed, "no auth backend"))
		return
	}
	env := auth.Env{
		Sched:   l.e.s,
		Ctx:     l.ctx,
		Backend: l.cfg.Backend,
		Host:    authHost{l: l, gen: l.authGen},
		Logger:  l.logger,
	}
	for _, d := range []lcp.Dir{lcp.Self, lcp.Peer} {
		if l.result.Auth[d] == lcp.AuthNone {
			continue
		}
		m, err := l.newAuthMachine(d, env)
		if err != nil {
			l.close(lcp.NewReason(lcp.ReasonFailed, "failed to start %v auth, %v", l.result.Auth[d], err))
			return
		}
		l.auth[d] = m
	}
	gen := l.authGen
	l.authTimer = l.e.s.AfterFunc(l.e.authTO, func() {
		if gen != l.authGen || l.phase != PhaseAuthenticate {
			return
		}
		l.logger.Warn("authentication timeout")
		l.close(lcp.NewReason(lcp.ReasonTimeout, "authentication timeout"))
	})
	for _, m := range l.auth {
		if m != nil {
			m.Start()
		}
	}
}

func (l *Link) stopAuth() {
	l.authGen++
	if l.authTimer != nil {
		l.authTimer.Stop()
		l.authTimer = nil
	}
	for d, m := range l.auth {
		if m != nil {
			m.Stop()
		}
		l.auth[d] = nil
	}
}

func (l *Link) authFinished(r auth.Result) {
	if l.phase != PhaseAuthenticate {
		return
	}
	l.logger.Sugar().Infof("auth finished, %v", r)
	l.e.obs.AuthDone(r)
	l.authRes[r.Dir] = &r
	if !r.OK {
		l.close(lcp.NewReason(lcp.ReasonFailed, "authentication failed, %v", r))
		return
	}
	for d, t := range l.result.Auth {
		if t != lcp.AuthNone && (l.authRes[d] == nil || !l.authRes[d].OK) {
			return
		}
	}
	l.authDone()
}

func (l *Link) authDone() {
	if l.authTimer != nil {
		l.authTimer.Stop()
		l.authTimer = nil
	}
	l.phase = PhaseNetwork
	l.e.join(l)
}

func (l *Link) destroy(r lcp.Reason) {
	if l.phase == PhaseDead {
		return
	}
	l.logger.Sugar().Infof("link destroyed, %v", r)
	l.stopAuth()
	l.leaveBundle(r)
	l.phase = PhaseDead
	l.cancel()
	l.dev.Destroy()
	l.e.removeLink(l)
}

func (l *Link) status() LinkStatus {
	s := LinkStatus{
		ID:       l.id.String(),
		Device:   l.dev.String(),
		Phase:    l.phase.String(),
		LCP:      l.lcp.State().String(),
		PeerName: l.authName()[lcp.Self],
		Index:    l.index,
	}
	if l.bundle != uuid.Nil {
		s.Bundle = l.bundle.String()
	}
	return s
}
