package engine_test

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/engine"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// plumbRecorder keeps the ports handed to the plumbing and the pkts delivered to them
type plumbRecorder struct {
	mux    *sync.Mutex
	ports  []engine.Port
	reqs   []engine.PlumbRequest
	got    [][]byte
	closed int
}

func newPlumbRecorder() *plumbRecorder {
	return &plumbRecorder{mux: new(sync.Mutex)}
}

func (p *plumbRecorder) plumb(req engine.PlumbRequest) (io.Closer, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.ports = append(p.ports, req.Port)
	p.reqs = append(p.reqs, req)
	req.Port.Attach(func(b []byte) {
		p.mux.Lock()
		defer p.mux.Unlock()
		p.got = append(p.got, append([]byte(nil), b...))
	})
	return closerFunc(func() error {
		p.mux.Lock()
		defer p.mux.Unlock()
		p.closed++
		return nil
	}), nil
}

type side struct {
	e   *engine.Engine
	mgr *engine.StaticManager
	rec *plumbRecorder
}

func newSide(s sched.Scheduler, logger *zap.Logger, cfg engine.BundleConfig, mods ...engine.Modifier) *side {
	rec := newPlumbRecorder()
	mgr := engine.NewStaticManager(cfg, rec.plumb, logger)
	return &side{
		e:   engine.New(s, mgr, logger, mods...),
		mgr: mgr,
		rec: rec,
	}
}

func serverBundleCfg() engine.BundleConfig {
	return engine.BundleConfig{
		IPCP: lcp.IPCPConfig{
			SelfIP: net.ParseIP("192.168.0.1"),
			PeerIP: net.ParseIP("192.168.0.2"),
		},
	}
}

func serverLinkCfg(multilink bool, types ...lcp.AuthType) engine.LinkConfig {
	c := lcp.DefaultLCPConfig()
	c.Auth[lcp.Self] = lcp.NewAuthSet(types...)
	c.MultiLink = multilink
	c.EID = lcp.NewIPEID(net.ParseIP("10.0.0.254"))
	return engine.LinkConfig{
		LCP:     c,
		Backend: auth.NewSecrets("", "", map[string]string{"alice": "apass", "bob": "bpass"}),
	}
}

func clientLinkCfg(name, passwd, eid string, multilink bool, types ...lcp.AuthType) engine.LinkConfig {
	c := lcp.DefaultLCPConfig()
	c.Auth[lcp.Peer] = lcp.NewAuthSet(types...)
	c.MultiLink = multilink
	if eid != "" {
		c.EID = lcp.NewIPEID(net.ParseIP(eid))
	}
	return engine.LinkConfig{
		LCP:     c,
		Backend: auth.NewSecrets(name, passwd, nil),
	}
}

var pipeSeq int

func connect(server, client *side, scfg, ccfg engine.LinkConfig) (*engine.Link, *engine.Link, error) {
	pipeSeq++
	a, b := device.NewPipe(fmt.Sprintf("p%d", pipeSeq), 1500)
	sl, err := server.e.NewLink(a, scfg)
	if err != nil {
		return nil, nil, err
	}
	cl, err := client.e.NewLink(b, ccfg)
	if err != nil {
		return nil, nil, err
	}
	return sl, cl, nil
}

// compPipe is a pipe end taking compressed frames
type compPipe struct {
	*device.Pipe
}

func (compPipe) ACFComp() bool { return true }
func (compPipe) PFComp() bool  { return true }

// holdingSched holds functions passed to Go until released
type holdingSched struct {
	*sched.Manual
	held []func()
}

func (h *holdingSched) Go(f func()) {
	h.held = append(h.held, f)
}

func (h *holdingSched) release() {
	l := h.held
	h.held = nil
	for _, f := range l {
		f()
	}
}

// fakeMS is a deterministic stand-in of the MS-CHAP hashes
type fakeMS struct{}

func (fakeMS) NTResponse(authChallenge, peerChallenge []byte, name, secret string) ([]byte, error) {
	h := md5.New()
	h.Write(authChallenge)
	h.Write(peerChallenge)
	h.Write([]byte(name + secret))
	return append(h.Sum(nil), make([]byte, 8)...), nil
}

func (fakeMS) AuthenticatorResponse(secret string, ntResponse, peerChallenge, authChallenge []byte, name string) (string, error) {
	return fmt.Sprintf("S=%X", md5.Sum(append([]byte(secret), ntResponse...))), nil
}

func (fakeMS) MPPEKeys(secret string, ntResponse []byte) (auth.MPPEKeys, error) {
	var k auth.MPPEKeys
	copy(k.Key128[:], secret)
	copy(k.Send[:], secret)
	copy(k.Recv[:], "r"+secret)
	return k, nil
}

var _ = Describe("Engine", func() {
	var (
		m      *sched.Manual
		logger *zap.Logger
		server *side
		client *side
	)

	BeforeEach(func() {
		m = sched.NewManual()
		logger = zaptest.NewLogger(GinkgoT())
		server = newSide(m, logger.Named("server"), serverBundleCfg())
		client = newSide(m, logger.Named("client"), engine.BundleConfig{})
	})

	It("brings up a single link bundle", func() {
		sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()

		Expect(sl.Phase()).To(Equal(engine.PhaseNetwork))
		Expect(cl.Phase()).To(Equal(engine.PhaseNetwork))
		Expect(sl.Result().Auth[lcp.Self]).To(Equal(lcp.AuthPAP))
		snap := server.e.Snapshot()
		Expect(snap.Links).To(HaveLen(1))
		Expect(snap.Links[0].PeerName).To(Equal("alice"))
		Expect(snap.Bundles).To(HaveLen(1))
		Expect(snap.Bundles[0].IPCP).To(Equal(lcp.StateOpened.String()))
		Expect(snap.Bundles[0].PeerIP).To(Equal("192.168.0.2"))
		Expect(snap.Bundles[0].MTU).To(Equal(lcp.DefaultMRU))

		cb := client.e.Bundles()
		Expect(cb).To(HaveLen(1))
		Expect(cb[0].IPCPResult().IP[lcp.Self].String()).To(Equal("192.168.0.2"))
		Expect(cb[0].IPCPResult().IP[lcp.Peer].String()).To(Equal("192.168.0.1"))
		Expect(server.mgr.Plumbed()).To(Equal(1))
		Expect(client.mgr.Plumbed()).To(Equal(1))
	})

	It("carries IPv4 pkts between the plumbed ports", func() {
		_, _, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()
		Expect(client.rec.ports).To(HaveLen(1))

		pkt := []byte{0x45, 0, 0, 20, 1, 2, 3, 4}
		Expect(client.rec.ports[0].Write(pkt)).To(Succeed())
		m.RunPending()
		Expect(server.rec.got).To(Equal([][]byte{pkt}))
		Expect(server.rec.reqs[0].IP[lcp.Peer].String()).To(Equal("192.168.0.2"))
	})

	It("closes the link on authentication failure", func() {
		sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "wrong", "", false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()

		Expect(sl.Phase()).To(Equal(engine.PhaseDead))
		Expect(sl.Reason().Kind).To(Equal(lcp.ReasonFailed))
		Expect(cl.Phase()).To(Equal(engine.PhaseDead))
		Expect(server.e.Snapshot().Links).To(BeEmpty())
		Expect(server.e.Bundles()).To(BeEmpty())
		Expect(client.e.Links()).To(BeEmpty())
	})

	It("authenticates both ways with CHAP", func() {
		scfg := serverLinkCfg(false, lcp.AuthCHAPMD5)
		scfg.LCP.Auth[lcp.Peer] = lcp.NewAuthSet(lcp.AuthCHAPMD5)
		scfg.Backend = auth.NewSecrets("nas", "npass", map[string]string{"alice": "apass"})
		ccfg := clientLinkCfg("alice", "apass", "", false, lcp.AuthCHAPMD5)
		ccfg.LCP.Auth[lcp.Self] = lcp.NewAuthSet(lcp.AuthCHAPMD5)
		ccfg.Backend = auth.NewSecrets("alice", "apass", map[string]string{"nas": "npass"})
		sl, cl, err := connect(server, client, scfg, ccfg)
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()

		Expect(sl.Phase()).To(Equal(engine.PhaseNetwork))
		Expect(cl.Phase()).To(Equal(engine.PhaseNetwork))
		Expect(client.e.Snapshot().Links[0].PeerName).To(Equal("nas"))
	})

	It("asks for ACFC and PFC when the device takes compressed frames", func() {
		a, b := device.NewPipe("comp", 1500)
		sl, err := server.e.NewLink(compPipe{a}, serverLinkCfg(false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		cl, err := client.e.NewLink(compPipe{b}, clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()

		Expect(sl.Phase()).To(Equal(engine.PhaseNetwork))
		for _, l := range []*engine.Link{sl, cl} {
			r := l.Result()
			Expect(r.PFC).To(Equal([2]bool{true, true}))
			Expect(r.ACFC).To(Equal([2]bool{true, true}))
		}
	})

	It("leaves ACFC and PFC off on a plain device", func() {
		sl, _, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()
		Expect(sl.Result().PFC).To(Equal([2]bool{false, false}))
		Expect(sl.Result().ACFC).To(Equal([2]bool{false, false}))
	})

	Describe("multilink", func() {
		It("joins links with matching auth name and endpoint discriminator", func() {
			scfg := serverLinkCfg(true, lcp.AuthPAP)
			ccfg := clientLinkCfg("alice", "apass", "10.1.1.1", true, lcp.AuthPAP)
			sl1, _, err := connect(server, client, scfg, ccfg)
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(sl1.Result().MutualMultiLink()).To(BeTrue())
			Expect(sl1.Result().EID[lcp.Peer].String()).To(Equal("ip:10.1.1.1"))

			sl2, _, err := connect(server, client, scfg, ccfg)
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(sl2.Phase()).To(Equal(engine.PhaseNetwork))
			Expect(server.e.Bundles()).To(HaveLen(1))
			Expect(server.e.Bundles()[0].Links()).To(Equal([]uuid.UUID{sl1.ID(), sl2.ID()}))
			Expect(sl2.Bundle()).To(BeIdenticalTo(sl1.Bundle()))
			Expect(client.e.Bundles()).To(HaveLen(1))

			// a different endpoint discriminator makes a new bundle
			other := newSide(m, logger.Named("other"), engine.BundleConfig{})
			sl3, _, err := connect(server, other, scfg, clientLinkCfg("alice", "apass", "10.1.1.2", true, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(sl3.Phase()).To(Equal(engine.PhaseNetwork))
			Expect(server.e.Bundles()).To(HaveLen(2))
			Expect(sl3.Bundle()).NotTo(BeIdenticalTo(sl1.Bundle()))

			// so does a different name
			bob := newSide(m, logger.Named("bob"), engine.BundleConfig{})
			_, _, err = connect(server, bob, scfg, clientLinkCfg("bob", "bpass", "10.1.1.1", true, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(server.e.Bundles()).To(HaveLen(3))
		})

		It("never joins links without multilink", func() {
			scfg := serverLinkCfg(true, lcp.AuthPAP)
			for i := 0; i < 3; i++ {
				_, _, err := connect(server, client, scfg, clientLinkCfg("alice", "apass", "10.1.1.1", false, lcp.AuthPAP))
				Expect(err).NotTo(HaveOccurred())
				m.RunPending()
			}
			Expect(server.e.Links()).To(HaveLen(3))
			Expect(server.e.Bundles()).To(HaveLen(3))
			for _, b := range server.e.Bundles() {
				Expect(b.Links()).To(HaveLen(1))
			}
		})

		It("keeps the bundle until its last link leaves", func() {
			scfg := serverLinkCfg(true, lcp.AuthPAP)
			ccfg := clientLinkCfg("alice", "apass", "10.1.1.1", true, lcp.AuthPAP)
			sl1, _, err := connect(server, client, scfg, ccfg)
			Expect(err).NotTo(HaveOccurred())
			sl2, _, err := connect(server, client, scfg, ccfg)
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			b := sl1.Bundle()
			Expect(b).NotTo(BeNil())

			sl1.Close()
			m.RunPending()
			Expect(sl1.Phase()).To(Equal(engine.PhaseDead))
			Expect(server.e.Bundle(b.ID())).To(BeIdenticalTo(b))
			Expect(b.Links()).To(Equal([]uuid.UUID{sl2.ID()}))
			Expect(b.IPCPState()).To(Equal(lcp.StateOpened))

			sl2.Close()
			m.RunPending()
			Expect(server.e.Bundle(b.ID())).To(BeNil())
			Expect(server.e.Bundles()).To(BeEmpty())
		})
	})

	Describe("MPPE", func() {
		var mppe engine.BundleConfig

		BeforeEach(func() {
			mppe = serverBundleCfg()
			mppe.CCP = lcp.CCPConfig{Supported: lcp.MPPE128, Self: lcp.MPPE128}
		})

		It("fails the bundle when required but not authenticated with MS-CHAP", func() {
			mppe.MPPERequired = true
			server = newSide(m, logger.Named("server"), mppe)
			sl, _, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(sl.Phase()).To(Equal(engine.PhaseDead))
			Expect(sl.Reason().Kind).To(Equal(lcp.ReasonFailed))
			Expect(sl.Reason().Msg).To(ContainSubstring("MPPE required"))
		})

		It("goes without CCP when optional and not authenticated with MS-CHAP", func() {
			server = newSide(m, logger.Named("server"), mppe)
			sl, _, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			b := sl.Bundle()
			Expect(b).NotTo(BeNil())
			Expect(b.IPCPState()).To(Equal(lcp.StateOpened))
			Expect(b.CCPState()).To(Equal(lcp.StateInitial))
		})

		It("never runs CCP for compression without an MPPE width", func() {
			mppe.CCP = lcp.CCPConfig{Supported: lcp.MPPC, Self: lcp.MPPC}
			server = newSide(m, logger.Named("server"), mppe)
			sl, _, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			b := sl.Bundle()
			Expect(b).NotTo(BeNil())
			Expect(b.IPCPState()).To(Equal(lcp.StateOpened))
			Expect(b.CCPState()).To(Equal(lcp.StateInitial))
		})

		It("never runs CCP for MPPC and stateless bits after MS-CHAP", func() {
			mppe.CCP = lcp.CCPConfig{Supported: lcp.MPPC | lcp.MPPEStateless, Self: lcp.MPPC | lcp.MPPEStateless}
			server = newSide(m, logger.Named("server"), mppe, engine.WithMSCrypto(fakeMS{}))
			ccp := engine.BundleConfig{CCP: lcp.CCPConfig{Supported: lcp.MPPE128, Self: lcp.MPPE128}}
			client = newSide(m, logger.Named("client"), ccp, engine.WithMSCrypto(fakeMS{}))
			sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthCHAPMSv1), clientLinkCfg("alice", "apass", "", false, lcp.AuthCHAPMSv1))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(sl.Bundle()).NotTo(BeNil())
			Expect(sl.Bundle().CCPState()).To(Equal(lcp.StateInitial))
			Expect(sl.Bundle().IPCPState()).To(Equal(lcp.StateOpened))
			Expect(cl.Bundle()).NotTo(BeNil())
			Expect(cl.Bundle().CCPState()).NotTo(Equal(lcp.StateOpened))
			Expect(cl.Phase()).To(Equal(engine.PhaseNetwork))
		})

		Describe("peer naks MPPE to nothing acceptable", func() {
			var mschap func() (*engine.Link, *engine.Link)

			BeforeEach(func() {
				mschap = func() (*engine.Link, *engine.Link) {
					server = newSide(m, logger.Named("server"), mppe, engine.WithMSCrypto(fakeMS{}))
					ccp := engine.BundleConfig{CCP: lcp.CCPConfig{Supported: lcp.MPPE40, Self: lcp.MPPE40}}
					client = newSide(m, logger.Named("client"), ccp, engine.WithMSCrypto(fakeMS{}))
					sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthCHAPMSv1), clientLinkCfg("alice", "apass", "", false, lcp.AuthCHAPMSv1))
					Expect(err).NotTo(HaveOccurred())
					m.RunPending()
					return sl, cl
				}
			})

			It("keeps the bundle without MPPE when optional", func() {
				sl, cl := mschap()
				Expect(sl.Phase()).To(Equal(engine.PhaseNetwork))
				Expect(cl.Phase()).To(Equal(engine.PhaseNetwork))
				Expect(sl.Bundle().IPCPState()).To(Equal(lcp.StateOpened))
				Expect(sl.Bundle().CCPState()).NotTo(Equal(lcp.StateOpened))
				Expect(cl.Bundle().CCPState()).NotTo(Equal(lcp.StateOpened))
				// no MPPE header without agreed MPPE
				Expect(server.e.Snapshot().Bundles[0].MTU).To(Equal(lcp.DefaultMRU))
			})

			It("fails the bundle when required", func() {
				mppe.MPPERequired = true
				sl, _ := mschap()
				Expect(sl.Phase()).To(Equal(engine.PhaseDead))
				Expect(sl.Reason().Msg).To(ContainSubstring("CCP finished"))
			})
		})

		It("derives start keys from MS-CHAPv1", func() {
			server = newSide(m, logger.Named("server"), mppe, engine.WithMSCrypto(fakeMS{}))
			ccp := engine.BundleConfig{CCP: lcp.CCPConfig{Supported: lcp.MPPE128, Self: lcp.MPPE128}}
			client = newSide(m, logger.Named("client"), ccp, engine.WithMSCrypto(fakeMS{}))
			sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthCHAPMSv1), clientLinkCfg("alice", "apass", "", false, lcp.AuthCHAPMSv1))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()

			sb, cb := sl.Bundle(), cl.Bundle()
			Expect(sb).NotTo(BeNil())
			Expect(cb).NotTo(BeNil())
			Expect(sb.CCPState()).To(Equal(lcp.StateOpened))
			Expect(cb.CCPState()).To(Equal(lcp.StateOpened))
			var master [16]byte
			copy(master[:], "apass")
			want, err := auth.MPPEStartKey(master[:], 128)
			Expect(err).NotTo(HaveOccurred())
			sc, cc := sb.Node().Config(), cb.Node().Config()
			Expect(sc.Comp[lcp.Peer].Key).To(Equal(want))
			Expect(cc.Comp[lcp.Self].Key).To(Equal(want))
			Expect(sc.Comp[lcp.Peer].Bits).To(Equal(lcp.MPPE128))
			// MTU leaves room for the MPPE header
			Expect(server.e.Snapshot().Bundles[0].MTU).To(Equal(lcp.DefaultMRU - 4))
		})
	})

	Describe("timeouts", func() {
		var hs *holdingSched

		BeforeEach(func() {
			hs = &holdingSched{Manual: m}
			server = newSide(hs, logger.Named("server"), serverBundleCfg())
			// client timers fire after server's
			client = newSide(hs, logger.Named("client"), engine.BundleConfig{},
				engine.WithAuthTimeout(time.Minute), engine.WithBundleConfigTimeout(time.Minute))
		})

		It("closes a link not authenticated in time", func() {
			sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			Expect(sl.Phase()).To(Equal(engine.PhaseAuthenticate))
			Expect(hs.held).NotTo(BeEmpty())

			m.Advance(engine.DefaultAuthTimeout)
			Expect(sl.Phase()).To(Equal(engine.PhaseDead))
			Expect(sl.Reason().Kind).To(Equal(lcp.ReasonTimeout))
			Expect(cl.Phase()).To(Equal(engine.PhaseDead))
		})

		It("fails a bundle not configured in time", func() {
			sl, cl, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
			Expect(err).NotTo(HaveOccurred())
			m.RunPending()
			// own credential, then the check of peer's
			hs.release()
			m.RunPending()
			hs.release()
			m.RunPending()
			Expect(sl.Phase()).To(Equal(engine.PhaseNetwork))
			Expect(sl.Bundle()).NotTo(BeNil())
			Expect(sl.Bundle().IPCPState()).To(Equal(lcp.StateInitial))

			m.Advance(engine.DefaultBundleConfigTimeout)
			Expect(sl.Phase()).To(Equal(engine.PhaseDead))
			Expect(sl.Reason().Msg).To(ContainSubstring("bundle config timeout"))
			Expect(cl.Phase()).To(Equal(engine.PhaseDead))
			Expect(server.e.Bundles()).To(BeEmpty())
		})
	})

	It("closes everything on Close", func() {
		_, _, err := connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
		Expect(err).NotTo(HaveOccurred())
		m.RunPending()
		Expect(server.mgr.Plumbed()).To(Equal(1))

		server.e.Close()
		m.RunPending()
		Expect(server.e.Done()).To(BeClosed())
		Expect(server.mgr.Plumbed()).To(BeZero())
		Expect(server.rec.closed).To(Equal(1))
		released := server.mgr.Released()
		Expect(released).To(HaveLen(1))
		Expect(released[0].String()).To(Equal("192.168.0.2"))
		Expect(client.e.Links()).To(BeEmpty())

		late, _ := device.NewPipe("late", 1500)
		_, err = server.e.NewLink(late, serverLinkCfg(false))
		Expect(err).To(MatchError(engine.ErrClosed))
	})

	It("runs on a loop", func() {
		defer goleak.VerifyNone(GinkgoT(), goleak.IgnoreCurrent())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loop := sched.NewLoop(logger)
		go loop.Run(ctx)
		server = newSide(loop, logger.Named("server"), serverBundleCfg(), engine.WithBundleConfigTimeout(100*time.Millisecond))
		server.mgr.SetDelay(time.Hour)
		client = newSide(loop, logger.Named("client"), engine.BundleConfig{})

		var sl *engine.Link
		var err error
		Expect(loop.Sync(ctx, func() {
			sl, _, err = connect(server, client, serverLinkCfg(false, lcp.AuthPAP), clientLinkCfg("alice", "apass", "", false, lcp.AuthPAP))
		})).To(Succeed())
		Expect(err).NotTo(HaveOccurred())

		linkCount := func(e *engine.Engine) func() int {
			return func() int {
				n := -1
				loop.Sync(ctx, func() { n = len(e.Links()) })
				return n
			}
		}
		Eventually(linkCount(server.e)).WithTimeout(5 * time.Second).Should(BeZero())
		Eventually(linkCount(client.e)).WithTimeout(5 * time.Second).Should(BeZero())
		var r lcp.Reason
		Expect(loop.Sync(ctx, func() { r = sl.Reason() })).To(Succeed())
		Expect(r.Kind).To(Equal(lcp.ReasonTimeout))
		cancel()
		Eventually(loop.Done()).Should(BeClosed())
	})
})
