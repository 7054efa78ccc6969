package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/engine"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

// PipeSetup is the setup of a back to back run over in-memory pipes
type PipeSetup struct {
	// Links is the number of links between the two sides
	Links     int
	MultiLink bool
	// Auth is the type the client authenticates with
	Auth     lcp.AuthType
	UserName string
	Password string
	Timeout  time.Duration
}

// DefaultPipeSetup returns a PipeSetup with a single PAP link
func DefaultPipeSetup() PipeSetup {
	return PipeSetup{
		Links:    1,
		Auth:     lcp.AuthPAP,
		UserName: "user",
		Password: "passwd",
		Timeout:  10 * time.Second,
	}
}

// PipeResult is the state of both sides once the client side bundle opened IPCP
type PipeResult struct {
	Server engine.Snapshot `yaml:"server"`
	Client engine.Snapshot `yaml:"client"`
}

// RunPipe connects a server and a client engine with setup.Links pipes on one loop,
// waits for the client bundles to open IPCP, then closes both sides
func RunPipe(ctx context.Context, setup PipeSetup, logger *zap.Logger) (*PipeResult, error) {
	if setup.Links <= 0 {
		return nil, fmt.Errorf("number of links can't be zero")
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loop := sched.NewLoop(logger)
	go loop.Run(loopCtx)
	defer func() {
		stopLoop()
		<-loop.Done()
	}()

	server := engine.New(loop, engine.NewStaticManager(engine.BundleConfig{
		IPCP: lcp.IPCPConfig{
			SelfIP: net.ParseIP("192.168.0.1"),
			PeerIP: net.ParseIP("192.168.0.2"),
			DNS:    [2]net.IP{net.ParseIP("192.168.0.1")},
		},
		FSM: lcp.DefaultConfig(),
	}, nil, logger.Named("server")), logger.Named("server"))
	client := engine.New(loop, engine.NewStaticManager(engine.BundleConfig{
		IPCP: lcp.IPCPConfig{RequestDNS: true},
		FSM:  lcp.DefaultConfig(),
	}, nil, logger.Named("client")), logger.Named("client"))

	scfg := lcp.DefaultLCPConfig()
	scfg.Auth[lcp.Self] = lcp.NewAuthSet(setup.Auth)
	scfg.MultiLink = setup.MultiLink
	scfg.EID = lcp.NewIPEID(net.ParseIP("192.168.0.1"))
	ccfg := lcp.DefaultLCPConfig()
	ccfg.Auth[lcp.Peer] = lcp.NewAuthSet(setup.Auth)
	ccfg.MultiLink = setup.MultiLink
	ccfg.EID = lcp.NewIPEID(net.ParseIP("10.0.0.1"))
	slink := engine.LinkConfig{
		LCP:     scfg,
		Backend: auth.NewSecrets("", "", map[string]string{setup.UserName: setup.Password}),
	}
	clink := engine.LinkConfig{
		LCP:     ccfg,
		Backend: auth.NewSecrets(setup.UserName, setup.Password, nil),
	}

	var err error
	if serr := loop.Sync(ctx, func() {
		for i := 0; i < setup.Links && err == nil; i++ {
			a, b := device.NewPipe(fmt.Sprintf("%d", i), device.MaxPPPMsgSize)
			if _, err = server.NewLink(a, slink); err != nil {
				break
			}
			_, err = client.NewLink(b, clink)
		}
	}); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}

	r := new(PipeResult)
	waitErr := waitOpened(ctx, loop, client, setup.Links, setup.Timeout)
	loop.Sync(ctx, func() {
		r.Server = server.Snapshot()
		r.Client = client.Snapshot()
		server.Close()
		client.Close()
	})
	for _, e := range []*engine.Engine{server, client} {
		select {
		case <-e.Done():
		case <-ctx.Done():
			return r, ctx.Err()
		}
	}
	return r, waitErr
}

// waitOpened polls e until links joined bundles and all of the bundles opened IPCP
func waitOpened(ctx context.Context, loop *sched.Loop, e *engine.Engine, links int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		opened := false
		if err := loop.Sync(ctx, func() {
			n := 0
			opened = true
			for _, b := range e.Bundles() {
				n += len(b.Links())
				if b.IPCPState() != lcp.StateOpened {
					opened = false
				}
			}
			opened = opened && n == links
		}); err != nil {
			return err
		}
		if opened {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for IPCP to open, %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
