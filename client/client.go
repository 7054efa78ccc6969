// Package client runs an engine with the links, plumbing and metrics of a config.Config
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hujun-open/etherconn"
	"github.com/hujun-open/zoumlppp/config"
	"github.com/hujun-open/zoumlppp/datapath"
	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/engine"
	"github.com/hujun-open/zoumlppp/metrics"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout is how long Run waits for links to terminate after ctx is cancelled
const DefaultShutdownTimeout = 10 * time.Second

// Client owns the loop, the engine and its collaborators
type Client struct {
	cfg             *config.Config
	logger          *zap.Logger
	loop            *sched.Loop
	engine          *engine.Engine
	mgr             *engine.StaticManager
	metrics         *metrics.Metrics
	linkCfg         engine.LinkConfig
	shutdownTimeout time.Duration

	mux     *sync.Mutex
	relays  map[string]etherconn.PacketRelay
	summary *DialSummary
}

// Modifier is a function to provide custom configuration when creating a Client
type Modifier func(c *Client)

// WithShutdownTimeout sets how long Run waits for links to terminate
func WithShutdownTimeout(d time.Duration) Modifier {
	return func(c *Client) {
		c.shutdownTimeout = d
	}
}

// New returns a Client per cfg, cfg must be valid
func New(cfg *config.Config, logger *zap.Logger, mods ...Modifier) (*Client, error) {
	r := &Client{
		cfg:             cfg,
		logger:          logger,
		loop:            sched.NewLoop(logger),
		metrics:         metrics.New(logger),
		shutdownTimeout: DefaultShutdownTimeout,
		mux:             new(sync.Mutex),
		relays:          make(map[string]etherconn.PacketRelay),
		summary:         newDialSummary(),
	}
	for _, m := range mods {
		m(r)
	}
	if err := r.metrics.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics, %w", err)
	}
	backend, err := cfg.Backend(logger)
	if err != nil {
		return nil, err
	}
	if r.linkCfg, err = cfg.LinkConfig(backend); err != nil {
		return nil, err
	}
	bcfg, err := cfg.BundleConfig()
	if err != nil {
		return nil, err
	}
	var plumb engine.PlumbFunc
	if cfg.Datapath.Enabled {
		dp, err := datapath.New(cfg.Datapath.Config, logger)
		if err != nil {
			return nil, err
		}
		plumb = dp.Plumb
	}
	r.mgr = engine.NewStaticManager(bcfg, plumb, logger)
	r.engine = engine.New(r.loop, r.mgr, logger,
		engine.WithObserver(r.metrics),
		engine.WithAuthTimeout(cfg.Engine.AuthTimeout),
		engine.WithBundleConfigTimeout(cfg.Engine.BundleConfigTimeout),
	)
	return r, nil
}

// Metrics returns the metrics of c
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Snapshot returns the engine state
func (c *Client) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	var r engine.Snapshot
	err := c.loop.Sync(ctx, func() { r = c.engine.Snapshot() })
	return r, err
}

// Run opens all links of the config and runs until ctx is cancelled, then closes every link
// and waits for them to terminate
func (c *Client) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer func() {
		stopLoop()
		<-c.loop.Done()
	}()
	go c.loop.Run(loopCtx)
	// relays outlive ctx so that PPPoE sessions could send PADT on shutdown
	relayCtx, stopRelays := context.WithCancel(context.Background())
	defer stopRelays()

	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return c.serveMetrics(gctx)
		})
	}
	g.Go(func() error {
		if err := c.openLinks(gctx, relayCtx); err != nil {
			return err
		}
		c.logger.Sugar().Infof("all links opened\n%v", c.summary)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.shutdown()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	if err := c.loop.Sync(ctx, c.engine.Close); err != nil {
		return fmt.Errorf("failed to close engine, %w", err)
	}
	select {
	case <-c.engine.Done():
		c.logger.Info("all links closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for links to close")
	}
}

func (c *Client) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	srv := &http.Server{
		Addr:    c.cfg.Metrics.Listen,
		Handler: mux,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	c.logger.Sugar().Infof("metrics endpoint listening on %v", c.cfg.Metrics.Listen)
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics endpoint failed, %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (c *Client) openLinks(ctx, relayCtx context.Context) error {
	for i, lc := range c.cfg.Links {
		var err error
		switch lc.Type {
		case config.LinkUDP:
			err = c.openUDP(ctx, lc)
		case config.LinkPPPoE:
			err = c.openPPPoE(ctx, relayCtx, lc)
		default:
			err = fmt.Errorf("unknown link type %q", lc.Type)
		}
		if err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
	}
	return nil
}

// addLink creates a link over dev on the loop, dev is destroyed on failure
func (c *Client) addLink(ctx context.Context, dev device.Device) error {
	var err error
	if serr := c.loop.Sync(ctx, func() {
		_, err = c.engine.NewLink(dev, c.linkCfg)
	}); serr != nil {
		err = serr
	}
	if err != nil {
		dev.Destroy()
		return fmt.Errorf("failed to create link over %v, %w", dev, err)
	}
	return nil
}

// openUDP opens one link carrying PPP frames in UDP datagrams
func (c *Client) openUDP(ctx context.Context, lc config.LinkConfig) error {
	raddr, err := net.ResolveUDPAddr("udp", lc.Remote)
	if err != nil {
		return fmt.Errorf("invalid remote address %v, %w", lc.Remote, err)
	}
	conn, err := net.ListenPacket("udp", lc.Local)
	if err != nil {
		return fmt.Errorf("failed to listen on %v, %w", lc.Local, err)
	}
	dev := device.NewConn("udp:"+conn.LocalAddr().String(), conn, c.logger, device.WithRemote(raddr))
	return c.addLink(ctx, dev)
}
