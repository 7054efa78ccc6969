// Package datapath plumbs a bundle with IPCP opened into a TUN interface;
// 	TODO: currently datapath does NOT do following:
// 		- create default route with nexthop as the TUN interface
// 		- apply DNS server address
package datapath

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hujun-open/zoumlppp/engine"
	"go.uber.org/zap"
)

// VarName is the placeholder in Config.IfName replaced by the bundle sequence number
const VarName = "@ID"

// DefaultIfName is the default TUN interface name template
const DefaultIfName = "zoumlppp" + VarName

// DefaultMaxFrameSize is the default max IP pkt size could be received from the TUN interface
const DefaultMaxFrameSize = 1500

const minimalIPPktSize = 20 //ipv4 header

// minMTU is the lowest MTU set on a TUN interface
const minMTU = 576

// Config is the datapath config
type Config struct {
	// IfName is the TUN interface name template, must contain VarName
	IfName       string `yaml:"ifname"`
	MaxFrameSize int    `yaml:"max-frame-size"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		IfName:       DefaultIfName,
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

// Datapath creates one TUN interface per plumbed bundle
type Datapath struct {
	mux    *sync.Mutex
	cfg    Config
	seq    int
	logger *zap.Logger
}

// New returns a new Datapath
func New(cfg Config, logger *zap.Logger) (*Datapath, error) {
	if !strings.Contains(cfg.IfName, VarName) {
		return nil, fmt.Errorf("interface name %q must contain %v", cfg.IfName, VarName)
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Datapath{
		mux:    new(sync.Mutex),
		cfg:    cfg,
		logger: logger.Named("datapath"),
	}, nil
}

func (dp *Datapath) nextName() string {
	dp.mux.Lock()
	defer dp.mux.Unlock()
	name := strings.ReplaceAll(dp.cfg.IfName, VarName, fmt.Sprintf("%d", dp.seq))
	dp.seq++
	return name
}

func ifMTU(mtu int) int {
	if mtu < minMTU {
		return minMTU
	}
	return mtu
}

// Plumb is an engine.PlumbFunc, it creates a TUN interface with req's addresses and MTU,
// and forwards IPv4 pkts between the interface and req.Port
func (dp *Datapath) Plumb(req engine.PlumbRequest) (io.Closer, error) {
	name := dp.nextName()
	tif, err := newTUNIf(name, req, dp.cfg.MaxFrameSize, dp.logger.Named(name))
	if err != nil {
		return nil, err
	}
	req.Port.Attach(tif.deliver)
	tif.wg.Add(1)
	go tif.send(req.Port)
	dp.logger.Sugar().Infof("bundle %v plumbed to %v", req.BundleID, name)
	return tif, nil
}

var _ engine.PlumbFunc = (*Datapath)(nil).Plumb
