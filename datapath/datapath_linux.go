package datapath

import (
	"fmt"
	"net"
	"sync"

	"github.com/hujun-open/zoumlppp/engine"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// newTUNIf creates a TUN interface named name, adds own address as a point to point address with peer's,
// and sets MTU to req.MTU
func newTUNIf(name string, req engine.PlumbRequest, maxFrameSize int, logger *zap.Logger) (*tunIf, error) {
	cfg := water.Config{
		DeviceType: water.TUN,
	}
	cfg.Name = name
	intf, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN if %v, %w", name, err)
	}
	r := &tunIf{
		intf:         intf,
		wg:           new(sync.WaitGroup),
		once:         new(sync.Once),
		maxFrameSize: maxFrameSize,
		logger:       logger,
	}
	if err := setupLink(name, req); err != nil {
		intf.Close()
		return nil, err
	}
	return r, nil
}

func setupLink(name string, req engine.PlumbRequest) error {
	nlink, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find TUN if %v, %w", name, err)
	}
	if self := req.IP[lcp.Self]; self != nil && !self.IsUnspecified() {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: self.To4(), Mask: net.CIDRMask(32, 32)}}
		if peer := req.IP[lcp.Peer]; peer != nil && !peer.IsUnspecified() {
			addr.Peer = &net.IPNet{IP: peer.To4(), Mask: net.CIDRMask(32, 32)}
		}
		if err := netlink.AddrAdd(nlink, addr); err != nil {
			return fmt.Errorf("failed to add addr %v to %v, %w", addr, name, err)
		}
	}
	if err := netlink.LinkSetMTU(nlink, ifMTU(req.MTU)); err != nil {
		return fmt.Errorf("failed to set MTU of %v, %w", name, err)
	}
	if err := netlink.LinkSetUp(nlink); err != nil {
		return fmt.Errorf("failed to bring the TUN if %v up, %w", name, err)
	}
	return nil
}
