package client

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/hujun-open/etherconn"
	"github.com/hujun-open/myaddr"
	"github.com/hujun-open/mywg"
	"github.com/hujun-open/zoumlppp/config"
	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/pppoe"
	"go.uber.org/zap/zapcore"
)

const bpfFilter = `(ether proto 0x8863 or 0x8864) or (vlan and ether proto 0x8863 or 0x8864)`

// genMACs returns n mac addresses starting from start, each step bigger than the previous one
func genMACs(start net.HardwareAddr, step uint, n int) ([]net.HardwareAddr, error) {
	if step == 0 {
		step = 1
	}
	r := []net.HardwareAddr{start}
	for i := 1; i < n; i++ {
		mac, err := myaddr.IncMACAddr(r[i-1], big.NewInt(int64(step)))
		if err != nil {
			return nil, fmt.Errorf("failed to generate mac address,%v", err)
		}
		r = append(r, mac)
	}
	return r, nil
}

// genVLANs returns the etherconn VLANs of ids, outermost first
func genVLANs(ids []uint16) etherconn.VLANs {
	r := etherconn.VLANs{}
	for _, id := range ids {
		r = append(r, &etherconn.VLAN{
			ID:        id,
			EtherType: 0x8100,
		})
	}
	return r
}

func (c *Client) relay(ctx context.Context, ifname string) (etherconn.PacketRelay, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if r, ok := c.relays[ifname]; ok {
		return r, nil
	}
	r, err := etherconn.NewRawSocketRelay(ctx, ifname,
		etherconn.WithDebug(c.logger.Core().Enabled(zapcore.DebugLevel)),
		etherconn.WithBPFFilter(bpfFilter),
		etherconn.WithRecvTimeout(time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create raw packet relay on %v, %w", ifname, err)
	}
	c.relays[ifname] = r
	return r, nil
}

// openPPPoE dials lc.Count PPPoE sessions concurrently, each with its own mac, and opens a link over
// every session established
func (c *Client) openPPPoE(ctx, relayCtx context.Context, lc config.LinkConfig) error {
	start := net.HardwareAddr(nil)
	if lc.MAC != "" {
		start, _ = net.ParseMAC(lc.MAC)
	} else {
		iff, err := net.InterfaceByName(lc.Interface)
		if err != nil {
			return fmt.Errorf("can't find interface %v,%w", lc.Interface, err)
		}
		start = iff.HardwareAddr
	}
	count := lc.Count
	if count == 0 {
		count = 1
	}
	macs, err := genMACs(start, lc.MACStep, count)
	if err != nil {
		return err
	}
	relay, err := c.relay(relayCtx, lc.Interface)
	if err != nil {
		return err
	}
	dialWG := mywg.NewMyWG()
	for _, mac := range macs {
		dialWG.Add(1)
		go func(mac net.HardwareAddr) {
			defer dialWG.Done()
			c.dialPPPoE(ctx, relay, mac, lc)
		}(mac)
	}
	select {
	case <-ctx.Done():
		dialWG.Cancel()
		dialWG.Wait()
		return ctx.Err()
	case <-dialWG.FinishChan:
	}
	return nil
}

func (c *Client) dialPPPoE(ctx context.Context, relay etherconn.PacketRelay, mac net.HardwareAddr, lc config.LinkConfig) {
	logger := c.logger.Named(mac.String())
	econn := etherconn.NewEtherConn(mac, relay,
		etherconn.WithEtherTypes([]uint16{pppoe.EtherTypePPPoEDiscovery, pppoe.EtherTypePPPoESession}),
		etherconn.WithVLANs(genVLANs(lc.VLANs)), etherconn.WithRecvMulticast(true))
	p := pppoe.NewPPPoE(econn, logger, lc.PPPoEModifiers()...)
	startTime := time.Now()
	err := p.Dial(ctx)
	c.summary.add(err == nil, time.Since(startTime))
	if err != nil {
		logger.Sugar().Errorf("PPPoE dial failed, %v", err)
		econn.Close()
		return
	}
	logger.Sugar().Infof("pppoe open, session id %d", p.SessionID())
	dev := device.NewConn(fmt.Sprintf("pppoe:%v/%d", mac, p.SessionID()), p, c.logger)
	if err := c.addLink(ctx, dev); err != nil {
		logger.Error(err.Error())
	}
}

// DialSummary is the summary stats of PPPoE discoveries
type DialSummary struct {
	mux *sync.Mutex
	// Total is the total number of discoveries
	Total int
	// Success is the number of discoveries that established a session
	Success int
	// Failed is the number of discoveries that failed
	Failed int
	// Shortest is the amount of time that fastest discovery succeeded
	Shortest time.Duration
	// Longest is the amount of time that the slowest discovery succeeded
	Longest time.Duration
}

func newDialSummary() *DialSummary {
	return &DialSummary{mux: new(sync.Mutex)}
}

func (rs *DialSummary) add(ok bool, d time.Duration) {
	rs.mux.Lock()
	defer rs.mux.Unlock()
	rs.Total++
	if !ok {
		rs.Failed++
		return
	}
	rs.Success++
	if rs.Shortest == 0 || d < rs.Shortest {
		rs.Shortest = d
	}
	if d > rs.Longest {
		rs.Longest = d
	}
}

func (rs *DialSummary) String() string {
	rs.mux.Lock()
	defer rs.mux.Unlock()
	if rs.Total == 0 {
		return "no PPPoE discovery"
	}
	r := "PPPoE Dial Summary\n"
	r += fmt.Sprintf("total: %d\n", rs.Total)
	r += fmt.Sprintf("Success:%d\n", rs.Success)
	r += fmt.Sprintf("Failed:%d\n", rs.Failed)
	r += fmt.Sprintf("Fastest success:%v\n", rs.Shortest)
	r += fmt.Sprintf("Slowest success:%v\n", rs.Longest)
	return r
}
