package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/lcp"
	"go.uber.org/zap"
)

// AnyLink lets a Node pick the link to transmit on
const AnyLink = -1

// ErrNoLink is returned by a Node without a usable link
var ErrNoLink = errors.New("no link connected")

// Compression is the MPPE setting of one direction
type Compression struct {
	Bits lcp.MPPEBits
	// Key is the MPPE start key
	Key []byte
}

// NodeConfig is the data path configuration of a bundle
type NodeConfig struct {
	MRU       uint16
	MRRU      uint16
	MultiLink bool
	ShortSeq  bool
	// VJ[Self] is for decompressing received pkts, VJ[Peer] for compressing sent ones
	VJ [2]lcp.VJ
	// Comp[Self] is for decompressing received pkts, Comp[Peer] for compressing sent ones
	Comp [2]Compression
}

// NodeMsg is a control message between a bundle and its Node, used to relay CCP Reset-Request/Ack
type NodeMsg struct {
	Code lcp.MsgCode
	ID   uint8
	Data []byte
}

// Node is the data path of a bundle: it carries the bundle's pkts over the member links.
// Connect, Disconnect, Input, SetConfig, SendMsg and OnMsg are called on the scheduler;
// Write could be called from any goroutine
type Node interface {
	// Connect adds the link with index i
	Connect(i int, dev device.Device) error
	// Disconnect removes the link with index i
	Disconnect(i int)
	// Write sends b with protocol proto over link i, or a link picked by Node if i is AnyLink
	Write(i int, proto lcp.PPPProtocolNumber, b []byte) error
	// Input hands a data pkt received on link i to the Node
	Input(i int, proto lcp.PPPProtocolNumber, b []byte)
	// Attach sets the receiver of decapsulated network pkts
	Attach(deliver func(proto lcp.PPPProtocolNumber, b []byte))
	Config() NodeConfig
	SetConfig(cfg NodeConfig) error
	// SendMsg passes a control message to the Node
	SendMsg(msg NodeMsg)
	// OnMsg sets the receiver of control messages from the Node
	OnMsg(h func(NodeMsg))
	Close()
}

// NodeFactory creates the Node of a new bundle
type NodeFactory func(name string, logger *zap.Logger) Node

// MemNode is a Node transmitting on the lowest numbered link;
// it has no compressor, received compressed pkts are dropped
type MemNode struct {
	mux     *sync.RWMutex
	name    string
	links   map[int]device.Device
	cfg     NodeConfig
	deliver func(lcp.PPPProtocolNumber, []byte)
	onMsg   func(NodeMsg)
	closed  bool
	logger  *zap.Logger
}

// NewMemNode returns a new MemNode, it could be used as a NodeFactory
func NewMemNode(name string, logger *zap.Logger) Node {
	return &MemNode{
		mux:    new(sync.RWMutex),
		name:   name,
		links:  make(map[int]device.Device),
		logger: logger.Named("node"),
	}
}

// Connect implements Node interface
func (n *MemNode) Connect(i int, dev device.Device) error {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.closed {
		return fmt.Errorf("node %v is closed", n.name)
	}
	if _, ok := n.links[i]; ok {
		return fmt.Errorf("link %d already connected to node %v", i, n.name)
	}
	n.links[i] = dev
	n.logger.Sugar().Debugf("connected link %d, %v", i, dev)
	return nil
}

// Disconnect implements Node interface
func (n *MemNode) Disconnect(i int) {
	n.mux.Lock()
	defer n.mux.Unlock()
	delete(n.links, i)
}

// Links returns the connected link indexes in order
func (n *MemNode) Links() []int {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.sortedLinks()
}

func (n *MemNode) sortedLinks() []int {
	r := make([]int, 0, len(n.links))
	for i := range n.links {
		r = append(r, i)
	}
	sort.Ints(r)
	return r
}

// Write implements Node interface
func (n *MemNode) Write(i int, proto lcp.PPPProtocolNumber, b []byte) error {
	n.mux.RLock()
	var dev device.Device
	if i == AnyLink {
		if l := n.sortedLinks(); len(l) > 0 {
			dev = n.links[l[0]]
		}
	} else {
		dev = n.links[i]
	}
	n.mux.RUnlock()
	if dev == nil {
		return ErrNoLink
	}
	return dev.Write(proto, b)
}

// Input implements Node interface, multilink fragments other than a complete pkt are dropped
func (n *MemNode) Input(i int, proto lcp.PPPProtocolNumber, b []byte) {
	n.mux.RLock()
	deliver, cfg := n.deliver, n.cfg
	n.mux.RUnlock()
	switch proto {
	case lcp.ProtoMultiLink:
		inner, err := mpDecap(b, cfg.ShortSeq)
		if err != nil {
			n.logger.Sugar().Debugf("dropped multilink pkt from link %d, %v", i, err)
			return
		}
		f := new(lcp.Frame)
		if err := f.Parse(inner); err != nil {
			n.logger.Sugar().Debugf("dropped multilink pkt from link %d, %v", i, err)
			return
		}
		proto, b = f.Proto, f.Payload
	case lcp.ProtoCompresseddatagram:
		n.logger.Sugar().Debugf("dropped compressed pkt from link %d", i)
		return
	}
	if deliver == nil {
		return
	}
	deliver(proto, b)
}

const (
	mpFlagBegin = 0x80
	mpFlagEnd   = 0x40
)

// mpDecap returns the payload of a multilink pkt carrying a whole frame
func mpDecap(b []byte, shortSeq bool) ([]byte, error) {
	hl := 4
	if shortSeq {
		hl = 2
	}
	if len(b) <= hl {
		return nil, fmt.Errorf("invalid multilink pkt length %d", len(b))
	}
	if b[0]&(mpFlagBegin|mpFlagEnd) != mpFlagBegin|mpFlagEnd {
		return nil, fmt.Errorf("fragment reassembly not supported")
	}
	return b[hl:], nil
}

// Attach implements Node interface
func (n *MemNode) Attach(deliver func(proto lcp.PPPProtocolNumber, b []byte)) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.deliver = deliver
}

// Config implements Node interface
func (n *MemNode) Config() NodeConfig {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.cfg
}

// SetConfig implements Node interface
func (n *MemNode) SetConfig(cfg NodeConfig) error {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.closed {
		return fmt.Errorf("node %v is closed", n.name)
	}
	n.cfg = cfg
	return nil
}

// SendMsg implements Node interface; MemNode keeps no compression history,
// so a Reset-Request is answered right away
func (n *MemNode) SendMsg(msg NodeMsg) {
	n.mux.RLock()
	h := n.onMsg
	n.mux.RUnlock()
	if msg.Code != lcp.CodeResetRequest || h == nil {
		return
	}
	h(NodeMsg{Code: lcp.CodeResetAck, ID: msg.ID})
}

// OnMsg implements Node interface
func (n *MemNode) OnMsg(h func(NodeMsg)) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.onMsg = h
}

// Close implements Node interface
func (n *MemNode) Close() {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.closed = true
	n.links = make(map[int]device.Device)
	n.deliver, n.onMsg = nil, nil
}
