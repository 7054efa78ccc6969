package lcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
)

// vjAllowCompCID allows negotiating VJ slot-id compression
const vjAllowCompCID = false

const (
	// DefaultVJMinChannels is the default lowest number of VJ slots accepted
	DefaultVJMinChannels = 4
	// DefaultVJMaxChannels is the default highest number of VJ slots accepted
	DefaultVJMaxChannels = 16
)

// IPCPConfig is the IPCP negotiation policy
type IPCPConfig struct {
	// SelfIP is own address requested, nil or 0.0.0.0 means asking peer for one
	SelfIP net.IP
	// PeerIP is the address nak'd to peer
	PeerIP net.IP
	// PeerNet is the network peer's requested address must be in; nil means only PeerIP
	PeerNet *net.IPNet
	// DNS and NBNS are the servers offered to peer, nil means not offered
	DNS  [2]net.IP
	NBNS [2]net.IP
	// RequestDNS asks peer for DNS servers
	RequestDNS    bool
	VJ            bool
	VJMinChannels int
	VJMaxChannels int
}

// VJ is the Van Jacobson compression parameters
type VJ struct {
	Enabled bool
	// MaxSlot is number of slots minus 1
	MaxSlot uint8
	CompCID bool
}

func (vj VJ) option() Option {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, uint16(ProtoVanJacobsonCompressedTCPIP))
	data[2] = vj.MaxSlot
	if vj.CompCID {
		data[3] = 1
	}
	return Option{Type: uint8(OpIPCompressionProtocol), Data: data}
}

func parseVJ(data []byte) (VJ, bool) {
	if len(data) != 4 || PPPProtocolNumber(binary.BigEndian.Uint16(data)) != ProtoVanJacobsonCompressedTCPIP {
		return VJ{}, false
	}
	return VJ{Enabled: true, MaxSlot: data[2], CompCID: data[3] != 0}, true
}

// IPCPResult is a snapshot of negotiated IPCP values indexed by Dir
type IPCPResult struct {
	IP [2]net.IP
	// DNS are the servers learned from peer
	DNS [2]net.IP
	VJ  [2]VJ
}

func printIPv4(b []byte) string {
	if len(b) != 4 {
		return fmt.Sprintf("%x", b)
	}
	return net.IP(b).String()
}

func printVJ(b []byte) string {
	vj, ok := parseVJ(b)
	if !ok {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprintf("VJ(slots %d, compcid %v)", int(vj.MaxSlot)+1, vj.CompCID)
}

// IPCPType is the IPCP protocol descriptor
var IPCPType = &Type{
	Name:  "IPCP",
	Proto: ProtoIPCP,
	Codes: Codes(CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject,
		CodeTerminateRequest, CodeTerminateAck, CodeCodeReject),
	Required: Codes(CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject,
		CodeTerminateRequest, CodeTerminateAck),
	Options: []OptionDesc{
		{Name: "IPAddrs", Type: uint8(OpIPAddresses), MinLen: 8, MaxLen: 8},
		{Name: "Comp", Type: uint8(OpIPCompressionProtocol), MinLen: 2, MaxLen: 14, Supported: true, Print: printVJ},
		{Name: "IPAddr", Type: uint8(OpIPAddress), MinLen: 4, MaxLen: 4, Supported: true, Print: printIPv4},
		{Name: "DNS1", Type: uint8(OpPrimaryDNSServerAddress), MinLen: 4, MaxLen: 4, Supported: true, Print: printIPv4},
		{Name: "NBNS1", Type: uint8(OpPrimaryNBNSServerAddress), MinLen: 4, MaxLen: 4, Supported: true, Print: printIPv4},
		{Name: "DNS2", Type: uint8(OpSecondaryDNSServerAddress), MinLen: 4, MaxLen: 4, Supported: true, Print: printIPv4},
		{Name: "NBNS2", Type: uint8(OpSecondaryNBNSServerAddress), MinLen: 4, MaxLen: 4, Supported: true, Print: printIPv4},
	},
}

// IPCP is the IPCP Instance
type IPCP struct {
	cfg        IPCPConfig
	r          IPCPResult
	sendIP     bool
	requestDNS [2]bool
}

func zeroIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero)
}

// NewIPCP returns a new IPCP instance with policy cfg
func NewIPCP(cfg IPCPConfig) *IPCP {
	if cfg.VJMinChannels == 0 {
		cfg.VJMinChannels = DefaultVJMinChannels
	}
	if cfg.VJMaxChannels == 0 {
		cfg.VJMaxChannels = DefaultVJMaxChannels
	}
	i := &IPCP{cfg: cfg, sendIP: true}
	i.r.IP[Self] = net.IPv4zero.To4()
	if !zeroIP(cfg.SelfIP) {
		i.r.IP[Self] = cfg.SelfIP.To4()
	}
	if cfg.VJ {
		i.r.VJ[Self] = VJ{Enabled: true, MaxSlot: uint8(cfg.VJMaxChannels - 1)}
	}
	if cfg.RequestDNS {
		i.requestDNS = [2]bool{true, true}
		i.r.DNS = [2]net.IP{net.IPv4zero.To4(), net.IPv4zero.To4()}
	}
	return i
}

// Result returns a snapshot of negotiated values
func (i *IPCP) Result() IPCPResult {
	return i.r
}

// Type implements Instance interface
func (i *IPCP) Type() *Type {
	return IPCPType
}

func (i *IPCP) sealed() {}

// Magic implements Instance interface, IPCP has no magic number
func (i *IPCP) Magic(d Dir) uint32 {
	return 0
}

var dnsOptionTypes = [2]IPCPOptionType{OpPrimaryDNSServerAddress, OpSecondaryDNSServerAddress}

// BuildConfReq implements Instance interface
func (i *IPCP) BuildConfReq(req *Options) error {
	if i.sendIP {
		req.Append(NewIPv4Option(uint8(OpIPAddress), i.r.IP[Self]))
	}
	if i.r.VJ[Self].Enabled {
		req.Append(i.r.VJ[Self].option())
	}
	for n, t := range dnsOptionTypes {
		if i.requestDNS[n] {
			req.Append(NewIPv4Option(uint8(t), i.r.DNS[n]))
		}
	}
	return nil
}

// RecvConfReq implements Instance interface
func (i *IPCP) RecvConfReq(req Options, nak, rej *Options) error {
	gotIP := false
	i.r.VJ[Peer] = VJ{}
	for _, o := range req {
		switch IPCPOptionType(o.Type) {
		case OpIPAddress:
			gotIP = true
			ip := o.IPv4()
			switch {
			case !zeroIP(ip) && i.acceptPeerIP(ip):
				i.r.IP[Peer] = ip
			case !zeroIP(i.cfg.PeerIP):
				nak.Append(NewIPv4Option(o.Type, i.cfg.PeerIP))
			default:
				rej.Append(o)
			}
		case OpIPCompressionProtocol:
			vj, ok := parseVJ(o.Data)
			if !ok || !i.cfg.VJ {
				rej.Append(o)
				continue
			}
			fixed := vj
			if n := int(vj.MaxSlot) + 1; n < i.cfg.VJMinChannels {
				fixed.MaxSlot = uint8(i.cfg.VJMinChannels - 1)
			} else if n > i.cfg.VJMaxChannels {
				fixed.MaxSlot = uint8(i.cfg.VJMaxChannels - 1)
			}
			if fixed.CompCID && !vjAllowCompCID {
				fixed.CompCID = false
			}
			if fixed != vj {
				nak.Append(fixed.option())
				continue
			}
			i.r.VJ[Peer] = vj
		case OpPrimaryDNSServerAddress, OpSecondaryDNSServerAddress,
			OpPrimaryNBNSServerAddress, OpSecondaryNBNSServerAddress:
			offer := i.offered(IPCPOptionType(o.Type))
			switch {
			case zeroIP(offer):
				rej.Append(o)
			case !o.IPv4().Equal(offer):
				nak.Append(NewIPv4Option(o.Type, offer))
			}
		default:
			rej.Append(o)
		}
	}
	if !gotIP {
		return fmt.Errorf("peer request has no IP address option, %w", syscall.EINVAL)
	}
	return nil
}

func (i *IPCP) acceptPeerIP(ip net.IP) bool {
	if i.cfg.PeerNet != nil {
		return i.cfg.PeerNet.Contains(ip)
	}
	if zeroIP(i.cfg.PeerIP) {
		return true
	}
	return ip.Equal(i.cfg.PeerIP)
}

func (i *IPCP) offered(t IPCPOptionType) net.IP {
	switch t {
	case OpPrimaryDNSServerAddress:
		return i.cfg.DNS[0]
	case OpSecondaryDNSServerAddress:
		return i.cfg.DNS[1]
	case OpPrimaryNBNSServerAddress:
		return i.cfg.NBNS[0]
	case OpSecondaryNBNSServerAddress:
		return i.cfg.NBNS[1]
	}
	return nil
}

// RecvConfNak implements Instance interface
func (i *IPCP) RecvConfNak(nak Options) error {
	for _, o := range nak {
		switch IPCPOptionType(o.Type) {
		case OpIPAddress:
			if ip := o.IPv4(); !zeroIP(ip) {
				i.r.IP[Self] = ip
			}
		case OpIPCompressionProtocol:
			vj, ok := parseVJ(o.Data)
			if !ok || !i.cfg.VJ {
				i.r.VJ[Self] = VJ{}
				continue
			}
			if n := int(vj.MaxSlot) + 1; n >= i.cfg.VJMinChannels && n <= i.cfg.VJMaxChannels {
				i.r.VJ[Self].MaxSlot = vj.MaxSlot
			}
			i.r.VJ[Self].CompCID = vj.CompCID && vjAllowCompCID
		case OpPrimaryDNSServerAddress:
			i.r.DNS[0] = o.IPv4()
		case OpSecondaryDNSServerAddress:
			i.r.DNS[1] = o.IPv4()
		}
	}
	return nil
}

// RecvConfRej implements Instance interface
func (i *IPCP) RecvConfRej(rej Options) error {
	for _, o := range rej {
		switch IPCPOptionType(o.Type) {
		case OpIPAddress:
			if zeroIP(i.r.IP[Self]) {
				return NewReason(ReasonFailed, "peer rejected IP address option, no address to use")
			}
			i.sendIP = false
		case OpIPCompressionProtocol:
			i.r.VJ[Self] = VJ{}
		case OpPrimaryDNSServerAddress:
			i.requestDNS[0] = false
			i.r.DNS[0] = nil
		case OpSecondaryDNSServerAddress:
			i.requestDNS[1] = false
			i.r.DNS[1] = nil
		}
	}
	return nil
}

// RecvResetReq implements Instance interface, not used by IPCP
func (i *IPCP) RecvResetReq(id uint8, data []byte) {}

// RecvResetAck implements Instance interface, not used by IPCP
func (i *IPCP) RecvResetAck(id uint8, data []byte) {}
