package lcp

import "strings"

// MPPEBits is the MPPC/MPPE option bit mask
type MPPEBits uint32

// list of MPPEBits
const (
	MPPC          MPPEBits = 0x00000001
	MPPE40        MPPEBits = 0x00000020
	MPPE128       MPPEBits = 0x00000040
	MPPE56        MPPEBits = 0x00000080
	MPPEStateless MPPEBits = 0x01000000

	mppeEncBits = MPPE40 | MPPE56 | MPPE128
)

func (b MPPEBits) String() string {
	var l []string
	for _, x := range []struct {
		bit  MPPEBits
		name string
	}{{MPPC, "mppc"}, {MPPE40, "mppe-40"}, {MPPE56, "mppe-56"}, {MPPE128, "mppe-128"}, {MPPEStateless, "stateless"}} {
		if b&x.bit != 0 {
			l = append(l, x.name)
		}
	}
	if len(l) == 0 {
		return "none"
	}
	return strings.Join(l, ",")
}

// Encrypted returns true if any MPPE width bit is set
func (b MPPEBits) Encrypted() bool {
	return b&mppeEncBits != 0
}

// strongest keeps only the strongest MPPE width, 128 > 56 > 40
func (b MPPEBits) strongest() MPPEBits {
	rest := b &^ mppeEncBits
	switch {
	case b&MPPE128 != 0:
		return rest | MPPE128
	case b&MPPE56 != 0:
		return rest | MPPE56
	case b&MPPE40 != 0:
		return rest | MPPE40
	}
	return rest
}

// CCPConfig is the CCP negotiation policy
type CCPConfig struct {
	// Supported are the bits accepted from peer
	Supported MPPEBits
	// Self are the bits requested
	Self MPPEBits
}

// CCPResult is a snapshot of negotiated CCP bits indexed by Dir
type CCPResult struct {
	Bits [2]MPPEBits
}

// ResetHandler receives Reset-Request/Reset-Ack, relayed to the compression node
type ResetHandler func(code MsgCode, id uint8, data []byte)

func printMPPE(b []byte) string {
	o := Option{Data: b}
	return MPPEBits(o.Uint32()).String()
}

// CCPType is the CCP protocol descriptor
var CCPType = &Type{
	Name:  "CCP",
	Proto: ProtoCCP,
	Codes: Codes(CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject,
		CodeTerminateRequest, CodeTerminateAck, CodeCodeReject, CodeResetRequest, CodeResetAck),
	Required: Codes(CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject,
		CodeTerminateRequest, CodeTerminateAck, CodeResetRequest, CodeResetAck),
	Options: []OptionDesc{
		{Name: "MPPC", Type: uint8(OpMPPC), MinLen: 4, MaxLen: 4, Supported: true, Print: printMPPE},
	},
}

// CCP is the CCP Instance, negotiating MPPC/MPPE only
type CCP struct {
	cfg   CCPConfig
	r     CCPResult
	reset ResetHandler
}

// NewCCP returns a new CCP instance; reset is called with received Reset-Req/Ack, could be nil
func NewCCP(cfg CCPConfig, reset ResetHandler) *CCP {
	c := &CCP{cfg: cfg, reset: reset}
	c.r.Bits[Self] = cfg.Self.strongest()
	return c
}

// Result returns a snapshot of negotiated bits
func (c *CCP) Result() CCPResult {
	return c.r
}

// Type implements Instance interface
func (c *CCP) Type() *Type {
	return CCPType
}

func (c *CCP) sealed() {}

// Magic implements Instance interface, CCP has no magic number
func (c *CCP) Magic(d Dir) uint32 {
	return 0
}

// BuildConfReq implements Instance interface
func (c *CCP) BuildConfReq(req *Options) error {
	if c.r.Bits[Self] != 0 {
		req.Append(NewUint32Option(uint8(OpMPPC), uint32(c.r.Bits[Self])))
	}
	return nil
}

// RecvConfReq implements Instance interface
func (c *CCP) RecvConfReq(req Options, nak, rej *Options) error {
	c.r.Bits[Peer] = 0
	for _, o := range req {
		if CCPOptionType(o.Type) != OpMPPC {
			rej.Append(o)
			continue
		}
		proposed := MPPEBits(o.Uint32())
		bits := proposed & c.cfg.Supported
		if !bits.Encrypted() && c.cfg.Self.Encrypted() {
			bits |= c.cfg.Self & mppeEncBits
		}
		if bits == 0 {
			bits = c.cfg.Self
		}
		bits = bits.strongest()
		if bits != proposed {
			nak.Append(NewUint32Option(o.Type, uint32(bits)))
			continue
		}
		c.r.Bits[Peer] = bits
	}
	return nil
}

// RecvConfNak implements Instance interface, nak'd bits are adopted if supported
func (c *CCP) RecvConfNak(nak Options) error {
	for _, o := range nak {
		if CCPOptionType(o.Type) != OpMPPC {
			continue
		}
		bits := (MPPEBits(o.Uint32()) & c.cfg.Supported).strongest()
		if bits == 0 {
			return NewReason(ReasonFailed, "no acceptable MPPC/MPPE bits in nak %v", MPPEBits(o.Uint32()))
		}
		c.r.Bits[Self] = bits
	}
	return nil
}

// RecvConfRej implements Instance interface
func (c *CCP) RecvConfRej(rej Options) error {
	for _, o := range rej {
		if CCPOptionType(o.Type) == OpMPPC {
			return NewReason(ReasonFailed, "peer rejected %v", c.r.Bits[Self])
		}
	}
	return nil
}

// RecvResetReq implements Instance interface
func (c *CCP) RecvResetReq(id uint8, data []byte) {
	if c.reset != nil {
		c.reset(CodeResetRequest, id, data)
	}
}

// RecvResetAck implements Instance interface
func (c *CCP) RecvResetAck(id uint8, data []byte) {
	if c.reset != nil {
		c.reset(CodeResetAck, id, data)
	}
}
