package lcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
)

const (
	// DefaultMRU is the LCP MRU used when MRU is not negotiated
	DefaultMRU = 1500
	// DefaultACCM is the LCP ACCM used when ACCM is not negotiated
	DefaultACCM uint32 = 0xffffffff
	// DefaultMinMRU is the default lowest MRU accepted from peer
	DefaultMinMRU = 128
	// DefaultMaxMRU is the default highest MRU accepted from peer
	DefaultMaxMRU = 1500
)

// EID is a multilink endpoint discriminator
type EID struct {
	Class EIDClass
	Value []byte
}

// Equal returns true if b has same class and value
func (eid EID) Equal(b EID) bool {
	return eid.Class == b.Class && bytes.Equal(eid.Value, b.Value)
}

// IsZero returns true if eid is the null class
func (eid EID) IsZero() bool {
	return eid.Class == EIDNull && len(eid.Value) == 0
}

func (eid EID) String() string {
	switch eid.Class {
	case EIDNull:
		return "null"
	case EIDIP:
		if len(eid.Value) == 4 {
			return "ip:" + net.IP(eid.Value).String()
		}
	case EIDMAC:
		if len(eid.Value) == 6 {
			return "mac:" + net.HardwareAddr(eid.Value).String()
		}
	case EIDLocal:
		return fmt.Sprintf("local:%q", eid.Value)
	}
	return fmt.Sprintf("%v:%x", eid.Class, eid.Value)
}

// NewIPEID returns an IP class EID
func NewIPEID(ip net.IP) EID {
	return EID{Class: EIDIP, Value: append([]byte(nil), ip.To4()...)}
}

func parseEID(data []byte) (EID, bool) {
	if len(data) < 1 {
		return EID{}, false
	}
	eid := EID{Class: EIDClass(data[0]), Value: append([]byte(nil), data[1:]...)}
	lo, hi, ok := eid.Class.lenBounds()
	if !ok || len(eid.Value) < lo || len(eid.Value) > hi {
		return EID{}, false
	}
	return eid, true
}

func (eid EID) option() Option {
	return Option{Type: uint8(OpTypeEndpointDiscriminator), Data: append([]byte{byte(eid.Class)}, eid.Value...)}
}

// LCPConfig is the LCP negotiation policy
type LCPConfig struct {
	// MRU is the own MRU requested
	MRU uint16 `yaml:"mru"`
	// MinMRU and MaxMRU bound peer's MRU, values outside are nak'd with the boundary
	MinMRU uint16 `yaml:"min-mru"`
	MaxMRU uint16 `yaml:"max-mru"`
	// ACCM is requested only over async devices
	ACCM  uint32 `yaml:"accm"`
	Async bool   `yaml:"-"`
	PFC   bool   `yaml:"pfc"`
	ACFC  bool   `yaml:"acfc"`
	// Magic is own magic number, 0 means random
	Magic uint32 `yaml:"magic"`
	// Auth[Self] are the types peer is asked to authenticate with, Auth[Peer] are types this side could authenticate with
	Auth      [2]AuthSet `yaml:"-"`
	MultiLink bool       `yaml:"multilink"`
	MRRU      uint16     `yaml:"mrru"`
	ShortSeq  bool       `yaml:"short-seq"`
	EID       EID        `yaml:"-"`
}

// DefaultLCPConfig returns an LCPConfig with default values, no auth and no multilink
func DefaultLCPConfig() LCPConfig {
	return LCPConfig{
		MRU:    DefaultMRU,
		MinMRU: DefaultMinMRU,
		MaxMRU: DefaultMaxMRU,
		ACCM:   0,
		MRRU:   DefaultMRU,
	}
}

// LCPResult is a snapshot of negotiated LCP values, indexed by Dir;
// Auth[Self] is the type peer authenticates with to this side
type LCPResult struct {
	MRU       [2]uint16
	ACCM      [2]uint32
	Magic     [2]uint32
	PFC       [2]bool
	ACFC      [2]bool
	Auth      [2]AuthType
	MultiLink [2]bool
	MRRU      [2]uint16
	ShortSeq  [2]bool
	EID       [2]EID
}

// MutualMultiLink returns true if multilink is negotiated in both directions
func (r LCPResult) MutualMultiLink() bool {
	return r.MultiLink[Self] && r.MultiLink[Peer]
}

func printUint16(b []byte) string {
	if len(b) < 2 {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprint(binary.BigEndian.Uint16(b))
}

func printHex(b []byte) string {
	return fmt.Sprintf("0x%x", b)
}

func printAuth(b []byte) string {
	return parseAuthOption(b).String()
}

func printEID(b []byte) string {
	eid, ok := parseEID(b)
	if !ok {
		return printHex(b)
	}
	return eid.String()
}

// LCPType is the LCP protocol descriptor
var LCPType = &Type{
	Name:  "LCP",
	Proto: ProtoLCP,
	Codes: Codes(CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject,
		CodeTerminateRequest, CodeTerminateAck, CodeCodeReject, CodeProtocolReject,
		CodeEchoRequest, CodeEchoReply, CodeDiscardRequest),
	Required: Codes(CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject,
		CodeTerminateRequest, CodeTerminateAck, CodeCodeReject, CodeProtocolReject),
	Options: []OptionDesc{
		{Name: "MRU", Type: uint8(OpTypeMaximumReceiveUnit), MinLen: 2, MaxLen: 2, Supported: true, Print: printUint16},
		{Name: "ACCM", Type: uint8(OpTypeAsyncControlCharacterMap), MinLen: 4, MaxLen: 4, Supported: true, Print: printHex},
		{Name: "Auth", Type: uint8(OpTypeAuthenticationProtocol), MinLen: 2, MaxLen: 253, Supported: true, Print: printAuth},
		{Name: "Quality", Type: uint8(OpTypeQualityProtocol), MinLen: 2, MaxLen: 253},
		{Name: "Magic", Type: uint8(OpTypeMagicNumber), MinLen: 4, MaxLen: 4, Supported: true, Print: printHex},
		{Name: "PFC", Type: uint8(OpTypeProtocolFieldCompression), Supported: true},
		{Name: "ACFC", Type: uint8(OpTypeAddressandControlFieldCompression), Supported: true},
		{Name: "MRRU", Type: uint8(OpTypeMRRU), MinLen: 2, MaxLen: 2, Supported: true, Print: printUint16},
		{Name: "ShortSeq", Type: uint8(OpTypeShortSequenceNumber), Supported: true},
		{Name: "EID", Type: uint8(OpTypeEndpointDiscriminator), MinLen: 1, MaxLen: 21, Supported: true, Print: printEID},
	},
}

func parseAuthOption(data []byte) AuthType {
	if len(data) < 2 {
		return AuthNone
	}
	switch PPPProtocolNumber(binary.BigEndian.Uint16(data)) {
	case ProtoPAP:
		if len(data) == 2 {
			return AuthPAP
		}
	case ProtoCHAP:
		if len(data) != 3 {
			return AuthNone
		}
		switch CHAPAuthAlg(data[2]) {
		case AlgCHAPwithMD5:
			return AuthCHAPMD5
		case AlgMSCHAP:
			return AuthCHAPMSv1
		case AlgMSCHAP2:
			return AuthCHAPMSv2
		}
	}
	return AuthNone
}

func authOption(a AuthType) Option {
	data := make([]byte, 2, 3)
	binary.BigEndian.PutUint16(data, uint16(a.Proto()))
	switch a {
	case AuthCHAPMD5:
		data = append(data, byte(AlgCHAPwithMD5))
	case AuthCHAPMSv1:
		data = append(data, byte(AlgMSCHAP))
	case AuthCHAPMSv2:
		data = append(data, byte(AlgMSCHAP2))
	}
	return Option{Type: uint8(OpTypeAuthenticationProtocol), Data: data}
}

// nextAuth returns the first type in allowed after a in preference order, wrapping to the top
func nextAuth(allowed AuthSet, a AuthType) AuthType {
	start := 0
	for i, x := range AuthPreference {
		if x == a {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(AuthPreference); i++ {
		x := AuthPreference[(start+i)%len(AuthPreference)]
		if allowed.Has(x) {
			return x
		}
	}
	return AuthNone
}

func randomMagic() uint32 {
	for {
		if m := rand.Uint32(); m != 0 {
			return m
		}
	}
}

// LCP is the LCP Instance
type LCP struct {
	cfg          LCPConfig
	r            LCPResult
	authRejected AuthSet
}

// NewLCP returns a new LCP instance with policy cfg
func NewLCP(cfg LCPConfig) *LCP {
	l := &LCP{cfg: cfg}
	l.resetPeer()
	l.r.MRU[Self] = cfg.MRU
	if l.r.MRU[Self] == 0 {
		l.r.MRU[Self] = DefaultMRU
	}
	l.r.ACCM[Self] = DefaultACCM
	if cfg.Async {
		l.r.ACCM[Self] = cfg.ACCM
	}
	l.r.Magic[Self] = cfg.Magic
	if l.r.Magic[Self] == 0 {
		l.r.Magic[Self] = randomMagic()
	}
	l.r.PFC[Self] = cfg.PFC
	l.r.ACFC[Self] = cfg.ACFC
	l.r.Auth[Self] = nextAuth(cfg.Auth[Self], AuthNone)
	if cfg.MultiLink {
		l.r.MultiLink[Self] = true
		l.r.MRRU[Self] = cfg.MRRU
		l.r.ShortSeq[Self] = cfg.ShortSeq
		l.r.EID[Self] = cfg.EID
	}
	return l
}

func (l *LCP) resetPeer() {
	l.r.MRU[Peer] = DefaultMRU
	l.r.ACCM[Peer] = DefaultACCM
	l.r.Magic[Peer] = 0
	l.r.PFC[Peer] = false
	l.r.ACFC[Peer] = false
	l.r.Auth[Peer] = AuthNone
	l.r.MultiLink[Peer] = false
	l.r.MRRU[Peer] = 0
	l.r.ShortSeq[Peer] = false
	l.r.EID[Peer] = EID{}
}

// Result returns a snapshot of negotiated values
func (l *LCP) Result() LCPResult {
	r := l.r
	r.EID[Self].Value = append([]byte(nil), l.r.EID[Self].Value...)
	r.EID[Peer].Value = append([]byte(nil), l.r.EID[Peer].Value...)
	return r
}

// Type implements Instance interface
func (l *LCP) Type() *Type {
	return LCPType
}

func (l *LCP) sealed() {}

// Magic implements Instance interface
func (l *LCP) Magic(d Dir) uint32 {
	return l.r.Magic[d]
}

// BuildConfReq implements Instance interface
func (l *LCP) BuildConfReq(req *Options) error {
	if l.r.MRU[Self] != DefaultMRU {
		req.Append(NewUint16Option(uint8(OpTypeMaximumReceiveUnit), l.r.MRU[Self]))
	}
	if l.cfg.Async && l.r.ACCM[Self] != DefaultACCM {
		req.Append(NewUint32Option(uint8(OpTypeAsyncControlCharacterMap), l.r.ACCM[Self]))
	}
	if l.r.Auth[Self] != AuthNone {
		req.Append(authOption(l.r.Auth[Self]))
	}
	if l.r.Magic[Self] != 0 {
		req.Append(NewUint32Option(uint8(OpTypeMagicNumber), l.r.Magic[Self]))
	}
	if l.r.PFC[Self] {
		req.Append(Option{Type: uint8(OpTypeProtocolFieldCompression)})
	}
	if l.r.ACFC[Self] {
		req.Append(Option{Type: uint8(OpTypeAddressandControlFieldCompression)})
	}
	if l.r.MultiLink[Self] {
		req.Append(NewUint16Option(uint8(OpTypeMRRU), l.r.MRRU[Self]))
		if l.r.ShortSeq[Self] {
			req.Append(Option{Type: uint8(OpTypeShortSequenceNumber)})
		}
		if !l.r.EID[Self].IsZero() {
			req.Append(l.r.EID[Self].option())
		}
	}
	return nil
}

// RecvConfReq implements Instance interface
func (l *LCP) RecvConfReq(req Options, nak, rej *Options) error {
	l.resetPeer()
	for _, o := range req {
		switch LCPOptionType(o.Type) {
		case OpTypeMaximumReceiveUnit:
			mru := o.Uint16()
			switch {
			case mru < l.cfg.MinMRU:
				nak.Append(NewUint16Option(o.Type, l.cfg.MinMRU))
			case l.cfg.MaxMRU != 0 && mru > l.cfg.MaxMRU:
				nak.Append(NewUint16Option(o.Type, l.cfg.MaxMRU))
			default:
				l.r.MRU[Peer] = mru
			}
		case OpTypeAsyncControlCharacterMap:
			l.r.ACCM[Peer] = o.Uint32()
		case OpTypeAuthenticationProtocol:
			a := parseAuthOption(o.Data)
			if l.cfg.Auth[Peer].Has(a) {
				l.r.Auth[Peer] = a
				continue
			}
			if next := nextAuth(l.cfg.Auth[Peer], a); next != AuthNone {
				nak.Append(authOption(next))
			} else {
				rej.Append(o)
			}
		case OpTypeMagicNumber:
			m := o.Uint32()
			if m != 0 && m == l.r.Magic[Self] {
				return ErrLoopback
			}
			l.r.Magic[Peer] = m
		case OpTypeProtocolFieldCompression:
			if !l.cfg.PFC {
				rej.Append(o)
				continue
			}
			l.r.PFC[Peer] = true
		case OpTypeAddressandControlFieldCompression:
			if !l.cfg.ACFC {
				rej.Append(o)
				continue
			}
			l.r.ACFC[Peer] = true
		case OpTypeMRRU:
			if !l.cfg.MultiLink {
				rej.Append(o)
				continue
			}
			if !l.r.MultiLink[Peer] {
				l.r.MultiLink[Self] = true
				l.r.MultiLink[Peer] = true
				if l.r.MRRU[Self] == 0 {
					l.r.MRRU[Self] = l.cfg.MRRU
				}
			}
			l.r.MRRU[Peer] = o.Uint16()
		case OpTypeShortSequenceNumber:
			if !l.cfg.MultiLink {
				rej.Append(o)
				continue
			}
			l.r.ShortSeq[Peer] = true
		case OpTypeEndpointDiscriminator:
			if !l.cfg.MultiLink {
				rej.Append(o)
				continue
			}
			eid, ok := parseEID(o.Data)
			if !ok {
				rej.Append(o)
				continue
			}
			l.r.EID[Peer] = eid
		default:
			rej.Append(o)
		}
	}
	return nil
}

// RecvConfNak implements Instance interface
func (l *LCP) RecvConfNak(nak Options) error {
	for _, o := range nak {
		switch LCPOptionType(o.Type) {
		case OpTypeMaximumReceiveUnit:
			if mru := o.Uint16(); mru >= DefaultMinMRU {
				l.r.MRU[Self] = mru
			}
		case OpTypeAsyncControlCharacterMap:
			l.r.ACCM[Self] |= o.Uint32()
		case OpTypeAuthenticationProtocol:
			if err := l.nextOwnAuth(parseAuthOption(o.Data)); err != nil {
				return err
			}
		case OpTypeMagicNumber:
			l.r.Magic[Self] = randomMagic()
		case OpTypeMRRU:
			if l.r.MultiLink[Self] {
				l.r.MRRU[Self] = o.Uint16()
			}
		}
	}
	return nil
}

// nextOwnAuth gives up current own auth type, and picks suggested or the next allowed one
func (l *LCP) nextOwnAuth(suggested AuthType) error {
	cur := l.r.Auth[Self]
	l.authRejected |= NewAuthSet(cur)
	remain := l.cfg.Auth[Self] &^ l.authRejected
	switch {
	case remain.Has(suggested):
		l.r.Auth[Self] = suggested
	default:
		l.r.Auth[Self] = nextAuth(remain, cur)
	}
	if l.r.Auth[Self] == AuthNone {
		return NewReason(ReasonFailed, "no acceptable authentication type, peer refused %v", cur)
	}
	return nil
}

// restart forgets the auth types refused by peer in the previous negotiation
func (l *LCP) restart() {
	l.authRejected = 0
	l.r.Auth[Self] = nextAuth(l.cfg.Auth[Self], AuthNone)
}

// RecvConfRej implements Instance interface
func (l *LCP) RecvConfRej(rej Options) error {
	for _, o := range rej {
		switch LCPOptionType(o.Type) {
		case OpTypeMaximumReceiveUnit:
			l.r.MRU[Self] = DefaultMRU
		case OpTypeAsyncControlCharacterMap:
			l.r.ACCM[Self] = DefaultACCM
		case OpTypeAuthenticationProtocol:
			if err := l.nextOwnAuth(AuthNone); err != nil {
				return err
			}
		case OpTypeMagicNumber:
			l.r.Magic[Self] = 0
		case OpTypeProtocolFieldCompression:
			l.r.PFC[Self] = false
		case OpTypeAddressandControlFieldCompression:
			l.r.ACFC[Self] = false
		case OpTypeMRRU:
			l.r.MultiLink[Self] = false
			l.r.MultiLink[Peer] = false
			l.cfg.MultiLink = false
		case OpTypeShortSequenceNumber:
			l.r.ShortSeq[Self] = false
		case OpTypeEndpointDiscriminator:
			l.r.EID[Self] = EID{}
		}
	}
	return nil
}

// RecvResetReq implements Instance interface, not used by LCP
func (l *LCP) RecvResetReq(id uint8, data []byte) {}

// RecvResetAck implements Instance interface, not used by LCP
func (l *LCP) RecvResetAck(id uint8, data []byte) {}
