package lcp

import "fmt"

// MsgCode is the control protocol message Code
type MsgCode uint8

// control protocol message codes, ResetReq/ResetAck are CCP only
const (
	CodeConfigureRequest MsgCode = 1
	CodeConfigureAck     MsgCode = 2
	CodeConfigureNak     MsgCode = 3
	CodeConfigureReject  MsgCode = 4
	CodeTerminateRequest MsgCode = 5
	CodeTerminateAck     MsgCode = 6
	CodeCodeReject       MsgCode = 7
	CodeProtocolReject   MsgCode = 8
	CodeEchoRequest      MsgCode = 9
	CodeEchoReply        MsgCode = 10
	CodeDiscardRequest   MsgCode = 11
	CodeResetRequest     MsgCode = 14
	CodeResetAck         MsgCode = 15
)

func (code MsgCode) String() string {
	switch code {
	case CodeConfigureRequest:
		return "ConfReq"
	case CodeConfigureAck:
		return "ConfACK"
	case CodeConfigureNak:
		return "ConfNak"
	case CodeConfigureReject:
		return "ConfReject"
	case CodeTerminateRequest:
		return "TermReq"
	case CodeTerminateAck:
		return "TermACK"
	case CodeCodeReject:
		return "CodeReject"
	case CodeProtocolReject:
		return "ProtoReject"
	case CodeEchoRequest:
		return "EchoReq"
	case CodeEchoReply:
		return "EchoReply"
	case CodeDiscardRequest:
		return "DiscardReq"
	case CodeResetRequest:
		return "ResetReq"
	case CodeResetAck:
		return "ResetACK"
	}
	return fmt.Sprintf("unknown (%d)", uint8(code))
}

// CodeMask is a bit mask of MsgCode, bit n is code n
type CodeMask uint32

// Has returns true if c is in the mask
func (m CodeMask) Has(c MsgCode) bool {
	return c < 32 && m&(1<<c) != 0
}

// Codes returns a CodeMask with all codes in list
func Codes(list ...MsgCode) CodeMask {
	var m CodeMask
	for _, c := range list {
		m |= 1 << c
	}
	return m
}

// LCPOptionType is the LCP option type
type LCPOptionType uint8

// LCP option types
const (
	OpTypeMaximumReceiveUnit                LCPOptionType = 1
	OpTypeAsyncControlCharacterMap          LCPOptionType = 2
	OpTypeAuthenticationProtocol            LCPOptionType = 3
	OpTypeQualityProtocol                   LCPOptionType = 4
	OpTypeMagicNumber                       LCPOptionType = 5
	OpTypeProtocolFieldCompression          LCPOptionType = 7
	OpTypeAddressandControlFieldCompression LCPOptionType = 8
	OpTypeMRRU                              LCPOptionType = 17
	OpTypeShortSequenceNumber               LCPOptionType = 18
	OpTypeEndpointDiscriminator             LCPOptionType = 19
)

func (op LCPOptionType) String() string {
	switch op {
	case OpTypeMaximumReceiveUnit:
		return "MRU"
	case OpTypeAsyncControlCharacterMap:
		return "ACCM"
	case OpTypeAuthenticationProtocol:
		return "AuthProto"
	case OpTypeQualityProtocol:
		return "QualityProto"
	case OpTypeMagicNumber:
		return "MagicNum"
	case OpTypeProtocolFieldCompression:
		return "ProtoFieldComp"
	case OpTypeAddressandControlFieldCompression:
		return "AddContrlFieldComp"
	case OpTypeMRRU:
		return "MRRU"
	case OpTypeShortSequenceNumber:
		return "ShortSeqNum"
	case OpTypeEndpointDiscriminator:
		return "EndpointDisc"
	}
	return fmt.Sprintf("unknown (%d)", uint8(op))
}

// IPCPOptionType is the option type for IPCP
type IPCPOptionType uint8

// list of IPCP option type
const (
	OpIPAddresses                IPCPOptionType = 1
	OpIPCompressionProtocol      IPCPOptionType = 2
	OpIPAddress                  IPCPOptionType = 3
	OpMobileIPv4                 IPCPOptionType = 4
	OpPrimaryDNSServerAddress    IPCPOptionType = 129
	OpPrimaryNBNSServerAddress   IPCPOptionType = 130
	OpSecondaryDNSServerAddress  IPCPOptionType = 131
	OpSecondaryNBNSServerAddress IPCPOptionType = 132
)

func (o IPCPOptionType) String() string {
	switch o {
	case OpIPAddresses:
		return "IPAddresses"
	case OpIPCompressionProtocol:
		return "IPCompressionProtocol"
	case OpIPAddress:
		return "IPAddress"
	case OpMobileIPv4:
		return "MobileIPv4"
	case OpPrimaryDNSServerAddress:
		return "PrimaryDNSServerAddress"
	case OpPrimaryNBNSServerAddress:
		return "PrimaryNBNSServerAddress"
	case OpSecondaryDNSServerAddress:
		return "SecondaryDNSServerAddress"
	case OpSecondaryNBNSServerAddress:
		return "SecondaryNBNSServerAddress"
	}
	return fmt.Sprintf("unknown (%d)", uint8(o))
}

// CCPOptionType is the option type for CCP
type CCPOptionType uint8

// OpMPPC is the only CCP option supported, carrying MPPC/MPPE bits
const OpMPPC CCPOptionType = 18

func (o CCPOptionType) String() string {
	if o == OpMPPC {
		return "MPPC/MPPE"
	}
	return fmt.Sprintf("unknown (%d)", uint8(o))
}

// State is the FSM state as defined in RFC1661
type State uint32

// FSM states
const (
	StateInitial State = iota
	StateStarting
	StateClosed
	StateStopped
	StateClosing
	StateStopping
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
	numStates
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "ReqSent"
	case StateAckRcvd:
		return "AckRcvd"
	case StateAckSent:
		return "AckSent"
	case StateOpened:
		return "Opened"
	}
	return fmt.Sprintf("unknown (%d)", uint32(s))
}

// Dir is the negotiation direction
type Dir int

const (
	// Self is what this side requests, i.e. options in own Conf-Req
	Self Dir = iota
	// Peer is what the peer requests
	Peer
)

func (d Dir) String() string {
	if d == Self {
		return "self"
	}
	return "peer"
}

// CHAPAuthAlg is the auth alg of CHAP
type CHAPAuthAlg uint8

// list of CHAP alg
const (
	AlgNone        CHAPAuthAlg = 0
	AlgCHAPwithMD5 CHAPAuthAlg = 5
	AlgMSCHAP      CHAPAuthAlg = 128
	AlgMSCHAP2     CHAPAuthAlg = 129
)

// AuthType is an authentication type negotiated by LCP
type AuthType uint8

// list of AuthType, AuthCHAPMSv2 is the most preferred
const (
	AuthNone AuthType = iota
	AuthPAP
	AuthCHAPMD5
	AuthCHAPMSv1
	AuthCHAPMSv2
)

// AuthPreference lists auth types in descending preference order
var AuthPreference = []AuthType{AuthCHAPMSv2, AuthCHAPMSv1, AuthCHAPMD5, AuthPAP}

func (a AuthType) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthPAP:
		return "pap"
	case AuthCHAPMD5:
		return "chap-md5"
	case AuthCHAPMSv1:
		return "chap-msv1"
	case AuthCHAPMSv2:
		return "chap-msv2"
	}
	return fmt.Sprintf("unknown (%d)", uint8(a))
}

// IsMSCHAP returns true for MS-CHAP variants
func (a AuthType) IsMSCHAP() bool {
	return a == AuthCHAPMSv1 || a == AuthCHAPMSv2
}

// Proto returns the PPP protocol carrying the auth type
func (a AuthType) Proto() PPPProtocolNumber {
	switch a {
	case AuthPAP:
		return ProtoPAP
	case AuthCHAPMD5, AuthCHAPMSv1, AuthCHAPMSv2:
		return ProtoCHAP
	}
	return ProtoNone
}

// ParseAuthType parses s as returned by AuthType.String
func ParseAuthType(s string) (AuthType, error) {
	for _, a := range append([]AuthType{AuthNone}, AuthPreference...) {
		if a.String() == s {
			return a, nil
		}
	}
	return AuthNone, fmt.Errorf("unknown auth type %q", s)
}

// AuthSet is a set of AuthType
type AuthSet uint8

// NewAuthSet returns a set with all types in list, AuthNone is ignored
func NewAuthSet(list ...AuthType) AuthSet {
	var s AuthSet
	for _, a := range list {
		if a != AuthNone {
			s |= 1 << a
		}
	}
	return s
}

// Has returns true if a is in s
func (s AuthSet) Has(a AuthType) bool {
	return a != AuthNone && s&(1<<a) != 0
}

// Empty returns true if there is no type in s
func (s AuthSet) Empty() bool {
	return s == 0
}

// EIDClass is the endpoint discriminator class
type EIDClass uint8

// list of EIDClass, as defined in RFC1990
const (
	EIDNull EIDClass = iota
	EIDLocal
	EIDIP
	EIDMAC
	EIDMagic
	EIDE164
)

func (c EIDClass) String() string {
	switch c {
	case EIDNull:
		return "null"
	case EIDLocal:
		return "local"
	case EIDIP:
		return "ip"
	case EIDMAC:
		return "mac"
	case EIDMagic:
		return "magic"
	case EIDE164:
		return "e164"
	}
	return fmt.Sprintf("unknown (%d)", uint8(c))
}

// lenBounds returns min and max length of the value of class c
func (c EIDClass) lenBounds() (int, int, bool) {
	switch c {
	case EIDNull:
		return 0, 0, true
	case EIDLocal:
		return 1, 20, true
	case EIDIP:
		return 4, 4, true
	case EIDMAC:
		return 6, 6, true
	case EIDMagic:
		return 4, 20, true
	case EIDE164:
		return 1, 20, true
	}
	return 0, 0, false
}

// PPPProtocolNumber is the PPP protocol number
type PPPProtocolNumber uint16

// list of PPP protocol number
const (
	ProtoNone                         PPPProtocolNumber = 0
	ProtoIPv4                         PPPProtocolNumber = 0x0021
	ProtoVanJacobsonCompressedTCPIP   PPPProtocolNumber = 0x002d
	ProtoVanJacobsonUncompressedTCPIP PPPProtocolNumber = 0x002f
	ProtoMultiLink                    PPPProtocolNumber = 0x003d
	ProtoIPv6                         PPPProtocolNumber = 0x0057
	ProtoCompresseddatagram           PPPProtocolNumber = 0x00fd
	ProtoIPCP                         PPPProtocolNumber = 0x8021
	ProtoIPv6CP                       PPPProtocolNumber = 0x8057
	ProtoCCP                          PPPProtocolNumber = 0x80fd
	ProtoLCP                          PPPProtocolNumber = 0xc021
	ProtoPAP                          PPPProtocolNumber = 0xc023
	ProtoCHAP                         PPPProtocolNumber = 0xc223
)

func (val PPPProtocolNumber) String() string {
	switch val {
	case ProtoNone:
		return "None"
	case ProtoIPv4:
		return "IPv4"
	case ProtoVanJacobsonCompressedTCPIP:
		return "VJCompressedTCPIP"
	case ProtoVanJacobsonUncompressedTCPIP:
		return "VJUncompressedTCPIP"
	case ProtoMultiLink:
		return "MultiLink"
	case ProtoIPv6:
		return "IPv6"
	case ProtoCompresseddatagram:
		return "Compresseddatagram"
	case ProtoIPCP:
		return "IPCP"
	case ProtoIPv6CP:
		return "IPv6CP"
	case ProtoCCP:
		return "CCP"
	case ProtoLCP:
		return "LCP"
	case ProtoPAP:
		return "PAP"
	case ProtoCHAP:
		return "CHAP"
	}
	return fmt.Sprintf("unknown (0x%04x)", uint16(val))
}

// IsLinkLevel returns true for protocols handled per link rather than per bundle
func (val PPPProtocolNumber) IsLinkLevel() bool {
	switch val {
	case ProtoLCP, ProtoMultiLink, ProtoCHAP, ProtoPAP:
		return true
	}
	return false
}
