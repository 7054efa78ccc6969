package lcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// Pkt represents a LCP/IPCP/CCP pkt
type Pkt struct {
	// Msg code
	Code MsgCode
	// Msg Id
	ID uint8
	// pkt payload, everything after the 4 bytes header
	Payload []byte
}

// headerLen is the length of code, id and length fields
const headerLen = 4

// Serialize into bytes
func (p *Pkt) Serialize() []byte {
	buf := make([]byte, headerLen+len(p.Payload))
	buf[0] = uint8(p.Code)
	buf[1] = p.ID
	binary.BigEndian.PutUint16(buf[2:4], uint16(headerLen+len(p.Payload)))
	copy(buf[headerLen:], p.Payload)
	return buf
}

// Parse buf into p; trailing bytes beyond the length field are ignored
func (p *Pkt) Parse(buf []byte) error {
	if len(buf) < headerLen {
		return fmt.Errorf("invalid PPP control packet length %d", len(buf))
	}
	l := int(binary.BigEndian.Uint16(buf[2:4]))
	if l < headerLen {
		return fmt.Errorf("invalid length field %d", l)
	}
	if l > len(buf) {
		return fmt.Errorf("length field %d exceeds packet size %d", l, len(buf))
	}
	p.Code = MsgCode(buf[0])
	p.ID = buf[1]
	p.Payload = buf[headerLen:l]
	return nil
}

// String return a string representation of p
func (p Pkt) String() string {
	s := fmt.Sprintf("Code:%v\n", p.Code)
	s += fmt.Sprintf("ID:%d\n", p.ID)
	switch p.Code {
	case CodeConfigureRequest, CodeConfigureAck, CodeConfigureNak, CodeConfigureReject:
		s += "Options:\n"
		for _, op := range ParseOptions(p.Payload) {
			s += fmt.Sprintf("    %v\n", op)
		}
	case CodeEchoReply, CodeEchoRequest, CodeDiscardRequest:
		if len(p.Payload) >= 4 {
			s += fmt.Sprintf("Magic Number:%x\n", binary.BigEndian.Uint32(p.Payload))
		}
	case CodeProtocolReject:
		if len(p.Payload) >= 2 {
			s += fmt.Sprintf("Rejected Protocol: %v\n", PPPProtocolNumber(binary.BigEndian.Uint16(p.Payload)))
		}
	default:
		s += fmt.Sprintf("Data: %x\n", p.Payload)
	}
	return s
}

// Option is a control protocol option, [type,len,data] on the wire
type Option struct {
	Type uint8
	Data []byte
}

// maxOptionDataLen is the longest data fitting the one byte length field
const maxOptionDataLen = 255 - 2

// Serialize option into bytes
func (o Option) Serialize() ([]byte, error) {
	if len(o.Data) > maxOptionDataLen {
		return nil, fmt.Errorf("option %d data length %d exceeds %d", o.Type, len(o.Data), maxOptionDataLen)
	}
	buf := make([]byte, 2+len(o.Data))
	buf[0] = o.Type
	buf[1] = byte(2 + len(o.Data))
	copy(buf[2:], o.Data)
	return buf, nil
}

// Equal returns true if b has same type and data
func (o Option) Equal(b Option) bool {
	return o.Type == b.Type && bytes.Equal(o.Data, b.Data)
}

// Clone returns a deep copy of o
func (o Option) Clone() Option {
	return Option{Type: o.Type, Data: append([]byte(nil), o.Data...)}
}

// String implements fmt.Stringer interface
func (o Option) String() string {
	return fmt.Sprintf("option %d: %x", o.Type, o.Data)
}

// Uint16 returns the data as a network order uint16, 0 if too short
func (o Option) Uint16() uint16 {
	if len(o.Data) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(o.Data)
}

// Uint32 returns the data as a network order uint32, 0 if too short
func (o Option) Uint32() uint32 {
	if len(o.Data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(o.Data)
}

// IPv4 returns the data as IPv4 address, nil if too short
func (o Option) IPv4() net.IP {
	if len(o.Data) < 4 {
		return nil
	}
	return net.IPv4(o.Data[0], o.Data[1], o.Data[2], o.Data[3]).To4()
}

// NewUint16Option returns an option with v as data
func NewUint16Option(t uint8, v uint16) Option {
	d := make([]byte, 2)
	binary.BigEndian.PutUint16(d, v)
	return Option{Type: t, Data: d}
}

// NewUint32Option returns an option with v as data
func NewUint32Option(t uint8, v uint32) Option {
	d := make([]byte, 4)
	binary.BigEndian.PutUint32(d, v)
	return Option{Type: t, Data: d}
}

// NewIPv4Option returns an option with ip as data, nil ip means 0.0.0.0
func NewIPv4Option(t uint8, ip net.IP) Option {
	d := make([]byte, 4)
	if v4 := ip.To4(); v4 != nil {
		copy(d, v4)
	}
	return Option{Type: t, Data: d}
}

// Options is an ordered list of Option; order matters for conf-ack matching and for nak/reject replies
type Options []Option

// ParseOptions decodes buf into Options; decoding stops silently at the first malformed option,
// everything before it is returned
func ParseOptions(buf []byte) Options {
	r := Options{}
	pos := 0
	for len(buf)-pos >= 2 {
		l := int(buf[pos+1])
		if l < 2 || l > len(buf)-pos {
			break
		}
		r = append(r, Option{
			Type: buf[pos],
			Data: append([]byte(nil), buf[pos+2:pos+l]...),
		})
		pos += l
	}
	return r
}

// Pack encodes options into bytes
func (options Options) Pack() ([]byte, error) {
	var buf []byte
	for _, o := range options {
		b, err := o.Serialize()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// Equal returns true if b has same options in same order
func (options Options) Equal(b Options) bool {
	if len(options) != len(b) {
		return false
	}
	for i := range options {
		if !options[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Contains returns true if an option equal to o is in options
func (options Options) Contains(o Option) bool {
	for _, x := range options {
		if x.Equal(o) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (options Options) Clone() Options {
	if options == nil {
		return nil
	}
	r := make(Options, len(options))
	for i, o := range options {
		r[i] = o.Clone()
	}
	return r
}

// Get return all options with type t
func (options Options) Get(t uint8) (r Options) {
	for _, o := range options {
		if o.Type == t {
			r = append(r, o)
		}
	}
	return
}

// GetFirst return 1st option with type t
func (options Options) GetFirst(t uint8) (Option, bool) {
	for _, o := range options {
		if o.Type == t {
			return o, true
		}
	}
	return Option{}, false
}

// Del removes all options with type t
func (options *Options) Del(t uint8) {
	r := (*options)[:0]
	for _, o := range *options {
		if o.Type != t {
			r = append(r, o)
		}
	}
	*options = r
}

// Append append newoptions
func (options *Options) Append(newoptions ...Option) {
	*options = append(*options, newoptions...)
}

// Replace removes all options with the types in newoptions, and append newoptions
func (options *Options) Replace(newoptions Options) {
	for _, o := range newoptions {
		options.Del(o.Type)
	}
	options.Append(newoptions...)
}

// Format returns a string representation using names from desc table
func (options Options) Format(desc []OptionDesc) string {
	var items []string
	for _, o := range options {
		item := fmt.Sprintf("%d:%x", o.Type, o.Data)
		for _, d := range desc {
			if d.Type == o.Type {
				switch {
				case d.Print != nil:
					item = d.Name + ":" + d.Print(o.Data)
				case len(o.Data) == 0:
					item = d.Name
				default:
					item = fmt.Sprintf("%v:%x", d.Name, o.Data)
				}
				break
			}
		}
		items = append(items, item)
	}
	return "[" + strings.Join(items, " ") + "]"
}

// Frame is a PPP frame, protocol field followed by payload
type Frame struct {
	Proto   PPPProtocolNumber
	Payload []byte
}

// Serialize into bytes, without address/control field
func (f *Frame) Serialize() []byte {
	buf := make([]byte, 2+len(f.Payload))
	binary.BigEndian.PutUint16(buf, uint16(f.Proto))
	copy(buf[2:], f.Payload)
	return buf
}

// Parse buf into f; a leading ff03 address/control field is skipped and a
// compressed 1-byte protocol field (odd first byte) is accepted
func (f *Frame) Parse(buf []byte) error {
	if len(buf) >= 2 && buf[0] == 0xff && buf[1] == 0x03 {
		buf = buf[2:]
	}
	if len(buf) < 1 {
		return fmt.Errorf("invalid PPP frame length %d", len(buf))
	}
	if buf[0]&0x01 == 1 {
		f.Proto = PPPProtocolNumber(buf[0])
		f.Payload = buf[1:]
		return nil
	}
	if len(buf) < 2 {
		return fmt.Errorf("invalid PPP frame length %d", len(buf))
	}
	f.Proto = PPPProtocolNumber(binary.BigEndian.Uint16(buf[:2]))
	f.Payload = buf[2:]
	return nil
}
