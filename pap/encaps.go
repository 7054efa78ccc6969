package pap

import (
	"encoding/binary"
	"fmt"
)

// Code is the PAP msg code
type Code uint8

// list of PAP msg code
const (
	CodeAuthRequest Code = 1
	CodeAuthACK     Code = 2
	CodeAuthNAK     Code = 3
)

func (c Code) String() string {
	switch c {
	case CodeAuthRequest:
		return "Auth-Request"
	case CodeAuthACK:
		return "Auth-ACK"
	case CodeAuthNAK:
		return "Auth-NAK"
	}
	return fmt.Sprintf("unknown (%d)", uint8(c))
}

const (
	// MaxFieldLen is the max length of peer-id, password and msg
	MaxFieldLen = 255
	headerLen   = 4
)

// Pkt represents a PAP pkt
type Pkt struct {
	Code   Code
	ID     uint8
	Len    uint16
	PeerID []byte
	Passwd []byte
	Msg    []byte
}

// Parse buf into pp, bytes beyond the length field are ignored
func (pp *Pkt) Parse(buf []byte) error {
	if len(buf) < headerLen {
		return fmt.Errorf("not enough bytes for a PAP pkt %d", len(buf))
	}
	pp.Code = Code(buf[0])
	pp.ID = buf[1]
	pp.Len = binary.BigEndian.Uint16(buf[2:4])
	if int(pp.Len) < headerLen || int(pp.Len) > len(buf) {
		return fmt.Errorf("invalid PAP pkt length %d, buffer has %d bytes", pp.Len, len(buf))
	}
	buf = buf[headerLen:pp.Len]
	switch pp.Code {
	case CodeAuthRequest:
		var err error
		if pp.PeerID, buf, err = lenPrefixed(buf); err != nil {
			return fmt.Errorf("invalid peer ID, %w", err)
		}
		if len(pp.PeerID) == 0 {
			return fmt.Errorf("empty peer ID")
		}
		if pp.Passwd, _, err = lenPrefixed(buf); err != nil {
			return fmt.Errorf("invalid password, %w", err)
		}
	case CodeAuthACK, CodeAuthNAK:
		pp.Msg = nil
		if len(buf) == 0 {
			// some peers omit the msg-length field
			return nil
		}
		var err error
		if pp.Msg, _, err = lenPrefixed(buf); err != nil {
			return fmt.Errorf("invalid msg, %w", err)
		}
	default:
		return fmt.Errorf("unknown PAP code %v", pp.Code)
	}
	return nil
}

func lenPrefixed(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("missing length field")
	}
	l := int(buf[0])
	if len(buf) < 1+l {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", l, len(buf)-1)
	}
	return buf[1 : 1+l], buf[1+l:], nil
}

// Serialize pp to byte slice, pp.Len is ignored
func (pp *Pkt) Serialize() ([]byte, error) {
	buf := make([]byte, headerLen, 64)
	buf[0] = uint8(pp.Code)
	buf[1] = pp.ID
	switch pp.Code {
	case CodeAuthRequest:
		if len(pp.PeerID) > MaxFieldLen || len(pp.PeerID) == 0 {
			return nil, fmt.Errorf("peer ID is either empty or too long")
		}
		if len(pp.Passwd) > MaxFieldLen {
			return nil, fmt.Errorf("passwd is too long")
		}
		buf = append(buf, byte(len(pp.PeerID)))
		buf = append(buf, pp.PeerID...)
		buf = append(buf, byte(len(pp.Passwd)))
		buf = append(buf, pp.Passwd...)
	default:
		if len(pp.Msg) > MaxFieldLen {
			return nil, fmt.Errorf("msg is too long")
		}
		buf = append(buf, byte(len(pp.Msg)))
		buf = append(buf, pp.Msg...)
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf, nil
}

// String returns a string representation of pp
func (pp Pkt) String() string {
	s := fmt.Sprintf("Code: %v\n", pp.Code)
	s += fmt.Sprintf("ID: %d\n", pp.ID)
	switch pp.Code {
	case CodeAuthRequest:
		s += fmt.Sprintf("PeerID: %v\n", string(pp.PeerID))
		s += "Passwd: ***\n"
	default:
		s += fmt.Sprintf("Msg: %v\n", string(pp.Msg))
	}
	return s
}
