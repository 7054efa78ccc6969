package chap

import (
	"encoding/binary"
	"fmt"
)

const headerLen = 4

// Pkt represents a CHAP packet
type Pkt struct {
	Code   Code
	ID     uint8
	Len    uint16
	ValLen uint8
	Value  []byte
	Name   []byte
	Msg    []byte
}

// Parse buf into cp, bytes beyond the length field are ignored
func (cp *Pkt) Parse(buf []byte) error {
	if len(buf) < headerLen {
		return fmt.Errorf("invalid CHAP packet length %d", len(buf))
	}
	cp.Code = Code(buf[0])
	cp.ID = buf[1]
	cp.Len = binary.BigEndian.Uint16(buf[2:4])
	if int(cp.Len) < headerLen || int(cp.Len) > len(buf) {
		return fmt.Errorf("invalid CHAP packet length field %d, buffer has %d bytes", cp.Len, len(buf))
	}
	buf = buf[:cp.Len]
	cp.Value, cp.Name, cp.Msg = nil, nil, nil
	switch cp.Code {
	case CodeChallenge, CodeResponse:
		if len(buf) < headerLen+1 {
			return fmt.Errorf("invalid CHAP challenge/response length %d", cp.Len)
		}
		cp.ValLen = buf[4]
		if cp.ValLen == 0 || len(buf) < headerLen+1+int(cp.ValLen) {
			return fmt.Errorf("invalid CHAP challenge/response value len %d", cp.ValLen)
		}
		cp.Value = buf[5 : 5+int(cp.ValLen)]
		cp.Name = buf[5+int(cp.ValLen):]
	case CodeSuccess, CodeFailure:
		cp.Msg = buf[headerLen:]
	default:
		return fmt.Errorf("unknown CHAP code %v", cp.Code)
	}
	return nil
}

// String returns a string representation of cp
func (cp Pkt) String() string {
	s := fmt.Sprintf("Code:%v\n", cp.Code)
	s += fmt.Sprintf("ID:%d\n", cp.ID)
	s += fmt.Sprintf("Len:%d\n", cp.Len)
	switch cp.Code {
	case CodeChallenge, CodeResponse:
		s += fmt.Sprintf("Val:%x\n", cp.Value)
		s += fmt.Sprintf("Name:%s\n", string(cp.Name))
	default:
		s += fmt.Sprintf("Msg:%s\n", string(cp.Msg))
	}
	return s
}

// Serialize cp into byte slice, cp.Len and cp.ValLen are ignored
func (cp *Pkt) Serialize() ([]byte, error) {
	buf := make([]byte, headerLen, 64)
	buf[0] = uint8(cp.Code)
	buf[1] = cp.ID
	switch cp.Code {
	case CodeChallenge, CodeResponse:
		if len(cp.Value) > 255 || len(cp.Value) == 0 {
			return nil, fmt.Errorf("value is either empty or too long")
		}
		buf = append(buf, byte(len(cp.Value)))
		buf = append(buf, cp.Value...)
		buf = append(buf, cp.Name...)
	case CodeSuccess, CodeFailure:
		buf = append(buf, cp.Msg...)
	default:
		return nil, fmt.Errorf("unknown CHAP code %v", cp.Code)
	}
	if len(buf) > 65535 {
		return nil, fmt.Errorf("result pkt too big")
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf, nil
}
