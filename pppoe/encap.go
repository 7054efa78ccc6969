package pppoe

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const identSpaces = "    "

// Pkt is the struct for PPPoE pkt
type Pkt struct {
	Vertype   byte
	Code      Code
	SessionID uint16
	Len       uint16
	Payload   []byte
	Tags      []Tag
}

// MaxTags is the max tags allowed in a PPPoE pkt
const MaxTags = 32

// Parse buf into pkt, bytes beyond the length field, e.g. ethernet padding, are ignored
func (pkt *Pkt) Parse(buf []byte) error {
	if len(buf) < headerLen {
		return fmt.Errorf("invalid PPPoE packet length %d", len(buf))
	}
	pkt.Vertype = buf[0]
	if pkt.Vertype != pppoeVerType {
		return fmt.Errorf("invalid PPPoE version&type, should be 0x11, got 0x%X ", pkt.Vertype)
	}
	pkt.Code = Code(buf[1])
	pkt.SessionID = binary.BigEndian.Uint16(buf[2:4])
	pkt.Len = binary.BigEndian.Uint16(buf[4:6])
	if int(pkt.Len) > len(buf)-headerLen {
		return fmt.Errorf("PPPoE length %d exceeds remaining %d bytes", pkt.Len, len(buf)-headerLen)
	}
	pkt.Payload = buf[headerLen : headerLen+int(pkt.Len)]
	pkt.Tags = []Tag{}
	if pkt.Code == CodeSession {
		return nil
	}
	for pos := 0; pos < len(pkt.Payload); {
		if len(pkt.Tags) == MaxTags {
			return fmt.Errorf("invalid PPPoE packet, exceed max number of tags: %d", MaxTags)
		}
		t, val, err := tagHeader(pkt.Payload[pos:])
		if err != nil {
			return err
		}
		tag := newTag(t)
		if err := tag.Parse(val); err != nil {
			return fmt.Errorf("failed to parse PPPoE tag %v, %w", t, err)
		}
		pkt.Tags = append(pkt.Tags, tag)
		pos += tagHeaderLen + len(val)
		if t == TagTypeEndOfList {
			break
		}
	}
	return nil
}

func tagHeader(buf []byte) (TagType, []byte, error) {
	if len(buf) < tagHeaderLen {
		return 0, nil, fmt.Errorf("truncated PPPoE tag header")
	}
	l := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < tagHeaderLen+l {
		return 0, nil, fmt.Errorf("PPPoE tag length %d exceeds remaining %d bytes", l, len(buf)-tagHeaderLen)
	}
	return TagType(binary.BigEndian.Uint16(buf[:2])), buf[tagHeaderLen : tagHeaderLen+l], nil
}

func newTag(t TagType) Tag {
	switch {
	case t == TagTypeACName, t == TagTypeServiceName, t.isError():
		return &TagString{TagType: t}
	case t == TagTypeEndOfList:
		return new(TagEndofList)
	}
	return &TagByteSlice{TagType: t}
}

// Serialize pkt into bytes, and no padding; for non-session pkt, Payload is rebuilt from Tags
func (pkt *Pkt) Serialize() ([]byte, error) {
	if pkt.Code != CodeSession {
		pkt.Payload = []byte{}
		for _, tag := range pkt.Tags {
			val, err := tag.Serialize()
			if err != nil {
				return nil, err
			}
			if len(val) > 0xffff {
				return nil, fmt.Errorf("tag %v is too long", TagType(tag.Type()))
			}
			hdr := make([]byte, tagHeaderLen)
			binary.BigEndian.PutUint16(hdr[:2], tag.Type())
			binary.BigEndian.PutUint16(hdr[2:4], uint16(len(val)))
			pkt.Payload = append(append(pkt.Payload, hdr...), val...)
		}
	}
	if len(pkt.Payload) > 0xffff {
		return nil, fmt.Errorf("PPPoE payload is too long")
	}
	header := make([]byte, headerLen)
	header[0] = pppoeVerType
	header[1] = byte(pkt.Code)
	binary.BigEndian.PutUint16(header[2:4], pkt.SessionID)
	binary.BigEndian.PutUint16(header[4:6], uint16(len(pkt.Payload)))
	return append(header, pkt.Payload...), nil
}

// GetTag return a slice of tag with type t
func (pkt *Pkt) GetTag(t TagType) (r []Tag) {
	for _, tag := range pkt.Tags {
		if tag.Type() == uint16(t) {
			r = append(r, tag)
		}
	}
	return
}

// Err returns a non-nil error if pkt carries any error tag
func (pkt *Pkt) Err() error {
	var msgs []string
	for _, tag := range pkt.Tags {
		if TagType(tag.Type()).isError() {
			msgs = append(msgs, tag.String())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%v got error tags: %v", pkt.Code, strings.Join(msgs, "; "))
}

// String returns a string representation of pkt
func (pkt Pkt) String() string {
	s := fmt.Sprintf("VerType:%x\n", pkt.Vertype)
	s += fmt.Sprintf("Code:%v\n", pkt.Code)
	s += fmt.Sprintf("SessionId:%X\n", pkt.SessionID)
	s += fmt.Sprintf("Len:%d\n", pkt.Len)
	s += "Tags:\n"
	for _, t := range pkt.Tags {
		s += fmt.Sprintf("%v%v\n", identSpaces, strings.ReplaceAll(t.String(), "\n", "\n"+identSpaces))
	}
	return s
}

// Tag is the interface for PPPoE Tag, the 4 bytes tag header is handled by Pkt
type Tag interface {
	// Serialize returns the tag value
	Serialize() ([]byte, error)
	// Parse the tag value in buf
	Parse(buf []byte) error
	// Type return PPPoE Tag type as uint16
	Type() uint16
	// String returns a string representation of Tag
	String() string
}

// TagEndofList is the End-of-List tag
type TagEndofList struct{}

// String implements Tag interface
func (eol TagEndofList) String() string {
	return TagTypeEndOfList.String()
}

// Type implements Tag interface
func (eol TagEndofList) Type() uint16 {
	return uint16(TagTypeEndOfList)
}

// Serialize implements Tag interface
func (eol TagEndofList) Serialize() ([]byte, error) {
	return nil, nil
}

// Parse implements Tag interface
func (eol *TagEndofList) Parse(buf []byte) error {
	if len(buf) != 0 {
		return fmt.Errorf("length is not zero")
	}
	return nil
}

// TagString is for all string type of tag, like ACName,SVCName
type TagString struct {
	Value   string
	TagType TagType
}

// NewSvcTag return a new Service-Name tag
func NewSvcTag(svc string) *TagString {
	return &TagString{
		TagType: TagTypeServiceName,
		Value:   svc,
	}
}

// String implements Tag interface
func (str TagString) String() string {
	if str.Value == "" && str.TagType == TagTypeServiceName {
		return fmt.Sprintf("%v: %v", TagTypeServiceName, "<any service>")
	}
	return fmt.Sprintf("%v: %v", str.TagType, str.Value)
}

// Type implements Tag interface
func (str TagString) Type() uint16 {
	return uint16(str.TagType)
}

// Serialize implements Tag interface
func (str TagString) Serialize() ([]byte, error) {
	return []byte(str.Value), nil
}

// Parse implements Tag interface
func (str *TagString) Parse(buf []byte) error {
	str.Value = string(buf)
	return nil
}

// TagByteSlice is for all byte slice and unknown type of tag, e.g. HostUniq, ACCookie
type TagByteSlice struct {
	Value   []byte
	TagType TagType
}

// String implements Tag interface
func (bslice TagByteSlice) String() string {
	return fmt.Sprintf("%v: %X", bslice.TagType, bslice.Value)
}

// Type implements Tag interface
func (bslice TagByteSlice) Type() uint16 {
	return uint16(bslice.TagType)
}

// Serialize implements Tag interface
func (bslice TagByteSlice) Serialize() ([]byte, error) {
	return bslice.Value, nil
}

// Parse implements Tag interface
func (bslice *TagByteSlice) Parse(buf []byte) error {
	bslice.Value = append([]byte(nil), buf...)
	return nil
}

// BBFSubTag is a sub-tag of the BBF vendor specific tag
type BBFSubTag struct {
	Num   BBFSubTagNum
	Value []byte
}

// BBFTag represents a BBF vendor specific PPPoE tag (TR-101), carrying sub-tags like circuit-id and remote-id
type BBFTag []BBFSubTag

// NewCircuitRemoteIDTag return a BBF Tag with circuit-id and remote-id sub tag.
// if cid or rid is empty string, then it will not be included
func NewCircuitRemoteIDTag(cid, rid string) *BBFTag {
	bbftag := &BBFTag{}
	if cid != "" {
		*bbftag = append(*bbftag, BBFSubTag{Num: BBFSubTagNumCircuitID, Value: []byte(cid)})
	}
	if rid != "" {
		*bbftag = append(*bbftag, BBFSubTag{Num: BBFSubTagNumRemoteID, Value: []byte(rid)})
	}
	return bbftag
}

// Parse implements Tag interface
func (bbf *BBFTag) Parse(buf []byte) error {
	if len(buf) < 4 || binary.BigEndian.Uint32(buf[:4]) != bbfVendorID {
		return fmt.Errorf("invalid BBF tag")
	}
	*bbf = (*bbf)[:0]
	for pos := 4; pos < len(buf); {
		if len(*bbf) == MaxTags {
			return fmt.Errorf("invalid BBF tag, exceed max number of subtags: %d", MaxTags)
		}
		if len(buf)-pos < 2 || len(buf)-pos-2 < int(buf[pos+1]) {
			return fmt.Errorf("truncated BBF subtag")
		}
		l := int(buf[pos+1])
		*bbf = append(*bbf, BBFSubTag{Num: BBFSubTagNum(buf[pos]), Value: append([]byte(nil), buf[pos+2:pos+2+l]...)})
		pos += 2 + l
	}
	return nil
}

// Serialize implements Tag interface
func (bbf BBFTag) Serialize() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, bbfVendorID)
	for _, t := range bbf {
		if len(t.Value) > 255 {
			return nil, fmt.Errorf("subtag %v is too long", t.Num)
		}
		buf = append(buf, byte(t.Num), byte(len(t.Value)))
		buf = append(buf, t.Value...)
	}
	return buf, nil
}

// Type implements Tag interface
func (bbf BBFTag) Type() uint16 {
	return uint16(TagTypeVendorSpecific)
}

// String implements Tag interface
func (bbf BBFTag) String() string {
	s := "VendorSpecific, BBF:"
	for _, t := range bbf {
		s += fmt.Sprintf("\n%v%v: %s", identSpaces, t.Num, t.Value)
	}
	return s
}
