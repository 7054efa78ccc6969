package pppoe

import (
	"fmt"
)

// Code is the PPPoE msg code
type Code uint8

const (
	pppoeVerType byte = 0x11
	headerLen         = 6
	tagHeaderLen      = 4
	bbfVendorID       = 0xde9
)

// list of PPPoE msg code
const (
	CodeSession Code = 0
	CodePADO    Code = 7
	CodePADI    Code = 9
	CodePADR    Code = 25
	CodePADS    Code = 101
	CodePADT    Code = 167
)

// String return a string representation of code
func (code Code) String() string {
	switch code {
	case CodeSession:
		return "session"
	case CodePADO:
		return "PADO"
	case CodePADI:
		return "PADI"
	case CodePADR:
		return "PADR"
	case CodePADS:
		return "PADS"
	case CodePADT:
		return "PADT"
	}
	return fmt.Sprintf("unknown (%d)", uint8(code))
}

// TagType is the PPPoE tag type
type TagType uint16

// a list of PPPoE tag type
const (
	TagTypeEndOfList        TagType = 0
	TagTypeServiceName      TagType = 257
	TagTypeACName           TagType = 258
	TagTypeHostUniq         TagType = 259
	TagTypeACCookie         TagType = 260
	TagTypeVendorSpecific   TagType = 261
	TagTypeRelaySessionID   TagType = 272
	TagTypePPPMaxPayload    TagType = 288
	TagTypeServiceNameError TagType = 513
	TagTypeACSystemError    TagType = 514
	TagTypeGenericError     TagType = 515
)

func (tag TagType) String() string {
	switch tag {
	case TagTypeEndOfList:
		return "EndofList"
	case TagTypeServiceName:
		return "SvcName"
	case TagTypeACName:
		return "ACName"
	case TagTypeHostUniq:
		return "HostUniq"
	case TagTypeACCookie:
		return "ACCookie"
	case TagTypeVendorSpecific:
		return "VendorSpecific"
	case TagTypeRelaySessionID:
		return "RelaySessionId"
	case TagTypePPPMaxPayload:
		return "PPPMaxPayload"
	case TagTypeServiceNameError:
		return "ServiceNameError"
	case TagTypeACSystemError:
		return "ACSystemError"
	case TagTypeGenericError:
		return "GenericError"
	}
	return fmt.Sprintf("unknown (%d)", uint16(tag))
}

// isError returns true for the error tags
func (tag TagType) isError() bool {
	return tag == TagTypeServiceNameError || tag == TagTypeACSystemError || tag == TagTypeGenericError
}

// BBFSubTagNum is the BBF sub tag type
type BBFSubTagNum uint8

// a list of BBF sub tag type
const (
	BBFSubTagNumCircuitID BBFSubTagNum = 1
	BBFSubTagNumRemoteID  BBFSubTagNum = 2
)

// String returns a string representation of t
func (t BBFSubTagNum) String() string {
	switch t {
	case BBFSubTagNumCircuitID:
		return "CircuitID"
	case BBFSubTagNumRemoteID:
		return "RemoteID"
	}
	return fmt.Sprintf("subtag %d", uint8(t))
}
