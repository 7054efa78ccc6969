package lcp

import "fmt"

// Event is an FSM input event as defined in RFC1661
type Event uint8

// list of Event
const (
	EventUp Event = iota
	EventDown
	EventOpen
	EventClose
	EventTimeoutPlus
	EventTimeoutMinus
	EventConfReqGood
	EventConfReqBad
	EventConfAck
	EventConfNakOrRej
	EventTermReq
	EventTermAck
	EventCodeRejFatal
	EventCodeRejNonFatal
	EventProtoRejFatal
	EventProtoRejNonFatal
	numEvents
)

func (ev Event) String() string {
	switch ev {
	case EventUp:
		return "Up"
	case EventDown:
		return "Down"
	case EventOpen:
		return "Open"
	case EventClose:
		return "Close"
	case EventTimeoutPlus:
		return "TO+"
	case EventTimeoutMinus:
		return "TO-"
	case EventConfReqGood:
		return "RCR+"
	case EventConfReqBad:
		return "RCR-"
	case EventConfAck:
		return "RCA"
	case EventConfNakOrRej:
		return "RCN"
	case EventTermReq:
		return "RTR"
	case EventTermAck:
		return "RTA"
	case EventCodeRejFatal:
		return "RXJ-(code)"
	case EventCodeRejNonFatal:
		return "RXJ+(code)"
	case EventProtoRejFatal:
		return "RXJ-(proto)"
	case EventProtoRejNonFatal:
		return "RXJ+(proto)"
	}
	return fmt.Sprintf("unknown (%d)", uint8(ev))
}

type action uint8

const (
	actTLU action = iota + 1
	actTLD
	actTLS
	actTLF
	actIRC
	actZRC
	actSCR
	actSCA
	actSCN
	actSTR
	actSTA
)

func (a action) String() string {
	return [...]string{"", "tlu", "tld", "tls", "tlf", "irc", "zrc", "scr", "sca", "scn", "str", "sta"}[a]
}

type transition struct {
	acts []action
	next State
}

func tr(next State, acts ...action) *transition {
	return &transition{acts: acts, next: next}
}

// fsmTable is the RFC1661 state transition table, nil entry means the event is not valid in the state.
// Besides RFC1661: tls also on [Open,Closed] and [RCR+/-,Stopped]; tlf also on [Down,Closing].
var fsmTable = [numEvents][numStates]*transition{
	EventUp: {
		StateInitial:  tr(StateClosed),
		StateStarting: tr(StateReqSent, actIRC, actSCR),
	},
	EventDown: {
		StateClosed:   tr(StateInitial),
		StateStopped:  tr(StateStarting, actTLS),
		StateClosing:  tr(StateInitial, actTLF),
		StateStopping: tr(StateStarting),
		StateReqSent:  tr(StateStarting),
		StateAckRcvd:  tr(StateStarting),
		StateAckSent:  tr(StateStarting),
		StateOpened:   tr(StateStarting, actTLD),
	},
	EventOpen: {
		StateInitial:  tr(StateStarting, actTLS),
		StateStarting: tr(StateStarting),
		StateClosed:   tr(StateReqSent, actTLS, actIRC, actSCR),
		StateStopped:  tr(StateStopped),
		StateClosing:  tr(StateStopping),
		StateStopping: tr(StateStopping),
		StateReqSent:  tr(StateReqSent),
		StateAckRcvd:  tr(StateAckRcvd),
		StateAckSent:  tr(StateAckSent),
		StateOpened:   tr(StateOpened),
	},
	EventClose: {
		StateInitial:  tr(StateInitial),
		StateStarting: tr(StateInitial, actTLF),
		StateClosed:   tr(StateClosed),
		StateStopped:  tr(StateClosed),
		StateClosing:  tr(StateClosing),
		StateStopping: tr(StateClosing),
		StateReqSent:  tr(StateClosing, actIRC, actSTR),
		StateAckRcvd:  tr(StateClosing, actIRC, actSTR),
		StateAckSent:  tr(StateClosing, actIRC, actSTR),
		StateOpened:   tr(StateClosing, actTLD, actIRC, actSTR),
	},
	EventTimeoutPlus: {
		StateClosing:  tr(StateClosing, actSTR),
		StateStopping: tr(StateStopping, actSTR),
		StateReqSent:  tr(StateReqSent, actSCR),
		StateAckRcvd:  tr(StateReqSent, actSCR),
		StateAckSent:  tr(StateAckSent, actSCR),
	},
	EventTimeoutMinus: {
		StateClosing:  tr(StateClosed, actTLF),
		StateStopping: tr(StateStopped, actTLF),
		StateReqSent:  tr(StateStopped, actTLF),
		StateAckRcvd:  tr(StateStopped, actTLF),
		StateAckSent:  tr(StateStopped, actTLF),
	},
	EventConfReqGood: {
		StateClosed:   tr(StateClosed, actSTA),
		StateStopped:  tr(StateAckSent, actTLS, actIRC, actSCR, actSCA),
		StateClosing:  tr(StateClosing),
		StateStopping: tr(StateStopping),
		StateReqSent:  tr(StateAckSent, actSCA),
		StateAckRcvd:  tr(StateOpened, actSCA, actTLU),
		StateAckSent:  tr(StateAckSent, actSCA),
		StateOpened:   tr(StateAckSent, actTLD, actSCR, actSCA),
	},
	EventConfReqBad: {
		StateClosed:   tr(StateClosed, actSTA),
		StateStopped:  tr(StateReqSent, actTLS, actIRC, actSCR, actSCN),
		StateClosing:  tr(StateClosing),
		StateStopping: tr(StateStopping),
		StateReqSent:  tr(StateReqSent, actSCN),
		StateAckRcvd:  tr(StateAckRcvd, actSCN),
		StateAckSent:  tr(StateReqSent, actSCN),
		StateOpened:   tr(StateReqSent, actTLD, actSCR, actSCN),
	},
	EventConfAck: {
		StateClosed:   tr(StateClosed, actSTA),
		StateStopped:  tr(StateStopped, actSTA),
		StateClosing:  tr(StateClosing),
		StateStopping: tr(StateStopping),
		StateReqSent:  tr(StateAckRcvd, actIRC),
		StateAckRcvd:  tr(StateReqSent, actSCR),
		StateAckSent:  tr(StateOpened, actIRC, actTLU),
		StateOpened:   tr(StateReqSent, actTLD, actSCR),
	},
	EventConfNakOrRej: {
		StateClosed:   tr(StateClosed, actSTA),
		StateStopped:  tr(StateStopped, actSTA),
		StateClosing:  tr(StateClosing),
		StateStopping: tr(StateStopping),
		StateReqSent:  tr(StateReqSent, actIRC, actSCR),
		StateAckRcvd:  tr(StateReqSent, actSCR),
		StateAckSent:  tr(StateAckSent, actIRC, actSCR),
		StateOpened:   tr(StateReqSent, actTLD, actSCR),
	},
	EventTermReq: {
		StateClosed:   tr(StateClosed, actSTA),
		StateStopped:  tr(StateStopped, actSTA),
		StateClosing:  tr(StateClosing, actSTA),
		StateStopping: tr(StateStopping, actSTA),
		StateReqSent:  tr(StateReqSent, actSTA),
		StateAckRcvd:  tr(StateReqSent, actSTA),
		StateAckSent:  tr(StateReqSent, actSTA),
		StateOpened:   tr(StateStopping, actTLD, actZRC, actSTA),
	},
	EventTermAck: {
		StateClosed:   tr(StateClosed),
		StateStopped:  tr(StateStopped),
		StateClosing:  tr(StateClosed, actTLF),
		StateStopping: tr(StateStopped, actTLF),
		StateReqSent:  tr(StateReqSent),
		StateAckRcvd:  tr(StateReqSent),
		StateAckSent:  tr(StateAckSent),
		StateOpened:   tr(StateReqSent, actTLD, actSCR),
	},
	EventCodeRejNonFatal: rxjPlus,
	EventCodeRejFatal:    rxjMinus,
	EventProtoRejNonFatal: rxjPlus,
	EventProtoRejFatal:    rxjMinus,
}

var rxjPlus = [numStates]*transition{
	StateClosed:   tr(StateClosed),
	StateStopped:  tr(StateStopped),
	StateClosing:  tr(StateClosing),
	StateStopping: tr(StateStopping),
	StateReqSent:  tr(StateReqSent),
	StateAckRcvd:  tr(StateReqSent),
	StateAckSent:  tr(StateAckSent),
	StateOpened:   tr(StateOpened),
}

var rxjMinus = [numStates]*transition{
	StateClosed:   tr(StateClosed, actTLF),
	StateStopped:  tr(StateStopped, actTLF),
	StateClosing:  tr(StateClosed, actTLF),
	StateStopping: tr(StateStopped, actTLF),
	StateReqSent:  tr(StateStopped, actTLF),
	StateAckRcvd:  tr(StateStopped, actTLF),
	StateAckSent:  tr(StateStopped, actTLF),
	StateOpened:   tr(StateStopping, actTLD, actIRC, actSTR),
}
