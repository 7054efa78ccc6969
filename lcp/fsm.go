//Package lcp implements the PPP control protocol family: a generic RFC1661 FSM,
//and LCP, IPCP, CCP and the MP-LCP shell running on top of it
package lcp

import (
	"encoding/binary"
	"time"

	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

// OptionDesc describes an option type of a control protocol
type OptionDesc struct {
	Name string
	Type uint8
	// MinLen and MaxLen bound the length of option data
	MinLen, MaxLen int
	// Supported false means the option is always rejected
	Supported bool
	// Print is an optional formatter of the option data
	Print func([]byte) string
}

// Type describes a control protocol running on the FSM
type Type struct {
	Name  string
	Proto PPPProtocolNumber
	// Codes are the codes this protocol understands, others are code-rejected
	Codes CodeMask
	// Required codes are the ones that a code-reject of is fatal
	Required CodeMask
	Options  []OptionDesc
	// AlwaysProtoRej allows sending Protocol-Reject in any state
	AlwaysProtoRej bool
}

func (t *Type) desc(o uint8) *OptionDesc {
	for i := range t.Options {
		if t.Options[i].Type == o {
			return &t.Options[i]
		}
	}
	return nil
}

// Instance is the protocol specific part of an FSM; implemented only by LCP, IPCP, CCP and Shell
type Instance interface {
	// Type returns the protocol descriptor
	Type() *Type
	// BuildConfReq appends own options to req
	BuildConfReq(req *Options) error
	// RecvConfReq handles the supported options of a peer Conf-Req,
	// options to be nak'd or rejected are appended to nak and rej
	RecvConfReq(req Options, nak, rej *Options) error
	// RecvConfNak handles a Conf-Nak of own request
	RecvConfNak(nak Options) error
	// RecvConfRej handles a Conf-Reject of own request
	RecvConfRej(rej Options) error
	// Magic returns the negotiated magic number of direction d, 0 if none
	Magic(d Dir) uint32
	RecvResetReq(id uint8, data []byte)
	RecvResetAck(id uint8, data []byte)
	sealed()
}

// restarter is implemented by instances keeping state across Conf-Req rounds,
// restart is called when a new negotiation starts
type restarter interface {
	restart()
}

const (
	// DefaultRestartTimeout is the default restart timer
	DefaultRestartTimeout = 3 * time.Second
	// DefaultMaxConfigure is the default Max-Configure
	DefaultMaxConfigure = 10
	// DefaultMaxTerminate is the default Max-Terminate
	DefaultMaxTerminate = 2
	// DefaultMaxFailure is the default number of Nak/Rej tolerated per direction
	DefaultMaxFailure = 8
	// DefaultEchoMaxFail is the default number of unanswered echo requests before giving up
	DefaultEchoMaxFail = 3
	// maxCodeRejLen is max length of the rejected pkt echoed in a Code-Reject
	maxCodeRejLen = 200
)

// Config is the FSM timer and counter configuration
type Config struct {
	RestartTimeout time.Duration `yaml:"restart-timeout"`
	MaxConfigure   int           `yaml:"max-configure"`
	MaxTerminate   int           `yaml:"max-terminate"`
	MaxFailure     int           `yaml:"max-failure"`
	// EchoInterval is the LCP keepalive interval, 0 disables keepalive
	EchoInterval time.Duration `yaml:"echo-interval"`
	EchoMaxFail  int           `yaml:"echo-max-fail"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		RestartTimeout: DefaultRestartTimeout,
		MaxConfigure:   DefaultMaxConfigure,
		MaxTerminate:   DefaultMaxTerminate,
		MaxFailure:     DefaultMaxFailure,
		EchoMaxFail:    DefaultEchoMaxFail,
	}
}

// OutputKind is the kind of an FSM Output
type OutputKind uint8

// list of OutputKind
const (
	// OutputStart is this-layer-started, the lower layer is needed
	OutputStart OutputKind = iota
	OutputUp
	OutputDown
	// OutputData is a pkt to be sent, Proto is the FSM's protocol
	OutputData
	// OutputProtoRej is a received Protocol-Reject, Proto is the rejected protocol
	OutputProtoRej
	// OutputDead is the last output of an FSM
	OutputDead
)

func (k OutputKind) String() string {
	switch k {
	case OutputStart:
		return "start"
	case OutputUp:
		return "up"
	case OutputDown:
		return "down"
	case OutputData:
		return "data"
	case OutputProtoRej:
		return "protorej"
	case OutputDead:
		return "dead"
	}
	return "unknown"
}

// Output is an event produced by an FSM for its owner
type Output struct {
	Kind   OutputKind
	Reason Reason
	Proto  PPPProtocolNumber
	Data   []byte
}

// EventHook is called after every valid event processed by an FSM
type EventHook func(typ *Type, ev Event, from, to State)

// FSM is the RFC1661 option negotiation automaton; all methods must be called on its scheduler
type FSM struct {
	typ     *Type
	inst    Instance
	sched   sched.Scheduler
	logger  *zap.Logger
	cfg     Config
	notify  func()
	evtHook EventHook

	state     State
	restart   int
	failure   [2]int
	timer     sched.Timer
	echoTimer sched.Timer
	echoMiss  int
	nextID    uint8
	reqID     uint8
	self      Options
	rcvdID    uint8
	ackData   []byte
	nak, rej  Options
	reason    Reason
	fatal     *Reason
	dead      bool
	outputs   []Output
}

// Modifier is a function to provide custom FSM configuration
type Modifier func(f *FSM)

// WithConfig specifies timer and counter configuration
func WithConfig(cfg Config) Modifier {
	return func(f *FSM) {
		f.cfg = cfg
	}
}

// WithNotify specifies a function posted on the scheduler whenever the output queue becomes non-empty
func WithNotify(notify func()) Modifier {
	return func(f *FSM) {
		f.notify = notify
	}
}

// WithEventHook specifies a hook called on every valid event
func WithEventHook(h EventHook) Modifier {
	return func(f *FSM) {
		f.evtHook = h
	}
}

// NewFSM returns a new FSM in Initial state running protocol inst
func NewFSM(inst Instance, s sched.Scheduler, logger *zap.Logger, mods ...Modifier) *FSM {
	f := &FSM{
		typ:    inst.Type(),
		inst:   inst,
		sched:  s,
		cfg:    DefaultConfig(),
		state:  StateInitial,
		logger: logger.Named(inst.Type().Name),
	}
	for _, mod := range mods {
		mod(f)
	}
	return f
}

// Type returns the protocol descriptor
func (f *FSM) Type() *Type {
	return f.typ
}

// Instance returns the protocol instance
func (f *FSM) Instance() Instance {
	return f.inst
}

// State returns current state
func (f *FSM) State() State {
	return f.state
}

// Dead returns true if the FSM is finished, it ignores all inputs afterwards
func (f *FSM) Dead() bool {
	return f.dead
}

// Reason returns the recorded reason, ReasonNone if there is none
func (f *FSM) Reason() Reason {
	return f.reason
}

// Drain returns and clears queued outputs
func (f *FSM) Drain() []Output {
	r := f.outputs
	f.outputs = nil
	return r
}

// Up signals the lower layer is up
func (f *FSM) Up() {
	f.input(EventUp)
}

// Open is the administrative open
func (f *FSM) Open() {
	f.input(EventOpen)
}

// Down signals the lower layer is down with reason r
func (f *FSM) Down(r Reason) {
	if f.dead {
		return
	}
	f.recordReason(r)
	f.restartInst()
	f.input(EventDown)
}

// Close is the administrative close with reason r
func (f *FSM) Close(r Reason) {
	if f.dead {
		return
	}
	f.recordReason(r)
	f.input(EventClose)
}

// ProtoRejected signals that the peer rejected this FSM's protocol
func (f *FSM) ProtoRejected(fatal bool) {
	if f.dead {
		return
	}
	if fatal {
		f.recordReason(NewReason(ReasonProtoRej, "%v rejected by peer", f.typ.Proto))
		f.input(EventProtoRejFatal)
		return
	}
	f.input(EventProtoRejNonFatal)
}

func (f *FSM) recordReason(r Reason) {
	if f.reason.Kind == ReasonNone || f.reason.overwritable() {
		f.reason = r
	}
}

// fail records r and closes the FSM
func (f *FSM) fail(r Reason) {
	f.logger.Warn("fatal error", zap.Stringer("reason", r))
	f.Close(r)
}

func (f *FSM) setFatal(r Reason) {
	if f.fatal == nil {
		f.fatal = &r
	}
}

func (f *FSM) input(ev Event) {
	if f.dead {
		f.logger.Debug("ignore event of dead FSM", zap.Stringer("event", ev))
		return
	}
	t := fsmTable[ev][f.state]
	if t == nil {
		f.logger.Debug("invalid event", zap.Stringer("event", ev), zap.Stringer("state", f.state))
		return
	}
	from := f.state
	for _, a := range t.acts {
		f.do(a, t)
		if f.dead {
			break
		}
	}
	f.setState(t.next)
	f.logger.Debug("event", zap.Stringer("event", ev), zap.Stringer("from", from), zap.Stringer("to", f.state))
	if f.evtHook != nil {
		f.evtHook(f.typ, ev, from, f.state)
	}
	if ev == EventClose && (f.state == StateInitial || f.state == StateClosed) {
		f.die()
	}
	if f.fatal != nil {
		r := *f.fatal
		f.fatal = nil
		f.fail(r)
	}
}

func timedState(s State) bool {
	switch s {
	case StateClosing, StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		return true
	}
	return false
}

func (f *FSM) setState(s State) {
	if f.state < StateReqSent && s >= StateReqSent {
		f.failure[Self] = f.cfg.MaxFailure
		f.failure[Peer] = f.cfg.MaxFailure
	}
	f.state = s
	if !timedState(s) {
		f.stopTimer()
	}
}

func (t *transition) has(a action) bool {
	for _, x := range t.acts {
		if x == a {
			return true
		}
	}
	return false
}

func (f *FSM) do(a action, t *transition) {
	switch a {
	case actTLU:
		f.logger.Info("up")
		f.output(Output{Kind: OutputUp})
		f.startEcho()
	case actTLD:
		f.logger.Info("down", zap.Stringer("reason", f.reason))
		f.stopEcho()
		f.output(Output{Kind: OutputDown, Reason: f.reason})
	case actTLS:
		f.restartInst()
		f.output(Output{Kind: OutputStart})
	case actTLF:
		f.die()
	case actIRC:
		if t.has(actSTR) {
			f.restart = f.cfg.MaxTerminate
		} else {
			f.restart = f.cfg.MaxConfigure
		}
	case actZRC:
		f.restart = 0
		f.armTimer()
	case actSCR:
		opts := Options{}
		if err := f.inst.BuildConfReq(&opts); err != nil {
			f.setFatal(reasonFromError(err))
			return
		}
		buf, err := opts.Pack()
		if err != nil {
			f.setFatal(NewReason(ReasonFailed, "failed to encode own options, %v", err))
			return
		}
		f.self = opts
		f.reqID = f.newID()
		f.send(CodeConfigureRequest, f.reqID, buf)
		f.armTimer()
	case actSCA:
		f.failure[Peer] = f.cfg.MaxFailure
		f.send(CodeConfigureAck, f.rcvdID, f.ackData)
	case actSCN:
		f.failure[Peer]--
		if f.failure[Peer] <= 0 {
			f.setFatal(NewReason(ReasonFailed, "negotiation failed to converge"))
			return
		}
		code, opts := CodeConfigureNak, f.nak
		if len(f.rej) > 0 {
			code, opts = CodeConfigureReject, f.rej
		}
		buf, err := opts.Pack()
		if err != nil {
			f.setFatal(NewReason(ReasonFailed, "failed to encode %v, %v", code, err))
			return
		}
		f.send(code, f.rcvdID, buf)
	case actSTR:
		f.send(CodeTerminateRequest, f.newID(), nil)
		f.armTimer()
	case actSTA:
		f.send(CodeTerminateAck, f.rcvdID, nil)
	}
}

func (f *FSM) restartInst() {
	if r, ok := f.inst.(restarter); ok {
		r.restart()
	}
}

func (f *FSM) die() {
	if f.dead {
		return
	}
	f.dead = true
	f.stopTimer()
	f.stopEcho()
	if f.reason.Kind == ReasonNone {
		f.reason = Reason{Kind: ReasonClose}
	}
	f.logger.Info("dead", zap.Stringer("reason", f.reason))
	f.output(Output{Kind: OutputDead, Reason: f.reason})
}

func (f *FSM) output(o Output) {
	f.outputs = append(f.outputs, o)
	if len(f.outputs) == 1 && f.notify != nil {
		f.sched.Post(f.notify)
	}
}

func (f *FSM) newID() uint8 {
	f.nextID++
	return f.nextID
}

func (f *FSM) send(code MsgCode, id uint8, payload []byte) {
	pkt := &Pkt{Code: code, ID: id, Payload: payload}
	f.logger.Sugar().Debugf("sending %v pkt:\n%v", f.typ.Name, pkt)
	f.output(Output{Kind: OutputData, Proto: f.typ.Proto, Data: pkt.Serialize()})
}

func (f *FSM) armTimer() {
	f.stopTimer()
	f.timer = f.sched.AfterFunc(f.cfg.RestartTimeout, f.expire)
}

func (f *FSM) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *FSM) expire() {
	f.timer = nil
	if f.dead {
		return
	}
	f.restart--
	if f.restart <= 0 {
		f.recordReason(NewReason(ReasonTimeout, "no response from peer"))
		f.input(EventTimeoutMinus)
		return
	}
	f.input(EventTimeoutPlus)
}

func (f *FSM) startEcho() {
	if f.cfg.EchoInterval <= 0 || !f.typ.Codes.Has(CodeEchoRequest) {
		return
	}
	f.echoMiss = 0
	f.stopEcho()
	f.echoTimer = f.sched.AfterFunc(f.cfg.EchoInterval, f.echoTick)
}

func (f *FSM) stopEcho() {
	if f.echoTimer != nil {
		f.echoTimer.Stop()
		f.echoTimer = nil
	}
}

func (f *FSM) echoTick() {
	f.echoTimer = nil
	if f.dead || f.state != StateOpened {
		return
	}
	if f.echoMiss >= f.cfg.EchoMaxFail {
		f.fail(NewReason(ReasonTimeout, "no echo reply"))
		return
	}
	f.echoMiss++
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, f.inst.Magic(Self))
	f.send(CodeEchoRequest, f.newID(), buf)
	f.echoTimer = f.sched.AfterFunc(f.cfg.EchoInterval, f.echoTick)
}

func minPayloadLen(code MsgCode) int {
	switch code {
	case CodeCodeReject, CodeEchoRequest, CodeEchoReply, CodeDiscardRequest:
		return 4
	case CodeProtocolReject:
		return 2
	}
	return 0
}

// Recv handles a received pkt of the FSM's protocol, buf starts with the code field
func (f *FSM) Recv(buf []byte) {
	if f.dead {
		return
	}
	pkt := new(Pkt)
	if err := pkt.Parse(buf); err != nil {
		f.logger.Warn("drop invalid pkt", zap.Error(err))
		return
	}
	f.logger.Sugar().Debugf("received %v pkt in state %v:\n%v", f.typ.Name, f.state, pkt)
	if !f.typ.Codes.Has(pkt.Code) {
		if f.state == StateInitial || f.state == StateStarting {
			return
		}
		f.sendCodeRej(buf[:headerLen+len(pkt.Payload)])
		return
	}
	if len(pkt.Payload) < minPayloadLen(pkt.Code) {
		f.logger.Warn("drop short pkt", zap.Stringer("code", pkt.Code), zap.Int("len", len(pkt.Payload)))
		return
	}
	switch pkt.Code {
	case CodeConfigureRequest:
		f.recvConfReq(pkt)
	case CodeConfigureAck:
		f.recvConfAck(pkt)
	case CodeConfigureNak, CodeConfigureReject:
		f.recvConfNakRej(pkt)
	case CodeTerminateRequest:
		f.rcvdID = pkt.ID
		if f.state == StateOpened {
			f.recordReason(NewReason(ReasonTerm, "terminated by peer"))
		}
		f.input(EventTermReq)
	case CodeTerminateAck:
		f.input(EventTermAck)
	case CodeCodeReject:
		code := MsgCode(pkt.Payload[0])
		if f.typ.Required.Has(code) {
			f.recordReason(NewReason(ReasonCodeRej, "peer rejected %v", code))
			f.input(EventCodeRejFatal)
		} else {
			f.input(EventCodeRejNonFatal)
		}
	case CodeProtocolReject:
		if f.state != StateOpened {
			return
		}
		f.output(Output{
			Kind:  OutputProtoRej,
			Proto: PPPProtocolNumber(binary.BigEndian.Uint16(pkt.Payload)),
		})
	case CodeEchoRequest:
		if f.state != StateOpened || !f.checkMagic(pkt) {
			return
		}
		reply := make([]byte, len(pkt.Payload))
		binary.BigEndian.PutUint32(reply, f.inst.Magic(Self))
		copy(reply[4:], pkt.Payload[4:])
		f.send(CodeEchoReply, pkt.ID, reply)
	case CodeEchoReply:
		if f.state != StateOpened || !f.checkMagic(pkt) {
			return
		}
		f.echoMiss = 0
	case CodeDiscardRequest:
		if f.state == StateOpened {
			f.checkMagic(pkt)
		}
	case CodeResetRequest:
		if f.state == StateOpened {
			f.inst.RecvResetReq(pkt.ID, pkt.Payload)
		}
	case CodeResetAck:
		if f.state == StateOpened {
			f.inst.RecvResetAck(pkt.ID, pkt.Payload)
		}
	}
}

// checkMagic returns false and fails the FSM if magic number in pkt is wrong
func (f *FSM) checkMagic(pkt *Pkt) bool {
	self, peer := f.inst.Magic(Self), f.inst.Magic(Peer)
	if self == 0 || peer == 0 {
		return true
	}
	m := binary.BigEndian.Uint32(pkt.Payload)
	switch {
	case m == self:
		f.fail(NewReason(ReasonBadMagic, "own magic number %x in %v, link is looped back", m, pkt.Code))
		return false
	case m != peer:
		f.fail(NewReason(ReasonBadMagic, "wrong magic number %x in %v, expect %x", m, pkt.Code, peer))
		return false
	}
	return true
}

func (f *FSM) recvConfReq(pkt *Pkt) {
	f.rcvdID = pkt.ID
	switch f.state {
	case StateStopped, StateReqSent, StateAckRcvd, StateAckSent, StateOpened:
	default:
		f.input(EventConfReqGood)
		return
	}
	req := ParseOptions(pkt.Payload)
	var nak, rej Options
	filtered := Options{}
	for _, o := range req {
		d := f.typ.desc(o.Type)
		if d == nil || !d.Supported || len(o.Data) < d.MinLen || len(o.Data) > d.MaxLen {
			rej = append(rej, o)
			continue
		}
		filtered = append(filtered, o)
	}
	if err := f.inst.RecvConfReq(filtered, &nak, &rej); err != nil {
		f.fail(reasonFromError(err))
		return
	}
	f.ackData = append([]byte(nil), pkt.Payload...)
	f.nak, f.rej = nak, rej
	if len(nak) > 0 || len(rej) > 0 {
		f.logger.Debug("nak/reject peer request", zap.String("nak", nak.Format(f.typ.Options)), zap.String("rej", rej.Format(f.typ.Options)))
		f.input(EventConfReqBad)
		return
	}
	f.input(EventConfReqGood)
}

func (f *FSM) ownReqState() bool {
	switch f.state {
	case StateReqSent, StateAckRcvd, StateAckSent, StateOpened:
		return true
	}
	return false
}

func (f *FSM) recvConfAck(pkt *Pkt) {
	f.rcvdID = pkt.ID
	if f.ownReqState() {
		if pkt.ID != f.reqID {
			f.logger.Warn("drop Conf-Ack with unexpected id", zap.Uint8("id", pkt.ID), zap.Uint8("expect", f.reqID))
			return
		}
		if !ParseOptions(pkt.Payload).Equal(f.self) {
			f.logger.Warn("drop Conf-Ack not matching own request")
			return
		}
		f.failure[Self] = f.cfg.MaxFailure
	}
	f.input(EventConfAck)
}

func (f *FSM) recvConfNakRej(pkt *Pkt) {
	f.rcvdID = pkt.ID
	if f.ownReqState() {
		if pkt.ID != f.reqID {
			f.logger.Warn("drop pkt with unexpected id", zap.Stringer("code", pkt.Code), zap.Uint8("id", pkt.ID), zap.Uint8("expect", f.reqID))
			return
		}
		opts := ParseOptions(pkt.Payload)
		var err error
		if pkt.Code == CodeConfigureReject {
			for _, o := range opts {
				if !f.self.Contains(o) {
					f.logger.Warn("drop Conf-Reject with option not in own request", zap.Uint8("type", o.Type))
					return
				}
			}
			err = f.inst.RecvConfRej(opts)
		} else {
			err = f.inst.RecvConfNak(opts)
		}
		if err != nil {
			f.fail(reasonFromError(err))
			return
		}
		f.failure[Self]--
		if f.failure[Self] <= 0 {
			f.fail(NewReason(ReasonFailed, "negotiation failed to converge"))
			return
		}
	}
	f.input(EventConfNakOrRej)
}

func (f *FSM) sendCodeRej(rejected []byte) {
	if len(rejected) > maxCodeRejLen {
		rejected = rejected[:maxCodeRejLen]
	}
	f.send(CodeCodeReject, f.newID(), rejected)
}

// SendProtoRej sends a Protocol-Reject of proto with the rejected data
func (f *FSM) SendProtoRej(proto PPPProtocolNumber, data []byte) {
	if f.dead || !f.typ.Codes.Has(CodeProtocolReject) {
		return
	}
	if f.state != StateOpened && !f.typ.AlwaysProtoRej {
		return
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(proto))
	copy(buf[2:], data)
	f.send(CodeProtocolReject, f.newID(), buf)
}

// SendResetReq sends a Reset-Request, only in Opened state
func (f *FSM) SendResetReq(data []byte) {
	if f.dead || f.state != StateOpened || !f.typ.Codes.Has(CodeResetRequest) {
		return
	}
	f.send(CodeResetRequest, f.newID(), data)
}

// SendResetAck sends a Reset-Ack with id, only in Opened state
func (f *FSM) SendResetAck(id uint8, data []byte) {
	if f.dead || f.state != StateOpened || !f.typ.Codes.Has(CodeResetAck) {
		return
	}
	f.send(CodeResetAck, id, data)
}
