package lcp

// ShellType is the MP-LCP shell descriptor; the shell runs LCP protocol number on the bundle
// only to send Protocol-Reject of unknown bundle protocols, it never negotiates
var ShellType = &Type{
	Name:           "MP-LCP",
	Proto:          ProtoLCP,
	Codes:          Codes(CodeProtocolReject),
	AlwaysProtoRej: true,
}

// Shell is the MP-LCP shell Instance; its FSM is brought up but never opened
type Shell struct{}

// NewShell returns a new Shell
func NewShell() *Shell {
	return &Shell{}
}

// Type implements Instance interface
func (s *Shell) Type() *Type {
	return ShellType
}

func (s *Shell) sealed() {}

// Magic implements Instance interface
func (s *Shell) Magic(d Dir) uint32 {
	return 0
}

// BuildConfReq implements Instance interface
func (s *Shell) BuildConfReq(req *Options) error {
	return nil
}

// RecvConfReq implements Instance interface
func (s *Shell) RecvConfReq(req Options, nak, rej *Options) error {
	rej.Append(req...)
	return nil
}

// RecvConfNak implements Instance interface
func (s *Shell) RecvConfNak(nak Options) error {
	return nil
}

// RecvConfRej implements Instance interface
func (s *Shell) RecvConfRej(rej Options) error {
	return nil
}

// RecvResetReq implements Instance interface
func (s *Shell) RecvResetReq(id uint8, data []byte) {}

// RecvResetAck implements Instance interface
func (s *Shell) RecvResetAck(id uint8, data []byte) {}
