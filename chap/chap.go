// Package chap implements CHAP as specified in rfc1994, with MS-CHAPv1 (rfc2433) and MS-CHAPv2 (rfc2759) variants
package chap

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default challenge retransmit interval
	DefaultTimeout = 3 * time.Second
	// DefaultRetry is the default number of challenges sent
	DefaultRetry = 5
)

type credResult struct {
	cred auth.Credential
	resp auth.Response
}

func backendCall(f func(context.Context, auth.Credential) (auth.Credential, auth.Response, error), in auth.Credential) func(context.Context) (credResult, error) {
	return func(ctx context.Context) (credResult, error) {
		cred, resp, err := f(ctx, in)
		return credResult{cred: cred, resp: resp}, err
	}
}

func newLogger(env auth.Env, v *Variant) *zap.Logger {
	return env.Logger.Named("CHAP").With(zap.Stringer("type", v.Type))
}

func send(env auth.Env, logger *zap.Logger, p *Pkt) {
	buf, err := p.Serialize()
	if err != nil {
		logger.Sugar().Errorf("failed to serialize CHAP pkt, %v", err)
		return
	}
	env.Host.Send(lcp.ProtoCHAP, buf)
	logger.Sugar().Debugf("send CHAP pkt:\n%v", p)
}

// Challenger authenticates the peer
type Challenger struct {
	env       auth.Env
	v         *Variant
	logger    *zap.Logger
	timeout   time.Duration
	retry     int
	challenge *Pkt
	timer     sched.Timer
	task      *sched.Task
	final     *Pkt
	finished  bool
}

// NewChallenger returns a Challenger with variant v, timeout and retry come from env or the defaults
func NewChallenger(env auth.Env, v *Variant) *Challenger {
	r := &Challenger{
		env:     env,
		v:       v,
		logger:  newLogger(env, v),
		timeout: DefaultTimeout,
		retry:   DefaultRetry,
	}
	if env.Timeout > 0 {
		r.timeout = env.Timeout
	}
	if env.Retry > 0 {
		r.retry = env.Retry
	}
	return r
}

// Start sends the first challenge
func (chap *Challenger) Start() {
	if chap.challenge != nil {
		return
	}
	buf := make([]byte, chap.v.ChallengeLen+1)
	if _, err := rand.Read(buf); err != nil {
		chap.finish(false, fmt.Sprintf("failed to generate challenge, %v", err), "", auth.Response{})
		return
	}
	chap.challenge = &Pkt{Code: CodeChallenge, ID: buf[0], Value: buf[1:]}
	chap.sendChallenge()
}

func (chap *Challenger) sendChallenge() {
	if chap.retry <= 0 {
		chap.finish(false, "timeout", "", auth.Response{})
		return
	}
	chap.retry--
	send(chap.env, chap.logger, chap.challenge)
	chap.timer = chap.env.Sched.AfterFunc(chap.timeout, chap.sendChallenge)
}

// Recv handles Response, other codes are dropped.
// One check at a time, responses arriving meanwhile are dropped; a response after the verdict gets the verdict again.
func (chap *Challenger) Recv(pkt []byte) {
	p := new(Pkt)
	if err := p.Parse(pkt); err != nil {
		chap.logger.Sugar().Warnf("got an invalid CHAP pkt, %v", err)
		return
	}
	if p.Code != CodeResponse {
		return
	}
	if chap.challenge == nil || p.ID != chap.challenge.ID {
		chap.logger.Sugar().Debugf("dropped CHAP response with unexpected id %d", p.ID)
		return
	}
	if chap.final != nil {
		send(chap.env, chap.logger, chap.final)
		return
	}
	if chap.finished {
		return
	}
	if chap.task.Pending() {
		chap.logger.Debug("check in progress, dropped CHAP response")
		return
	}
	if len(p.Value) != chap.v.ValueLen {
		chap.logger.Sugar().Warnf("dropped CHAP response with value length %d, expect %d", len(p.Value), chap.v.ValueLen)
		return
	}
	chap.logger.Sugar().Debugf("got CHAP response:\n%v", p)
	if chap.timer != nil {
		chap.timer.Stop()
	}
	x := &Exchange{
		ID:        p.ID,
		Challenge: chap.challenge.Value,
		Value:     append([]byte(nil), p.Value...),
		Name:      string(p.Name),
	}
	cred := auth.Credential{
		Type:      chap.v.Type,
		Name:      x.Name,
		ID:        x.ID,
		Challenge: x.Challenge,
		Response:  x.Value,
	}
	chap.task = sched.Start(chap.env.Sched, chap.env.Ctx, backendCall(chap.env.Backend.Check, cred),
		func(r credResult, err error) {
			x.Response = r.resp
			x.Secret = r.resp.Password
			ok, msg := false, "Authentication failed"
			switch {
			case err != nil:
				chap.logger.Sugar().Warnf("failed to check credential of %v, %v", x.Name, err)
			case r.resp.Error != "":
				msg = r.resp.Error
			case r.resp.Verified || chap.v.Equal(x):
				ok, msg = true, "Authentication succeeded"
			}
			code := CodeFailure
			if ok {
				code = CodeSuccess
			}
			chap.final = &Pkt{Code: code, ID: x.ID, Msg: chap.v.Final(x, ok, msg)}
			send(chap.env, chap.logger, chap.final)
			chap.finish(ok, msg, x.Name, x.Response)
		})
}

func (chap *Challenger) finish(ok bool, msg, name string, resp auth.Response) {
	if chap.finished {
		return
	}
	chap.finished = true
	if chap.timer != nil {
		chap.timer.Stop()
	}
	chap.env.Host.Finish(auth.Result{
		Type:     chap.v.Type,
		Dir:      lcp.Self,
		OK:       ok,
		Msg:      msg,
		Name:     name,
		Response: resp,
	})
}

// Stop implements auth.Machine interface
func (chap *Challenger) Stop() {
	if chap.timer != nil {
		chap.timer.Stop()
	}
	chap.task.Cancel()
}

// Responder authenticates self to the peer
type Responder struct {
	env      auth.Env
	v        *Variant
	logger   *zap.Logger
	task     *sched.Task
	x        *Exchange
	finished bool
}

// NewResponder returns a Responder with variant v
func NewResponder(env auth.Env, v *Variant) *Responder {
	return &Responder{
		env:    env,
		v:      v,
		logger: newLogger(env, v),
	}
}

// Start implements auth.Machine interface, Responder waits for peer's challenge
func (chap *Responder) Start() {}

// Recv handles Challenge, Success and Failure
func (chap *Responder) Recv(pkt []byte) {
	p := new(Pkt)
	if err := p.Parse(pkt); err != nil {
		chap.logger.Sugar().Warnf("got an invalid CHAP pkt, %v", err)
		return
	}
	if chap.finished {
		return
	}
	chap.logger.Sugar().Debugf("got CHAP pkt:\n%v", p)
	switch p.Code {
	case CodeChallenge:
		chap.recvChallenge(p)
	case CodeSuccess, CodeFailure:
		if chap.x == nil || p.ID != chap.x.ID {
			chap.logger.Sugar().Debugf("dropped CHAP %v with unexpected id %d", p.Code, p.ID)
			return
		}
		if p.Code == CodeFailure {
			chap.finish(false, fmt.Sprintf("auth failed, %v", string(p.Msg)))
			return
		}
		if chap.v.Verify != nil && !chap.v.Verify(chap.x, p.Msg) {
			chap.finish(false, "invalid authenticator response")
			return
		}
		chap.finish(true, string(p.Msg))
	}
}

func (chap *Responder) recvChallenge(p *Pkt) {
	if chap.task.Pending() {
		chap.logger.Debug("acquire in progress, dropped CHAP challenge")
		return
	}
	stub := auth.Credential{
		Type:      chap.v.Type,
		ID:        p.ID,
		Challenge: append([]byte(nil), p.Value...),
	}
	chap.task = sched.Start(chap.env.Sched, chap.env.Ctx, backendCall(chap.env.Backend.Acquire, stub),
		func(r credResult, err error) {
			if err != nil {
				chap.finish(false, fmt.Sprintf("failed to acquire credential, %v", err))
				return
			}
			x := &Exchange{
				ID:        stub.ID,
				Challenge: stub.Challenge,
				Name:      r.cred.Name,
				Secret:    r.cred.Password,
				Response:  r.resp,
			}
			if r.resp.Password != "" {
				x.Secret = r.resp.Password
			}
			if len(r.cred.Response) > 0 {
				// backend computed the response itself
				x.Value = r.cred.Response
			} else if err := chap.v.Hash(x); err != nil {
				chap.finish(false, fmt.Sprintf("failed to compute response, %v", err))
				return
			}
			chap.x = x
			send(chap.env, chap.logger, &Pkt{Code: CodeResponse, ID: x.ID, Value: x.Value, Name: []byte(x.Name)})
		})
}

func (chap *Responder) finish(ok bool, msg string) {
	if chap.finished {
		return
	}
	chap.finished = true
	chap.task.Cancel()
	r := auth.Result{
		Type: chap.v.Type,
		Dir:  lcp.Peer,
		OK:   ok,
		Msg:  msg,
	}
	if chap.x != nil {
		r.Name = chap.x.Name
		r.Response = chap.x.Response
	}
	chap.env.Host.Finish(r)
}

// Stop implements auth.Machine interface
func (chap *Responder) Stop() {
	chap.task.Cancel()
}
