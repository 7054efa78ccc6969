// Package pap implements PAP protocol as specified in RFC1334
package pap

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default timeout for PAP
	DefaultTimeout = 5 * time.Second
	// DefaultRetry is the default retry for PAP
	DefaultRetry = 3
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

// Requester authenticates self to the peer
type Requester struct {
	env      auth.Env
	logger   *zap.Logger
	timeout  time.Duration
	retry    int
	reqID    uint8
	req      *Pkt
	cred     auth.Credential
	task     *sched.Task
	timer    sched.Timer
	finished bool
}

// NewRequester returns a new Requester, timeout and retry come from env or the defaults
func NewRequester(env auth.Env) *Requester {
	r := &Requester{
		env:     env,
		logger:  env.Logger.Named("PAP"),
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

// Start acquires own credential then sends the first auth request
func (pap *Requester) Start() {
	if pap.task.Pending() || pap.finished {
		return
	}
	pap.task = sched.Start(pap.env.Sched, pap.env.Ctx,
		backendCall(pap.env.Backend.Acquire, auth.Credential{Type: lcp.AuthPAP}),
		func(r credResult, err error) {
			if err != nil {
				pap.finish(false, fmt.Sprintf("failed to acquire credential, %v", err))
				return
			}
			pap.cred = r.cred
			pap.req = &Pkt{
				Code:   CodeAuthRequest,
				PeerID: []byte(r.cred.Name),
				Passwd: []byte(r.cred.Password),
			}
			pap.send()
		})
}

func (pap *Requester) send() {
	if pap.retry <= 0 {
		pap.finish(false, "timeout")
		return
	}
	pap.retry--
	pap.reqID++
	pap.req.ID = pap.reqID
	buf, err := pap.req.Serialize()
	if err != nil {
		pap.finish(false, err.Error())
		return
	}
	pap.env.Host.Send(lcp.ProtoPAP, buf)
	pap.logger.Sugar().Debugf("sent PAP auth request:\n%v", pap.req)
	pap.timer = pap.env.Sched.AfterFunc(pap.timeout, pap.send)
}

// Recv handles Auth-Ack/Nak, other codes are dropped
func (pap *Requester) Recv(pkt []byte) {
	resp := new(Pkt)
	if err := resp.Parse(pkt); err != nil {
		pap.logger.Sugar().Warnf("got a invalid PAP response, %v", err)
		return
	}
	if resp.Code != CodeAuthACK && resp.Code != CodeAuthNAK {
		return
	}
	if pap.req == nil || pap.finished || resp.ID != pap.reqID {
		pap.logger.Sugar().Debugf("dropped unexpected PAP response\n%v", resp)
		return
	}
	pap.logger.Sugar().Debugf("got PAP response\n%v", resp)
	if resp.Code == CodeAuthACK {
		pap.finish(true, string(resp.Msg))
		return
	}
	pap.finish(false, fmt.Sprintf("auth failed, %v", string(resp.Msg)))
}

func (pap *Requester) finish(ok bool, msg string) {
	if pap.finished {
		return
	}
	pap.finished = true
	pap.Stop()
	pap.env.Host.Finish(auth.Result{
		Type: lcp.AuthPAP,
		Dir:  lcp.Peer,
		OK:   ok,
		Msg:  msg,
		Name: pap.cred.Name,
	})
}

// Stop implements auth.Machine interface
func (pap *Requester) Stop() {
	if pap.timer != nil {
		pap.timer.Stop()
	}
	pap.task.Cancel()
}

// Responder authenticates the peer
type Responder struct {
	env      auth.Env
	logger   *zap.Logger
	task     *sched.Task
	lastResp *Pkt
	finished bool
}

// NewResponder returns a new Responder
func NewResponder(env auth.Env) *Responder {
	return &Responder{
		env:    env,
		logger: env.Logger.Named("PAP"),
	}
}

// Start implements auth.Machine interface, Responder waits for peer's request
func (pap *Responder) Start() {}

// Recv handles Auth-Request; one check at a time, requests arriving meanwhile are dropped.
// A request after the verdict gets the same verdict again.
func (pap *Responder) Recv(pkt []byte) {
	req := new(Pkt)
	if err := req.Parse(pkt); err != nil {
		pap.logger.Sugar().Warnf("got a invalid PAP request, %v", err)
		return
	}
	if req.Code != CodeAuthRequest {
		return
	}
	pap.logger.Sugar().Debugf("got PAP request\n%v", req)
	if pap.lastResp != nil {
		pap.lastResp.ID = req.ID
		pap.reply(pap.lastResp)
		return
	}
	if pap.task.Pending() {
		pap.logger.Debug("check in progress, dropped PAP request")
		return
	}
	cred := auth.Credential{
		Type:     lcp.AuthPAP,
		Name:     string(req.PeerID),
		Password: string(req.Passwd),
	}
	pap.task = sched.Start(pap.env.Sched, pap.env.Ctx, backendCall(pap.env.Backend.Check, cred),
		func(r credResult, err error) {
			if err != nil {
				pap.logger.Sugar().Warnf("failed to check credential of %v, %v", cred.Name, err)
			}
			ok, msg := verify(cred, r.resp, err)
			code := CodeAuthNAK
			if ok {
				code = CodeAuthACK
			}
			pap.lastResp = &Pkt{Code: code, ID: req.ID, Msg: []byte(msg)}
			pap.reply(pap.lastResp)
			pap.finish(ok, msg, cred.Name, r.resp)
		})
}

func verify(cred auth.Credential, resp auth.Response, err error) (bool, string) {
	switch {
	case err != nil:
		return false, "Authentication failed"
	case resp.Error != "":
		return false, resp.Error
	case resp.Verified:
		return true, "Authentication succeeded"
	case subtle.ConstantTimeCompare([]byte(cred.Password), []byte(resp.Password)) == 1:
		return true, "Authentication succeeded"
	}
	return false, "Invalid username or password"
}

func (pap *Responder) reply(p *Pkt) {
	buf, err := p.Serialize()
	if err != nil {
		pap.logger.Sugar().Errorf("failed to serialize PAP response, %v", err)
		return
	}
	pap.env.Host.Send(lcp.ProtoPAP, buf)
	pap.logger.Sugar().Debugf("sent PAP response:\n%v", p)
}

func (pap *Responder) finish(ok bool, msg, name string, resp auth.Response) {
	if pap.finished {
		return
	}
	pap.finished = true
	pap.env.Host.Finish(auth.Result{
		Type:     lcp.AuthPAP,
		Dir:      lcp.Self,
		OK:       ok,
		Msg:      msg,
		Name:     name,
		Response: resp,
	})
}

// Stop implements auth.Machine interface
func (pap *Responder) Stop() {
	pap.task.Cancel()
}
