package chap

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pipeHost delivers sent pkts to peer through the scheduler
type pipeHost struct {
	m       *sched.Manual
	peer    auth.Machine
	sent    []*Pkt
	results []auth.Result
}

func (h *pipeHost) Send(proto lcp.PPPProtocolNumber, pkt []byte) {
	if proto != lcp.ProtoCHAP {
		panic("not CHAP")
	}
	p := new(Pkt)
	if err := p.Parse(pkt); err != nil {
		panic(err)
	}
	h.sent = append(h.sent, p)
	if h.peer != nil {
		h.m.Post(func() { h.peer.Recv(pkt) })
	}
}

func (h *pipeHost) Finish(r auth.Result) {
	h.results = append(h.results, r)
}

// fakeMS is a deterministic stand-in of the MS-CHAP hashes
type fakeMS struct{}

func (fakeMS) NTResponse(authChallenge, peerChallenge []byte, name, secret string) ([]byte, error) {
	h := md5.New()
	h.Write(authChallenge)
	h.Write(peerChallenge)
	h.Write([]byte(name + secret))
	return append(h.Sum(nil), make([]byte, 8)...), nil
}

func (fakeMS) AuthenticatorResponse(secret string, ntResponse, peerChallenge, authChallenge []byte, name string) (string, error) {
	h := md5.New()
	h.Write([]byte(secret))
	h.Write(ntResponse)
	return "S=" + strings.ToUpper(hex.EncodeToString(h.Sum(nil))) + "00000000", nil
}

func (fakeMS) MPPEKeys(secret string, ntResponse []byte) (auth.MPPEKeys, error) {
	var k auth.MPPEKeys
	copy(k.Send[:], secret)
	copy(k.Key128[:], secret)
	return k, nil
}

type countingBackend struct {
	auth.Backend
	verified bool
	acquires int
}

func (b *countingBackend) Acquire(ctx context.Context, stub auth.Credential) (auth.Credential, auth.Response, error) {
	b.acquires++
	return b.Backend.Acquire(ctx, stub)
}

func (b *countingBackend) Check(ctx context.Context, cred auth.Credential) (auth.Credential, auth.Response, error) {
	cred, resp, err := b.Backend.Check(ctx, cred)
	if b.verified && resp.Error == "" {
		resp.Verified = true
	}
	return cred, resp, err
}

type chapPair struct {
	m          *sched.Manual
	ch         *Challenger
	resp       *Responder
	chHost     *pipeHost
	respHost   *pipeHost
	chBackend  *countingBackend
	rspBackend *countingBackend
}

func newChapPair(t *testing.T, v func() *Variant, secret string) *chapPair {
	m := sched.NewManual()
	logger := zaptest.NewLogger(t)
	p := &chapPair{
		m:          m,
		chHost:     &pipeHost{m: m},
		respHost:   &pipeHost{m: m},
		chBackend:  &countingBackend{Backend: auth.NewSecrets("", "", map[string]string{"bob": "bpass"})},
		rspBackend: &countingBackend{Backend: auth.NewSecrets("bob", secret, nil)},
	}
	p.ch = NewChallenger(auth.Env{Sched: m, Ctx: context.Background(), Backend: p.chBackend, Host: p.chHost, Logger: logger.Named("ch")}, v())
	p.resp = NewResponder(auth.Env{Sched: m, Ctx: context.Background(), Backend: p.rspBackend, Host: p.respHost, Logger: logger.Named("resp")}, v())
	p.chHost.peer = p.resp
	p.respHost.peer = p.ch
	return p
}

func (p *chapPair) run() {
	p.resp.Start()
	p.ch.Start()
	p.m.RunPending()
}

func TestPktCodec(t *testing.T) {
	c := &Pkt{Code: CodeChallenge, ID: 9, Value: []byte{1, 2, 3}, Name: []byte("srv")}
	buf, err := c.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 9, 0, 11, 3, 1, 2, 3, 's', 'r', 'v'}, buf)
	got := new(Pkt)
	require.NoError(t, got.Parse(buf))
	assert.Equal(t, []byte{1, 2, 3}, got.Value)
	assert.Equal(t, "srv", string(got.Name))

	buf, err = (&Pkt{Code: CodeSuccess, ID: 9, Msg: []byte("ok")}).Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 9, 0, 6, 'o', 'k'}, buf)
	require.NoError(t, got.Parse(append(buf, 0xff)))
	assert.Equal(t, "ok", string(got.Msg))

	for _, b := range [][]byte{
		{1, 9, 0},
		{1, 9, 0, 5, 0},
		{1, 9, 0, 6, 3, 1},
		{2, 9, 0, 40, 1, 1},
		{7, 9, 0, 4},
	} {
		assert.Error(t, new(Pkt).Parse(b), "%x", b)
	}
	_, err = (&Pkt{Code: CodeResponse}).Serialize()
	assert.Error(t, err)
}

func TestMD5(t *testing.T) {
	p := newChapPair(t, MD5, "bpass")
	p.run()
	require.Len(t, p.chHost.results, 1)
	require.Len(t, p.respHost.results, 1)
	cr, rr := p.chHost.results[0], p.respHost.results[0]
	assert.True(t, cr.OK, cr.Msg)
	assert.Equal(t, lcp.Self, cr.Dir)
	assert.Equal(t, "bob", cr.Name)
	assert.True(t, rr.OK, rr.Msg)
	assert.Equal(t, lcp.Peer, rr.Dir)
	assert.Equal(t, lcp.AuthCHAPMD5, rr.Type)

	challenge := p.chHost.sent[0]
	assert.Len(t, challenge.Value, 16)
	resp := p.respHost.sent[0]
	want := md5.Sum(append(append([]byte{challenge.ID}, "bpass"...), challenge.Value...))
	assert.Equal(t, want[:], resp.Value)
	assert.Zero(t, p.m.PendingTimers())
}

func TestMD5WrongSecret(t *testing.T) {
	p := newChapPair(t, MD5, "wrong")
	p.run()
	require.Len(t, p.chHost.results, 1)
	assert.False(t, p.chHost.results[0].OK)
	require.Len(t, p.respHost.results, 1)
	assert.False(t, p.respHost.results[0].OK)
	assert.Equal(t, CodeFailure, p.chHost.sent[len(p.chHost.sent)-1].Code)
}

func TestChallengerRetransmit(t *testing.T) {
	p := newChapPair(t, MD5, "bpass")
	p.chHost.peer = nil
	p.ch.Start()
	p.m.Advance(4 * DefaultTimeout)
	require.Len(t, p.chHost.sent, DefaultRetry)
	for _, s := range p.chHost.sent {
		assert.Equal(t, p.chHost.sent[0].ID, s.ID)
		assert.Equal(t, p.chHost.sent[0].Value, s.Value)
	}
	assert.Empty(t, p.chHost.results)
	p.m.Advance(DefaultTimeout)
	require.Len(t, p.chHost.results, 1)
	assert.Equal(t, "timeout", p.chHost.results[0].Msg)

	// late response after the timeout is dropped
	p.ch.Recv(mustSerialize(t, &Pkt{Code: CodeResponse, ID: p.chHost.sent[0].ID, Value: make([]byte, 16)}))
	assert.Len(t, p.chHost.results, 1)
}

func TestResponderSingleAcquire(t *testing.T) {
	p := newChapPair(t, MD5, "bpass")
	p.respHost.peer = nil
	challenge := mustSerialize(t, &Pkt{Code: CodeChallenge, ID: 1, Value: make([]byte, 16)})
	p.resp.Recv(challenge)
	p.resp.Recv(challenge)
	p.m.RunPending()
	assert.Equal(t, 1, p.rspBackend.acquires)
	require.Len(t, p.respHost.sent, 1)
	// success with a stale id is dropped
	p.resp.Recv(mustSerialize(t, &Pkt{Code: CodeSuccess, ID: 2}))
	assert.Empty(t, p.respHost.results)
	p.resp.Recv(mustSerialize(t, &Pkt{Code: CodeSuccess, ID: 1}))
	require.Len(t, p.respHost.results, 1)
	assert.True(t, p.respHost.results[0].OK)
}

func TestVariantFor(t *testing.T) {
	v, err := VariantFor(lcp.AuthCHAPMD5, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, v.ChallengeLen)
	for _, a := range []lcp.AuthType{lcp.AuthCHAPMSv1, lcp.AuthCHAPMSv2, lcp.AuthPAP} {
		_, err = VariantFor(a, nil)
		assert.ErrorIs(t, err, auth.ErrUnsupported)
	}
	v, err = VariantFor(lcp.AuthCHAPMSv1, fakeMS{})
	require.NoError(t, err)
	assert.Equal(t, 8, v.ChallengeLen)
	assert.Equal(t, 49, v.ValueLen)
}

func msv1() *Variant { return MSv1(fakeMS{}) }
func msv2() *Variant { return MSv2(fakeMS{}) }

func TestMSv1(t *testing.T) {
	p := newChapPair(t, msv1, "bpass")
	p.run()
	require.Len(t, p.chHost.results, 1)
	cr := p.chHost.results[0]
	require.True(t, cr.OK, cr.Msg)
	assert.False(t, cr.Response.MPPE.IsZero())
	require.Len(t, p.respHost.results, 1)
	assert.Equal(t, cr.Response.MPPE, p.respHost.results[0].Response.MPPE)
	assert.Equal(t, byte(1), p.respHost.sent[0].Value[48])
}

func TestMSv2LocalCompareFails(t *testing.T) {
	p := newChapPair(t, msv2, "bpass")
	p.run()
	require.Len(t, p.chHost.results, 1)
	assert.False(t, p.chHost.results[0].OK)
	last := p.chHost.sent[len(p.chHost.sent)-1]
	require.Equal(t, CodeFailure, last.Code)
	chal := strings.ToUpper(hex.EncodeToString(p.chHost.sent[0].Value))
	assert.Equal(t, fmt.Sprintf("E=691 R=0 C=%s V=3 M=Authentication failed", chal), string(last.Msg))
}

func TestMSv2BackendVerified(t *testing.T) {
	p := newChapPair(t, msv2, "bpass")
	p.chBackend.verified = true
	p.run()
	require.Len(t, p.chHost.results, 1)
	cr := p.chHost.results[0]
	require.True(t, cr.OK, cr.Msg)
	last := p.chHost.sent[len(p.chHost.sent)-1]
	require.Equal(t, CodeSuccess, last.Code)
	assert.True(t, strings.HasPrefix(string(last.Msg), "S="+cr.Response.AuthResp[2:]))
	assert.Contains(t, string(last.Msg), " M=Authentication succeeded")
	require.Len(t, p.respHost.results, 1)
	rr := p.respHost.results[0]
	assert.True(t, rr.OK, rr.Msg)
	assert.False(t, rr.Response.MPPE.IsZero())
}

func TestMSv2BadAuthenticatorResponse(t *testing.T) {
	p := newChapPair(t, msv2, "bpass")
	p.respHost.peer = nil
	p.resp.Recv(mustSerialize(t, &Pkt{Code: CodeChallenge, ID: 5, Value: make([]byte, 16)}))
	p.m.RunPending()
	require.Len(t, p.respHost.sent, 1)
	p.resp.Recv(mustSerialize(t, &Pkt{Code: CodeSuccess, ID: 5, Msg: []byte("S=0000000000000000000000000000000000000000 M=hi")}))
	require.Len(t, p.respHost.results, 1)
	assert.False(t, p.respHost.results[0].OK)
}

func mustSerialize(t *testing.T, p *Pkt) []byte {
	buf, err := p.Serialize()
	require.NoError(t, err)
	return buf
}
