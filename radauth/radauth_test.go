package radauth

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

const testSecret = "s3cret"

var users = map[string]string{"alice": "apass"}

func handler(w radius.ResponseWriter, r *radius.Request) {
	name := rfc2865.UserName_GetString(r.Packet)
	passwd, ok := users[name]
	accept := false
	if ok {
		if chap, err := rfc2865.CHAPPassword_Lookup(r.Packet); err == nil {
			challenge, _ := rfc2865.CHAPChallenge_Lookup(r.Packet)
			h := md5.New()
			h.Write(chap[:1])
			h.Write([]byte(passwd))
			h.Write(challenge)
			accept = len(chap) == 17 && bytes.Equal(h.Sum(nil), chap[1:])
		} else if got, err := rfc2865.UserPassword_LookupString(r.Packet); err == nil {
			accept = got == passwd
		}
	}
	if !accept {
		resp := r.Response(radius.CodeAccessReject)
		rfc2865.ReplyMessage_SetString(resp, "go away")
		w.Write(resp)
		return
	}
	resp := r.Response(radius.CodeAccessAccept)
	rfc2865.FramedIPAddress_Set(resp, net.ParseIP("100.64.0.7"))
	w.Write(resp)
}

func newServer(t *testing.T) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &radius.PacketServer{
		Handler:      radius.HandlerFunc(handler),
		SecretSource: radius.StaticSecretSource([]byte(testSecret)),
	}
	go srv.Serve(conn)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return conn.LocalAddr().String()
}

func newBackend(t *testing.T, servers ...string) *Backend {
	b, err := New(Config{Servers: servers, Secret: testSecret, NASID: "zoumlppp", Timeout: time.Second, Retry: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return b
}

func TestCheckPAP(t *testing.T) {
	b := newBackend(t, newServer(t))
	_, resp, err := b.Check(context.Background(), auth.Credential{Type: lcp.AuthPAP, Name: "alice", Password: "apass"})
	require.NoError(t, err)
	assert.True(t, resp.Verified)
	assert.Equal(t, "100.64.0.7", resp.PeerIP.String())

	_, resp, err = b.Check(context.Background(), auth.Credential{Type: lcp.AuthPAP, Name: "alice", Password: "wrong"})
	require.NoError(t, err)
	assert.False(t, resp.Verified)
	assert.Equal(t, "go away", resp.Error)
}

func TestCheckCHAP(t *testing.T) {
	b := newBackend(t, newServer(t))
	challenge := []byte("0123456789abcdef")
	h := md5.New()
	h.Write([]byte{7})
	h.Write([]byte("apass"))
	h.Write(challenge)
	cred := auth.Credential{Type: lcp.AuthCHAPMD5, Name: "alice", ID: 7, Challenge: challenge, Response: h.Sum(nil)}
	_, resp, err := b.Check(context.Background(), cred)
	require.NoError(t, err)
	assert.True(t, resp.Verified)

	cred.ID = 8
	_, resp, err = b.Check(context.Background(), cred)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
}

func TestUnsupported(t *testing.T) {
	b := newBackend(t, "127.0.0.1:1812")
	_, _, err := b.Check(context.Background(), auth.Credential{Type: lcp.AuthCHAPMSv2, Name: "alice"})
	assert.ErrorIs(t, err, auth.ErrUnsupported)
	_, _, err = b.Acquire(context.Background(), auth.Credential{Type: lcp.AuthPAP})
	assert.ErrorIs(t, err, auth.ErrUnsupported)
}

func TestFailover(t *testing.T) {
	b := newBackend(t, "127.0.0.1:1", newServer(t))
	var tried []string
	exchange := b.exchange
	b.exchange = func(ctx context.Context, p *radius.Packet, addr string) (*radius.Packet, error) {
		tried = append(tried, addr)
		if len(tried) == 1 {
			return nil, errors.New("unreachable")
		}
		return exchange(ctx, p, addr)
	}
	_, resp, err := b.Check(context.Background(), auth.Credential{Type: lcp.AuthPAP, Name: "alice", Password: "apass"})
	require.NoError(t, err)
	assert.True(t, resp.Verified)
	assert.Len(t, tried, 2)
	assert.Equal(t, "127.0.0.1:1", tried[0])
}

func TestNewInvalid(t *testing.T) {
	_, err := New(Config{Secret: "x"}, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = New(Config{Servers: []string{"127.0.0.1:1812"}}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
