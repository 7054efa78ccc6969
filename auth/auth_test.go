package auth

import (
	"context"
	"crypto/sha1"
	"testing"

	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecrets(t *testing.T) {
	s := NewSecrets("alice", "apass", map[string]string{"bob": "bpass"})
	cred, resp, err := s.Acquire(context.Background(), Credential{Type: lcp.AuthPAP})
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Name)
	assert.Equal(t, "apass", cred.Password)
	assert.Equal(t, "apass", resp.Password)

	_, resp, err = s.Check(context.Background(), Credential{Type: lcp.AuthPAP, Name: "bob", Password: "x"})
	require.NoError(t, err)
	assert.False(t, resp.Verified)
	assert.Equal(t, "bpass", resp.Password)

	_, resp, err = s.Check(context.Background(), Credential{Name: "carol"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)

	s.SetUser("carol", "c")
	_, resp, _ = s.Check(context.Background(), Credential{Name: "carol"})
	assert.Equal(t, "c", resp.Password)

	_, _, err = NewSecrets("", "", nil).Acquire(context.Background(), Credential{Type: lcp.AuthCHAPMD5})
	assert.ErrorIs(t, err, ErrUnknownUser)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = s.Check(ctx, Credential{Name: "bob"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMPPEStartKey(t *testing.T) {
	master := make([]byte, 16)
	for i := range master {
		master[i] = byte(i)
	}
	h := sha1.New()
	h.Write(master)
	h.Write(mppePad1)
	h.Write(master)
	h.Write(mppePad2)
	want := h.Sum(nil)[:16]

	k, err := MPPEStartKey(master, 128)
	require.NoError(t, err)
	assert.Equal(t, want, k)

	k, err = MPPEStartKey(master, 40)
	require.NoError(t, err)
	require.Len(t, k, 8)
	assert.Equal(t, []byte{0xd1, 0x26, 0x9e}, k[:3])

	k, err = MPPEStartKey(master, 56)
	require.NoError(t, err)
	assert.Equal(t, byte(0xd1), k[0])

	_, err = MPPEStartKey(master, 64)
	assert.Error(t, err)
	_, err = MPPEStartKey(master[:4], 128)
	assert.Error(t, err)
}

func TestMPPEKeysIsZero(t *testing.T) {
	var k MPPEKeys
	assert.True(t, k.IsZero())
	k.Send[3] = 1
	assert.False(t, k.IsZero())
}

func TestSplit(t *testing.T) {
	self := NewSecrets("alice", "apass", nil)
	peers := NewSecrets("", "", map[string]string{"bob": "bpass"})
	s := Split{Acquirer: self, Checker: peers}
	cred, _, err := s.Acquire(context.Background(), Credential{Type: lcp.AuthPAP})
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Name)
	_, resp, err := s.Check(context.Background(), Credential{Type: lcp.AuthPAP, Name: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bpass", resp.Password)
	_, resp, err = s.Check(context.Background(), Credential{Type: lcp.AuthPAP, Name: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
}
