package lcp

import (
	"encoding/hex"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pack(t *testing.T, opts Options) []byte {
	t.Helper()
	buf, err := opts.Pack()
	require.NoError(t, err)
	return buf
}

func TestPktParse(t *testing.T) {
	lcppkt, err := hex.DecodeString("01100012010405d40304c023050642ae33170000000000000000")
	require.NoError(t, err)
	p := new(Pkt)
	require.NoError(t, p.Parse(lcppkt))
	assert.Equal(t, CodeConfigureRequest, p.Code)
	assert.Equal(t, uint8(0x10), p.ID)
	assert.Len(t, p.Payload, 14)
	opts := ParseOptions(p.Payload)
	require.Len(t, opts, 3)
	mru, ok := opts.GetFirst(uint8(OpTypeMaximumReceiveUnit))
	require.True(t, ok)
	assert.Equal(t, uint16(1492), mru.Uint16())
	auth, _ := opts.GetFirst(uint8(OpTypeAuthenticationProtocol))
	assert.Equal(t, AuthPAP, parseAuthOption(auth.Data))
	magic, _ := opts.GetFirst(uint8(OpTypeMagicNumber))
	assert.Equal(t, uint32(0x42ae3317), magic.Uint32())
	assert.Equal(t, lcppkt[:18], p.Serialize())
	t.Logf("\n%v", p)
	t.Log(opts.Format(LCPType.Options))
}

func TestPktParseInvalid(t *testing.T) {
	for _, s := range []string{"", "0110", "01100003", "011000ff0000"} {
		buf, err := hex.DecodeString(s)
		require.NoError(t, err)
		assert.Error(t, new(Pkt).Parse(buf), s)
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	opts := Options{
		NewUint16Option(uint8(OpTypeMaximumReceiveUnit), 1400),
		{Type: uint8(OpTypeProtocolFieldCompression)},
		NewUint32Option(uint8(OpTypeMagicNumber), 0xdeadbeef),
		NewIPv4Option(uint8(OpIPAddress), net.ParseIP("10.0.0.1")),
	}
	got := ParseOptions(pack(t, opts))
	assert.True(t, opts.Equal(got))
	assert.Equal(t, "10.0.0.1", got[3].IPv4().String())
	assert.True(t, got.Contains(NewUint32Option(uint8(OpTypeMagicNumber), 0xdeadbeef)))
	assert.False(t, got.Contains(NewUint32Option(uint8(OpTypeMagicNumber), 1)))
}

func TestParseOptionsTruncated(t *testing.T) {
	opts := Options{
		NewUint16Option(uint8(OpTypeMaximumReceiveUnit), 1400),
		NewUint32Option(uint8(OpTypeMagicNumber), 0xdeadbeef),
	}
	buf := pack(t, opts)
	got := ParseOptions(buf[:len(buf)-1])
	assert.True(t, opts[:1].Equal(got))
	// length field below 2
	got = ParseOptions(append(pack(t, opts[:1]), 5, 1, 0, 0))
	assert.True(t, opts[:1].Equal(got))
	assert.Empty(t, ParseOptions([]byte{1}))
}

func TestOptionsEdit(t *testing.T) {
	opts := Options{
		NewUint16Option(1, 1400),
		NewUint16Option(2, 1),
		NewUint16Option(1, 1500),
	}
	assert.Len(t, opts.Get(1), 2)
	c := opts.Clone()
	c[0].Data[0] = 0
	assert.Equal(t, uint16(1400), opts[0].Uint16())
	opts.Replace(Options{NewUint16Option(1, 1300)})
	require.Len(t, opts, 2)
	assert.Equal(t, uint8(2), opts[0].Type)
	assert.Equal(t, uint16(1300), opts[1].Uint16())
	opts.Del(2)
	assert.Len(t, opts, 1)
}

func TestFrameParse(t *testing.T) {
	f := new(Frame)
	require.NoError(t, f.Parse([]byte{0xff, 0x03, 0xc0, 0x21, 1, 2}))
	assert.Equal(t, ProtoLCP, f.Proto)
	assert.Equal(t, []byte{1, 2}, f.Payload)
	require.NoError(t, f.Parse([]byte{0x21, 0x45}))
	assert.Equal(t, ProtoIPv4, f.Proto)
	assert.Equal(t, []byte{0x45}, f.Payload)
	assert.Error(t, f.Parse([]byte{0xc0}))
	out := (&Frame{Proto: ProtoIPCP, Payload: []byte{9}}).Serialize()
	assert.Equal(t, []byte{0x80, 0x21, 9}, out)
}

func TestOptionTooLong(t *testing.T) {
	o := Option{Type: uint8(OpTypeEndpointDiscriminator), Data: make([]byte, 254)}
	_, err := o.Serialize()
	require.Error(t, err)
	_, err = Options{NewUint16Option(uint8(OpTypeMaximumReceiveUnit), 1500), o}.Pack()
	require.Error(t, err)

	o.Data = o.Data[:253]
	buf, err := o.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(255), buf[1])
}
