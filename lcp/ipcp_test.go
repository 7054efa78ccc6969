package lcp

import (
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func ipOpt(s string) Option {
	return NewIPv4Option(uint8(OpIPAddress), net.ParseIP(s))
}

func TestIPCPPeerAddress(t *testing.T) {
	testList := []struct {
		network string
		nak     Options
	}{
		{network: "10.0.0.0/24"},
		{network: "192.168.1.0/24", nak: Options{ipOpt("192.168.1.1")}},
	}
	for _, c := range testList {
		t.Run(c.network, func(t *testing.T) {
			i := NewIPCP(IPCPConfig{
				SelfIP:  net.ParseIP("192.168.1.254"),
				PeerIP:  net.ParseIP("192.168.1.1"),
				PeerNet: mustCIDR(t, c.network),
			})
			var nak, rej Options
			require.NoError(t, i.RecvConfReq(Options{ipOpt("10.0.0.5")}, &nak, &rej))
			assert.Empty(t, rej)
			assert.Equal(t, c.nak, nak)
			if c.nak == nil {
				assert.Equal(t, "10.0.0.5", i.Result().IP[Peer].String())
			}
		})
	}
}

func TestIPCPNoAddress(t *testing.T) {
	i := NewIPCP(IPCPConfig{PeerIP: net.ParseIP("192.168.1.1")})
	var nak, rej Options
	err := i.RecvConfReq(Options{}, &nak, &rej)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EINVAL)
	r := reasonFromError(err)
	assert.Equal(t, ReasonSyserr, r.Kind)
	assert.Equal(t, syscall.EINVAL, r.Errno)
}

func TestIPCPZeroAddressNak(t *testing.T) {
	i := NewIPCP(IPCPConfig{PeerIP: net.ParseIP("192.168.1.1")})
	var nak, rej Options
	require.NoError(t, i.RecvConfReq(Options{ipOpt("0.0.0.0")}, &nak, &rej))
	assert.Equal(t, Options{ipOpt("192.168.1.1")}, nak)
}

func TestIPCPDNS(t *testing.T) {
	i := NewIPCP(IPCPConfig{
		PeerIP: net.ParseIP("192.168.1.1"),
		DNS:    [2]net.IP{net.ParseIP("8.8.8.8"), nil},
	})
	var nak, rej Options
	req := Options{
		ipOpt("192.168.1.1"),
		NewIPv4Option(uint8(OpPrimaryDNSServerAddress), net.IPv4zero),
		NewIPv4Option(uint8(OpSecondaryDNSServerAddress), net.IPv4zero),
	}
	require.NoError(t, i.RecvConfReq(req, &nak, &rej))
	assert.Equal(t, Options{NewIPv4Option(uint8(OpPrimaryDNSServerAddress), net.ParseIP("8.8.8.8"))}, nak)
	assert.Equal(t, Options{req[2]}, rej)
}

func TestIPCPClient(t *testing.T) {
	i := NewIPCP(IPCPConfig{RequestDNS: true})
	var req Options
	require.NoError(t, i.BuildConfReq(&req))
	assert.Equal(t, Options{
		ipOpt("0.0.0.0"),
		NewIPv4Option(uint8(OpPrimaryDNSServerAddress), nil),
		NewIPv4Option(uint8(OpSecondaryDNSServerAddress), nil),
	}, req)
	require.NoError(t, i.RecvConfRej(Options{NewIPv4Option(uint8(OpSecondaryDNSServerAddress), nil)}))
	require.NoError(t, i.RecvConfNak(Options{
		ipOpt("100.64.0.9"),
		NewIPv4Option(uint8(OpPrimaryDNSServerAddress), net.ParseIP("1.1.1.1")),
	}))
	req = nil
	require.NoError(t, i.BuildConfReq(&req))
	assert.Equal(t, Options{ipOpt("100.64.0.9"), NewIPv4Option(uint8(OpPrimaryDNSServerAddress), net.ParseIP("1.1.1.1"))}, req)
	assert.Equal(t, "1.1.1.1", i.Result().DNS[0].String())

	// no address to fall back to
	i = NewIPCP(IPCPConfig{})
	err := i.RecvConfRej(Options{ipOpt("0.0.0.0")})
	var r Reason
	require.ErrorAs(t, err, &r)
	assert.Equal(t, ReasonFailed, r.Kind)
}

func TestIPCPVJ(t *testing.T) {
	i := NewIPCP(IPCPConfig{PeerIP: net.ParseIP("192.168.1.1"), VJ: true, VJMinChannels: 4, VJMaxChannels: 8})
	var nak, rej Options
	require.NoError(t, i.RecvConfReq(Options{ipOpt("192.168.1.1"), VJ{Enabled: true, MaxSlot: 15, CompCID: true}.option()}, &nak, &rej))
	assert.Equal(t, Options{VJ{Enabled: true, MaxSlot: 7}.option()}, nak)

	nak = nil
	require.NoError(t, i.RecvConfReq(Options{ipOpt("192.168.1.1"), VJ{Enabled: true, MaxSlot: 5}.option()}, &nak, &rej))
	assert.Empty(t, nak)
	assert.Equal(t, uint8(5), i.Result().VJ[Peer].MaxSlot)

	// other compression protocols are rejected
	nak, rej = nil, nil
	require.NoError(t, i.RecvConfReq(Options{ipOpt("192.168.1.1"), NewUint16Option(uint8(OpIPCompressionProtocol), 0x0061)}, &nak, &rej))
	assert.Len(t, rej, 1)
}

func TestCCPCollapse(t *testing.T) {
	c := NewCCP(CCPConfig{Supported: MPPE40 | MPPE56 | MPPE128 | MPPEStateless, Self: MPPE128 | MPPEStateless}, nil)
	var nak, rej Options
	require.NoError(t, c.RecvConfReq(Options{NewUint32Option(uint8(OpMPPC), uint32(MPPE40|MPPE128))}, &nak, &rej))
	require.Len(t, nak, 1)
	assert.Equal(t, MPPE128, MPPEBits(nak[0].Uint32()))

	nak = nil
	require.NoError(t, c.RecvConfReq(Options{NewUint32Option(uint8(OpMPPC), uint32(MPPE128|MPPEStateless))}, &nak, &rej))
	assert.Empty(t, nak)
	assert.Equal(t, MPPE128|MPPEStateless, c.Result().Bits[Peer])
}

func TestCCPForceEncryption(t *testing.T) {
	c := NewCCP(CCPConfig{Supported: MPPE40 | MPPE128, Self: MPPE40 | MPPE128}, nil)
	var nak, rej Options
	// peer proposes MPPC only
	require.NoError(t, c.RecvConfReq(Options{NewUint32Option(uint8(OpMPPC), uint32(MPPC))}, &nak, &rej))
	require.Len(t, nak, 1)
	assert.Equal(t, MPPE128, MPPEBits(nak[0].Uint32()))
	var req Options
	require.NoError(t, c.BuildConfReq(&req))
	assert.Equal(t, Options{NewUint32Option(uint8(OpMPPC), uint32(MPPE128))}, req)
}

func TestCCPReset(t *testing.T) {
	var got []MsgCode
	c := NewCCP(CCPConfig{Supported: MPPE128, Self: MPPE128}, func(code MsgCode, id uint8, data []byte) {
		got = append(got, code)
	})
	c.RecvResetReq(1, nil)
	c.RecvResetAck(1, nil)
	assert.Equal(t, []MsgCode{CodeResetRequest, CodeResetAck}, got)
	require.Error(t, c.RecvConfRej(Options{NewUint32Option(uint8(OpMPPC), uint32(MPPE128))}))
}
