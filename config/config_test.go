package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/engine"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/radauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

const serverYAML = `
log:
  level: debug
engine:
  auth-timeout: 30s
fsm:
  restart-timeout: 2s
  echo-interval: 10s
lcp:
  mru: 1492
  multilink: true
  mrru: 1600
  eid: 10.0.0.254
ipcp:
  local: 192.168.0.1
  peer: 192.168.0.2
  dns: [8.8.8.8, 8.8.4.4]
ccp:
  mppe: ["128", stateless]
auth:
  require: [chap-md5, pap]
  secrets:
    alice: apass
  chap:
    timeout: 1s
    retry: 2
links:
  - type: udp
    local: 127.0.0.1:5000
    remote: 127.0.0.1:5001
  - type: pppoe
    interface: eth1
    mac: 02:00:00:00:00:01
    count: 2
    vlans: [100]
metrics:
  listen: 127.0.0.1:9100
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(serverYAML))
	require.NoError(t, err)

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)
	assert.Equal(t, 30*time.Second, cfg.Engine.AuthTimeout)
	assert.Equal(t, engine.DefaultBundleConfigTimeout, cfg.Engine.BundleConfigTimeout)
	assert.Equal(t, 2*time.Second, cfg.FSM.RestartTimeout)
	assert.Equal(t, lcp.DefaultMaxConfigure, cfg.FSM.MaxConfigure)
	assert.Equal(t, 10*time.Second, cfg.FSM.EchoInterval)

	lc, err := cfg.LinkConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(1492), lc.LCP.MRU)
	assert.Equal(t, uint16(lcp.DefaultMinMRU), lc.LCP.MinMRU)
	assert.True(t, lc.LCP.MultiLink)
	assert.Equal(t, "ip:10.0.0.254", lc.LCP.EID.String())
	assert.Equal(t, lcp.NewAuthSet(lcp.AuthCHAPMD5, lcp.AuthPAP), lc.LCP.Auth[lcp.Self])
	assert.True(t, lc.LCP.Auth[lcp.Peer].Empty())
	assert.Equal(t, engine.AuthTiming{Timeout: time.Second, Retry: 2}, lc.CHAP)
	assert.Equal(t, 5*time.Second, lc.PAP.Timeout)

	bc, err := cfg.BundleConfig()
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", bc.IPCP.SelfIP.String())
	assert.Equal(t, "192.168.0.2", bc.IPCP.PeerIP.String())
	assert.Equal(t, "8.8.4.4", bc.IPCP.DNS[1].String())
	assert.Nil(t, bc.IPCP.NBNS[0])
	assert.Equal(t, lcp.MPPE128|lcp.MPPEStateless, bc.CCP.Supported)
	assert.True(t, bc.MPPEEnabled())

	require.Len(t, cfg.Links, 2)
	assert.Equal(t, LinkPPPoE, cfg.Links[1].Type)
	assert.Equal(t, []uint16{100}, cfg.Links[1].VLANs)
	assert.Len(t, cfg.Links[1].PPPoEModifiers(), 1)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.False(t, cfg.Datapath.Enabled)
	assert.Equal(t, "zoumlppp@ID", cfg.Datapath.IfName)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zoumlppp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  name: alice\n  password: apass\n  accept: [pap]\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Auth.Name)

	_, err = Load(filepath.Join(t.TempDir(), "nonexist.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testList := []struct {
		name string
		yaml string
	}{
		{name: "log level", yaml: "log: {level: trace}"},
		{name: "auth type", yaml: "auth: {require: [eap]}"},
		{name: "ms-chap", yaml: "auth: {accept: [chap-msv2]}"},
		{name: "eid", yaml: "lcp: {eid: nowhere}"},
		{name: "mru", yaml: "lcp: {min-mru: 1500, max-mru: 1000}"},
		{name: "ip", yaml: "ipcp: {local: 300.1.1.1}"},
		{name: "dns", yaml: "ipcp: {dns: [1.1.1.1, 8.8.8.8, 9.9.9.9]}"},
		{name: "mppe", yaml: "ccp: {mppe: [\"64\"]}"},
		{name: "mppe required", yaml: "ccp: {required: true}"},
		{name: "link type", yaml: "links: [{type: serial}]"},
		{name: "pppoe if", yaml: "links: [{type: pppoe}]"},
		{name: "udp", yaml: "links: [{type: udp, local: 127.0.0.1:1}]"},
		{name: "radius", yaml: "auth: {radius: {servers: [127.0.0.1:1812]}}"},
	}
	for _, c := range testList {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			assert.Error(t, err)
		})
	}
}

func TestBackend(t *testing.T) {
	cfg := Default()
	cfg.Auth.Name, cfg.Auth.Password = "nas", "npass"
	b, err := cfg.Backend(nil)
	require.NoError(t, err)
	assert.IsType(t, &auth.Secrets{}, b)

	cfg.Auth.Radius = &radauth.Config{Servers: []string{"127.0.0.1:1812"}, Secret: "s"}
	b, err = cfg.Backend(zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, auth.Split{}, b)
}
