// Package config is the YAML configuration file of zoumlppp
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/chap"
	"github.com/hujun-open/zoumlppp/datapath"
	"github.com/hujun-open/zoumlppp/engine"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/pap"
	"github.com/hujun-open/zoumlppp/pppoe"
	"github.com/hujun-open/zoumlppp/radauth"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// list of link types
const (
	LinkPPPoE = "pppoe"
	LinkUDP   = "udp"
)

// Config is the whole configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	FSM      lcp.Config     `yaml:"fsm"`
	LCP      LCPConfig      `yaml:"lcp"`
	IPCP     IPCPConfig     `yaml:"ipcp"`
	CCP      CCPConfig      `yaml:"ccp"`
	Auth     AuthConfig     `yaml:"auth"`
	Links    []LinkConfig   `yaml:"links"`
	Datapath DatapathConfig `yaml:"datapath"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig is the logging config
type LogConfig struct {
	// Level is one of error, info and debug
	Level string `yaml:"level"`
}

// EngineConfig is the engine config
type EngineConfig struct {
	AuthTimeout         time.Duration `yaml:"auth-timeout"`
	BundleConfigTimeout time.Duration `yaml:"bundle-config-timeout"`
}

// LCPConfig is lcp.LCPConfig plus the endpoint discriminator
type LCPConfig struct {
	lcp.LCPConfig `yaml:",inline"`
	// EID is an IPv4 or a MAC address
	EID string `yaml:"eid"`
}

// IPCPConfig is the IPCP config, addresses are strings
type IPCPConfig struct {
	Local      string   `yaml:"local"`
	Peer       string   `yaml:"peer"`
	PeerNet    string   `yaml:"peer-net"`
	DNS        []string `yaml:"dns"`
	NBNS       []string `yaml:"nbns"`
	RequestDNS bool     `yaml:"request-dns"`
	VJ         bool     `yaml:"vj"`
}

// CCPConfig is the CCP config
type CCPConfig struct {
	// MPPE lists the accepted key widths: 40, 56, 128, and stateless
	MPPE     []string `yaml:"mppe"`
	Required bool     `yaml:"required"`
}

// AuthConfig is the authentication config
type AuthConfig struct {
	// Name and Password are own credential
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	// Require lists the types peer must authenticate with, Accept lists the types to authenticate self with
	Require []string `yaml:"require"`
	Accept  []string `yaml:"accept"`
	// Secrets maps a peer name to its password
	Secrets map[string]string `yaml:"secrets"`
	// Radius checks peer's credential instead of Secrets if set
	Radius *radauth.Config   `yaml:"radius"`
	PAP    engine.AuthTiming `yaml:"pap"`
	CHAP   engine.AuthTiming `yaml:"chap"`
}

// LinkConfig is the config of one or more devices
type LinkConfig struct {
	Type string `yaml:"type"`
	// Count is the number of links created, each PPPoE link uses next MAC
	Count int `yaml:"count"`

	// PPPoE
	Interface   string        `yaml:"interface"`
	MAC         string        `yaml:"mac"`
	MACStep     uint          `yaml:"mac-step"`
	VLANs       []uint16      `yaml:"vlans"`
	ServiceName string        `yaml:"service-name"`
	ACName      string        `yaml:"ac-name"`
	CID         string        `yaml:"cid"`
	RID         string        `yaml:"rid"`
	Timeout     time.Duration `yaml:"timeout"`
	Retry       int           `yaml:"retry"`

	// UDP
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// DatapathConfig is the datapath config
type DatapathConfig struct {
	Enabled         bool `yaml:"enabled"`
	datapath.Config `yaml:",inline"`
}

// MetricsConfig is the metrics config
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint, empty disables it
	Listen string `yaml:"listen"`
}

// Default returns a Config with default values and no link
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "error"},
		Engine: EngineConfig{
			AuthTimeout:         engine.DefaultAuthTimeout,
			BundleConfigTimeout: engine.DefaultBundleConfigTimeout,
		},
		FSM: lcp.DefaultConfig(),
		LCP: LCPConfig{LCPConfig: lcp.DefaultLCPConfig()},
		Auth: AuthConfig{
			PAP:  engine.AuthTiming{Timeout: pap.DefaultTimeout, Retry: pap.DefaultRetry},
			CHAP: engine.AuthTiming{Timeout: chap.DefaultTimeout, Retry: chap.DefaultRetry},
		},
		Datapath: DatapathConfig{Config: datapath.DefaultConfig()},
	}
}

// Load reads the YAML file path on top of Default, and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %v, %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML data on top of Default, and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}
	return cfg, nil
}

// Validate checks cfg
func (cfg *Config) Validate() error {
	if _, err := cfg.LogLevel(); err != nil {
		return err
	}
	if _, err := cfg.LinkConfig(nil); err != nil {
		return err
	}
	if _, err := cfg.BundleConfig(); err != nil {
		return err
	}
	for i, l := range cfg.Links {
		switch l.Type {
		case LinkPPPoE:
			if l.Interface == "" {
				return fmt.Errorf("links[%d]: interface required", i)
			}
			if l.MAC != "" {
				if _, err := net.ParseMAC(l.MAC); err != nil {
					return fmt.Errorf("links[%d]: invalid mac, %w", i, err)
				}
			}
			if len(l.VLANs) > 2 {
				return fmt.Errorf("links[%d]: at most 2 vlans", i)
			}
		case LinkUDP:
			if l.Local == "" || l.Remote == "" {
				return fmt.Errorf("links[%d]: local and remote address required", i)
			}
		default:
			return fmt.Errorf("links[%d]: unknown link type %q", i, l.Type)
		}
		if l.Count < 0 {
			return fmt.Errorf("links[%d]: negative count", i)
		}
	}
	if cfg.Auth.Radius != nil {
		if len(cfg.Auth.Radius.Servers) == 0 || cfg.Auth.Radius.Secret == "" {
			return fmt.Errorf("auth.radius: servers and secret required")
		}
	}
	return nil
}

// LogLevel returns the zap level of Log.Level
func (cfg *Config) LogLevel() (zapcore.Level, error) {
	switch strings.ToLower(cfg.Log.Level) {
	case "", "error":
		return zapcore.ErrorLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	}
	return zapcore.ErrorLevel, fmt.Errorf("unknown log level %q", cfg.Log.Level)
}

func parseAuthSet(list []string) (lcp.AuthSet, error) {
	var r []lcp.AuthType
	for _, s := range list {
		a, err := lcp.ParseAuthType(s)
		if err != nil {
			return 0, err
		}
		if a.IsMSCHAP() {
			return 0, fmt.Errorf("%v requires MS-CHAP crypto, %w", a, auth.ErrUnsupported)
		}
		r = append(r, a)
	}
	return lcp.NewAuthSet(r...), nil
}

func parseEID(s string) (lcp.EID, error) {
	if s == "" {
		return lcp.EID{}, nil
	}
	if ip := net.ParseIP(s).To4(); ip != nil {
		return lcp.NewIPEID(ip), nil
	}
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return lcp.EID{}, fmt.Errorf("invalid endpoint discriminator %q", s)
	}
	return lcp.EID{Class: lcp.EIDMAC, Value: mac}, nil
}

// Backend returns the auth.Backend per Auth, nil logger is fine when there is no RADIUS
func (cfg *Config) Backend(logger *zap.Logger) (auth.Backend, error) {
	secrets := auth.NewSecrets(cfg.Auth.Name, cfg.Auth.Password, cfg.Auth.Secrets)
	if cfg.Auth.Radius == nil {
		return secrets, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rad, err := radauth.New(*cfg.Auth.Radius, logger)
	if err != nil {
		return nil, err
	}
	return auth.Split{Acquirer: secrets, Checker: rad}, nil
}

// LinkConfig returns the engine.LinkConfig, backend could be nil for validation only
func (cfg *Config) LinkConfig(backend auth.Backend) (engine.LinkConfig, error) {
	var err error
	c := cfg.LCP.LCPConfig
	if c.Auth[lcp.Self], err = parseAuthSet(cfg.Auth.Require); err != nil {
		return engine.LinkConfig{}, fmt.Errorf("auth.require: %w", err)
	}
	if c.Auth[lcp.Peer], err = parseAuthSet(cfg.Auth.Accept); err != nil {
		return engine.LinkConfig{}, fmt.Errorf("auth.accept: %w", err)
	}
	if c.EID, err = parseEID(cfg.LCP.EID); err != nil {
		return engine.LinkConfig{}, fmt.Errorf("lcp: %w", err)
	}
	if c.MinMRU > c.MaxMRU {
		return engine.LinkConfig{}, fmt.Errorf("lcp: min-mru %d bigger than max-mru %d", c.MinMRU, c.MaxMRU)
	}
	return engine.LinkConfig{
		LCP:     c,
		FSM:     cfg.FSM,
		Backend: backend,
		PAP:     cfg.Auth.PAP,
		CHAP:    cfg.Auth.CHAP,
	}, nil
}

func parseIP(name, s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%v: invalid IPv4 address %q", name, s)
	}
	return ip, nil
}

func parseIPPair(name string, list []string) ([2]net.IP, error) {
	var r [2]net.IP
	if len(list) > 2 {
		return r, fmt.Errorf("%v: at most 2 addresses", name)
	}
	for i, s := range list {
		ip, err := parseIP(name, s)
		if err != nil {
			return r, err
		}
		r[i] = ip
	}
	return r, nil
}

var mppeBits = map[string]lcp.MPPEBits{
	"40":        lcp.MPPE40,
	"56":        lcp.MPPE56,
	"128":       lcp.MPPE128,
	"stateless": lcp.MPPEStateless,
}

// BundleConfig returns the engine.BundleConfig
func (cfg *Config) BundleConfig() (engine.BundleConfig, error) {
	var err error
	r := engine.BundleConfig{
		FSM:          cfg.FSM,
		MPPERequired: cfg.CCP.Required,
	}
	r.IPCP.RequestDNS = cfg.IPCP.RequestDNS
	r.IPCP.VJ = cfg.IPCP.VJ
	if r.IPCP.SelfIP, err = parseIP("ipcp.local", cfg.IPCP.Local); err != nil {
		return r, err
	}
	if r.IPCP.PeerIP, err = parseIP("ipcp.peer", cfg.IPCP.Peer); err != nil {
		return r, err
	}
	if cfg.IPCP.PeerNet != "" {
		if _, r.IPCP.PeerNet, err = net.ParseCIDR(cfg.IPCP.PeerNet); err != nil {
			return r, fmt.Errorf("ipcp.peer-net: %w", err)
		}
	}
	if r.IPCP.DNS, err = parseIPPair("ipcp.dns", cfg.IPCP.DNS); err != nil {
		return r, err
	}
	if r.IPCP.NBNS, err = parseIPPair("ipcp.nbns", cfg.IPCP.NBNS); err != nil {
		return r, err
	}
	for _, s := range cfg.CCP.MPPE {
		b, ok := mppeBits[s]
		if !ok {
			return r, fmt.Errorf("ccp: unknown MPPE option %q", s)
		}
		r.CCP.Supported |= b
	}
	r.CCP.Self = r.CCP.Supported
	if r.MPPERequired && !r.MPPEEnabled() {
		return r, fmt.Errorf("ccp: MPPE required but no key width enabled")
	}
	return r, nil
}

// PPPoEModifiers returns the pppoe.NewPPPoE modifiers of l
func (l LinkConfig) PPPoEModifiers() []pppoe.Modifier {
	r := []pppoe.Modifier{pppoe.WithServiceName(l.ServiceName)}
	if l.CID != "" || l.RID != "" {
		r = append(r, pppoe.WithTags([]pppoe.Tag{pppoe.NewCircuitRemoteIDTag(l.CID, l.RID)}))
	}
	if l.ACName != "" {
		r = append(r, pppoe.WithACName(l.ACName))
	}
	if l.Timeout > 0 || l.Retry > 0 {
		r = append(r, pppoe.WithTimeout(l.Timeout, l.Retry))
	}
	return r
}
