// Package radauth implements an auth.Backend checking peer credentials against a RADIUS server
package radauth

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"
)

const (
	// DefaultTimeout is the default timeout of one RADIUS exchange
	DefaultTimeout = 3 * time.Second
	// DefaultRetry is the default number of exchanges tried
	DefaultRetry = 3
)

// Config is the RADIUS client config
type Config struct {
	// Servers are tried in order, each as host:port
	Servers []string      `yaml:"servers"`
	Secret  string        `yaml:"secret"`
	NASID   string        `yaml:"nas-id"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   int           `yaml:"retry"`
}

// Backend is an auth.Backend using RADIUS Access-Request; it only checks peer's PAP and CHAP-MD5
// credentials, Acquire is not supported
type Backend struct {
	cfg      Config
	logger   *zap.Logger
	exchange func(ctx context.Context, p *radius.Packet, addr string) (*radius.Packet, error)
}

// New returns a new Backend
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("at least one RADIUS server required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("RADIUS secret required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	return &Backend{
		cfg:      cfg,
		logger:   logger.Named("radius"),
		exchange: radius.Exchange,
	}, nil
}

// Acquire implements auth.Backend interface, RADIUS has no own credential
func (b *Backend) Acquire(ctx context.Context, stub auth.Credential) (auth.Credential, auth.Response, error) {
	return stub, auth.Response{}, fmt.Errorf("RADIUS can't acquire own credential, %w", auth.ErrUnsupported)
}

func (b *Backend) newRequest(cred auth.Credential) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccessRequest, []byte(b.cfg.Secret))
	if err := rfc2865.UserName_SetString(p, cred.Name); err != nil {
		return nil, err
	}
	switch cred.Type {
	case lcp.AuthPAP:
		if err := rfc2865.UserPassword_SetString(p, cred.Password); err != nil {
			return nil, err
		}
	case lcp.AuthCHAPMD5:
		if err := rfc2865.CHAPPassword_Set(p, append([]byte{cred.ID}, cred.Response...)); err != nil {
			return nil, err
		}
		if err := rfc2865.CHAPChallenge_Set(p, cred.Challenge); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%v over RADIUS, %w", cred.Type, auth.ErrUnsupported)
	}
	rfc2865.ServiceType_Set(p, rfc2865.ServiceType_Value_FramedUser)
	rfc2865.FramedProtocol_Set(p, rfc2865.FramedProtocol_Value_PPP)
	if b.cfg.NASID != "" {
		if err := rfc2865.NASIdentifier_SetString(p, b.cfg.NASID); err != nil {
			return nil, err
		}
	}
	if err := addMessageAuthenticator(p, []byte(b.cfg.Secret)); err != nil {
		return nil, fmt.Errorf("failed to add message authenticator, %w", err)
	}
	return p, nil
}

// Check implements auth.Backend interface
func (b *Backend) Check(ctx context.Context, cred auth.Credential) (auth.Credential, auth.Response, error) {
	req, err := b.newRequest(cred)
	if err != nil {
		return cred, auth.Response{}, err
	}
	var resp *radius.Packet
	for i := 0; i < b.cfg.Retry; i++ {
		addr := b.cfg.Servers[i%len(b.cfg.Servers)]
		rctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		resp, err = b.exchange(rctx, req, addr)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return cred, auth.Response{}, ctx.Err()
		}
		b.logger.Sugar().Warnf("RADIUS exchange with %v failed, attempt %d, %v", addr, i+1, err)
	}
	if err != nil {
		return cred, auth.Response{}, fmt.Errorf("RADIUS authentication failed after %d attempts, %w", b.cfg.Retry, err)
	}
	switch resp.Code {
	case radius.CodeAccessAccept:
		r := auth.Response{Verified: true}
		if ip, err := rfc2865.FramedIPAddress_Lookup(resp); err == nil {
			r.PeerIP = ip
		}
		b.logger.Sugar().Debugf("%v accepted, framed IP %v", cred.Name, r.PeerIP)
		return cred, r, nil
	case radius.CodeAccessReject:
		msg, err := rfc2865.ReplyMessage_LookupString(resp)
		if err != nil || msg == "" {
			msg = "Authentication failed"
		}
		b.logger.Sugar().Debugf("%v rejected, %v", cred.Name, msg)
		return cred, auth.Response{Error: msg}, nil
	}
	return cred, auth.Response{}, fmt.Errorf("unexpected RADIUS response code %v", resp.Code)
}

// addMessageAuthenticator adds RFC2869 Message-Authenticator
func addMessageAuthenticator(p *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(p)
	if err := rfc2869.MessageAuthenticator_Set(p, make([]byte, md5.Size)); err != nil {
		return err
	}
	encoded, err := p.Encode()
	if err != nil {
		return err
	}
	h := hmac.New(md5.New, secret)
	h.Write(encoded)
	return rfc2869.MessageAuthenticator_Set(p, h.Sum(nil))
}
