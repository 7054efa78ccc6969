package chap

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
)

// Code is the code of CHAP msg
type Code uint8

// list of CHAPCode
const (
	CodeChallenge Code = 1
	CodeResponse  Code = 2
	CodeSuccess   Code = 3
	CodeFailure   Code = 4
)

// String returns a string representation of c
func (c Code) String() string {
	switch c {
	case CodeChallenge:
		return "Challenge"
	case CodeResponse:
		return "Response"
	case CodeSuccess:
		return "Success"
	case CodeFailure:
		return "Failure"
	}
	return fmt.Sprintf("unknown (%d)", uint8(c))
}

// MS-CHAP failure error codes
const (
	MSErrRestrictedLogonHours  = 646
	MSErrAcctDisabled          = 647
	MSErrPasswdExpired         = 648
	MSErrNoDialinPermission    = 649
	MSErrAuthenticationFailure = 691
	MSErrChangingPassword      = 709
)

// MSCrypto is the MS-CHAP hash provider
type MSCrypto interface {
	// NTResponse returns the 24 bytes NT response; peerChallenge is nil for MS-CHAPv1
	NTResponse(authChallenge, peerChallenge []byte, name, secret string) ([]byte, error)
	// AuthenticatorResponse returns the MS-CHAPv2 authenticator response, 40 hex digits
	AuthenticatorResponse(secret string, ntResponse, peerChallenge, authChallenge []byte, name string) (string, error)
	// MPPEKeys derives the key material; ntResponse is nil for MS-CHAPv1
	MPPEKeys(secret string, ntResponse []byte) (auth.MPPEKeys, error)
}

// Exchange is the state of one challenge/response exchange
type Exchange struct {
	ID uint8
	// Challenge is the challenger's challenge
	Challenge []byte
	// Value is the response value
	Value []byte
	// Name is the name in the response
	Name   string
	Secret string
	// Response is from the backend, variants may add key material and authenticator response
	Response auth.Response
}

// Variant describes one CHAP variant
type Variant struct {
	Type lcp.AuthType
	// ChallengeLen is the length of challenge value
	ChallengeLen int
	// ValueLen is the length of response value, RespOffset and RespLen locate the hash in it
	ValueLen   int
	RespOffset int
	RespLen    int
	// Hash sets x.Value from x.Challenge, x.ID, x.Name and x.Secret
	Hash func(x *Exchange) error
	// Equal reports whether x.Value is what x.Secret yields
	Equal func(x *Exchange) bool
	// Final returns the Success or Failure msg body
	Final func(x *Exchange, ok bool, msg string) []byte
	// Verify checks the body of Success on responder side, nil means accept
	Verify func(x *Exchange, msg []byte) bool
}

func (v *Variant) hash(x *Exchange) []byte {
	if len(x.Value) < v.RespOffset+v.RespLen {
		return nil
	}
	return x.Value[v.RespOffset : v.RespOffset+v.RespLen]
}

// MD5 returns the CHAP with MD5 variant of RFC1994
func MD5() *Variant {
	return &Variant{
		Type:         lcp.AuthCHAPMD5,
		ChallengeLen: 16,
		ValueLen:     md5.Size,
		RespLen:      md5.Size,
		Hash: func(x *Exchange) error {
			x.Value = md5Hash(x.ID, x.Secret, x.Challenge)
			return nil
		},
		Equal: func(x *Exchange) bool {
			return subtle.ConstantTimeCompare(md5Hash(x.ID, x.Secret, x.Challenge), x.Value) == 1
		},
		Final: func(x *Exchange, ok bool, msg string) []byte {
			return []byte(msg)
		},
	}
}

func md5Hash(id uint8, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}

const (
	msValueLen    = 49
	msRespOffset  = 24
	msRespLen     = 24
	msPeerChalLen = 16
)

func msKeys(c MSCrypto, x *Exchange, ntResp []byte) {
	if !x.Response.MPPE.IsZero() {
		return
	}
	if k, err := c.MPPEKeys(x.Secret, ntResp); err == nil {
		x.Response.MPPE = k
	}
}

// MSv1 returns the MS-CHAPv1 variant of RFC2433
func MSv1(c MSCrypto) *Variant {
	v := &Variant{
		Type:         lcp.AuthCHAPMSv1,
		ChallengeLen: 8,
		ValueLen:     msValueLen,
		RespOffset:   msRespOffset,
		RespLen:      msRespLen,
	}
	v.Hash = func(x *Exchange) error {
		nt, err := c.NTResponse(x.Challenge, nil, x.Name, x.Secret)
		if err != nil {
			return err
		}
		x.Value = make([]byte, msValueLen)
		copy(x.Value[msRespOffset:], nt)
		// use NT response
		x.Value[msValueLen-1] = 1
		return nil
	}
	v.Equal = func(x *Exchange) bool {
		nt, err := c.NTResponse(x.Challenge, nil, x.Name, x.Secret)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(nt, v.hash(x)) == 1
	}
	v.Final = func(x *Exchange, ok bool, msg string) []byte {
		if !ok {
			return []byte(fmt.Sprintf("E=%d R=0 V=0", MSErrAuthenticationFailure))
		}
		msKeys(c, x, nil)
		return []byte(msg)
	}
	v.Verify = func(x *Exchange, msg []byte) bool {
		msKeys(c, x, nil)
		return true
	}
	return v
}

// MSv2 returns the MS-CHAPv2 variant of RFC2759
func MSv2(c MSCrypto) *Variant {
	v := &Variant{
		Type:         lcp.AuthCHAPMSv2,
		ChallengeLen: 16,
		ValueLen:     msValueLen,
		RespOffset:   msRespOffset,
		RespLen:      msRespLen,
	}
	v.Hash = func(x *Exchange) error {
		x.Value = make([]byte, msValueLen)
		if _, err := rand.Read(x.Value[:msPeerChalLen]); err != nil {
			return err
		}
		nt, err := c.NTResponse(x.Challenge, x.Value[:msPeerChalLen], x.Name, x.Secret)
		if err != nil {
			return err
		}
		copy(x.Value[msRespOffset:], nt)
		return nil
	}
	// no local compare, a response passes only when the backend verified it
	v.Equal = func(x *Exchange) bool {
		return false
	}
	v.Final = func(x *Exchange, ok bool, msg string) []byte {
		if !ok {
			return []byte(fmt.Sprintf("E=%d R=0 C=%s V=3 M=%s",
				MSErrAuthenticationFailure, strings.ToUpper(hex.EncodeToString(x.Challenge)), msg))
		}
		nt := v.hash(x)
		if x.Response.AuthResp == "" {
			s, err := c.AuthenticatorResponse(x.Secret, nt, x.Value[:msPeerChalLen], x.Challenge, x.Name)
			if err == nil {
				x.Response.AuthResp = s
			}
		}
		msKeys(c, x, nt)
		return []byte(fmt.Sprintf("S=%s M=%s", strings.ToUpper(strings.TrimPrefix(x.Response.AuthResp, "S=")), msg))
	}
	v.Verify = func(x *Exchange, msg []byte) bool {
		nt := v.hash(x)
		want, err := c.AuthenticatorResponse(x.Secret, nt, x.Value[:msPeerChalLen], x.Challenge, x.Name)
		if err != nil {
			return false
		}
		want = strings.ToUpper(strings.TrimPrefix(want, "S="))
		got, _, _ := bytes.Cut(bytes.TrimPrefix(msg, []byte("S=")), []byte(" "))
		if subtle.ConstantTimeCompare([]byte(want), bytes.ToUpper(got)) != 1 {
			return false
		}
		msKeys(c, x, nt)
		return true
	}
	return v
}

// VariantFor returns the variant of t; MS-CHAP variants need c
func VariantFor(t lcp.AuthType, c MSCrypto) (*Variant, error) {
	switch t {
	case lcp.AuthCHAPMD5:
		return MD5(), nil
	case lcp.AuthCHAPMSv1, lcp.AuthCHAPMSv2:
		if c == nil {
			return nil, fmt.Errorf("%v needs MS-CHAP crypto, %w", t, auth.ErrUnsupported)
		}
		if t == lcp.AuthCHAPMSv1 {
			return MSv1(c), nil
		}
		return MSv2(c), nil
	}
	return nil, fmt.Errorf("%v is not a CHAP variant, %w", t, auth.ErrUnsupported)
}
