// Package auth verifies bearer tokens presented to the daemon's HTTP surface.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Modes.
const (
	ModeNone  = "none"
	ModeToken = "token"
	ModeHMAC  = "hmac"
)

// Roles. The OS shim injects triggers and system signals; the application
// manages geofences. Admin may do both.
const (
	RoleAdmin    = "admin"
	RoleApp      = "app"
	RolePlatform = "platform"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
)

// Verifier validates tokens. In token mode a static shared secret grants
// admin; in hmac mode HS256 JWTs carry the role claim.
type Verifier struct {
	Mode       string
	Token      string
	HMACSecret []byte
	RoleClaim  string
	Now        func() time.Time
}

type Principal struct {
	Subject string
	Role    string
}

// Allows reports whether p may act as role.
func (p Principal) Allows(role string) bool {
	return p.Role == RoleAdmin || p.Role == role
}

// Enabled reports whether requests need a token at all.
func (v *Verifier) Enabled() bool {
	return v != nil && v.Mode != "" && v.Mode != ModeNone
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	switch v.Mode {
	case ModeToken:
		if v.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
			return Principal{}, ErrInvalidToken
		}
		return Principal{Subject: "token", Role: RoleAdmin}, nil
	case ModeHMAC:
		return v.verifyJWT(token)
	default:
		return Principal{}, errors.New("unsupported auth mode")
	}
}

func (v *Verifier) verifyJWT(token string) (Principal, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, ErrInvalidToken
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || hdr.Alg != "HS256" {
		return Principal{}, ErrInvalidToken
	}
	if len(v.HMACSecret) == 0 || !hmac.Equal(sign(v.HMACSecret, segs[0]+"."+segs[1]), sig) {
		return Principal{}, ErrInvalidToken
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	if exp, ok := claims["exp"].(float64); ok {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if now().Unix() >= int64(exp) {
			return Principal{}, ErrExpired
		}
	}
	roleClaim := v.RoleClaim
	if roleClaim == "" {
		roleClaim = "role"
	}
	role, _ := claims[roleClaim].(string)
	sub, _ := claims["sub"].(string)
	if role == "" {
		role = RoleApp
	}
	return Principal{Subject: sub, Role: strings.ToLower(role)}, nil
}

// SignJWT issues an HS256 token with the given claims. Operators use it to
// mint tokens for the application and the OS shim.
func SignJWT(secret []byte, claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	head := b64urlEncode([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + b64urlEncode(payload)
	return head + "." + b64urlEncode(sign(secret, head)), nil
}

func sign(secret []byte, input string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

func b64urlEncode(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
