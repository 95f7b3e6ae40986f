// Package auth verifies the bearer tokens minted for collaborators.
//
// A token is base64url(JSON claims) + "." + base64url(HMAC-SHA256). The
// account service that authenticated the user signs it; this service only
// checks the signature and lifetime.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"quire/api/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims identify a user. OrgID is empty for users acting outside an
// organization. Roles are not carried; they come from room membership.
type Claims struct {
	Sub      string `json:"sub"`
	Name     string `json:"name"`
	OrgID    string `json:"org,omitempty"`
	JTI      string `json:"jti"`
	IssuedAt int64  `json:"iat,omitempty"`
	Exp      int64  `json:"exp"`
}

func (c Claims) check(now time.Time) error {
	if c.Sub == "" || c.Name == "" || c.JTI == "" || c.Exp == 0 {
		return ErrInvalidToken
	}
	if now.Unix() >= c.Exp {
		return ErrExpiredToken
	}
	return nil
}

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// WithClock returns a copy of s that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	return &Signer{secret: s.secret, now: now}
}

func (s *Signer) Sign(claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + s.mac(payload), nil
}

// Issue signs a fresh token for sub valid for ttl.
func (s *Signer) Issue(sub, name, orgID string, ttl time.Duration) (string, error) {
	now := s.now()
	return s.Sign(Claims{
		Sub:      sub,
		Name:     name,
		OrgID:    orgID,
		JTI:      util.NewID("jti"),
		IssuedAt: now.Unix(),
		Exp:      now.Add(ttl).Unix(),
	})
}

func (s *Signer) Verify(token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(s.mac(payload))) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.check(s.now()); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (s *Signer) mac(payload string) string {
	sum := hmac.New(sha256.New, s.secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
