// Package token issues and verifies the short-lived bearer tokens that gate
// durable websocket subscriptions.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrExpired reports a structurally valid token past its expiry.
var ErrExpired = errors.New("token expired")

// Payload is the verified content of a subscription token. It lives in the
// socket's server-side attachment slot for the life of the connection.
type Payload struct {
	Channel    string            `json:"channel"`
	AllowedRPC string            `json:"allowedRpc,omitempty"`
	Attachment map[string]string `json:"attachment,omitempty"`
	IssuedAt   time.Time         `json:"-"`
	ExpiresAt  time.Time         `json:"-"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (p Payload) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

type claims struct {
	Channel    string            `json:"channel"`
	AllowedRPC string            `json:"allowedRpc,omitempty"`
	Attachment map[string]string `json:"attachment,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies subscription tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an issuer. ttl zero keeps the default of 2 minutes;
// tokens are meant to be refetched by the client link, not to live long.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for one channel subscription.
func (i *Issuer) Issue(channel, allowedRPC string, attachment map[string]string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("token: channel is required")
	}
	now := i.now()
	c := &claims{
		Channel:    channel,
		AllowedRPC: allowedRPC,
		Attachment: attachment,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify validates signature and expiry and returns the payload. Expired
// tokens return ErrExpired so callers can map it to the 4001 close code.
func (i *Issuer) Verify(tokenString string) (Payload, error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Payload{}, fmt.Errorf("token: %w", ErrExpired)
		}
		return Payload{}, fmt.Errorf("token: invalid: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Payload{}, fmt.Errorf("token: invalid claims")
	}
	return Payload{
		Channel:    c.Channel,
		AllowedRPC: c.AllowedRPC,
		Attachment: c.Attachment,
		IssuedAt:   c.IssuedAt.Time,
		ExpiresAt:  c.ExpiresAt.Time,
	}, nil
}
