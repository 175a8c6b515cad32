package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuerName = "scoping"

	// DefaultTTL is the lifetime of issued user tokens.
	DefaultTTL = 12 * time.Hour
)

// Claims is the verified content of a user token.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints and verifies HS256 user tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// NewIssuer returns an Issuer signing with key. ttl <= 0 uses DefaultTTL.
func NewIssuer(key []byte, ttl time.Duration) (*Issuer, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Issuer{key: k, ttl: ttl}, nil
}

// NewIssuerFromEnv reads the signing key from SigningKeyEnv.
func NewIssuerFromEnv(ttl time.Duration) (*Issuer, error) {
	key, err := KeyFromEnv(SigningKeyEnv, MinKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SigningKeyEnv, err)
	}
	return NewIssuer(key, ttl)
}

// Issue returns a signed token for userID valid from now.
func (i *Issuer) Issue(userID string, now time.Time) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("token: empty user id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exp := now.Add(i.ttl)

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := t.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the signature and lifetime of raw at now.
func (i *Issuer) Verify(raw string, now time.Time) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &rc, func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(rc.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	out := Claims{UserID: rc.Subject}
	if rc.IssuedAt != nil {
		out.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		out.ExpiresAt = rc.ExpiresAt.Time
	}
	return out, nil
}

// VerifyUser returns the user id carried by a valid token.
func (i *Issuer) VerifyUser(raw string, now time.Time) (string, error) {
	c, err := i.Verify(raw, now)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}
