package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing   = errors.New("token key missing")
	ErrKeyTooShort  = errors.New("token key too short")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrSealed       = errors.New("sealed value invalid")
)
