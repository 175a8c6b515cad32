package connections

import "errors"

var (
	// ErrConflict is returned when the user already has a connection to the
	// same external account.
	ErrConflict = errors.New("connection already exists")
	// ErrRejected is returned by validators that refuse a token.
	ErrRejected = errors.New("token rejected")
)
