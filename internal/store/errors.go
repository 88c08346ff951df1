package store

import "errors"

var (
	// ErrAccountNotFound is the normal "no such account" result, not an
	// infrastructure failure.
	ErrAccountNotFound = errors.New("account not found")

	// ErrDuplicateAccount reports a user_id collision on create.
	ErrDuplicateAccount = errors.New("account already exists")
)
