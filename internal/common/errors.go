// Package common holds sentinel errors shared by the store, auth and
// prescription layers. Callers match them with errors.Is.
package common

import "errors"

var (
	// store errors
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// auth errors
	ErrUnauthenticated = errors.New("could not validate credentials")
	ErrTooManyAttempts = errors.New("too many failed login attempts")
)
