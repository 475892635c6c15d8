// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication of a calling system.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecrypt indicates a ciphertext that could not be opened. It never carries detail.
	ErrDecrypt = errors.New("decryption failed")

	// ErrSecretMissing indicates a required secret is not configured.
	ErrSecretMissing = errors.New("secret missing")

	// ErrInvalidInput indicates a request that failed validation.
	ErrInvalidInput = errors.New("invalid input")
)
