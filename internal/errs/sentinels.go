// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the pod rejected a request made with otherwise well-formed credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary authentication lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")
)

// Ingestion pipeline sentinels. Everything except ErrEnvelopeParse is
// absorbed by the datafeed consumer and never reaches the feed transport.
var (
	// ErrUnknownUser marks a user the gateway does not manage. It is a routing signal, not a failure.
	ErrUnknownUser = errors.New("unknown user")

	// ErrAuthentication indicates the long-lived credential of an account was rejected.
	ErrAuthentication = errors.New("authentication failed")

	// ErrKeyRetrieval indicates the content key could not be obtained after the permitted retry.
	ErrKeyRetrieval = errors.New("content key retrieval failed")

	// ErrDecryption indicates a malformed ciphertext container or a key/ciphertext mismatch.
	ErrDecryption = errors.New("decryption failed")

	// ErrEnvelopeParse indicates a malformed outer or inner feed envelope.
	ErrEnvelopeParse = errors.New("envelope parse failed")
)
