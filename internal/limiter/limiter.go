// Package limiter throttles pod authentication attempts per account so a
// misconfigured credential cannot turn into an authentication storm.
package limiter

import (
	"context"
	"time"
)

// Limiter controls authentication attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether authentication is currently allowed and optional retry-after.
	Allow(ctx context.Context, username string) (bool, time.Duration, error)
	// Success resets counters after a successful authentication.
	Success(ctx context.Context, username string) error
	// Failure records a rejected authentication; may place a temporary block.
	Failure(ctx context.Context, username string) (bool, time.Duration, error)
}
