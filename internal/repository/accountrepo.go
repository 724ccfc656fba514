// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/fedgate/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository is the directory of gateway-managed accounts.
type AccountRepository interface {
	// Create inserts a new account.
	Create(ctx context.Context, a *model.Account) error
	// GetBySymphonyID loads an account by its numeric pod user id.
	GetBySymphonyID(ctx context.Context, symphonyUserID int64) (*model.Account, error)
	// GetByFederatedUserID loads an account by its id on an external platform.
	GetByFederatedUserID(ctx context.Context, emp, federatedUserID string) (*model.Account, error)
	// GetByUsername loads an account by pod username.
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
	// Delete removes an account.
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns all accounts ordered by creation time.
	List(ctx context.Context) ([]model.Account, error)
}
