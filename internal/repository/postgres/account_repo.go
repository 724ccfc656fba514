package postgres

import (
	"context"
	"errors"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `id, symphony_user_id, username, federated_user_id, emp, private_key_pem, created_at`

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (id, symphony_user_id, username, federated_user_id, emp, private_key_pem)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, a.ID, a.SymphonyUserID, a.Username, a.FederatedUserID, a.EMP, a.PrivateKeyPEM)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetBySymphonyID selects an account by pod user id.
func (r *AccountRepo) GetBySymphonyID(ctx context.Context, symphonyUserID int64) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM accounts WHERE symphony_user_id=$1`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, symphonyUserID))
}

// GetByFederatedUserID selects an account by its external platform identity.
func (r *AccountRepo) GetByFederatedUserID(ctx context.Context, emp, federatedUserID string) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM accounts WHERE emp=$1 AND federated_user_id=$2`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, emp, federatedUserID))
}

// GetByUsername selects an account by pod username.
func (r *AccountRepo) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM accounts WHERE username=$1`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, username))
}

// Delete removes the account row.
func (r *AccountRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM accounts WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// List returns every account, oldest first.
func (r *AccountRepo) List(ctx context.Context) ([]model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM accounts ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err = rows.Scan(&a.ID, &a.SymphonyUserID, &a.Username, &a.FederatedUserID, &a.EMP, &a.PrivateKeyPEM, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.SymphonyUserID, &a.Username, &a.FederatedUserID, &a.EMP, &a.PrivateKeyPEM, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}
