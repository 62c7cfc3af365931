package circulation

import (
	"context"
	"database/sql"

	"golang.org/x/crypto/bcrypt"
)

// AccountProvisioner is the boundary with account provisioning. The
// mutation coordinator treats any error as step failure.
type AccountProvisioner interface {
	CreateAccount(ctx context.Context, id, password string, roles RoleSet) error
	UpdateAccountRoles(ctx context.Context, id string, roles RoleSet) error
	DeleteAccount(ctx context.Context, id string) error
}

// SQLAccounts provisions accounts in the store's accounts table with
// bcrypt-hashed credentials. Its Step constructors run inside the same
// transaction as the roster or member row they accompany, so a rollback
// reverts the provisioning attempt together with the row.
type SQLAccounts struct {
	db *Database
}

// NewSQLAccounts builds the store-backed provisioner.
func NewSQLAccounts(db *Database) *SQLAccounts { return &SQLAccounts{db: db} }

var _ AccountProvisioner = (*SQLAccounts)(nil)

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CreateAccount provisions an account outside any coordinated mutation.
func (a *SQLAccounts) CreateAccount(ctx context.Context, id, password string, roles RoleSet) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = a.db.db.ExecContext(ctx, a.db.rebind(
		`INSERT INTO accounts(id,password_hash,roles) VALUES(?,?,?)`),
		id, hash, roles.String())
	if err != nil {
		return dbErr("create account", err)
	}
	return nil
}

// UpdateAccountRoles reconciles the account's grants with the role set,
// replacing whatever was there before.
func (a *SQLAccounts) UpdateAccountRoles(ctx context.Context, id string, roles RoleSet) error {
	res, err := a.db.db.ExecContext(ctx, a.db.rebind(
		`UPDATE accounts SET roles=? WHERE id=?`), roles.String(), id)
	if err != nil {
		return dbErr("update account roles", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("update account roles", err)
	}
	if n == 0 {
		return userErrorf("account %s does not exist", id)
	}
	return nil
}

// DeleteAccount removes the account. Deleting a missing account is not an
// error; the roster save path retries after partial failures.
func (a *SQLAccounts) DeleteAccount(ctx context.Context, id string) error {
	if _, err := a.db.db.ExecContext(ctx, a.db.rebind(
		`DELETE FROM accounts WHERE id=?`), id); err != nil {
		return dbErr("delete account", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Coordinated steps
// ---------------------------------------------------------------------------

// CreateStep provisions an account inside the surrounding transaction. The
// password is hashed eagerly so a hashing failure surfaces as a
// precondition rather than mid-transaction.
func (a *SQLAccounts) CreateStep(id, password string, roles RoleSet) Step {
	hash, hashErr := hashPassword(password)
	bound := a.db.rebind(`INSERT INTO accounts(id,password_hash,roles) VALUES(?,?,?)`)
	return Step{
		Name: "provision account " + id,
		Run: func(ctx context.Context, tx *sql.Tx) error {
			if hashErr != nil {
				return hashErr
			}
			_, err := tx.ExecContext(ctx, bound, id, hash, roles.String())
			return err
		},
	}
}

// UpdateRolesStep reconciles the account's grants inside the surrounding
// transaction: previous grants are revoked wholesale and the new set
// applied.
func (a *SQLAccounts) UpdateRolesStep(id string, roles RoleSet) Step {
	bound := a.db.rebind(`UPDATE accounts SET roles=? WHERE id=?`)
	return Step{
		Name: "reconcile account " + id,
		Run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, bound, roles.String(), id)
			return err
		},
	}
}

// DeleteStep removes the account inside the surrounding transaction.
func (a *SQLAccounts) DeleteStep(id string) Step {
	bound := a.db.rebind(`DELETE FROM accounts WHERE id=?`)
	return Step{
		Name: "remove account " + id,
		Run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, bound, id)
			return err
		},
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticate verifies an account's credentials.
func (a *SQLAccounts) Authenticate(ctx context.Context, id, password string) error {
	var hash string
	err := a.db.db.QueryRowContext(ctx, a.db.rebind(
		`SELECT password_hash FROM accounts WHERE id=?`), id).Scan(&hash)
	if err == sql.ErrNoRows {
		return userErrorf("account %s does not exist", id)
	}
	if err != nil {
		return dbErr("authenticate", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return userErrorf("invalid password for %s", id)
	}
	return nil
}

// ResetPassword replaces an account's credentials.
func (a *SQLAccounts) ResetPassword(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	res, err := a.db.db.ExecContext(ctx, a.db.rebind(
		`UPDATE accounts SET password_hash=? WHERE id=?`), hash, id)
	if err != nil {
		return dbErr("reset password", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("reset password", err)
	}
	if n == 0 {
		return userErrorf("account %s does not exist", id)
	}
	return nil
}

// Roles reports the grants currently attached to an account.
func (a *SQLAccounts) Roles(ctx context.Context, id string) (RoleSet, error) {
	var roles string
	err := a.db.db.QueryRowContext(ctx, a.db.rebind(
		`SELECT roles FROM accounts WHERE id=?`), id).Scan(&roles)
	if err == sql.ErrNoRows {
		return nil, userErrorf("account %s does not exist", id)
	}
	if err != nil {
		return nil, dbErr("account roles", err)
	}
	return ParseRoleSet(roles), nil
}
