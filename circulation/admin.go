package circulation

import (
	"context"
	"database/sql"
	"strings"
)

// Admins owns the administrator roster. A roster save deletes removed
// admins and their accounts, then upserts the remaining entries and
// reconciles each backing account's grants, all inside one coordinated
// mutation with fail-fast rollback.
type Admins struct {
	db       *Database
	coord    *Coordinator
	accounts *SQLAccounts
	log      *ErrorLog
}

// NewAdmins builds the roster manager.
func NewAdmins(db *Database, coord *Coordinator, accounts *SQLAccounts, log *ErrorLog) *Admins {
	if log == nil {
		log = NewErrorLog(nil)
	}
	return &Admins{db: db, coord: coord, accounts: accounts, log: log}
}

// SaveRoster validates and persists the roster.
//
// Validation runs before any transaction step: every entry needs at least
// one role, and duplicate usernames (case-insensitive) are rejected. Both
// are user errors. The entry matching currentAdmin is skipped so operators
// cannot strip their own access mid-session.
func (a *Admins) SaveRoster(ctx context.Context, entries []AdminEntry, deleted []string, currentAdmin string) error {
	currentAdmin = strings.ToLower(strings.TrimSpace(currentAdmin))
	seen := map[string]bool{}
	for _, e := range entries {
		username := strings.ToLower(strings.TrimSpace(e.Username))
		if username == "" {
			continue
		}
		if e.Roles.Normalize().Empty() {
			return userErrorf("administrators must belong to at least one category")
		}
		if seen[username] {
			return userErrorf("duplicate administrator ids are not allowed")
		}
		seen[username] = true
	}

	var steps []Step
	for _, username := range deleted {
		username = strings.ToLower(strings.TrimSpace(username))
		if username == "" || username == currentAdmin {
			continue
		}
		steps = append(steps,
			a.db.SQLStep("remove administrator "+username,
				`DELETE FROM admins WHERE LOWER(username)=?`, username),
			a.accounts.DeleteStep(username),
		)
	}
	for _, e := range entries {
		username := strings.ToLower(strings.TrimSpace(e.Username))
		if username == "" || username == currentAdmin {
			continue
		}
		roles := e.Roles.Normalize()
		exists, err := a.exists(ctx, username)
		if err != nil {
			return err
		}
		if exists {
			steps = append(steps,
				a.db.SQLStep("update administrator "+username,
					`UPDATE admins SET roles=? WHERE LOWER(username)=?`, roles.String(), username),
				a.accounts.UpdateRolesStep(username, roles),
			)
		} else {
			steps = append(steps,
				a.db.SQLStep("insert administrator "+username,
					`INSERT INTO admins(username,roles) VALUES(?,?)`, username, roles.String()),
				a.accounts.CreateStep(username, username, roles),
			)
		}
	}

	result := a.coord.Execute(ctx, steps...)
	return result.Err
}

// Roster lists the saved roster entries.
func (a *Admins) Roster(ctx context.Context) ([]AdminEntry, error) {
	rows, err := a.db.db.QueryContext(ctx,
		`SELECT username, roles FROM admins ORDER BY username`)
	if err != nil {
		return nil, dbErr("load roster", err)
	}
	defer rows.Close()

	var out []AdminEntry
	for rows.Next() {
		var e AdminEntry
		var roles string
		if err := rows.Scan(&e.Username, &roles); err != nil {
			return nil, dbErr("load roster", err)
		}
		e.Roles = ParseRoleSet(roles)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *Admins) exists(ctx context.Context, username string) (bool, error) {
	var n int
	err := a.db.db.QueryRowContext(ctx, a.db.rebind(
		`SELECT COUNT(*) FROM admins WHERE LOWER(username)=?`), username).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return false, dbErr("roster lookup", err)
	}
	return n > 0, nil
}
