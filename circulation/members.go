package circulation

import (
	"context"
	"strings"
	"time"
)

// Members owns the member save and delete paths. Saving a new member also
// provisions the backing account; both happen in one coordinated mutation
// so a failure rolls back the row and the provisioning attempt together.
type Members struct {
	db       *Database
	coord    *Coordinator
	accounts *SQLAccounts
	log      *ErrorLog
	now      func() time.Time
}

// NewMembers builds the member manager.
func NewMembers(db *Database, coord *Coordinator, accounts *SQLAccounts, log *ErrorLog) *Members {
	if log == nil {
		log = NewErrorLog(nil)
	}
	return &Members{db: db, coord: coord, accounts: accounts, log: log, now: time.Now}
}

// Create registers a new member and provisions an account with default
// credentials (the member id, to be reset on first use).
//
// User errors: short member id, duplicate member id, and a duplicate
// identity checksum (same name, date of birth, sex, and address as an
// existing member).
func (m *Members) Create(ctx context.Context, member Member) error {
	if err := m.validate(member); err != nil {
		return err
	}
	if member.Since.IsZero() {
		member.Since = m.now()
	}

	result := m.coord.Execute(ctx,
		PreconditionStep("reject duplicate member id", func(ctx context.Context) error {
			exists, err := m.db.MemberExists(ctx, member.MemberID)
			if err != nil {
				return err
			}
			if exists {
				return userErrorf("member id %s is already in use", member.MemberID)
			}
			return nil
		}),
		PreconditionStep("reject duplicate registration", func(ctx context.Context) error {
			dup, err := m.db.ChecksumInUse(ctx, member.Checksum(), member.MemberID)
			if err != nil {
				return err
			}
			if dup {
				return userErrorf("an identical member has already been registered")
			}
			return nil
		}),
		m.db.SQLStep("insert member row",
			`INSERT INTO members(memberid,name,dob,sex,address,email,phone,member_since,expiration_date,fees,comments,checksum)
             VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			member.MemberID, member.Name, member.DOB, member.Sex, member.Address,
			member.Email, member.Phone, member.Since.Format(dateLayout),
			member.Expiration.Format(dateLayout), member.Fees, member.Comments, member.Checksum()),
		m.accounts.CreateStep(member.MemberID, member.MemberID, NewRoleSet()),
	)
	return result.Err
}

// Update rewrites an existing member's row in place. The backing account's
// credentials are left alone.
func (m *Members) Update(ctx context.Context, member Member) error {
	if err := m.validate(member); err != nil {
		return err
	}

	result := m.coord.Execute(ctx,
		PreconditionStep("require existing member", func(ctx context.Context) error {
			exists, err := m.db.MemberExists(ctx, member.MemberID)
			if err != nil {
				return err
			}
			if !exists {
				return userErrorf("member %s does not exist", member.MemberID)
			}
			return nil
		}),
		PreconditionStep("reject duplicate registration", func(ctx context.Context) error {
			dup, err := m.db.ChecksumInUse(ctx, member.Checksum(), member.MemberID)
			if err != nil {
				return err
			}
			if dup {
				return userErrorf("an identical member has already been registered")
			}
			return nil
		}),
		m.db.SQLStep("update member row",
			`UPDATE members SET name=?,dob=?,sex=?,address=?,email=?,phone=?,
             expiration_date=?,fees=?,comments=?,checksum=? WHERE memberid=?`,
			member.Name, member.DOB, member.Sex, member.Address, member.Email,
			member.Phone, member.Expiration.Format(dateLayout), member.Fees,
			member.Comments, member.Checksum(), member.MemberID),
	)
	return result.Err
}

// Delete removes a member and the backing account. A member with any open
// reservation may not be deleted; that is a user error and nothing changes.
func (m *Members) Delete(ctx context.Context, memberID string) error {
	if _, err := m.db.GetMember(ctx, memberID); err != nil {
		return err
	}
	counts, err := m.db.ReservedCounts(ctx, memberID)
	if err != nil {
		return err
	}
	if counts.Total() != 0 {
		return userErrorf("you may not remove a member that has reserved items")
	}

	result := m.coord.Execute(ctx,
		m.db.SQLStep("delete member requests", `DELETE FROM requests WHERE memberid=?`, memberID),
		m.db.SQLStep("delete closed reservations",
			`DELETE FROM reservations WHERE memberid=? AND returned_date IS NOT NULL`, memberID),
		m.db.SQLStep("delete member row", `DELETE FROM members WHERE memberid=?`, memberID),
		m.accounts.DeleteStep(memberID),
	)
	return result.Err
}

func (m *Members) validate(member Member) error {
	if len(strings.TrimSpace(member.MemberID)) < MinMemberIDLen {
		return userErrorf("member ids require at least %d characters", MinMemberIDLen)
	}
	if strings.TrimSpace(member.Name) == "" {
		return userErrorf("a member requires a name")
	}
	if member.Expiration.IsZero() {
		return userErrorf("a member requires an expiration date")
	}
	return nil
}
