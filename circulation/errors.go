package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// UserError marks a violated business precondition: expired membership, an
// unavailable item, a duplicate member, deleting a reserved item, and so on.
// It is always recoverable locally and never signals store corruption.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

func userErrorf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err carries a UserError anywhere in its chain.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// DBErrorKind classifies a DatabaseError for the caller.
type DBErrorKind int

const (
	// KindConnection covers open/ping/statement failures attributable to
	// the connection itself.
	KindConnection DBErrorKind = iota
	// KindConstraint covers duplicate keys and other constraint violations.
	KindConstraint
	// KindTransaction covers begin, commit, and rollback failures.
	KindTransaction
	// KindPrecondition marks a caller-side check that failed before any
	// statement ran.
	KindPrecondition
	// KindStatement covers statements the engine rejected: syntax errors
	// and other statement-level failures. The connection itself is fine.
	KindStatement
)

func (k DBErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindConstraint:
		return "constraint"
	case KindTransaction:
		return "transaction"
	case KindPrecondition:
		return "precondition"
	case KindStatement:
		return "statement"
	}
	return "unknown"
}

// DatabaseError wraps a statement or transaction failure. RollbackFailed is
// set when the post-failure rollback itself failed; the original failure is
// still the one reported.
type DatabaseError struct {
	Kind           DBErrorKind
	Op             string
	Err            error
	RollbackFailed bool
}

func (e *DatabaseError) Error() string {
	if e.RollbackFailed {
		return fmt.Sprintf("%s: %s error: %v (rollback also failed)", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// dbErr wraps err as a DatabaseError with a classified kind.
func dbErr(op string, err error) *DatabaseError {
	return &DatabaseError{Kind: classify(err), Op: op, Err: err}
}

// classify inspects driver error types to decide the kind. Both drivers
// expose structured errors: go-sqlite3 an error code, pgx a SQLSTATE.
func classify(err error) DBErrorKind {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return KindConstraint
		case sqlite3.ErrError:
			return KindStatement
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen:
			return KindConnection
		}
		return KindConnection
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 23 is integrity constraint violation; class 42 is
		// a syntax error or access rule violation.
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			return KindConstraint
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42":
			return KindStatement
		}
		return KindConnection
	}
	if errors.Is(err, sql.ErrTxDone) {
		return KindTransaction
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnection
	}
	return KindConnection
}

// Fault marks a programming defect: a duplicate registry registration, an
// aggregate count that disagrees with the store. Faults are not runtime
// conditions to recover from.
type Fault struct {
	Msg string
}

func (e *Fault) Error() string { return "fault: " + e.Msg }

func faultf(format string, args ...any) error {
	return &Fault{Msg: fmt.Sprintf(format, args...)}
}

// ErrorEntry is one durable record in the session error log.
type ErrorEntry struct {
	When    time.Time
	Summary string
	Detail  string
}

// ErrorLog retains every DatabaseError for the lifetime of the session so
// the operator can review or export it later. Entries are append-only.
type ErrorLog struct {
	mu      sync.Mutex
	entries []ErrorEntry
	logger  *slog.Logger
}

// NewErrorLog builds a log that also emits each entry through logger.
func NewErrorLog(logger *slog.Logger) *ErrorLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorLog{logger: logger}
}

// Add records a database failure.
func (l *ErrorLog) Add(summary string, err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, ErrorEntry{When: time.Now(), Summary: summary, Detail: err.Error()})
	l.mu.Unlock()
	l.logger.Error(summary, "err", err)
}

// Entries returns a copy of the accumulated log.
func (l *ErrorLog) Entries() []ErrorEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports how many failures have been recorded.
func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// BatchFailure records one failed item inside a batch operation.
type BatchFailure struct {
	Key JoinKey
	Err error
}

// BatchError aggregates per-item failures from a batch operation. The batch
// continues past individual failures and reports once at the end.
type BatchError struct {
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("unable to process %d of the selected items", len(e.Failures))
}
