package circulation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietLog() *ErrorLog {
	return NewErrorLog(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCoordinatorCommitsInOrder(t *testing.T) {
	db := tempDB(t)
	coord := NewCoordinator(db, quietLog())

	res := coord.Execute(context.Background(),
		db.SQLStep("insert first",
			`INSERT INTO items(type,natural_key,title,quantity,availability,location) VALUES('book','','First',1,1,'')`),
		db.SQLStep("insert second",
			`INSERT INTO items(type,natural_key,title,quantity,availability,location) VALUES('book','','Second',1,1,'')`),
	)
	if !res.OK {
		t.Fatalf("execute: %v", res.Err)
	}

	var n int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("want 2 items after commit, got %d (%v)", n, err)
	}
}

func TestCoordinatorRollsBackOnStepFailure(t *testing.T) {
	db := tempDB(t)
	log := quietLog()
	coord := NewCoordinator(db, log)

	res := coord.Execute(context.Background(),
		db.SQLStep("insert item",
			`INSERT INTO items(type,natural_key,title,quantity,availability,location) VALUES('book','','Orphan',1,1,'')`),
		db.SQLStep("break", `INSERT INTO no_such_table(x) VALUES(1)`),
	)
	if res.OK {
		t.Fatal("want failure")
	}
	if res.FailedStep != "break" {
		t.Fatalf("want failed step 'break', got %q", res.FailedStep)
	}
	var dberr *DatabaseError
	if !errors.As(res.Err, &dberr) {
		t.Fatalf("want DatabaseError, got %T", res.Err)
	}
	if res.RollbackFailed {
		t.Fatal("rollback should have succeeded")
	}
	if log.Len() == 0 {
		t.Fatal("failure was not recorded in the session error log")
	}

	var n int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("want empty items table after rollback, got %d (%v)", n, err)
	}
}

func TestCoordinatorStopsAtFirstFailure(t *testing.T) {
	db := tempDB(t)
	coord := NewCoordinator(db, quietLog())

	ran := false
	res := coord.Execute(context.Background(),
		db.SQLStep("break", `INSERT INTO no_such_table(x) VALUES(1)`),
		CallStep("never reached", func(ctx context.Context) error {
			ran = true
			return nil
		}),
	)
	if res.OK {
		t.Fatal("want failure")
	}
	if ran {
		t.Fatal("step after the failure still ran")
	}
}

func TestCoordinatorPreconditionRunsBeforeTransaction(t *testing.T) {
	db := tempDB(t)
	coord := NewCoordinator(db, quietLog())

	res := coord.Execute(context.Background(),
		db.SQLStep("insert item",
			`INSERT INTO items(type,natural_key,title,quantity,availability,location) VALUES('book','','Never',1,1,'')`),
		PreconditionStep("always fails", func(ctx context.Context) error {
			return errors.New("boom")
		}),
	)
	if res.OK {
		t.Fatal("want failure")
	}
	if res.FailedStep != "always fails" {
		t.Fatalf("want precondition step name, got %q", res.FailedStep)
	}
	var dberr *DatabaseError
	if !errors.As(res.Err, &dberr) || dberr.Kind != KindPrecondition {
		t.Fatalf("want precondition kind, got %v", res.Err)
	}

	var n int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("precondition failure must leave the store untouched, got %d rows (%v)", n, err)
	}
}

func TestCoordinatorPreconditionUserErrorPassesThrough(t *testing.T) {
	db := tempDB(t)
	coord := NewCoordinator(db, quietLog())

	res := coord.Execute(context.Background(),
		PreconditionStep("business rule", func(ctx context.Context) error {
			return userErrorf("that is not allowed")
		}),
	)
	if res.OK {
		t.Fatal("want failure")
	}
	if !IsUserError(res.Err) {
		t.Fatalf("user errors must not be rewrapped, got %T", res.Err)
	}
}
