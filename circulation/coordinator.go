package circulation

import (
	"context"
	"database/sql"
)

// Step is one unit inside a coordinated mutation: a single statement or a
// single account-provisioning call. Precondition steps run before the
// transaction begins; their failure means no statement ever ran.
type Step struct {
	Name         string
	Precondition bool
	Run          func(ctx context.Context, tx *sql.Tx) error
}

// SQLStep builds a step that executes one parameterized statement.
func (d *Database) SQLStep(name, query string, args ...any) Step {
	bound := d.rebind(query)
	return Step{
		Name: name,
		Run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, bound, args...)
			return err
		},
	}
}

// CallStep builds a step around an external call (account provisioning and
// the like) that participates in the fail-fast ordering but not in the SQL
// transaction itself.
func CallStep(name string, fn func(ctx context.Context) error) Step {
	return Step{
		Name: name,
		Run:  func(ctx context.Context, _ *sql.Tx) error { return fn(ctx) },
	}
}

// PreconditionStep builds a caller-side check that must pass before the
// transaction begins.
func PreconditionStep(name string, fn func(ctx context.Context) error) Step {
	return Step{
		Name:         name,
		Precondition: true,
		Run:          func(ctx context.Context, _ *sql.Tx) error { return fn(ctx) },
	}
}

// Result reports the outcome of one coordinated mutation.
type Result struct {
	OK             bool
	FailedStep     string
	Err            error
	RollbackFailed bool
}

// Coordinator wraps multi-statement writes in an atomic unit with explicit
// commit/rollback and structured failure reporting. Steps run strictly in
// declaration order; the first failure aborts the rest.
type Coordinator struct {
	db  *Database
	log *ErrorLog
}

// NewCoordinator builds a coordinator over the open store.
func NewCoordinator(db *Database, log *ErrorLog) *Coordinator {
	if log == nil {
		log = NewErrorLog(nil)
	}
	return &Coordinator{db: db, log: log}
}

// Execute runs the steps as one atomic unit.
//
//  1. Precondition steps run first, before any transaction exists; a
//     failure is reported as a precondition error and nothing is touched.
//  2. A transaction begins and the remaining steps run in order; the first
//     failure aborts the rest.
//  3. If every step succeeded the transaction commits; a commit failure
//     rolls back.
//  4. After a step failure the transaction rolls back; a rollback failure
//     is logged as a secondary error but the step's failure is still the
//     one reported.
func (c *Coordinator) Execute(ctx context.Context, steps ...Step) Result {
	rest := steps[:0:0]
	for _, step := range steps {
		if !step.Precondition {
			rest = append(rest, step)
			continue
		}
		if err := step.Run(ctx, nil); err != nil {
			if IsUserError(err) {
				return Result{FailedStep: step.Name, Err: err}
			}
			return Result{
				FailedStep: step.Name,
				Err:        &DatabaseError{Kind: KindPrecondition, Op: step.Name, Err: err},
			}
		}
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		dberr := &DatabaseError{Kind: KindTransaction, Op: "begin", Err: err}
		c.log.Add("unable to create a database transaction", dberr)
		return Result{Err: dberr}
	}

	for _, step := range rest {
		if err := step.Run(ctx, tx); err != nil {
			failure := dbErr(step.Name, err)
			if rbErr := tx.Rollback(); rbErr != nil {
				failure.RollbackFailed = true
				c.log.Add("rollback failure", &DatabaseError{Kind: KindTransaction, Op: "rollback", Err: rbErr})
			}
			c.log.Add("step "+step.Name+" failed", failure)
			return Result{FailedStep: step.Name, Err: failure, RollbackFailed: failure.RollbackFailed}
		}
	}

	if err := tx.Commit(); err != nil {
		failure := &DatabaseError{Kind: KindTransaction, Op: "commit", Err: err}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			failure.RollbackFailed = true
			c.log.Add("rollback failure", &DatabaseError{Kind: KindTransaction, Op: "rollback", Err: rbErr})
		}
		c.log.Add("unable to commit the database transaction", failure)
		return Result{Err: failure, RollbackFailed: failure.RollbackFailed}
	}
	return Result{OK: true}
}
