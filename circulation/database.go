package circulation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "github.com/mattn/go-sqlite3"
)

// Engine selects the backing relational store.
type Engine string

const (
	// EngineSQLite is the embedded single-file engine.
	EngineSQLite Engine = "sqlite"
	// EnginePostgres is the server engine, driven through pgx's stdlib shim.
	EnginePostgres Engine = "postgres"
)

// Database owns the single open connection. The process holds it
// exclusively: no pooling, no concurrent transactions.
type Database struct {
	db     *sql.DB
	engine Engine

	addItemStmt *sql.Stmt
}

// Open connects to the configured store, applies schema migrations, and
// prepares common statements.
func Open(cfg StoreConfig) (*Database, error) {
	var (
		db     *sql.DB
		engine Engine
		err    error
	)
	switch Engine(cfg.Engine) {
	case EngineSQLite, "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		// Enable busy_timeout and foreign keys.
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", cfg.Path)
		db, err = sql.Open("sqlite3", dsn)
		engine = EngineSQLite
	case EnginePostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		engine = EnginePostgres
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, dbErr("open store", err)
	}
	// One exclusive connection; a second writer would break the
	// single-writer guarantee the sync layer depends on.
	db.SetMaxOpenConns(1)

	d := &Database{db: db, engine: engine}
	if err := d.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.prepareStatements(); err != nil {
		db.Close()
		return nil, dbErr("prepare statements", err)
	}
	return d, nil
}

// Close releases prepared statements and closes the connection.
func (d *Database) Close() error {
	if d.addItemStmt != nil {
		d.addItemStmt.Close()
	}
	return d.db.Close()
}

// Engine reports which backend is open.
func (d *Database) Engine() Engine { return d.engine }

// rebind converts ?-style placeholders to the $N form Postgres expects.
// Statements in this package are written with ? throughout.
func (d *Database) rebind(query string) string {
	if d.engine != EnginePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func (d *Database) applyMigrations() error {
	if d.engine == EngineSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return dbErr("create meta table", err)
	}

	var current int
	_ = d.db.QueryRow(d.rebind(`SELECT value FROM meta WHERE key='schema_version';`)).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return &DatabaseError{Kind: KindTransaction, Op: "begin migration", Err: err}
	}
	defer tx.Rollback()

	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.engine == EnginePostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS items (
            id %s,
            type TEXT NOT NULL,
            natural_key TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL,
            quantity INTEGER NOT NULL,
            availability INTEGER NOT NULL,
            location TEXT NOT NULL DEFAULT '',
            CHECK (availability >= 0 AND availability <= quantity)
        );`, serial),
		`CREATE TABLE IF NOT EXISTS members (
            memberid TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            dob TEXT NOT NULL DEFAULT '',
            sex TEXT NOT NULL DEFAULT '',
            address TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            member_since TEXT NOT NULL,
            expiration_date TEXT NOT NULL,
            fees REAL NOT NULL DEFAULT 0,
            comments TEXT NOT NULL DEFAULT '',
            checksum TEXT NOT NULL UNIQUE
        );`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reservations (
            id %s,
            item_id INTEGER NOT NULL,
            item_type TEXT NOT NULL,
            copy_id TEXT NOT NULL,
            memberid TEXT NOT NULL REFERENCES members(memberid),
            reserved_date TEXT NOT NULL,
            due_date TEXT NOT NULL,
            returned_date TEXT
        );`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS requests (
            id %s,
            item_id INTEGER NOT NULL,
            item_type TEXT NOT NULL,
            memberid TEXT NOT NULL REFERENCES members(memberid),
            request_date TEXT NOT NULL
        );`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS history (
            id %s,
            memberid TEXT NOT NULL,
            item_id INTEGER NOT NULL,
            item_type TEXT NOT NULL,
            copy_id TEXT NOT NULL,
            reserved_date TEXT NOT NULL,
            due_date TEXT NOT NULL,
            returned_date TEXT,
            processed_by TEXT NOT NULL DEFAULT '',
            UNIQUE (memberid, item_id, item_type, copy_id, reserved_date)
        );`, serial),
		`CREATE TABLE IF NOT EXISTS admins (
            username TEXT PRIMARY KEY,
            roles TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            password_hash TEXT NOT NULL,
            roles TEXT NOT NULL DEFAULT ''
        );`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return dbErr("apply migration", err)
		}
	}
	if _, err := tx.Exec(d.rebind(
		`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`),
		fmt.Sprint(schemaVersion)); err != nil {
		return dbErr("record schema version", err)
	}

	if err := tx.Commit(); err != nil {
		return &DatabaseError{Kind: KindTransaction, Op: "commit migration", Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	// Member inserts run inside coordinated transactions and cannot use a
	// connection-scoped prepared statement.
	if d.addItemStmt, err = d.db.Prepare(d.rebind(
		`INSERT INTO items(type,natural_key,title,quantity,availability,location) VALUES(?,?,?,?,?,?)`)); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Item helpers
// ---------------------------------------------------------------------------

// AddItem inserts a catalog entry with all copies available.
func (d *Database) AddItem(ctx context.Context, it Item) (int64, error) {
	if it.Quantity < 1 {
		return 0, userErrorf("an item must have at least one copy")
	}
	if _, err := ParseItemType(string(it.Type)); err != nil {
		return 0, faultf("unhandled item type %q", it.Type)
	}
	if d.engine == EnginePostgres {
		var id int64
		err := d.db.QueryRowContext(ctx, d.rebind(
			`INSERT INTO items(type,natural_key,title,quantity,availability,location)
             VALUES(?,?,?,?,?,?) RETURNING id`),
			string(it.Type), it.NaturalKey, it.Title, it.Quantity, it.Quantity, it.Location).Scan(&id)
		if err != nil {
			return 0, dbErr("add item", err)
		}
		return id, nil
	}
	res, err := d.addItemStmt.ExecContext(ctx,
		string(it.Type), it.NaturalKey, it.Title, it.Quantity, it.Quantity, it.Location)
	if err != nil {
		return 0, dbErr("add item", err)
	}
	return res.LastInsertId()
}

// GetItem fetches one catalog entry by join key.
func (d *Database) GetItem(ctx context.Context, key JoinKey) (*Item, error) {
	var it Item
	var typ string
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT id,type,natural_key,title,quantity,availability,location FROM items WHERE id=? AND type=?`),
		key.ID, string(key.Type)).
		Scan(&it.ID, &typ, &it.NaturalKey, &it.Title, &it.Quantity, &it.Availability, &it.Location)
	if err == sql.ErrNoRows {
		return nil, userErrorf("item %s does not exist", key)
	}
	if err != nil {
		return nil, dbErr("get item", err)
	}
	it.Type = ItemType(typ)
	return &it, nil
}

// ---------------------------------------------------------------------------
// Member helpers
// ---------------------------------------------------------------------------

const dateLayout = "2006-01-02"

// GetMember fetches one member row.
func (d *Database) GetMember(ctx context.Context, memberID string) (*Member, error) {
	var m Member
	var since, expiration string
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT memberid,name,dob,sex,address,email,phone,member_since,expiration_date,fees,comments
         FROM members WHERE memberid=?`), memberID).
		Scan(&m.MemberID, &m.Name, &m.DOB, &m.Sex, &m.Address, &m.Email, &m.Phone,
			&since, &expiration, &m.Fees, &m.Comments)
	if err == sql.ErrNoRows {
		return nil, userErrorf("member %s does not exist", memberID)
	}
	if err != nil {
		return nil, dbErr("get member", err)
	}
	if m.Since, err = time.Parse(dateLayout, since); err != nil {
		return nil, faultf("member %s has malformed member_since %q", memberID, since)
	}
	if m.Expiration, err = time.Parse(dateLayout, expiration); err != nil {
		return nil, faultf("member %s has malformed expiration_date %q", memberID, expiration)
	}
	return &m, nil
}

// MemberExists reports whether a member row exists for the id.
func (d *Database) MemberExists(ctx context.Context, memberID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT EXISTS(SELECT 1 FROM members WHERE memberid=?)`), memberID).Scan(&exists)
	if err != nil {
		return false, dbErr("member exists", err)
	}
	return exists, nil
}

// ChecksumInUse reports whether another member already carries the identity
// checksum.
func (d *Database) ChecksumInUse(ctx context.Context, checksum, excludeMemberID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT EXISTS(SELECT 1 FROM members WHERE checksum=? AND memberid<>?)`),
		checksum, excludeMemberID).Scan(&exists)
	if err != nil {
		return false, dbErr("checksum lookup", err)
	}
	return exists, nil
}

// ReservedCounts returns the member's open reservations broken out by type.
func (d *Database) ReservedCounts(ctx context.Context, memberID string) (ReservedCounts, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(
		`SELECT item_type, COUNT(*) FROM reservations
         WHERE memberid=? AND returned_date IS NULL GROUP BY item_type`), memberID)
	if err != nil {
		return nil, dbErr("reserved counts", err)
	}
	defer rows.Close()

	counts := ReservedCounts{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, dbErr("reserved counts", err)
		}
		counts[ItemType(typ)] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Reservation and request helpers
// ---------------------------------------------------------------------------

// GetReservation fetches one reservation by id.
func (d *Database) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	var r Reservation
	var typ, reserved, due string
	var returned sql.NullString
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT id,item_id,item_type,copy_id,memberid,reserved_date,due_date,returned_date
         FROM reservations WHERE id=?`), id).
		Scan(&r.ID, &r.ItemID, &typ, &r.CopyID, &r.MemberID, &reserved, &due, &returned)
	if err == sql.ErrNoRows {
		return nil, userErrorf("reservation %d does not exist", id)
	}
	if err != nil {
		return nil, dbErr("get reservation", err)
	}
	r.ItemType = ItemType(typ)
	if r.Reserved, err = time.Parse(dateLayout, reserved); err != nil {
		return nil, faultf("reservation %d has malformed reserved_date %q", id, reserved)
	}
	if r.Due, err = time.Parse(dateLayout, due); err != nil {
		return nil, faultf("reservation %d has malformed due_date %q", id, due)
	}
	if returned.Valid {
		t, err := time.Parse(dateLayout, returned.String)
		if err != nil {
			return nil, faultf("reservation %d has malformed returned_date %q", id, returned.String)
		}
		r.Returned = &t
	}
	return &r, nil
}

// OpenRequestExists reports whether the member already holds an open
// request for the item.
func (d *Database) OpenRequestExists(ctx context.Context, key JoinKey, memberID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT EXISTS(SELECT 1 FROM requests WHERE item_id=? AND item_type=? AND memberid=?)`),
		key.ID, string(key.Type), memberID).Scan(&exists)
	if err != nil {
		return false, dbErr("request lookup", err)
	}
	return exists, nil
}

// RequestCount counts open requests referencing an item; a referenced item
// may not be deleted.
func (d *Database) RequestCount(ctx context.Context, key JoinKey) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT COUNT(*) FROM requests WHERE item_id=? AND item_type=?`),
		key.ID, string(key.Type)).Scan(&n)
	if err != nil {
		return 0, dbErr("request count", err)
	}
	return n, nil
}

// MemberHistory lists the archival reservation records for one member.
func (d *Database) MemberHistory(ctx context.Context, memberID string) ([]HistoryEntry, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(
		`SELECT id,memberid,item_id,item_type,copy_id,reserved_date,due_date,returned_date,processed_by
         FROM history WHERE memberid=? ORDER BY id`), memberID)
	if err != nil {
		return nil, dbErr("member history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var typ, reserved, due string
		var returned sql.NullString
		if err := rows.Scan(&h.ID, &h.MemberID, &h.ItemID, &typ, &h.CopyID,
			&reserved, &due, &returned, &h.ProcessedBy); err != nil {
			return nil, dbErr("member history", err)
		}
		h.ItemType = ItemType(typ)
		if h.Reserved, err = time.Parse(dateLayout, reserved); err != nil {
			return nil, faultf("history %d has malformed reserved_date %q", h.ID, reserved)
		}
		if h.Due, err = time.Parse(dateLayout, due); err != nil {
			return nil, faultf("history %d has malformed due_date %q", h.ID, due)
		}
		if returned.Valid {
			t, err := time.Parse(dateLayout, returned.String)
			if err != nil {
				return nil, faultf("history %d has malformed returned_date %q", h.ID, returned.String)
			}
			h.Returned = &t
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
