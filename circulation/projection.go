package circulation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FilterKind names one of the predefined catalog predicates.
type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterAllAvailable
	FilterAllOverdue
	FilterAllRequested
	FilterAllReserved
	FilterItemType
)

// Filter selects which catalog rows populate the page.
type Filter struct {
	Kind FilterKind
	Type ItemType // set when Kind == FilterItemType
}

func (f Filter) String() string {
	switch f.Kind {
	case FilterAll:
		return "All"
	case FilterAllAvailable:
		return "All Available"
	case FilterAllOverdue:
		return "All Overdue"
	case FilterAllRequested:
		return "All Requested"
	case FilterAllReserved:
		return "All Reserved"
	case FilterItemType:
		return f.Type.Label()
	}
	return "Unknown"
}

// ParseFilter maps a stored filter name back onto a Filter.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return Filter{Kind: FilterAll}, nil
	case "all available":
		return Filter{Kind: FilterAllAvailable}, nil
	case "all overdue":
		return Filter{Kind: FilterAllOverdue}, nil
	case "all requested":
		return Filter{Kind: FilterAllRequested}, nil
	case "all reserved":
		return Filter{Kind: FilterAllReserved}, nil
	}
	t, err := ParseItemType(s)
	if err != nil {
		return Filter{}, fmt.Errorf("unknown filter %q", s)
	}
	return Filter{Kind: FilterItemType, Type: t}, nil
}

// FieldCriteria is the structured field-set from the advanced-search form.
// Empty fields do not constrain the result.
type FieldCriteria struct {
	Title      string
	NaturalKey string
	Location   string
}

// Criteria narrows a filter. The zero value is unfiltered; Custom carries a
// literal read-only query instead.
type Criteria struct {
	Fields FieldCriteria
	Custom string
}

// Statement is one parameterized query with its bind values, written with
// ?-placeholders. Wrap marks statements of unknown shape (custom queries)
// that must be windowed through a subselect because they may carry their
// own LIMIT or ORDER BY.
type Statement struct {
	SQL  string
	Args []any
	Wrap bool
}

// mutating keywords rejected in custom queries.
var deniedKeywords = map[string]bool{
	"alter": true, "cluster": true, "create": true, "delete": true,
	"drop": true, "grant": true, "insert": true, "lock": true,
	"revoke": true, "truncate": true, "update": true,
}

// GuardCustomQuery rejects mutating statements before they reach the
// persistence layer. The check works on lexed word tokens, not raw
// substrings, so a column named update_by passes while "UPDATE items"
// anywhere in the text does not; the statement must also read as a single
// SELECT.
func GuardCustomQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return userErrorf("please provide a valid SQL statement")
	}
	tokens := lexWords(trimmed)
	if len(tokens) == 0 || tokens[0] != "select" {
		return userErrorf("please provide a non-destructive SQL statement")
	}
	for _, tok := range tokens {
		if deniedKeywords[tok] {
			return userErrorf("please provide a non-destructive SQL statement")
		}
	}
	return nil
}

// lexWords lowercases the text and splits it into identifier-shaped tokens.
// Comment markers do not hide keywords from the scan because splitting
// happens on every non-identifier rune.
func lexWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

const baseSelect = `SELECT id, type, natural_key, title, quantity, availability, location FROM items`

// buildStatement maps a (filter, criteria) pair onto one parameterized
// query template plus its bind values.
func buildStatement(f Filter, c Criteria, today time.Time) (Statement, error) {
	if c.Custom != "" {
		if err := GuardCustomQuery(c.Custom); err != nil {
			return Statement{}, err
		}
		// A trailing semicolon would break both the counting wrap and the
		// windowing subselect.
		text := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(c.Custom), ";"))
		return Statement{SQL: text, Wrap: true}, nil
	}

	var (
		where []string
		args  []any
	)
	switch f.Kind {
	case FilterAll:
	case FilterAllAvailable:
		where = append(where, "availability > 0")
	case FilterAllOverdue:
		where = append(where,
			`EXISTS(SELECT 1 FROM reservations r WHERE r.item_id = items.id AND r.item_type = items.type
              AND r.returned_date IS NULL AND r.due_date < ?)`)
		args = append(args, today.Format(dateLayout))
	case FilterAllRequested:
		where = append(where,
			`EXISTS(SELECT 1 FROM requests q WHERE q.item_id = items.id AND q.item_type = items.type)`)
	case FilterAllReserved:
		where = append(where, "availability < quantity")
	case FilterItemType:
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	default:
		return Statement{}, faultf("unhandled filter kind %d", f.Kind)
	}

	if c.Fields.Title != "" {
		where = append(where, "LOWER(title) LIKE ?")
		args = append(args, "%"+strings.ToLower(c.Fields.Title)+"%")
	}
	if c.Fields.NaturalKey != "" {
		where = append(where, "natural_key = ?")
		args = append(args, c.Fields.NaturalKey)
	}
	if c.Fields.Location != "" {
		where = append(where, "LOWER(location) LIKE ?")
		args = append(args, "%"+strings.ToLower(c.Fields.Location)+"%")
	}

	sqlText := baseSelect
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY title, id"
	return Statement{SQL: sqlText, Args: args}, nil
}

// Row is one materialized page row. Key is the stable join key the sync bus
// uses to locate the row for in-place update without re-querying.
type Row struct {
	Key    JoinKey
	Fields map[string]string
}

// PageSource abstracts how the engine reports result sizes. Some engines
// report the row count with the result; others require an explicit counting
// pass with identical predicate and binds.
type PageSource interface {
	// Total reports the result size when the engine knows it eagerly.
	Total(ctx context.Context, stmt Statement) (total int, known bool, err error)
	// Count runs a counting pass with the statement's exact predicate and
	// bind values.
	Count(ctx context.Context, stmt Statement) (int, error)
	// Fetch materializes one window of the result. A negative limit
	// disables windowing.
	Fetch(ctx context.Context, stmt Statement, limit, offset int) ([]Row, error)
}

// PageSizeUnlimited disables paging.
const PageSizeUnlimited = 0

// MoveKind is a page-navigation direction.
type MoveKind int

const (
	MoveFirst MoveKind = iota
	MoveNext
	MovePrev
	MoveJump
)

// Move addresses the page to materialize.
type Move struct {
	Kind MoveKind
	Page int // target for MoveJump
}

// First addresses page one.
func First() Move { return Move{Kind: MoveFirst} }

// Next addresses the following page; past the last page it is a no-op.
func Next() Move { return Move{Kind: MoveNext} }

// Prev addresses the preceding page; before page one it is a no-op.
func Prev() Move { return Move{Kind: MovePrev} }

// Jump addresses page n, clamped to the valid range.
func Jump(n int) Move { return Move{Kind: MoveJump, Page: n} }

// PageResult is one materialized page.
type PageResult struct {
	Page       int
	TotalPages int
	Total      int
	Rows       []Row
}

// Projection turns a (filter, criteria) query into a cursor-backed,
// page-addressable result set. It owns the materialized rows the sync bus
// updates in place.
type Projection struct {
	mu       sync.Mutex
	source   PageSource
	pageSize int
	page     int
	total    int
	filter   Filter
	criteria Criteria
	rows     []Row
	now      func() time.Time
}

// NewProjection builds a projection with the configured page size
// (PageSizeUnlimited disables paging).
func NewProjection(source PageSource, pageSize int) *Projection {
	if pageSize < 0 {
		pageSize = PageSizeUnlimited
	}
	return &Projection{source: source, pageSize: pageSize, page: 1, now: time.Now}
}

// Populate materializes the addressed page of the filtered result.
func (p *Projection) Populate(ctx context.Context, f Filter, c Criteria, move Move) (PageResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stmt, err := buildStatement(f, c, p.now())
	if err != nil {
		return PageResult{}, err
	}

	// A different query resets the cursor to the first page.
	if f != p.filter || c != p.criteria {
		p.page = 1
	}
	p.filter, p.criteria = f, c

	if p.pageSize == PageSizeUnlimited {
		rows, err := p.source.Fetch(ctx, stmt, -1, 0)
		if err != nil {
			return PageResult{}, err
		}
		p.rows, p.total, p.page = rows, len(rows), 1
		return p.result(), nil
	}

	total, known, err := p.source.Total(ctx, stmt)
	if err != nil {
		return PageResult{}, err
	}
	if !known {
		if total, err = p.source.Count(ctx, stmt); err != nil {
			return PageResult{}, err
		}
	}
	p.total = total

	target := p.page
	switch move.Kind {
	case MoveFirst:
		target = 1
	case MoveNext:
		target = p.page + 1
	case MovePrev:
		target = p.page - 1
	case MoveJump:
		target = move.Page
	}
	// Navigation clamps to [1, totalPages]; past either edge is a no-op.
	if last := p.totalPages(); target > last {
		target = last
	}
	if target < 1 {
		target = 1
	}
	p.page = target

	rows, err := p.source.Fetch(ctx, stmt, p.pageSize, (target-1)*p.pageSize)
	if err != nil {
		return PageResult{}, err
	}
	p.rows = rows
	return p.result(), nil
}

// Refresh re-materializes the current page with the current filter.
func (p *Projection) Refresh(ctx context.Context) (PageResult, error) {
	p.mu.Lock()
	f, c, page := p.filter, p.criteria, p.page
	p.mu.Unlock()
	return p.Populate(ctx, f, c, Jump(page))
}

func (p *Projection) totalPages() int {
	if p.pageSize == PageSizeUnlimited || p.total == 0 {
		return 1
	}
	return (p.total + p.pageSize - 1) / p.pageSize
}

func (p *Projection) result() PageResult {
	rows := make([]Row, len(p.rows))
	copy(rows, p.rows)
	return PageResult{Page: p.page, TotalPages: p.totalPages(), Total: p.total, Rows: rows}
}

// ApplyRowChange updates one field of the materialized row, if the key is
// present in the current page. Reapplying the same change is harmless.
func (p *Projection) ApplyRowChange(key JoinKey, field, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.rows {
		if p.rows[i].Key == key {
			if p.rows[i].Fields == nil {
				p.rows[i].Fields = make(map[string]string)
			}
			p.rows[i].Fields[field] = value
			return true
		}
	}
	return false
}

// RemoveRow drops the materialized row, if present. Removing an absent row
// is a no-op so replayed events cannot double-decrement the total.
func (p *Projection) RemoveRow(key JoinKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.rows {
		if p.rows[i].Key == key {
			p.rows = append(p.rows[:i], p.rows[i+1:]...)
			if p.total > 0 {
				p.total--
			}
			return true
		}
	}
	return false
}

// Rows returns a copy of the current page's rows.
func (p *Projection) Rows() []Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := make([]Row, len(p.rows))
	copy(rows, p.rows)
	return rows
}

// ---------------------------------------------------------------------------
// Database-backed page source
// ---------------------------------------------------------------------------

// Total reports unknown: database/sql exposes no eager row count, so the
// projection falls back to the counting pass.
func (d *Database) Total(ctx context.Context, stmt Statement) (int, bool, error) {
	return 0, false, nil
}

// Count wraps the statement in a COUNT(*) pass with identical binds.
func (d *Database) Count(ctx context.Context, stmt Statement) (int, error) {
	var n int
	counting := "SELECT COUNT(*) FROM (" + d.rebind(stmt.SQL) + ") AS page_count"
	if err := d.db.QueryRowContext(ctx, counting, stmt.Args...).Scan(&n); err != nil {
		return 0, dbErr("count rows", err)
	}
	return n, nil
}

// Fetch materializes one window of the result, scanning columns generically
// so guarded custom queries project too.
func (d *Database) Fetch(ctx context.Context, stmt Statement, limit, offset int) ([]Row, error) {
	query := d.rebind(stmt.SQL)
	if limit >= 0 {
		if stmt.Wrap {
			query = "SELECT * FROM (" + query + ") AS page"
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := d.db.QueryContext(ctx, query, stmt.Args...)
	if err != nil {
		return nil, dbErr("populate page", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, dbErr("populate page", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			values[i] = new(any)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, dbErr("populate page", err)
		}
		row := Row{Fields: make(map[string]string, len(cols))}
		for i, col := range cols {
			row.Fields[strings.ToLower(col)] = renderValue(*(values[i].(*any)))
		}
		if id, err := strconv.ParseInt(row.Fields["id"], 10, 64); err == nil {
			row.Key = JoinKey{ID: id, Type: ItemType(row.Fields["type"])}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(dateLayout)
	default:
		return fmt.Sprint(t)
	}
}
