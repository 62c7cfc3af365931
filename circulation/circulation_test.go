package circulation

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubIcons struct {
	updates []RowChanged
	removed []JoinKey
}

func (s *stubIcons) UpdateItem(key JoinKey, field, value string) {
	s.updates = append(s.updates, RowChanged{Key: key, Field: field, Value: value})
}

func (s *stubIcons) RemoveItem(key JoinKey) { s.removed = append(s.removed, key) }

type stubBrowser struct {
	counts map[string]ReservedCounts
}

func (s *stubBrowser) UpdateCounts(memberID string, counts ReservedCounts) {
	if s.counts == nil {
		s.counts = map[string]ReservedCounts{}
	}
	s.counts[memberID] = counts
}

type stubHistory struct {
	openFor string
	entries []HistorySealed
}

func (s *stubHistory) Open(memberID string) bool { return memberID == s.openFor }

func (s *stubHistory) UpsertEntry(memberID string, itemKey JoinKey, copyID string, returned time.Time) {
	s.entries = append(s.entries, HistorySealed{
		MemberID: memberID, ItemKey: itemKey, CopyID: copyID, Returned: returned,
	})
}

type circFixture struct {
	db      *Database
	circ    *Circulation
	icons   *stubIcons
	browser *stubBrowser
	history *stubHistory
}

func newCircFixture(t *testing.T) *circFixture {
	t.Helper()
	db := tempDB(t)
	log := quietLog()
	icons := &stubIcons{}
	browser := &stubBrowser{}
	history := &stubHistory{}
	bus := NewSyncBus(nil, icons, NewSessionRegistry(), browser, history, nil)
	circ := NewCirculation(db, NewCoordinator(db, log), bus, log, "op-1")
	return &circFixture{db: db, circ: circ, icons: icons, browser: browser, history: history}
}

func futureExpiry() time.Time { return time.Now().AddDate(1, 0, 0) }

func TestCheckoutReservesOneCopy(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemBook, Title: "Dune", Quantity: 2})
	seedMember(t, f.db, "alice-001", futureExpiry())

	res, err := f.circ.Checkout(ctx, key, "alice-001")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.CopyID == "" {
		t.Fatal("reservation has no copy id")
	}

	item, err := f.db.GetItem(ctx, key)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Availability != 1 {
		t.Fatalf("want availability 1 after checkout, got %d", item.Availability)
	}

	open, err := f.circ.OpenReservations(ctx, "alice-001")
	if err != nil {
		t.Fatalf("open reservations: %v", err)
	}
	if len(open) != 1 || open[0].CopyID != res.CopyID {
		t.Fatalf("want one open reservation for the copy, got %+v", open)
	}

	// Availability and member counts were fanned out.
	if len(f.icons.updates) == 0 || f.icons.updates[0].Field != "availability" || f.icons.updates[0].Value != "1" {
		t.Fatalf("icon view did not receive the availability update: %+v", f.icons.updates)
	}
	if f.browser.counts["alice-001"][ItemBook] != 1 {
		t.Fatalf("member browser did not receive the new counts: %+v", f.browser.counts)
	}
}

func TestCheckoutRejectsUnavailableItem(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemDVD, Title: "Solaris", Quantity: 1})
	seedMember(t, f.db, "alice-001", futureExpiry())
	seedMember(t, f.db, "bob-0002", futureExpiry())

	if _, err := f.circ.Checkout(ctx, key, "alice-001"); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	_, err := f.circ.Checkout(ctx, key, "bob-0002")
	if !IsUserError(err) {
		t.Fatalf("want user error for exhausted availability, got %v", err)
	}

	// The failed checkout left no reservation behind.
	open, err := f.circ.OpenReservations(ctx, "bob-0002")
	if err != nil {
		t.Fatalf("open reservations: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("failed checkout leaked a reservation: %+v", open)
	}
}

func TestCheckoutRejectsExpiredMember(t *testing.T) {
	f := newCircFixture(t)
	key := seedItem(t, f.db, Item{Type: ItemBook, Title: "Dune", Quantity: 1})
	seedMember(t, f.db, "lapsed-1", time.Now().AddDate(0, 0, -1))

	_, err := f.circ.Checkout(context.Background(), key, "lapsed-1")
	if !IsUserError(err) {
		t.Fatalf("want user error for expired membership, got %v", err)
	}
}

func TestPhotographCollectionsAreViewOnly(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemPhotographCollection, Title: "Archive", Quantity: 1})
	seedMember(t, f.db, "alice-001", futureExpiry())

	if _, err := f.circ.Checkout(ctx, key, "alice-001"); !IsUserError(err) {
		t.Fatalf("want user error reserving a photograph collection, got %v", err)
	}
	if _, err := f.circ.PlaceRequest(ctx, key, "alice-001"); !IsUserError(err) {
		t.Fatalf("want user error requesting a photograph collection, got %v", err)
	}
}

func TestReturnSealsHistoryAndRestoresAvailability(t *testing.T) {
	f := newCircFixture(t)
	f.history.openFor = "alice-001"
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemCD, Title: "Kind of Blue", Quantity: 1})
	seedMember(t, f.db, "alice-001", futureExpiry())

	if _, err := f.circ.Checkout(ctx, key, "alice-001"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	open, _ := f.circ.OpenReservations(ctx, "alice-001")
	if len(open) != 1 {
		t.Fatalf("want one open reservation, got %d", len(open))
	}

	if err := f.circ.ReturnCopy(ctx, open[0].ID); err != nil {
		t.Fatalf("return: %v", err)
	}

	item, _ := f.db.GetItem(ctx, key)
	if item.Availability != 1 {
		t.Fatalf("availability not restored, got %d", item.Availability)
	}

	entries, err := f.db.MemberHistory(ctx, "alice-001")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want one sealed history entry, got %d", len(entries))
	}
	e := entries[0]
	if e.CopyID != open[0].CopyID || e.ProcessedBy != "op-1" || e.Returned == nil {
		t.Fatalf("history entry incomplete: %+v", e)
	}

	// The open history window received the sealed entry.
	if len(f.history.entries) != 1 || f.history.entries[0].CopyID != open[0].CopyID {
		t.Fatalf("history view did not receive the sealed entry: %+v", f.history.entries)
	}

	if err := f.circ.ReturnCopy(ctx, open[0].ID); !IsUserError(err) {
		t.Fatalf("want user error on double return, got %v", err)
	}
}

func TestRequestLifecycle(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemBook, Title: "Dune", Quantity: 1})
	seedMember(t, f.db, "alice-001", futureExpiry())

	if _, err := f.circ.PlaceRequest(ctx, key, "alice-001"); err != nil {
		t.Fatalf("place request: %v", err)
	}
	if _, err := f.circ.PlaceRequest(ctx, key, "alice-001"); !IsUserError(err) {
		t.Fatalf("want user error on duplicate request, got %v", err)
	}

	var requestID int64
	if err := f.db.db.QueryRow(`SELECT id FROM requests`).Scan(&requestID); err != nil {
		t.Fatalf("request row missing: %v", err)
	}
	if err := f.circ.CancelRequest(ctx, requestID); err != nil {
		t.Fatalf("cancel request: %v", err)
	}

	// The last request is gone, so the row left the requested view.
	if len(f.icons.removed) != 1 || f.icons.removed[0] != key {
		t.Fatalf("row removal not fanned out: %+v", f.icons.removed)
	}
	if err := f.circ.CancelRequest(ctx, requestID); !IsUserError(err) {
		t.Fatalf("want user error cancelling a missing request, got %v", err)
	}
}

func TestDeleteItemGuards(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	seedMember(t, f.db, "alice-001", futureExpiry())

	reserved := seedItem(t, f.db, Item{Type: ItemBook, Title: "Out", Quantity: 1})
	if _, err := f.circ.Checkout(ctx, reserved, "alice-001"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := f.circ.DeleteItem(ctx, reserved); !IsUserError(err) {
		t.Fatalf("want user error deleting a checked-out item, got %v", err)
	}

	requested := seedItem(t, f.db, Item{Type: ItemBook, Title: "Held", Quantity: 1})
	if _, err := f.circ.PlaceRequest(ctx, requested, "alice-001"); err != nil {
		t.Fatalf("place request: %v", err)
	}
	if err := f.circ.DeleteItem(ctx, requested); !IsUserError(err) {
		t.Fatalf("want user error deleting a requested item, got %v", err)
	}

	// Both items survived their failed deletes.
	for _, key := range []JoinKey{reserved, requested} {
		if _, err := f.db.GetItem(ctx, key); err != nil {
			t.Fatalf("item %s should still exist: %v", key, err)
		}
	}
}

func TestDeleteItemRemovesClosedReservations(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemBook, Title: "Done", Quantity: 1})
	seedMember(t, f.db, "alice-001", futureExpiry())

	if _, err := f.circ.Checkout(ctx, key, "alice-001"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	open, _ := f.circ.OpenReservations(ctx, "alice-001")
	if err := f.circ.ReturnCopy(ctx, open[0].ID); err != nil {
		t.Fatalf("return: %v", err)
	}

	if err := f.circ.DeleteItem(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int
	if err := f.db.db.QueryRow(`SELECT COUNT(*) FROM reservations`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("closed reservations not removed with the item, got %d (%v)", n, err)
	}
	if len(f.icons.removed) != 1 || f.icons.removed[0] != key {
		t.Fatalf("row removal not fanned out: %+v", f.icons.removed)
	}
}

func TestDeleteItemsAggregatesFailures(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	seedMember(t, f.db, "alice-001", futureExpiry())

	deletable := seedItem(t, f.db, Item{Type: ItemBook, Title: "Free", Quantity: 1})
	checkedOut := seedItem(t, f.db, Item{Type: ItemBook, Title: "Out", Quantity: 1})
	if _, err := f.circ.Checkout(ctx, checkedOut, "alice-001"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	missing := JoinKey{ID: 9999, Type: ItemBook}

	err := f.circ.DeleteItems(ctx, []JoinKey{deletable, checkedOut, missing})
	var batch *BatchError
	if !errors.As(err, &batch) {
		t.Fatalf("want batch error, got %v", err)
	}
	if len(batch.Failures) != 2 {
		t.Fatalf("want 2 failures, got %d: %+v", len(batch.Failures), batch.Failures)
	}
	for _, failure := range batch.Failures {
		if !IsUserError(failure.Err) {
			t.Fatalf("failure for %s is not a user error: %v", failure.Key, failure.Err)
		}
	}

	// The deletable item was processed despite the failures around it.
	if _, err := f.db.GetItem(ctx, deletable); !IsUserError(err) {
		t.Fatalf("deletable item should be gone, got %v", err)
	}
	if _, err := f.db.GetItem(ctx, checkedOut); err != nil {
		t.Fatalf("checked-out item should survive: %v", err)
	}
}

func TestPartialReturnOfMultipleCopies(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemBook, Title: "Dune", Quantity: 3})
	seedMember(t, f.db, "alice-001", futureExpiry())

	first, err := f.circ.Checkout(ctx, key, "alice-001")
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := f.circ.Checkout(ctx, key, "alice-001")
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if first.CopyID == second.CopyID {
		t.Fatal("each checkout must reserve a distinct copy")
	}

	item, _ := f.db.GetItem(ctx, key)
	if item.Availability != 1 {
		t.Fatalf("want availability 1 with two copies out, got %d", item.Availability)
	}

	open, err := f.circ.OpenReservations(ctx, "alice-001")
	if err != nil {
		t.Fatalf("open reservations: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("want two open reservations, got %d", len(open))
	}

	// Returning the first copy leaves the second outstanding.
	var firstID int64
	for _, r := range open {
		if r.CopyID == first.CopyID {
			firstID = r.ID
		}
	}
	if err := f.circ.ReturnCopy(ctx, firstID); err != nil {
		t.Fatalf("return: %v", err)
	}

	item, _ = f.db.GetItem(ctx, key)
	if item.Availability != 2 {
		t.Fatalf("want availability 2 after the partial return, got %d", item.Availability)
	}
	entries, err := f.db.MemberHistory(ctx, "alice-001")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want exactly one sealed history entry, got %d", len(entries))
	}
	if entries[0].CopyID != first.CopyID {
		t.Fatalf("history sealed the wrong copy: %+v", entries[0])
	}

	remaining, _ := f.circ.OpenReservations(ctx, "alice-001")
	if len(remaining) != 1 || remaining[0].CopyID != second.CopyID {
		t.Fatalf("second copy should remain outstanding: %+v", remaining)
	}
}

func TestCancelRequestReportsStoreFailure(t *testing.T) {
	f := newCircFixture(t)
	f.db.Close()

	err := f.circ.CancelRequest(context.Background(), 1)
	if err == nil {
		t.Fatal("want failure on a closed store")
	}
	if IsUserError(err) {
		t.Fatalf("a store failure must not read as a missing request, got %v", err)
	}
	var dberr *DatabaseError
	if !errors.As(err, &dberr) {
		t.Fatalf("want DatabaseError, got %T", err)
	}
}

func TestCheckoutUntilUsesExplicitDueDate(t *testing.T) {
	f := newCircFixture(t)
	ctx := context.Background()
	key := seedItem(t, f.db, Item{Type: ItemBook, Title: "Dune", Quantity: 1})
	seedMember(t, f.db, "alice-001", futureExpiry())

	due := time.Now().AddDate(0, 0, 3)
	if _, err := f.circ.CheckoutUntil(ctx, key, "alice-001", due); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	open, _ := f.circ.OpenReservations(ctx, "alice-001")
	if len(open) != 1 || open[0].Due.Format(dateLayout) != due.Format(dateLayout) {
		t.Fatalf("due date not honored: %+v", open)
	}
}
