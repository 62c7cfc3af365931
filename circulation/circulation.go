package circulation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLoanDays is the loan period applied when the caller does not pick
// a due date.
const DefaultLoanDays = 14

// Circulation governs per-item availability, reservation, and request
// status, and publishes every state change to the sync bus.
type Circulation struct {
	db          *Database
	coord       *Coordinator
	bus         *SyncBus
	log         *ErrorLog
	processedBy string
	now         func() time.Time
}

// NewCirculation builds the circulation engine. processedBy identifies the
// operator stamped into history entries.
func NewCirculation(db *Database, coord *Coordinator, bus *SyncBus, log *ErrorLog, processedBy string) *Circulation {
	if log == nil {
		log = NewErrorLog(nil)
	}
	return &Circulation{
		db:          db,
		coord:       coord,
		bus:         bus,
		log:         log,
		processedBy: processedBy,
		now:         time.Now,
	}
}

// Checkout reserves one copy of the item for the member.
//
// Preconditions, each a user error when violated: the item type is
// reservable, the member's membership has not expired, and at least one
// copy is available.
func (c *Circulation) Checkout(ctx context.Context, key JoinKey, memberID string) (*Reservation, error) {
	return c.CheckoutUntil(ctx, key, memberID, c.now().AddDate(0, 0, DefaultLoanDays))
}

// CheckoutUntil is Checkout with an explicit due date.
func (c *Circulation) CheckoutUntil(ctx context.Context, key JoinKey, memberID string, due time.Time) (*Reservation, error) {
	if !key.Type.Reservable() {
		return nil, userErrorf("%s items may not be reserved", key.Type.Label())
	}
	member, err := c.db.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.Expired(c.now()) {
		return nil, userErrorf("the membership of %s has expired", memberID)
	}
	item, err := c.db.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	if item.Availability < 1 {
		return nil, userErrorf("%q is not available for reservation", item.Title)
	}

	res := Reservation{
		ItemID:   key.ID,
		ItemType: key.Type,
		CopyID:   uuid.NewString(),
		MemberID: memberID,
		Reserved: c.now(),
		Due:      due,
	}
	result := c.coord.Execute(ctx,
		c.db.SQLStep("insert reservation",
			`INSERT INTO reservations(item_id,item_type,copy_id,memberid,reserved_date,due_date,returned_date)
             VALUES(?,?,?,?,?,?,NULL)`,
			res.ItemID, string(res.ItemType), res.CopyID, res.MemberID,
			res.Reserved.Format(dateLayout), res.Due.Format(dateLayout)),
		c.db.SQLStep("decrement availability",
			`UPDATE items SET availability = availability - 1 WHERE id=? AND type=? AND availability >= 1`,
			key.ID, string(key.Type)),
	)
	if !result.OK {
		return nil, result.Err
	}

	c.notifyItemAndCounts(ctx, key, memberID)
	return &res, nil
}

// ReturnCopy closes an open reservation: the returned date is stamped, the
// copy becomes available again, and the history entry is sealed.
func (c *Circulation) ReturnCopy(ctx context.Context, reservationID int64) error {
	res, err := c.db.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !res.Open() {
		return userErrorf("reservation %d has already been returned", reservationID)
	}

	key := JoinKey{ID: res.ItemID, Type: res.ItemType}
	returned := c.now()
	result := c.coord.Execute(ctx,
		c.db.SQLStep("stamp returned date",
			`UPDATE reservations SET returned_date=? WHERE id=? AND returned_date IS NULL`,
			returned.Format(dateLayout), reservationID),
		c.db.SQLStep("increment availability",
			`UPDATE items SET availability = availability + 1 WHERE id=? AND type=? AND availability < quantity`,
			key.ID, string(key.Type)),
		c.db.SQLStep("seal history entry",
			`INSERT INTO history(memberid,item_id,item_type,copy_id,reserved_date,due_date,returned_date,processed_by)
             VALUES(?,?,?,?,?,?,?,?)`,
			res.MemberID, res.ItemID, string(res.ItemType), res.CopyID,
			res.Reserved.Format(dateLayout), res.Due.Format(dateLayout),
			returned.Format(dateLayout), c.processedBy),
	)
	if !result.OK {
		return result.Err
	}

	c.notifyItemAndCounts(ctx, key, res.MemberID)
	if c.bus != nil {
		c.bus.Publish(HistorySealed{
			MemberID: res.MemberID,
			ItemKey:  key,
			CopyID:   res.CopyID,
			Returned: returned,
		})
	}
	return nil
}

// PlaceRequest queues a hold: reserve this item for the member once a copy
// frees up.
func (c *Circulation) PlaceRequest(ctx context.Context, key JoinKey, memberID string) (*Request, error) {
	if !key.Type.RequestEligible() {
		return nil, userErrorf("%s items may not be requested", key.Type.Label())
	}
	if _, err := c.db.GetItem(ctx, key); err != nil {
		return nil, err
	}
	if _, err := c.db.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	dup, err := c.db.OpenRequestExists(ctx, key, memberID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, userErrorf("%s already has a request for this item", memberID)
	}

	req := Request{ItemID: key.ID, ItemType: key.Type, MemberID: memberID, Requested: c.now()}
	result := c.coord.Execute(ctx,
		c.db.SQLStep("insert request",
			`INSERT INTO requests(item_id,item_type,memberid,request_date) VALUES(?,?,?,?)`,
			req.ItemID, string(req.ItemType), req.MemberID, req.Requested.Format(dateLayout)),
	)
	if !result.OK {
		return nil, result.Err
	}
	return &req, nil
}

// CancelRequest removes a queued hold and drops the row from any
// "All Requested" view.
func (c *Circulation) CancelRequest(ctx context.Context, requestID int64) error {
	var itemID int64
	var itemType string
	err := c.db.db.QueryRowContext(ctx, c.db.rebind(
		`SELECT item_id,item_type FROM requests WHERE id=?`), requestID).
		Scan(&itemID, &itemType)
	if err == sql.ErrNoRows {
		return userErrorf("request %d does not exist", requestID)
	}
	if err != nil {
		return dbErr("cancel request", err)
	}

	result := c.coord.Execute(ctx,
		c.db.SQLStep("delete request", `DELETE FROM requests WHERE id=?`, requestID),
	)
	if !result.OK {
		return result.Err
	}

	key := JoinKey{ID: itemID, Type: ItemType(itemType)}
	remaining, err := c.db.RequestCount(ctx, key)
	if err == nil && remaining == 0 && c.bus != nil {
		// The item leaves the "All Requested" projection once its last
		// request is gone.
		c.bus.Publish(RowRemoved{Key: key})
	}
	return nil
}

// DeleteItem removes one catalog entry. Deletion is forbidden while any
// copy is checked out or any open request references the item; either case
// is a user error and nothing changes.
func (c *Circulation) DeleteItem(ctx context.Context, key JoinKey) error {
	item, err := c.db.GetItem(ctx, key)
	if err != nil {
		return err
	}
	if item.Availability < item.Quantity {
		return userErrorf("reserved items may not be deleted")
	}
	requests, err := c.db.RequestCount(ctx, key)
	if err != nil {
		return err
	}
	if requests > 0 {
		return userErrorf("requested items may not be deleted")
	}

	result := c.coord.Execute(ctx,
		c.db.SQLStep("delete closed reservations",
			`DELETE FROM reservations WHERE item_id=? AND item_type=? AND returned_date IS NOT NULL`,
			key.ID, string(key.Type)),
		c.db.SQLStep("delete item",
			`DELETE FROM items WHERE id=? AND type=?`, key.ID, string(key.Type)),
	)
	if !result.OK {
		return result.Err
	}

	if c.bus != nil {
		c.bus.Publish(RowRemoved{Key: key})
	}
	return nil
}

// DeleteItems deletes a batch selection in the given (row) order. Each item
// is an independent transaction with its own precondition checks; one
// failure does not block the rest, and all failures are aggregated into a
// single end-of-batch report.
func (c *Circulation) DeleteItems(ctx context.Context, keys []JoinKey) error {
	var batch BatchError
	for _, key := range keys {
		if err := c.DeleteItem(ctx, key); err != nil {
			batch.Failures = append(batch.Failures, BatchFailure{Key: key, Err: err})
		}
	}
	if len(batch.Failures) > 0 {
		return &batch
	}
	return nil
}

// OpenReservations lists a member's outstanding reservations.
func (c *Circulation) OpenReservations(ctx context.Context, memberID string) ([]Reservation, error) {
	rows, err := c.db.db.QueryContext(ctx, c.db.rebind(
		`SELECT id,item_id,item_type,copy_id,memberid,reserved_date,due_date
         FROM reservations WHERE memberid=? AND returned_date IS NULL ORDER BY id`), memberID)
	if err != nil {
		return nil, dbErr("open reservations", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var typ, reserved, due string
		if err := rows.Scan(&r.ID, &r.ItemID, &typ, &r.CopyID, &r.MemberID, &reserved, &due); err != nil {
			return nil, dbErr("open reservations", err)
		}
		r.ItemType = ItemType(typ)
		if r.Reserved, err = time.Parse(dateLayout, reserved); err != nil {
			return nil, faultf("reservation %d has malformed reserved_date %q", r.ID, reserved)
		}
		if r.Due, err = time.Parse(dateLayout, due); err != nil {
			return nil, faultf("reservation %d has malformed due_date %q", r.ID, due)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// notifyItemAndCounts publishes the item's new availability and the
// member's new reservation counts after a circulation change.
func (c *Circulation) notifyItemAndCounts(ctx context.Context, key JoinKey, memberID string) {
	if c.bus == nil {
		return
	}
	item, err := c.db.GetItem(ctx, key)
	if err == nil {
		c.bus.Publish(RowChanged{Key: key, Field: "availability", Value: fmt.Sprint(item.Availability)})
	} else {
		c.log.Add("unable to determine the availability of the item", err)
	}
	counts, err := c.db.ReservedCounts(ctx, memberID)
	if err == nil {
		c.bus.Publish(ReservationCountsChanged{MemberID: memberID, Counts: counts})
	} else {
		c.log.Add("unable to determine the member's reservation counts", err)
	}
}
