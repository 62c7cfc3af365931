package circulation

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event is a mutation effect fanned out to every dependent view.
type Event interface{ event() }

// RowChanged reports that one field of a catalog row changed.
type RowChanged struct {
	Key   JoinKey
	Field string
	Value string
}

// RowRemoved reports that a catalog row no longer exists.
type RowRemoved struct {
	Key JoinKey
}

// ReservationCountsChanged reports a member's new per-type open-reservation
// counts. Counts are absolute, never deltas, so replaying the event is
// harmless.
type ReservationCountsChanged struct {
	MemberID string
	Counts   ReservedCounts
}

// HistorySealed reports that a reservation was archived, keyed by member,
// item, and copy.
type HistorySealed struct {
	MemberID string
	ItemKey  JoinKey
	CopyID   string
	Returned time.Time
}

func (RowChanged) event()               {}
func (RowRemoved) event()               {}
func (ReservationCountsChanged) event() {}
func (HistorySealed) event()            {}

// IconView is the iconographic catalog view. Image-related field updates
// swap the displayed image.
type IconView interface {
	UpdateItem(key JoinKey, field, value string)
	RemoveItem(key JoinKey)
}

// MemberBrowser is the member-browser aggregate table.
type MemberBrowser interface {
	UpdateCounts(memberID string, counts ReservedCounts)
}

// HistoryView is an open per-member history window.
type HistoryView interface {
	// Open reports whether a history window is showing this member.
	Open(memberID string) bool
	// UpsertEntry updates or appends the history row for the copy.
	UpsertEntry(memberID string, itemKey JoinKey, copyID string, returned time.Time)
}

// SyncBus fans a mutation's effect out to every view that may be showing
// stale data: the materialized page, the icon view, live editor sessions,
// and the member aggregates. It holds no persistent state of its own.
//
// Publish processes one event fully before accepting the next, so two rapid
// mutations to the same key can never interleave their view updates.
// Publishing the same event twice produces the same end state.
type SyncBus struct {
	mu       sync.Mutex
	page     *Projection
	icons    IconView
	registry *SessionRegistry
	members  MemberBrowser
	history  HistoryView
	logger   *slog.Logger
}

// NewSyncBus wires the fan-out list once. Any view may be nil; nil views
// are skipped.
func NewSyncBus(page *Projection, icons IconView, registry *SessionRegistry,
	members MemberBrowser, history HistoryView, logger *slog.Logger) *SyncBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncBus{
		page:     page,
		icons:    icons,
		registry: registry,
		members:  members,
		history:  history,
		logger:   logger,
	}
}

// Publish delivers the event to each dependent view, synchronously and in
// fan-out order: materialized page, icon view, editor session, member
// aggregates.
func (b *SyncBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e := ev.(type) {
	case RowChanged:
		if b.page != nil {
			b.page.ApplyRowChange(e.Key, e.Field, e.Value)
		}
		if b.icons != nil {
			b.icons.UpdateItem(e.Key, e.Field, e.Value)
		}
		b.updateSession(ItemSessionKey(e.Key), e.Field, e.Value)

	case RowRemoved:
		if b.page != nil {
			b.page.RemoveRow(e.Key)
		}
		if b.icons != nil {
			b.icons.RemoveItem(e.Key)
		}
		if b.registry != nil {
			if h := b.registry.Find(ItemSessionKey(e.Key)); h != nil {
				h.Close()
			}
		}

	case ReservationCountsChanged:
		b.updateSession(MemberSessionKey(e.MemberID), "reserved_items", e.Counts.String())
		if b.members != nil {
			b.members.UpdateCounts(e.MemberID, e.Counts)
		}

	case HistorySealed:
		b.updateSession(MemberSessionKey(e.MemberID), "last_returned", e.Returned.Format(dateLayout))
		if b.history != nil && b.history.Open(e.MemberID) {
			b.history.UpsertEntry(e.MemberID, e.ItemKey, e.CopyID, e.Returned)
		}

	default:
		b.logger.Warn("dropping unknown sync event", "event", ev)
	}
}

func (b *SyncBus) updateSession(key SessionKey, field, value string) {
	if b.registry == nil {
		return
	}
	if h := b.registry.Find(key); h != nil {
		h.ApplyFieldUpdate(field, value)
	}
}

// String renders counts compactly for session field updates.
func (c ReservedCounts) String() string {
	var parts []string
	for _, t := range ItemTypes {
		if n := c[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", t, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
