package circulation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ItemType tags one of the seven catalog variants. Operations that differ by
// variant switch on the tag; there is no variant hierarchy (a journal is a
// journal, not a kind of magazine).
type ItemType string

const (
	ItemBook                 ItemType = "book"
	ItemCD                   ItemType = "cd"
	ItemDVD                  ItemType = "dvd"
	ItemJournal              ItemType = "journal"
	ItemMagazine             ItemType = "magazine"
	ItemPhotographCollection ItemType = "photograph_collection"
	ItemVideoGame            ItemType = "videogame"
)

// ItemTypes lists every catalog variant in display order.
var ItemTypes = []ItemType{
	ItemBook, ItemCD, ItemDVD, ItemJournal, ItemMagazine,
	ItemPhotographCollection, ItemVideoGame,
}

// ParseItemType maps user-facing spellings ("Photograph Collection",
// "video game", "DVD") onto a tag.
func ParseItemType(s string) (ItemType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for _, t := range ItemTypes {
		if normalized == string(t) || normalized == strings.ReplaceAll(string(t), "_", "") {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown item type %q", s)
}

// Reservable reports whether copies of this variant may be checked out.
// Photograph collections are view-only.
func (t ItemType) Reservable() bool { return t != ItemPhotographCollection }

// RequestEligible reports whether a hold may be queued for this variant.
func (t ItemType) RequestEligible() bool { return t != ItemPhotographCollection }

// Label returns the user-facing spelling of the tag.
func (t ItemType) Label() string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		switch w {
		case "cd", "dvd":
			words[i] = strings.ToUpper(w)
		case "videogame":
			words[i] = "Video Game"
		default:
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Item is one catalog entry. Availability counts the copies not tied to an
// open reservation; 0 <= Availability <= Quantity always holds.
type Item struct {
	ID           int64
	Type         ItemType
	NaturalKey   string // ISBN/UPC/ISSN/catalog number, may be empty
	Title        string
	Quantity     int
	Availability int
	Location     string
}

// Key returns the item's stable join key.
func (it Item) Key() JoinKey { return JoinKey{ID: it.ID, Type: it.Type} }

// JoinKey identifies one catalog row across every view that displays it.
type JoinKey struct {
	ID   int64
	Type ItemType
}

func (k JoinKey) String() string { return fmt.Sprintf("%s/%d", k.Type, k.ID) }

// MinMemberIDLen is the shortest acceptable externally assigned member id.
const MinMemberIDLen = 5

// Member is a registered patron.
type Member struct {
	MemberID   string
	Name       string
	DOB        string // ISO date
	Sex        string
	Address    string
	Email      string
	Phone      string
	Since      time.Time
	Expiration time.Time
	Fees       float64 // accrued overdue balance
	Comments   string
}

// Checksum digests the identity fields used to reject duplicate
// registrations under different member ids.
func (m Member) Checksum() string {
	h := sha256.Sum256([]byte(m.Name + "\x00" + m.DOB + "\x00" + m.Sex + "\x00" + m.Address))
	return hex.EncodeToString(h[:])
}

// Expired reports whether the membership has lapsed as of the given day.
// Expiration on the current day still permits checkouts.
func (m Member) Expired(today time.Time) bool {
	return m.Expiration.Truncate(24 * time.Hour).Before(today.Truncate(24 * time.Hour))
}

// Reservation binds one item copy to one member. Returned is nil while the
// copy is outstanding.
type Reservation struct {
	ID       int64
	ItemID   int64
	ItemType ItemType
	CopyID   string
	MemberID string
	Reserved time.Time
	Due      time.Time
	Returned *time.Time
}

// Open reports whether the copy is still out.
func (r Reservation) Open() bool { return r.Returned == nil }

// Overdue reports whether an open reservation is past due.
func (r Reservation) Overdue(today time.Time) bool {
	return r.Open() && r.Due.Truncate(24*time.Hour).Before(today.Truncate(24*time.Hour))
}

// Request is a queued hold, distinct from a reservation: the member wants
// the item once a copy frees up.
type Request struct {
	ID        int64
	ItemID    int64
	ItemType  ItemType
	MemberID  string
	Requested time.Time
}

// HistoryEntry archives one reservation. Entries are immutable except for
// the returned-date stamp applied when the reservation closes.
type HistoryEntry struct {
	ID          int64
	MemberID    string
	ItemID      int64
	ItemType    ItemType
	CopyID      string
	Reserved    time.Time
	Due         time.Time
	Returned    *time.Time
	ProcessedBy string
}

// ReservedCounts breaks a member's open reservations out by item type.
type ReservedCounts map[ItemType]int

// Total sums the per-type counts. A member may only be deleted when this
// is zero.
func (c ReservedCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Role is one administrative privilege category.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleCirculation   Role = "circulation"
	RoleLibrarian     Role = "librarian"
	RoleMembership    Role = "membership"
)

// RoleSet is the privilege set attached to a roster entry.
type RoleSet map[Role]bool

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = true
	}
	return s
}

// Normalize applies the exclusivity rule: administrator supersedes, and
// clears, the other three categories.
func (s RoleSet) Normalize() RoleSet {
	if s[RoleAdministrator] {
		return NewRoleSet(RoleAdministrator)
	}
	out := make(RoleSet, len(s))
	for r, ok := range s {
		if ok {
			out[r] = true
		}
	}
	return out
}

// Empty reports whether no role is selected.
func (s RoleSet) Empty() bool {
	for _, ok := range s {
		if ok {
			return false
		}
	}
	return true
}

// String renders the set in stable order for storage ("circulation librarian").
func (s RoleSet) String() string {
	var roles []string
	for r, ok := range s {
		if ok {
			roles = append(roles, string(r))
		}
	}
	sort.Strings(roles)
	return strings.Join(roles, " ")
}

// ParseRoleSet reads the stored space-joined form back into a set.
func ParseRoleSet(s string) RoleSet {
	out := RoleSet{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		switch Role(f) {
		case RoleAdministrator, RoleCirculation, RoleLibrarian, RoleMembership:
			out[Role(f)] = true
		}
	}
	return out
}

// AdminEntry is one (username, role-set) roster row.
type AdminEntry struct {
	Username string
	Roles    RoleSet
}
