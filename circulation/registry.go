package circulation

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SessionKind distinguishes what kind of record a session edits.
type SessionKind string

const (
	// SessionItem sessions edit one catalog entry; the key id is the
	// item's object id (or a synthetic id before first save).
	SessionItem SessionKind = "item"
	// SessionMember sessions edit one patron record.
	SessionMember SessionKind = "member"
)

// SessionKey identifies one live editor session. Synthetic ids from
// SearchKey, InsertKey, and DuplicateKey never collide with persisted ids.
type SessionKey struct {
	Kind SessionKind
	Type ItemType // empty for member sessions
	ID   string
}

func (k SessionKey) String() string {
	if k.Kind == SessionMember {
		return fmt.Sprintf("member/%s", k.ID)
	}
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// ItemSessionKey builds the key for an editor on a persisted catalog entry.
func ItemSessionKey(key JoinKey) SessionKey {
	return SessionKey{Kind: SessionItem, Type: key.Type, ID: fmt.Sprint(key.ID)}
}

// MemberSessionKey builds the key for an editor on a member record.
func MemberSessionKey(memberID string) SessionKey {
	return SessionKey{Kind: SessionMember, ID: memberID}
}

// SearchKey is the pseudo-key for the search window of a given item type.
func SearchKey(t ItemType) SessionKey {
	return SessionKey{Kind: SessionItem, Type: t, ID: "search"}
}

// SessionHandle is the presentation layer's view of one open editor. The
// core never reaches into window state except through this contract.
type SessionHandle interface {
	// Key reports the identity the handle was registered under.
	Key() SessionKey
	// ApplyFieldUpdate pushes one changed field into the open view.
	ApplyFieldUpdate(field, value string)
	// Close tells the view its record no longer exists.
	Close()
}

// SessionRegistry maps a session key to at most one live editor session.
// It replaces scanning the application's open-window list: components that
// need to find or update a live session get the registry injected instead.
//
// The registry is singly owned; all mutation happens on the same execution
// path that issued the originating operation.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[SessionKey]SessionHandle
	insertN  atomic.Int64
	dupN     atomic.Int64
}

// NewSessionRegistry builds an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[SessionKey]SessionHandle)}
}

// Find returns the live session for key, or nil when none is open.
func (r *SessionRegistry) Find(key SessionKey) SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// Register records a live session. Registering a second handle for an
// already-registered key is a programming fault, not a user-facing error.
func (r *SessionRegistry) Register(handle SessionHandle) error {
	key := handle.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[key]; dup {
		return faultf("session %s is already registered", key)
	}
	r.sessions[key] = handle
	return nil
}

// Unregister removes the handle if it is still the registered session for
// its key. Unregistering twice is harmless.
func (r *SessionRegistry) Unregister(handle SessionHandle) {
	key := handle.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] == handle {
		delete(r.sessions, key)
	}
}

// Len reports how many sessions are open.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// InsertKey mints a synthetic key for an editor on a not-yet-saved record.
// Each call yields a distinct key.
func (r *SessionRegistry) InsertKey(t ItemType) SessionKey {
	n := r.insertN.Add(1)
	return SessionKey{Kind: SessionItem, Type: t, ID: fmt.Sprintf("insert_%d", n)}
}

// DuplicateKey mints a synthetic key for an editor seeded from an existing
// record but not yet saved.
func (r *SessionRegistry) DuplicateKey(t ItemType) SessionKey {
	n := r.dupN.Add(1)
	return SessionKey{Kind: SessionItem, Type: t, ID: fmt.Sprintf("duplicate_%d", n)}
}
