package circulation

import (
	"errors"
	"testing"
)

type stubSession struct {
	key     SessionKey
	updates map[string]string
	closed  bool
}

func newStubSession(key SessionKey) *stubSession {
	return &stubSession{key: key, updates: map[string]string{}}
}

func (s *stubSession) Key() SessionKey { return s.key }

func (s *stubSession) ApplyFieldUpdate(field, value string) { s.updates[field] = value }

func (s *stubSession) Close() { s.closed = true }

func TestRegistryRegisterFindUnregister(t *testing.T) {
	r := NewSessionRegistry()
	key := ItemSessionKey(JoinKey{ID: 7, Type: ItemBook})
	sess := newStubSession(key)

	if err := r.Register(sess); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := r.Find(key); got != SessionHandle(sess) {
		t.Fatal("find did not return the registered handle")
	}
	if r.Len() != 1 {
		t.Fatalf("want 1 session, got %d", r.Len())
	}

	r.Unregister(sess)
	if r.Find(key) != nil {
		t.Fatal("handle still registered after unregister")
	}
	r.Unregister(sess) // second unregister is harmless
}

func TestRegistryDuplicateRegistrationIsFault(t *testing.T) {
	r := NewSessionRegistry()
	key := MemberSessionKey("alice-001")
	if err := r.Register(newStubSession(key)); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := r.Register(newStubSession(key))
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("want fault for duplicate registration, got %v", err)
	}
}

func TestRegistryKeysDoNotCollide(t *testing.T) {
	r := NewSessionRegistry()
	seen := map[SessionKey]bool{
		ItemSessionKey(JoinKey{ID: 1, Type: ItemBook}): true,
		MemberSessionKey("1"):                          true,
		SearchKey(ItemBook):                            true,
	}
	for i := 0; i < 3; i++ {
		for _, key := range []SessionKey{r.InsertKey(ItemBook), r.DuplicateKey(ItemBook)} {
			if seen[key] {
				t.Fatalf("synthetic key %s collides", key)
			}
			seen[key] = true
		}
	}
}

func TestRegistryDistinguishesKinds(t *testing.T) {
	r := NewSessionRegistry()
	item := newStubSession(ItemSessionKey(JoinKey{ID: 5, Type: ItemDVD}))
	member := newStubSession(MemberSessionKey("5"))
	if err := r.Register(item); err != nil {
		t.Fatalf("register item session: %v", err)
	}
	if err := r.Register(member); err != nil {
		t.Fatalf("id 5 as member must not collide with item 5: %v", err)
	}
	if r.Find(ItemSessionKey(JoinKey{ID: 5, Type: ItemCD})) != nil {
		t.Fatal("type is part of the item session key")
	}
}
