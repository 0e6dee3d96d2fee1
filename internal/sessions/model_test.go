package sessions

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewSessionIDRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace", input: "   "},
		{name: "too-long", input: strings.Repeat("x", maxIdentifierLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSessionID(tt.input); !errors.Is(err, ErrInvalidSessionID) {
				t.Fatalf("expected ErrInvalidSessionID, got %v", err)
			}
		})
	}
}

func TestNewSessionStartsActiveWithMatchingTimestamps(t *testing.T) {
	document := mustDocumentRef(t, "post-1", "posts")
	session := mustSession(t, "session-a", document, atMillis(0))

	if !session.Active {
		t.Fatalf("expected new session to be active")
	}
	if session.ActivatedTimestamp != session.LastModifiedTimestamp {
		t.Fatalf("expected both timestamps to match, got %d and %d", session.ActivatedTimestamp, session.LastModifiedTimestamp)
	}
	if session.Document() != document {
		t.Fatalf("unexpected document ref %v", session.Document())
	}
}

func TestBuildersReturnNewValues(t *testing.T) {
	document := mustDocumentRef(t, "post-1", "posts")
	original := mustSession(t, "session-a", document, atMillis(0))

	heartbeat := WithHeartbeat(original, atMillis(5000))
	if heartbeat.LastModifiedTimestamp.Int64() != testBaseMillis+5000 {
		t.Fatalf("expected heartbeat timestamp to move, got %d", heartbeat.LastModifiedTimestamp)
	}
	if original.LastModifiedTimestamp.Int64() != testBaseMillis {
		t.Fatalf("original session must not change")
	}

	evicted := WithEvicted(original)
	if evicted.Active {
		t.Fatalf("expected evicted copy to be inactive")
	}
	if !original.Active {
		t.Fatalf("original session must stay active")
	}
}

func TestPatchApplyLeavesOmittedFields(t *testing.T) {
	document := mustDocumentRef(t, "product-1", "products")
	session := mustSession(t, "session-a", document, atMillis(0))

	evicted := EvictionPatch().Apply(session)
	if evicted.Active || evicted.LastModifiedTimestamp != session.LastModifiedTimestamp {
		t.Fatalf("eviction patch must only clear active: %+v", evicted)
	}

	refreshed := HeartbeatPatch(atMillis(42)).Apply(session)
	if !refreshed.Active || refreshed.LastModifiedTimestamp.Int64() != testBaseMillis+42 {
		t.Fatalf("heartbeat patch must only move the timestamp: %+v", refreshed)
	}
	if !(Patch{}).IsEmpty() {
		t.Fatalf("zero patch should be empty")
	}
	if EvictionPatch().TouchesOwnerFields() {
		t.Fatalf("eviction is open to every client")
	}
	if !HeartbeatPatch(atMillis(1)).TouchesOwnerFields() {
		t.Fatalf("heartbeat is reserved to the owner")
	}
	active := true
	if !(Patch{Active: &active}).TouchesOwnerFields() {
		t.Fatalf("reactivation is reserved to the owner")
	}
}

func TestConflictSetDropsStaleSessionsRegardlessOfActiveFlag(t *testing.T) {
	document := mustDocumentRef(t, "post-1", "posts")
	limit := 300 * time.Second
	now := atMillis(400000)

	stale := mustSession(t, "stale", document, atMillis(0))
	borderline := mustSession(t, "borderline", document, atMillis(100000))
	fresh := mustSession(t, "fresh", document, atMillis(390000))

	conflicts := ConflictSet([]Session{stale, borderline, fresh}, "self", now, limit)
	if len(conflicts) != 2 {
		t.Fatalf("expected two conflicts, got %d", len(conflicts))
	}
	for _, conflict := range conflicts {
		if conflict.ID == stale.ID {
			t.Fatalf("stale session leaked into conflict set")
		}
	}
}

func TestConflictSetExcludesSelfAndInactive(t *testing.T) {
	document := mustDocumentRef(t, "post-1", "posts")
	now := atMillis(1000)
	self := mustSession(t, "self", document, atMillis(0))
	other := mustSession(t, "other", document, atMillis(1000))
	inactive := WithEvicted(mustSession(t, "inactive", document, atMillis(500)))

	conflicts := ConflictSet([]Session{self, other, inactive}, self.ID, now, DefaultInactiveTimeoutLimit)
	if len(conflicts) != 1 || conflicts[0].ID != other.ID {
		t.Fatalf("expected only the other session, got %+v", conflicts)
	}
	if ConflictSet(nil, self.ID, now, DefaultInactiveTimeoutLimit) != nil {
		t.Fatalf("expected nil conflict set for no candidates")
	}
}

func TestIsStaleIsStrict(t *testing.T) {
	document := mustDocumentRef(t, "post-1", "posts")
	session := mustSession(t, "session-a", document, atMillis(0))
	limit := 300000 * time.Millisecond

	if session.IsStale(atMillis(300000), limit) {
		t.Fatalf("exactly at the limit must not be stale")
	}
	if !session.IsStale(atMillis(300001), limit) {
		t.Fatalf("past the limit must be stale")
	}
}

func TestSessionIDsSkipsExcluded(t *testing.T) {
	document := mustDocumentRef(t, "post-1", "posts")
	sessionList := []Session{
		mustSession(t, "a", document, atMillis(0)),
		mustSession(t, "b", document, atMillis(0)),
	}
	ids := SessionIDs(sessionList, "a")
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestRedirectRouteFor(t *testing.T) {
	tests := []struct {
		path     CollectionPath
		expected string
	}{
		{path: CollectionPosts, expected: "/blog/dashboard"},
		{path: CollectionProducts, expected: "/products/dashboard"},
		{path: "coupons", expected: "/"},
		{path: "", expected: "/"},
	}
	for _, tt := range tests {
		if route := RedirectRouteFor(tt.path); route != tt.expected {
			t.Fatalf("route for %q: want %s got %s", tt.path, tt.expected, route)
		}
	}
}

func TestUUIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewUUIDProvider()
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		id, err := provider.NewID()
		if err != nil {
			t.Fatalf("unexpected id error: %v", err)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewPersistenceErrorPassesThroughNotFound(t *testing.T) {
	if err := NewPersistenceError("op", ErrSessionNotFound); !errors.Is(err, ErrSessionNotFound) || IsPersistenceError(err) {
		t.Fatalf("not-found must stay a not-found signal, got %v", err)
	}
	wrapped := NewPersistenceError("op", errors.New("disk full"))
	if !IsPersistenceError(wrapped) {
		t.Fatalf("expected persistence error, got %v", wrapped)
	}
	if again := NewPersistenceError("other", wrapped); again != wrapped {
		t.Fatalf("expected existing persistence error to be reused")
	}
	if NewPersistenceError("op", nil) != nil {
		t.Fatalf("nil cause must stay nil")
	}
}
