package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

const subscriptionTimeout = 2 * time.Second

func TestSQLStorePutAndGetOnce(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")
	session := mustSession(t, "session-a", document, atMillis(0))
	session.OwnerUserID = "user-1"

	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	loaded, err := store.GetOnce(ctx, session.ID)
	if err != nil {
		t.Fatalf("get once failed: %v", err)
	}
	if loaded != session {
		t.Fatalf("expected %+v, got %+v", session, loaded)
	}

	overwritten := WithEvicted(session)
	if err := store.Put(ctx, overwritten); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	loaded, err = store.GetOnce(ctx, session.ID)
	if err != nil {
		t.Fatalf("get once failed: %v", err)
	}
	if loaded.Active {
		t.Fatalf("put must fully overwrite the record")
	}
}

func TestSQLStoreGetOnceMissingReturnsNotFound(t *testing.T) {
	store := mustSQLStore(t)
	_, err := store.GetOnce(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSQLStorePatchMergesOnlyProvidedFields(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")
	session := mustSession(t, "session-a", document, atMillis(0))
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := store.Patch(ctx, session.ID, HeartbeatPatch(atMillis(9000))); err != nil {
		t.Fatalf("heartbeat patch failed: %v", err)
	}
	loaded, _ := store.GetOnce(ctx, session.ID)
	if !loaded.Active {
		t.Fatalf("heartbeat must not touch active")
	}
	if loaded.LastModifiedTimestamp.Int64() != testBaseMillis+9000 {
		t.Fatalf("unexpected last modified %d", loaded.LastModifiedTimestamp)
	}
	if loaded.ActivatedTimestamp != session.ActivatedTimestamp {
		t.Fatalf("activated timestamp must not change")
	}

	if err := store.Patch(ctx, session.ID, EvictionPatch()); err != nil {
		t.Fatalf("eviction patch failed: %v", err)
	}
	loaded, _ = store.GetOnce(ctx, session.ID)
	if loaded.Active {
		t.Fatalf("expected session to be inactive")
	}
	if loaded.LastModifiedTimestamp.Int64() != testBaseMillis+9000 {
		t.Fatalf("eviction must not touch last modified")
	}
}

func TestSQLStorePatchRejectsMissingAndEmpty(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	if err := store.Patch(ctx, "missing", EvictionPatch()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := store.Patch(ctx, "missing", Patch{}); !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("expected ErrEmptyPatch, got %v", err)
	}
}

func TestSQLStoreRemoveToleratesMissing(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")
	session := mustSession(t, "session-a", document, atMillis(0))
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Remove(ctx, session.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := store.Remove(ctx, session.ID); err != nil {
		t.Fatalf("second remove must be a no-op, got %v", err)
	}
	if _, err := store.GetOnce(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
}

func TestSQLStoreListActiveFiltersDocumentAndFlag(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	post := mustDocumentRef(t, "doc-1", "posts")
	product := mustDocumentRef(t, "doc-1", "products")

	first := mustSession(t, "first", post, atMillis(0))
	second := mustSession(t, "second", post, atMillis(1000))
	evicted := WithEvicted(mustSession(t, "evicted", post, atMillis(500)))
	elsewhere := mustSession(t, "elsewhere", product, atMillis(0))
	for _, session := range []Session{second, first, evicted, elsewhere} {
		if err := store.Put(ctx, session); err != nil {
			t.Fatalf("put %s failed: %v", session.ID, err)
		}
	}

	active, err := store.ListActive(ctx, post)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected two active sessions, got %d", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("expected oldest first, got %s then %s", active[0].ID, active[1].ID)
	}
}

func TestSQLStoreBatchPatchIsAllOrNothing(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")
	ids := []SessionID{"a", "b", "c"}
	for _, id := range ids {
		if err := store.Put(ctx, mustSession(t, id.String(), document, atMillis(0))); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	err := store.BatchPatch(ctx, []SessionID{"a", "b", "c", "ghost"}, EvictionPatch())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	for _, id := range ids {
		loaded, _ := store.GetOnce(ctx, id)
		if !loaded.Active {
			t.Fatalf("failed batch must leave %s untouched", id)
		}
	}

	if err := store.BatchPatch(ctx, ids, EvictionPatch()); err != nil {
		t.Fatalf("batch patch failed: %v", err)
	}
	for _, id := range ids {
		loaded, _ := store.GetOnce(ctx, id)
		if loaded.Active {
			t.Fatalf("expected %s to be evicted", id)
		}
	}

	if err := store.BatchPatch(ctx, nil, EvictionPatch()); err != nil {
		t.Fatalf("empty batch must be a no-op, got %v", err)
	}
}

func TestSQLStoreSubscribeDeliversChangesAndDeletion(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")
	session := mustSession(t, "session-a", document, atMillis(0))

	subscription, err := store.Subscribe(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Cancel()

	initial := receiveWithin(t, subscription.Updates(), subscriptionTimeout)
	if initial.Found {
		t.Fatalf("expected not-found before the record exists")
	}

	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	created := receiveWithin(t, subscription.Updates(), subscriptionTimeout)
	if !created.Found || !created.Session.Active {
		t.Fatalf("expected active record, got %+v", created)
	}

	if err := store.Patch(ctx, session.ID, EvictionPatch()); err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	evicted := receiveWithin(t, subscription.Updates(), subscriptionTimeout)
	if !evicted.Found || evicted.Session.Active {
		t.Fatalf("expected inactive record, got %+v", evicted)
	}

	if err := store.Remove(ctx, session.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	removed := receiveWithin(t, subscription.Updates(), subscriptionTimeout)
	if removed.Found {
		t.Fatalf("expected synthetic not-found after delete")
	}
}

func TestSQLStoreSubscribeQueryTracksActiveSet(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")

	subscription, err := store.SubscribeQuery(ctx, document)
	if err != nil {
		t.Fatalf("subscribe query failed: %v", err)
	}
	defer subscription.Cancel()

	if initial := receiveWithin(t, subscription.Updates(), subscriptionTimeout); len(initial) != 0 {
		t.Fatalf("expected empty initial set, got %d", len(initial))
	}

	first := mustSession(t, "first", document, atMillis(0))
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if current := receiveWithin(t, subscription.Updates(), subscriptionTimeout); len(current) != 1 {
		t.Fatalf("expected one active session, got %d", len(current))
	}

	if err := store.Patch(ctx, first.ID, EvictionPatch()); err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if current := receiveWithin(t, subscription.Updates(), subscriptionTimeout); len(current) != 0 {
		t.Fatalf("expected evicted session to leave the active set, got %d", len(current))
	}
}

func TestSubscriptionCancelClosesFeed(t *testing.T) {
	store := mustSQLStore(t)
	subscription, err := store.Subscribe(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	subscription.Cancel()
	subscription.Cancel()

	for range subscription.Updates() {
	}
	if count := store.feed.subscriberCount(sessionTopic("session-a")); count != 0 {
		t.Fatalf("expected feed subscriber to be released, got %d", count)
	}
}

func TestSQLStorePurgeInactive(t *testing.T) {
	store := mustSQLStore(t)
	ctx := context.Background()
	document := mustDocumentRef(t, "post-1", "posts")
	old := mustSession(t, "old", document, atMillis(0))
	recent := mustSession(t, "recent", document, atMillis(60000))
	for _, session := range []Session{old, recent} {
		if err := store.Put(ctx, session); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	purged, err := store.PurgeInactive(ctx, atMillis(30000))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged session, got %d", purged)
	}
	if _, err := store.GetOnce(ctx, old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected old session to be purged")
	}
	if _, err := store.GetOnce(ctx, recent.ID); err != nil {
		t.Fatalf("expected recent session to survive: %v", err)
	}
}

func TestDeliverKeepsLatestValue(t *testing.T) {
	stream := make(chan int, 1)
	ctx := context.Background()
	Deliver(ctx, stream, 1)
	Deliver(ctx, stream, 2)
	if value := <-stream; value != 2 {
		t.Fatalf("expected latest value 2, got %d", value)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	stream <- 3
	if Deliver(cancelled, stream, 4) {
		t.Fatalf("expected delivery to stop once the context is done")
	}
}
