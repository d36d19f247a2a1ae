package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func recvDoc(t *testing.T, ch chan DocumentSnapshot) DocumentSnapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for document snapshot")
		return DocumentSnapshot{}
	}
}

func recvQuery(t *testing.T, ch chan QuerySnapshot) QuerySnapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for query snapshot")
		return QuerySnapshot{}
	}
}

func TestServerTimestampResolvedAtCommit(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return fixed }

	ctx := context.Background()
	if err := store.Put(ctx, CollectionUsers, "u1", Fields{"role": "rider", "createdAt": ServerTimestamp}); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc, err := store.Get(ctx, CollectionUsers, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got, ok := doc.Fields["createdAt"].(time.Time); !ok || !got.Equal(fixed) {
		t.Fatalf("createdAt = %v, want %v", doc.Fields["createdAt"], fixed)
	}
}

func TestCreateAssignsDistinctIDs(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	a, err := store.Create(ctx, CollectionRideRequests, Fields{"status": "searching"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := store.Create(ctx, CollectionRideRequests, Fields{"status": "searching"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a == b || a == "" {
		t.Fatalf("ids not distinct: %q %q", a, b)
	}
	docs, err := store.RunQuery(ctx, Query{Collection: CollectionRideRequests})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	if err := store.Update(context.Background(), CollectionUsers, "ghost", Fields{"role": "rider"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribeDocumentDeliversInitialThenChanges(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	snaps := make(chan DocumentSnapshot, 8)
	unsub := store.SubscribeDocument(CollectionUsers, "u1", func(s DocumentSnapshot) { snaps <- s })
	defer unsub()

	if s := recvDoc(t, snaps); s.Exists {
		t.Fatalf("initial snapshot should report a missing document")
	}
	if err := store.Put(ctx, CollectionUsers, "u1", Fields{"role": "driver"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s := recvDoc(t, snaps)
	if !s.Exists || s.Document.Fields["role"] != "driver" {
		t.Fatalf("snapshot = %+v, want existing driver doc", s)
	}
}

func TestSubscribeQueryRedeliversFullResultSet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, CollectionRideRequests, "r1", Fields{"status": "searching"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	snaps := make(chan QuerySnapshot, 8)
	q := Query{Collection: CollectionRideRequests, Filters: []Filter{Where("status", "searching")}}
	unsub := store.SubscribeQuery(q, func(s QuerySnapshot) { snaps <- s })
	defer unsub()

	if s := recvQuery(t, snaps); len(s.Docs) != 1 {
		t.Fatalf("initial snapshot had %d docs, want 1", len(s.Docs))
	}
	if err := store.Put(ctx, CollectionRideRequests, "r2", Fields{"status": "searching"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if s := recvQuery(t, snaps); len(s.Docs) != 2 {
		t.Fatalf("snapshot after second put had %d docs, want 2", len(s.Docs))
	}
	// a doc leaving the filter shrinks the set on the next emission
	if err := store.Update(ctx, CollectionRideRequests, "r1", Fields{"status": "matched"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s := recvQuery(t, snaps); len(s.Docs) != 1 || s.Docs[0].ID != "r2" {
		t.Fatalf("snapshot after update = %+v, want only r2", s.Docs)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	snaps := make(chan DocumentSnapshot, 8)
	unsub := store.SubscribeDocument(CollectionUsers, "u1", func(s DocumentSnapshot) { snaps <- s })
	recvDoc(t, snaps)

	unsub()
	unsub()

	if err := store.Put(ctx, CollectionUsers, "u1", Fields{"role": "rider"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case s := <-snaps:
		t.Fatalf("snapshot delivered after unsubscribe: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateIfRejectsOnChangedField(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, CollectionRideRequests, "r1", Fields{"status": "searching"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	pre := Fields{"status": "searching", "driverId": nil}
	if err := store.UpdateIf(ctx, CollectionRideRequests, "r1", pre, Fields{"status": "matched", "driverId": "d1"}); err != nil {
		t.Fatalf("first cas: %v", err)
	}
	err := store.UpdateIf(ctx, CollectionRideRequests, "r1", pre, Fields{"status": "matched", "driverId": "d2"})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("second cas err = %v, want ErrPreconditionFailed", err)
	}
	doc, err := store.Get(ctx, CollectionRideRequests, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields["driverId"] != "d1" {
		t.Fatalf("driverId = %v, want d1", doc.Fields["driverId"])
	}
}

func TestNilFilterMatchesAbsentOrNull(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, CollectionRideRequests, "absent", Fields{"status": "searching"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, CollectionRideRequests, "null", Fields{"status": "searching", "driverId": nil}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, CollectionRideRequests, "taken", Fields{"status": "searching", "driverId": "d9"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	docs, err := store.RunQuery(ctx, Query{
		Collection: CollectionRideRequests,
		Filters:    []Filter{Where("status", "searching"), Where("driverId", nil)},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2 (absent and null)", len(docs))
	}
	for _, d := range docs {
		if d.ID == "taken" {
			t.Fatalf("doc with assigned driver matched nil filter")
		}
	}
}

func TestQueryOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := store.Put(ctx, CollectionRideRequests, id, Fields{"status": "searching", "createdAt": base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	docs, err := store.RunQuery(ctx, Query{Collection: CollectionRideRequests, OrderBy: "createdAt", Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "r1" {
		t.Fatalf("docs = %+v, want just the oldest request", docs)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Put(ctx, CollectionUsers, "u1", Fields{"role": "rider"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Put(ctx, CollectionUsers, "u1", Fields{"role": "rider"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("put err = %v, want ErrClosed", err)
	}
	if _, err := store.Get(ctx, CollectionUsers, "u1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("get err = %v, want ErrClosed", err)
	}
	if _, err := store.RunQuery(ctx, Query{Collection: CollectionUsers}); !errors.Is(err, ErrClosed) {
		t.Fatalf("query err = %v, want ErrClosed", err)
	}
}

func TestConcurrentWritersDeliverInCommitOrder(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// the clock runs under the store lock, so commit order is timestamp order
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var tick int64
	store.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick))
	}

	if err := store.Put(ctx, CollectionUsers, "u1", Fields{"updatedAt": ServerTimestamp}); err != nil {
		t.Fatalf("put: %v", err)
	}

	const writers = 4
	const writesEach = 200

	var obsMu sync.Mutex
	var lastSeen time.Time
	violation := ""
	delivered := 0
	done := make(chan struct{})
	unsub := store.SubscribeDocument(CollectionUsers, "u1", func(s DocumentSnapshot) {
		ts, _ := s.Document.Fields["updatedAt"].(time.Time)
		obsMu.Lock()
		if ts.Before(lastSeen) && violation == "" {
			violation = fmt.Sprintf("snapshot regressed from %v to %v", lastSeen, ts)
		}
		lastSeen = ts
		delivered++
		if delivered == writers*writesEach+1 {
			close(done)
		}
		obsMu.Unlock()
	})
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < writesEach; j++ {
				if err := store.Update(ctx, CollectionUsers, "u1", Fields{"updatedAt": ServerTimestamp}); err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		obsMu.Lock()
		got := delivered
		obsMu.Unlock()
		t.Fatalf("timed out after %d of %d deliveries", got, writers*writesEach+1)
	}
	obsMu.Lock()
	defer obsMu.Unlock()
	if violation != "" {
		t.Fatalf("out-of-order delivery: %s", violation)
	}
}
