package ride

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/models"
)

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []models.RideEvent
	err    error
}

func (f *fakePublisher) PublishRideEvent(ev models.RideEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) types() []models.RideEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RideEventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

// fakeProcessor records fare holds and captures.
type fakeProcessor struct {
	mu       sync.Mutex
	holds    int
	captured []string
	holdErr  error
}

func (f *fakeProcessor) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.holds++
	return "hold_1", nil
}

func (f *fakeProcessor) Capture(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, holdID)
	return nil
}

func (f *fakeProcessor) Release(ctx context.Context, holdID string) error { return nil }

// failingStore rejects creates to exercise the rollback path.
type failingStore struct {
	*docstore.MemoryStore
}

func (f *failingStore) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	return "", errors.New("write rejected")
}

func TestRequestCommitsSearchingDocument(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := &fakePublisher{}
	w := NewWorkflow(store, pub, nil, nil)
	ctx := context.Background()

	p := w.Request(ctx, "u1", models.Location{Lat: 9.03, Lng: 38.74})
	if p.Outcome() != PlacementCommitted {
		t.Fatalf("outcome = %v, want committed", p.Outcome())
	}
	doc, err := store.Get(ctx, docstore.CollectionRideRequests, p.RequestID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields["status"] != "searching" || doc.Fields["userId"] != "u1" {
		t.Fatalf("stored request = %+v", doc.Fields)
	}
	if got := pub.types(); len(got) != 1 || got[0] != models.RideCreated {
		t.Fatalf("events = %v, want [created]", got)
	}
}

func TestRequestFailureRollsBack(t *testing.T) {
	inner := docstore.NewMemoryStore()
	defer inner.Close()
	w := NewWorkflow(&failingStore{inner}, nil, nil, nil)

	p := w.Request(context.Background(), "u1", models.Location{})
	if p.Outcome() != PlacementFailed {
		t.Fatalf("outcome = %v, want failed", p.Outcome())
	}
	if p.Err() == nil {
		t.Fatalf("expected placement error")
	}
	if p.RequestID() != "" {
		t.Fatalf("failed placement carries id %q", p.RequestID())
	}
}

func TestSecondRequestCreatesSecondDocument(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	w := NewWorkflow(store, nil, nil, nil)
	ctx := context.Background()

	a := w.Request(ctx, "u1", models.Location{})
	b := w.Request(ctx, "u1", models.Location{})
	if a.RequestID() == b.RequestID() {
		t.Fatalf("expected distinct request documents")
	}
}

func TestAcceptLoserGetsConflict(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := &fakePublisher{}
	proc := &fakeProcessor{}
	w := NewWorkflow(store, pub, proc, nil)
	ctx := context.Background()

	p := w.Request(ctx, "u1", models.Location{})
	id := p.RequestID()

	if err := w.Accept(ctx, "d1", id); err != nil {
		t.Fatalf("winner accept: %v", err)
	}
	if err := w.Accept(ctx, "d2", id); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("loser accept err = %v, want ErrAlreadyMatched", err)
	}

	doc, err := store.Get(ctx, docstore.CollectionRideRequests, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields["driverId"] != "d1" || doc.Fields["status"] != "matched" {
		t.Fatalf("stored request = %+v, want d1 matched", doc.Fields)
	}
	if proc.holds != 1 {
		t.Fatalf("holds = %d, want exactly one fare hold", proc.holds)
	}
	if doc.Fields["fareHoldId"] != "hold_1" {
		t.Fatalf("fareHoldId = %v", doc.Fields["fareHoldId"])
	}
}

func TestCompleteCapturesFare(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	proc := &fakeProcessor{}
	pub := &fakePublisher{}
	w := NewWorkflow(store, pub, proc, nil)
	ctx := context.Background()

	id := w.Request(ctx, "u1", models.Location{}).RequestID()
	if err := w.Accept(ctx, "d1", id); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := w.Complete(ctx, "d2", id); !errors.Is(err, ErrNotTransitionable) {
		t.Fatalf("complete by wrong driver err = %v, want ErrNotTransitionable", err)
	}
	if err := w.Complete(ctx, "d1", id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	doc, _ := store.Get(ctx, docstore.CollectionRideRequests, id)
	if doc.Fields["status"] != "completed" {
		t.Fatalf("status = %v, want completed", doc.Fields["status"])
	}
	if len(proc.captured) != 1 || proc.captured[0] != "hold_1" {
		t.Fatalf("captured = %v, want the fare hold", proc.captured)
	}
	want := []models.RideEventType{models.RideCreated, models.RideMatched, models.RideCompleted}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestCancelOnlyWhileSearching(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	w := NewWorkflow(store, nil, nil, nil)
	ctx := context.Background()

	id := w.Request(ctx, "u1", models.Location{}).RequestID()

	if err := w.CancelRequest(ctx, "intruder", id); !errors.Is(err, ErrNotTransitionable) {
		t.Fatalf("cancel by non-owner err = %v, want ErrNotTransitionable", err)
	}
	if err := w.CancelRequest(ctx, "u1", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	doc, _ := store.Get(ctx, docstore.CollectionRideRequests, id)
	if doc.Fields["status"] != "cancelled" {
		t.Fatalf("status = %v, want cancelled", doc.Fields["status"])
	}

	// matched requests stay matched
	id2 := w.Request(ctx, "u1", models.Location{}).RequestID()
	if err := w.Accept(ctx, "d1", id2); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := w.CancelRequest(ctx, "u1", id2); !errors.Is(err, ErrNotTransitionable) {
		t.Fatalf("cancel matched err = %v, want ErrNotTransitionable", err)
	}
}

func TestPublishFailureDoesNotFailWorkflow(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := &fakePublisher{err: errors.New("broker down")}
	w := NewWorkflow(store, pub, nil, nil)

	p := w.Request(context.Background(), "u1", models.Location{})
	if p.Outcome() != PlacementCommitted {
		t.Fatalf("outcome = %v, want committed despite publish failure", p.Outcome())
	}
}
