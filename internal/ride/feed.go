package ride

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
)

// Feed is one driver's view of the dispatch queue. While the driver is
// online it subscribes to the oldest unclaimed searching request, the same
// global FIFO head every online driver sees, and tracks the currently
// displayed request. Accept claims it through the workflow's conditional
// write; Reject clears the local view only and never touches the store.
type Feed struct {
	workflow *Workflow
	store    docstore.Store
	driverID string
	logger   *slog.Logger

	// notify, when set, observes every change of the displayed request
	// (nil means "nothing to show").
	notify func(*models.RideRequest)

	mu      sync.Mutex
	online  bool
	unsub   docstore.Unsubscribe
	current *models.RideRequest
	closed  bool
}

func NewFeed(workflow *Workflow, store docstore.Store, driverID string, notify func(*models.RideRequest), logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{workflow: workflow, store: store, driverID: driverID, notify: notify, logger: logger}
}

// SetOnline persists the availability flag and opens or closes the request
// subscription. Going offline cancels the subscription and clears the
// displayed request; it does not touch requests already matched.
func (f *Feed) SetOnline(ctx context.Context, online bool) error {
	if err := f.store.Update(ctx, docstore.CollectionUsers, f.driverID, docstore.Fields{
		"isOnline":  online,
		"updatedAt": docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("update online status: %w", err)
	}

	f.mu.Lock()
	if f.closed || f.online == online {
		f.mu.Unlock()
		return nil
	}
	f.online = online
	if !online {
		unsub := f.unsub
		f.unsub = nil
		f.current = nil
		f.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		f.emit(nil)
		observability.DriversOnline.Dec()
		return nil
	}
	f.mu.Unlock()

	unsub := f.store.SubscribeQuery(docstore.Query{
		Collection: docstore.CollectionRideRequests,
		Filters: []docstore.Filter{
			docstore.Where("status", string(models.StatusSearching)),
			docstore.Where("driverId", nil),
		},
		OrderBy: "createdAt",
		Limit:   1,
	}, f.onSnapshot)

	f.mu.Lock()
	if f.closed || !f.online {
		// toggled back off while subscribing
		f.mu.Unlock()
		unsub()
		return nil
	}
	f.unsub = unsub
	f.mu.Unlock()
	observability.DriversOnline.Inc()
	return nil
}

func (f *Feed) onSnapshot(snap docstore.QuerySnapshot) {
	if snap.Err != nil {
		// listener failures are logged only; the displayed request stands
		f.logger.Error("ride request subscription failed", "driver", f.driverID, "error", snap.Err)
		return
	}
	var next *models.RideRequest
	if len(snap.Docs) > 0 {
		req := models.RideRequestFromFields(snap.Docs[0].ID, snap.Docs[0].Fields)
		next = &req
	}
	f.mu.Lock()
	if f.closed || !f.online {
		f.mu.Unlock()
		return
	}
	f.current = next
	f.mu.Unlock()
	f.emit(next)
}

// Current returns the request presently displayed to the driver, if any.
func (f *Feed) Current() *models.RideRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Accept claims the displayed request and clears it from the feed on
// success. A lost race surfaces as ErrAlreadyMatched; the stale entry stays
// until the next query emission replaces it.
func (f *Feed) Accept(ctx context.Context) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	if cur == nil {
		return ErrNoRequest
	}
	if err := f.workflow.Accept(ctx, f.driverID, cur.ID); err != nil {
		return err
	}
	f.mu.Lock()
	if f.current != nil && f.current.ID == cur.ID {
		f.current = nil
	}
	f.mu.Unlock()
	f.emit(nil)
	return nil
}

// Reject clears the displayed request locally. The stored document keeps
// status searching and will be redelivered on the next query emission, to
// this driver or another.
func (f *Feed) Reject() {
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
	f.emit(nil)
}

// Complete settles a request this driver matched.
func (f *Feed) Complete(ctx context.Context, requestID string) error {
	return f.workflow.Complete(ctx, f.driverID, requestID)
}

// Close cancels the subscription without touching the stored availability
// flag. Idempotent.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	unsub := f.unsub
	f.unsub = nil
	f.current = nil
	wasOnline := f.online
	f.online = false
	f.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if wasOnline {
		observability.DriversOnline.Dec()
	}
}

func (f *Feed) emit(req *models.RideRequest) {
	if f.notify != nil {
		f.notify(req)
	}
}
