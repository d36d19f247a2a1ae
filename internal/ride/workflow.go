// Package ride implements the request lifecycle: riders place searching
// requests, online drivers watch the head of the global queue and claim
// them, and both sides drive the terminal transitions.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/payments"
)

var (
	// ErrAlreadyMatched is what the loser of an accept race gets: the
	// request was claimed between query delivery and the conditional write.
	ErrAlreadyMatched = errors.New("ride: request already matched")
	ErrNoRequest      = errors.New("ride: no request displayed")
	// ErrNotTransitionable covers terminal transitions whose precondition no
	// longer holds (cancelling a matched request, completing a cancelled one).
	ErrNotTransitionable = errors.New("ride: request not in expected state")
)

// Publisher pushes lifecycle events to the broker pipeline. Optional;
// publishing is best-effort and never blocks the workflow outcome.
type Publisher interface {
	PublishRideEvent(ev models.RideEvent) error
}

// The prototype charges a flat fare; the hold amount exists to exercise the
// capture/release edges, not to price rides.
const (
	fareAmountCents = 1500
	fareCurrency    = "usd"
)

// Workflow owns every ride-request mutation. All state lives in the
// document store; the workflow adds the conditional-write discipline, event
// publishing, and fare holds on top.
type Workflow struct {
	store    docstore.Store
	events   Publisher
	payments payments.Processor
	logger   *slog.Logger
}

func NewWorkflow(store docstore.Store, events Publisher, proc payments.Processor, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, events: events, payments: proc, logger: logger}
}

// PlacementOutcome is the three-state result of an optimistic request:
// pending while the write is in flight, then committed or failed. A failed
// placement is the rollback signal; the caller returns to idle.
type PlacementOutcome int

const (
	PlacementPending PlacementOutcome = iota
	PlacementCommitted
	PlacementFailed
)

type Placement struct {
	mu        sync.Mutex
	requestID string
	outcome   PlacementOutcome
	err       error
}

func (p *Placement) RequestID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestID
}

func (p *Placement) Outcome() PlacementOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

func (p *Placement) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Placement) commit(id string) {
	p.mu.Lock()
	p.requestID = id
	p.outcome = PlacementCommitted
	p.mu.Unlock()
}

func (p *Placement) fail(err error) {
	p.mu.Lock()
	p.outcome = PlacementFailed
	p.err = err
	p.mu.Unlock()
}

// Request creates one searching request for riderID. Every call creates a
// fresh document; there is no dedup key, two calls mean two requests.
func (w *Workflow) Request(ctx context.Context, riderID string, pickup models.Location) *Placement {
	p := &Placement{outcome: PlacementPending}
	id, err := w.store.Create(ctx, docstore.CollectionRideRequests, docstore.Fields{
		"userId":         riderID,
		"status":         string(models.StatusSearching),
		"pickupLocation": pickup.FieldsOf(),
		"createdAt":      docstore.ServerTimestamp,
	})
	if err != nil {
		w.logger.Error("ride request failed", "rider", riderID, "error", err)
		observability.RideRequestFailures.Inc()
		p.fail(fmt.Errorf("create ride request: %w", err))
		return p
	}
	p.commit(id)
	observability.RidesRequested.Inc()
	w.publish(models.RideEvent{RequestID: id, Type: models.RideCreated, RiderID: riderID, At: time.Now()})
	return p
}

// Accept claims requestID for driverID. The transition is conditional on
// the request still being unclaimed, so of two racing drivers exactly one
// wins; the other gets ErrAlreadyMatched.
func (w *Workflow) Accept(ctx context.Context, driverID, requestID string) error {
	err := w.store.UpdateIf(ctx, docstore.CollectionRideRequests, requestID,
		docstore.Fields{"status": string(models.StatusSearching), "driverId": nil},
		docstore.Fields{
			"status":    string(models.StatusMatched),
			"driverId":  driverID,
			"updatedAt": docstore.ServerTimestamp,
		},
	)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		observability.AcceptConflicts.Inc()
		return ErrAlreadyMatched
	}
	if err != nil {
		return fmt.Errorf("accept ride request: %w", err)
	}
	observability.RidesMatched.Inc()

	riderID := w.riderOf(ctx, requestID)
	w.publish(models.RideEvent{RequestID: requestID, Type: models.RideMatched, RiderID: riderID, DriverID: driverID, At: time.Now()})
	w.holdFare(ctx, requestID, riderID)
	return nil
}

// Complete moves a request driverID matched to completed and captures the
// fare hold if one was placed.
func (w *Workflow) Complete(ctx context.Context, driverID, requestID string) error {
	err := w.store.UpdateIf(ctx, docstore.CollectionRideRequests, requestID,
		docstore.Fields{"status": string(models.StatusMatched), "driverId": driverID},
		docstore.Fields{"status": string(models.StatusCompleted), "updatedAt": docstore.ServerTimestamp},
	)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return ErrNotTransitionable
	}
	if err != nil {
		return fmt.Errorf("complete ride request: %w", err)
	}
	observability.RidesCompleted.Inc()

	riderID := ""
	if doc, err := w.store.Get(ctx, docstore.CollectionRideRequests, requestID); err == nil {
		riderID, _ = doc.Fields["userId"].(string)
		if holdID, ok := doc.Fields["fareHoldId"].(string); ok && w.payments != nil {
			if err := w.payments.Capture(ctx, holdID); err != nil {
				w.logger.Warn("fare capture failed", "request", requestID, "hold", holdID, "error", err)
			}
		}
	}
	w.publish(models.RideEvent{RequestID: requestID, Type: models.RideCompleted, RiderID: riderID, DriverID: driverID, At: time.Now()})
	return nil
}

// CancelRequest moves a still-searching request owned by riderID to
// cancelled. Matched requests cannot be cancelled here; there was never an
// un-claim path and completed rides are settled.
func (w *Workflow) CancelRequest(ctx context.Context, riderID, requestID string) error {
	err := w.store.UpdateIf(ctx, docstore.CollectionRideRequests, requestID,
		docstore.Fields{"status": string(models.StatusSearching), "userId": riderID},
		docstore.Fields{"status": string(models.StatusCancelled), "updatedAt": docstore.ServerTimestamp},
	)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return ErrNotTransitionable
	}
	if err != nil {
		return fmt.Errorf("cancel ride request: %w", err)
	}
	observability.RidesCancelled.Inc()
	w.publish(models.RideEvent{RequestID: requestID, Type: models.RideCancelled, RiderID: riderID, At: time.Now()})
	return nil
}

func (w *Workflow) riderOf(ctx context.Context, requestID string) string {
	doc, err := w.store.Get(ctx, docstore.CollectionRideRequests, requestID)
	if err != nil {
		return ""
	}
	riderID, _ := doc.Fields["userId"].(string)
	return riderID
}

func (w *Workflow) holdFare(ctx context.Context, requestID, riderID string) {
	if w.payments == nil {
		return
	}
	holdID, err := w.payments.Hold(ctx, fareAmountCents, fareCurrency, riderID)
	if err != nil {
		w.logger.Warn("fare hold failed", "request", requestID, "error", err)
		return
	}
	if err := w.store.Update(ctx, docstore.CollectionRideRequests, requestID, docstore.Fields{"fareHoldId": holdID}); err != nil {
		w.logger.Warn("fare hold record failed", "request", requestID, "hold", holdID, "error", err)
	}
}

func (w *Workflow) publish(ev models.RideEvent) {
	if w.events == nil {
		return
	}
	if err := w.events.PublishRideEvent(ev); err != nil {
		w.logger.Warn("ride event publish failed", "request", ev.RequestID, "type", ev.Type, "error", err)
	}
}
