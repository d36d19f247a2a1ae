// Package docstore defines the document-database contract the client core is
// written against: keyed collections of schemaless documents, point reads,
// filtered live queries, and merge writes with an optional compare-and-swap
// precondition. Three backends implement it: an in-memory store, Redis, and
// Postgres.
package docstore

import (
	"context"
	"errors"
	"time"
)

// Collection names used by the application.
const (
	CollectionUsers        = "users"
	CollectionRideRequests = "rideRequests"
	CollectionCredentials  = "credentials"
)

var (
	ErrNotFound = errors.New("docstore: document not found")
	// ErrPreconditionFailed is returned by UpdateIf when the document no
	// longer carries the expected field values.
	ErrPreconditionFailed = errors.New("docstore: precondition failed")
	ErrClosed             = errors.New("docstore: store closed")
)

// Fields is the schemaless body of a document.
type Fields map[string]any

// ServerTimestamp is a sentinel field value resolved to the store's clock at
// commit time, never by the caller.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

type Document struct {
	ID     string
	Fields Fields
}

// Filter is an equality constraint. A nil Value matches documents where the
// field is absent or null; the prototype backend treated unassigned fields
// that way and the driver feed depends on it.
type Filter struct {
	Field string
	Value any
}

func Where(field string, value any) Filter { return Filter{Field: field, Value: value} }

type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// DocumentSnapshot is one emission of a document subscription. Exists is
// false when the document is missing; Err is set on listener failure, after
// which no further emissions arrive.
type DocumentSnapshot struct {
	Document Document
	Exists   bool
	Err      error
}

// QuerySnapshot is one emission of a live query: the full matching result
// set at a point in time.
type QuerySnapshot struct {
	Docs []Document
	Err  error
}

// Unsubscribe cancels a subscription. Safe to call more than once; after it
// returns no further callbacks fire.
type Unsubscribe func()

// Store is the document database seen by the application. Subscriptions
// deliver an initial snapshot immediately and an ordered stream of snapshots
// afterwards; ordering holds per subscription, not across subscriptions.
type Store interface {
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	Put(ctx context.Context, collection, id string, fields Fields) error
	Update(ctx context.Context, collection, id string, fields Fields) error
	// UpdateIf merges fields only while every precondition field still holds
	// its expected value, otherwise ErrPreconditionFailed.
	UpdateIf(ctx context.Context, collection, id string, preconditions Fields, fields Fields) error
	Get(ctx context.Context, collection, id string) (Document, error)
	RunQuery(ctx context.Context, q Query) ([]Document, error)
	SubscribeDocument(collection, id string, fn func(DocumentSnapshot)) Unsubscribe
	SubscribeQuery(q Query, fn func(QuerySnapshot)) Unsubscribe
}

// resolveTimestamps replaces ServerTimestamp sentinels with now, copying the
// map so callers never observe the substitution.
func resolveTimestamps(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}
