package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the reference Store implementation. It keeps collections in
// a mutex-protected map and drives subscriptions through one delivery
// goroutine per subscriber, so each subscriber observes an ordered stream
// without holding the store lock during callbacks.
type MemoryStore struct {
	mu     sync.Mutex
	colls  map[string]map[string]Fields
	subs   map[int]*memSub
	nextID int
	closed bool

	// dispatchMu serializes snapshot enqueues. It is acquired before mu is
	// released and held through the queue sends, so snapshots reach every
	// queue in commit order; enqueues cannot run under mu alone because a
	// full queue blocks until the pump drains it. Subscriber callbacks must
	// not write back into the store synchronously for the same reason.
	dispatchMu sync.Mutex

	// Now is the store clock, swappable in tests.
	Now func() time.Time
}

type memSub struct {
	collection string
	docID      string // document subscription when set
	query      Query  // query subscription when docID is empty
	isQuery    bool

	queue   chan any // DocumentSnapshot or QuerySnapshot
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		colls: make(map[string]map[string]Fields),
		subs:  make(map[int]*memSub),
		Now:   time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	if err := m.write(collection, id, fields, nil, false); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Put(ctx context.Context, collection, id string, fields Fields) error {
	return m.write(collection, id, fields, nil, false)
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	return m.write(collection, id, fields, nil, true)
}

func (m *MemoryStore) UpdateIf(ctx context.Context, collection, id string, preconditions Fields, fields Fields) error {
	return m.write(collection, id, fields, preconditions, true)
}

// write commits a document mutation and hands snapshots to affected
// subscribers. merge requires the document to exist; a Put replaces it.
func (m *MemoryStore) write(collection, id string, fields Fields, preconditions Fields, merge bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	coll := m.colls[collection]
	if coll == nil {
		coll = make(map[string]Fields)
		m.colls[collection] = coll
	}
	cur, exists := coll[id]
	if merge && !exists {
		m.mu.Unlock()
		return ErrNotFound
	}
	if preconditions != nil {
		if !matches(cur, filtersFrom(preconditions)) {
			m.mu.Unlock()
			return ErrPreconditionFailed
		}
	}
	resolved := resolveTimestamps(fields, m.Now())
	next := make(Fields, len(cur)+len(resolved))
	if merge {
		for k, v := range cur {
			next[k] = v
		}
	}
	for k, v := range resolved {
		next[k] = v
	}
	coll[id] = next

	deliveries := m.snapshotsLocked(collection)
	m.dispatchMu.Lock()
	m.mu.Unlock()
	dispatch(deliveries)
	m.dispatchMu.Unlock()
	return nil
}

func filtersFrom(preconditions Fields) []Filter {
	fs := make([]Filter, 0, len(preconditions))
	for k, v := range preconditions {
		fs = append(fs, Filter{Field: k, Value: v})
	}
	return fs
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	fields, ok := m.colls[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Fields: cloneFields(fields)}, nil
}

func (m *MemoryStore) RunQuery(ctx context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.runQueryLocked(q), nil
}

func (m *MemoryStore) runQueryLocked(q Query) []Document {
	var docs []Document
	for id, fields := range m.colls[q.Collection] {
		if matches(fields, q.Filters) {
			docs = append(docs, Document{ID: id, Fields: cloneFields(fields)})
		}
	}
	return applyOrder(docs, q)
}

func (m *MemoryStore) SubscribeDocument(collection, id string, fn func(DocumentSnapshot)) Unsubscribe {
	sub := &memSub{collection: collection, docID: id, queue: make(chan any, 16), done: make(chan struct{}), stopped: make(chan struct{})}
	return m.register(sub, fn, func() any { return m.docSnapshotLocked(collection, id) })
}

func (m *MemoryStore) SubscribeQuery(q Query, fn func(QuerySnapshot)) Unsubscribe {
	sub := &memSub{collection: q.Collection, query: q, isQuery: true, queue: make(chan any, 16), done: make(chan struct{}), stopped: make(chan struct{})}
	return m.register(sub, fn, func() any { return QuerySnapshot{Docs: m.runQueryLocked(sub.query)} })
}

// register adds the subscriber and enqueues its initial snapshot under the
// dispatch lock, so a write landing right after registration cannot reach
// the queue ahead of the initial state.
func (m *MemoryStore) register(sub *memSub, fn any, initial func() any) Unsubscribe {
	m.mu.Lock()
	key := m.nextID
	m.nextID++
	m.subs[key] = sub
	snap := initial()
	m.dispatchMu.Lock()
	m.mu.Unlock()

	go sub.pump(fn)
	sub.deliver(snap)
	m.dispatchMu.Unlock()

	return func() { m.remove(sub) }
}

func (m *MemoryStore) remove(sub *memSub) {
	m.mu.Lock()
	for k, s := range m.subs {
		if s == sub {
			delete(m.subs, k)
			break
		}
	}
	m.mu.Unlock()
	sub.stop()
}

// Close tears down every subscription. Further writes fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[int]*memSub)
	m.closed = true
	m.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	return nil
}

type delivery struct {
	sub  *memSub
	snap any
}

// snapshotsLocked computes post-mutation snapshots for every subscriber
// watching the collection. Snapshots are built under the lock so all
// subscribers see the same committed state; delivery happens after release.
func (m *MemoryStore) snapshotsLocked(collection string) []delivery {
	var out []delivery
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		if sub.isQuery {
			out = append(out, delivery{sub, QuerySnapshot{Docs: m.runQueryLocked(sub.query)}})
		} else {
			out = append(out, delivery{sub, m.docSnapshotLocked(collection, sub.docID)})
		}
	}
	return out
}

func (m *MemoryStore) docSnapshotLocked(collection, id string) DocumentSnapshot {
	fields, ok := m.colls[collection][id]
	if !ok {
		return DocumentSnapshot{Document: Document{ID: id}}
	}
	return DocumentSnapshot{Document: Document{ID: id, Fields: cloneFields(fields)}, Exists: true}
}

func dispatch(ds []delivery) {
	for _, d := range ds {
		d.sub.deliver(d.snap)
	}
}

func (s *memSub) deliver(snap any) {
	select {
	case s.queue <- snap:
	case <-s.done:
	}
}

func (s *memSub) pump(fn any) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			switch cb := fn.(type) {
			case func(DocumentSnapshot):
				cb(snap.(DocumentSnapshot))
			case func(QuerySnapshot):
				cb(snap.(QuerySnapshot))
			}
		}
	}
}

// stop cancels delivery and waits for the pump to exit, so no callback fires
// after an unsubscribe returns. Must not be called from inside the callback.
func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}

func cloneFields(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
