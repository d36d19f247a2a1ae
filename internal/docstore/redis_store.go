package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document as a JSON blob and tracks collection
// membership in a set. Live queries ride on pub/sub: every write publishes
// the document id on the collection channel and each subscriber re-runs its
// query when a change lands. Time values round-trip as RFC3339 strings.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisStore(addr, password string) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func docKey(collection, id string) string    { return "doc:" + collection + ":" + id }
func collKey(collection string) string       { return "coll:" + collection }
func changeChannel(collection string) string { return "docstore:" + collection }

func (r *RedisStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	if err := r.Put(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisStore) Put(ctx context.Context, collection, id string, fields Fields) error {
	b, err := json.Marshal(resolveTimestamps(fields, time.Now().UTC()))
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, docKey(collection, id), b, 0)
	pipe.SAdd(ctx, collKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return r.publish(ctx, collection, id)
}

func (r *RedisStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	return r.modify(ctx, collection, id, nil, fields)
}

func (r *RedisStore) UpdateIf(ctx context.Context, collection, id string, preconditions Fields, fields Fields) error {
	return r.modify(ctx, collection, id, preconditions, fields)
}

// modify merges fields into an existing document inside a WATCH transaction,
// retrying on contention, so two concurrent accepts cannot both pass the
// precondition check.
func (r *RedisStore) modify(ctx context.Context, collection, id string, preconditions Fields, fields Fields) error {
	key := docKey(collection, id)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur Fields
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if preconditions != nil && !matches(cur, filtersFrom(preconditions)) {
			return ErrPreconditionFailed
		}
		for k, v := range resolveTimestamps(fields, time.Now().UTC()) {
			cur[k] = v
		}
		b, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return r.publish(ctx, collection, id)
	}
	return fmt.Errorf("docstore: update %s: too much contention", key)
}

func (r *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	raw, err := r.client.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: fields}, nil
}

func (r *RedisStore) RunQuery(ctx context.Context, q Query) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, collKey(q.Collection)).Result()
	if err != nil {
		return nil, err
	}
	var docs []Document
	for _, id := range ids {
		doc, err := r.Get(ctx, q.Collection, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matches(doc.Fields, q.Filters) {
			docs = append(docs, doc)
		}
	}
	return applyOrder(docs, q), nil
}

func (r *RedisStore) SubscribeDocument(collection, id string, fn func(DocumentSnapshot)) Unsubscribe {
	return r.subscribe(collection, func(ctx context.Context) {
		doc, err := r.Get(ctx, collection, id)
		switch {
		case errors.Is(err, ErrNotFound):
			fn(DocumentSnapshot{Document: Document{ID: id}})
		case err != nil:
			fn(DocumentSnapshot{Err: err})
		default:
			fn(DocumentSnapshot{Document: doc, Exists: true})
		}
	}, func(changedID string) bool { return changedID == id })
}

func (r *RedisStore) SubscribeQuery(q Query, fn func(QuerySnapshot)) Unsubscribe {
	return r.subscribe(q.Collection, func(ctx context.Context) {
		docs, err := r.RunQuery(ctx, q)
		if err != nil {
			fn(QuerySnapshot{Err: err})
			return
		}
		fn(QuerySnapshot{Docs: docs})
	}, func(string) bool { return true })
}

// subscribe delivers an initial snapshot, then re-evaluates on every change
// notification the relevant predicate admits. Snapshots are produced from a
// single goroutine so each subscriber sees an ordered stream.
func (r *RedisStore) subscribe(collection string, emit func(context.Context), relevant func(id string) bool) Unsubscribe {
	ctx, cancel := context.WithCancel(r.ctx)
	pubsub := r.client.Subscribe(ctx, changeChannel(collection))
	stopped := make(chan struct{})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(stopped)
		emit(ctx)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ctx.Err() != nil {
					return
				}
				if relevant(msg.Payload) {
					emit(ctx)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-stopped
		})
	}
}

func (r *RedisStore) publish(ctx context.Context, collection, id string) error {
	return r.client.Publish(ctx, changeChannel(collection), id).Err()
}

func (r *RedisStore) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}
