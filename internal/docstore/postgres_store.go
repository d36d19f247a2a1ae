package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore keeps documents as jsonb rows in a single table (see
// migrations/001_create_documents.sql). Filtering and ordering happen in Go
// on the decoded fields, matching the other backends. Subscriptions poll:
// lib/pq has no ordered per-query change feed, so each subscriber re-reads on
// an interval and emits only when the snapshot actually changed.
type PostgresStore struct {
	db           *sql.DB
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPostgresStore(dsn string, pollInterval time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresStore{db: db, pollInterval: pollInterval, ctx: ctx, cancel: cancel}, nil
}

func (p *PostgresStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	if err := p.Put(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (p *PostgresStore) Put(ctx context.Context, collection, id string, fields Fields) error {
	b, err := json.Marshal(resolveTimestamps(fields, time.Now().UTC()))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO documents(collection, id, fields, updated_at) VALUES($1,$2,$3,now())
		 ON CONFLICT (collection, id) DO UPDATE SET fields=$3, updated_at=now()`,
		collection, id, b)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	return p.modify(ctx, collection, id, nil, fields)
}

func (p *PostgresStore) UpdateIf(ctx context.Context, collection, id string, preconditions Fields, fields Fields) error {
	return p.modify(ctx, collection, id, preconditions, fields)
}

// modify merges under a row lock so a precondition check and its write are
// atomic with respect to concurrent accepts.
func (p *PostgresStore) modify(ctx context.Context, collection, id string, preconditions Fields, fields Fields) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection=$1 AND id=$2 FOR UPDATE`,
		collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var cur Fields
	if err := json.Unmarshal(raw, &cur); err != nil {
		return err
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET fields=$3, updated_at=now() WHERE collection=$1 AND id=$2`,
		collection, id, b); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

func (p *PostgresStore) RunQuery(ctx context.Context, q Query) ([]Document, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, fields FROM documents WHERE collection=$1`, q.Collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var fields Fields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		if matches(fields, q.Filters) {
			docs = append(docs, Document{ID: id, Fields: fields})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyOrder(docs, q), nil
}

func (p *PostgresStore) SubscribeDocument(collection, id string, fn func(DocumentSnapshot)) Unsubscribe {
	return p.poll(func(ctx context.Context) ([]byte, func(), error) {
		doc, err := p.Get(ctx, collection, id)
		if errors.Is(err, ErrNotFound) {
			return []byte("absent"), func() { fn(DocumentSnapshot{Document: Document{ID: id}}) }, nil
		}
		if err != nil {
			return nil, func() { fn(DocumentSnapshot{Err: err}) }, err
		}
		key, _ := json.Marshal(doc.Fields)
		return key, func() { fn(DocumentSnapshot{Document: doc, Exists: true}) }, nil
	})
}

func (p *PostgresStore) SubscribeQuery(q Query, fn func(QuerySnapshot)) Unsubscribe {
	return p.poll(func(ctx context.Context) ([]byte, func(), error) {
		docs, err := p.RunQuery(ctx, q)
		if err != nil {
			return nil, func() { fn(QuerySnapshot{Err: err}) }, err
		}
		key, _ := json.Marshal(docs)
		return key, func() { fn(QuerySnapshot{Docs: docs}) }, nil
	})
}

// poll runs read once immediately and then on the poll interval, invoking the
// returned emit func whenever the serialized snapshot differs from the last
// one delivered. A read error is emitted once and ends the subscription, the
// same terminal behavior the push backends have.
func (p *PostgresStore) poll(read func(context.Context) ([]byte, func(), error)) Unsubscribe {
	ctx, cancel := context.WithCancel(p.ctx)
	stopped := make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(stopped)
		var last []byte
		emitIfChanged := func() bool {
			key, emit, err := read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					emit()
				}
				return false
			}
			if bytes.Equal(key, last) {
				return true
			}
			last = key
			emit()
			return true
		}
		if !emitIfChanged() {
			return
		}
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				if !emitIfChanged() {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-stopped
		})
	}
}

func (p *PostgresStore) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.db.Close()
}
