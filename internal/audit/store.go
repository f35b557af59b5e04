// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package audit persists descriptor transitions to PostgreSQL.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/internal/plugin"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Record is one persisted transition.
type Record struct {
	ID         ulid.ULID
	BatchID    string
	PluginID   string
	Generation int
	From       plugin.State
	To         plugin.State
	Reason     string
	At         time.Time
}

// Store reads and writes plugin_transitions.
type Store struct {
	pool  Pool
	batch func() string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBatchSource stamps each record with the id returned by fn.
func WithBatchSource(fn func() string) StoreOption {
	return func(s *Store) { s.batch = fn }
}

// NewStore creates a store over pool.
func NewStore(pool Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, batch: func() string { return "" }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pgx pool for dsn. The caller closes the pool.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("AUDIT_CONNECT_FAILED").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("AUDIT_CONNECT_FAILED").Wrap(err)
	}
	return pool, nil
}

// Append persists tr.
func (s *Store) Append(ctx context.Context, tr plugin.Transition) error {
	id := ulid.Make()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_transitions (id, batch_id, plugin_id, generation, from_state, to_state, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id.String(),
		s.batch(),
		tr.PluginID,
		tr.Generation,
		string(tr.From),
		string(tr.To),
		tr.Reason,
		tr.At,
	)
	if err != nil {
		return classify(err, "AUDIT_WRITE_FAILED").
			With("plugin", tr.PluginID).
			With("to", string(tr.To)).
			Wrap(err)
	}
	return nil
}

// History returns every transition of pluginID, oldest first.
func (s *Store) History(ctx context.Context, pluginID string) ([]Record, error) {
	return s.query(ctx, "plugin", pluginID,
		`SELECT id, batch_id, plugin_id, generation, from_state, to_state, reason, created_at
		 FROM plugin_transitions WHERE plugin_id = $1 ORDER BY id`)
}

// Batch returns every transition recorded during batchID, oldest first.
func (s *Store) Batch(ctx context.Context, batchID string) ([]Record, error) {
	return s.query(ctx, "batch", batchID,
		`SELECT id, batch_id, plugin_id, generation, from_state, to_state, reason, created_at
		 FROM plugin_transitions WHERE batch_id = $1 ORDER BY id`)
}

func (s *Store) query(ctx context.Context, key, value, sql string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, value)
	if err != nil {
		return nil, classify(err, "AUDIT_READ_FAILED").With(key, value).Wrap(err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			id       string
			from, to string
		)
		if err := rows.Scan(&id, &r.BatchID, &r.PluginID, &r.Generation, &from, &to, &r.Reason, &r.At); err != nil {
			return nil, oops.Code("AUDIT_READ_FAILED").With(key, value).Wrap(err)
		}
		r.ID, err = ulid.Parse(id)
		if err != nil {
			return nil, oops.Code("AUDIT_CORRUPT_ROW").With(key, value).With("id", id).Wrap(err)
		}
		r.From, r.To = plugin.State(from), plugin.State(to)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "AUDIT_READ_FAILED").With(key, value).Wrap(err)
	}
	return records, nil
}

// classify maps a missing table to AUDIT_SCHEMA_MISSING with a hint to
// migrate; every other error gets code.
func classify(err error, code string) oops.OopsErrorBuilder {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return oops.Code("AUDIT_SCHEMA_MISSING").Hint("run `pluginhost migrate up`")
	}
	return oops.Code(code)
}

// Recorder feeds table transitions to a Store from a single goroutine so
// database latency never slows loading. Write failures are logged.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	ch     chan plugin.Transition
	done   chan struct{}
}

// DefaultRecorderBuffer is the number of transitions queued before new ones
// are dropped.
const DefaultRecorderBuffer = 256

// NewRecorder creates a recorder. Call Run to start it.
func NewRecorder(store *Store, logger *slog.Logger, buffer int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	return &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan plugin.Transition, buffer),
		done:   make(chan struct{}),
	}
}

// Observe queues tr. It never blocks; a full queue drops tr. Pass it to
// plugin.WithObserver.
func (r *Recorder) Observe(tr plugin.Transition) {
	select {
	case r.ch <- tr:
	default:
		r.logger.Warn("audit queue full, transition dropped",
			"plugin", tr.PluginID,
			"to", string(tr.To))
	}
}

// Run writes queued transitions until Close. Writes use ctx.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for tr := range r.ch {
		if err := r.store.Append(ctx, tr); err != nil {
			r.logger.Warn("audit write failed", "plugin", tr.PluginID, "error", err)
		}
	}
}

// Close stops accepting transitions and waits for the queue to drain. Run
// must have been started. Observe must not be called after Close.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}
