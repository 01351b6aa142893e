// Package database provides PostgreSQL persistence and aggregation of attack events.
//
// The attacks table is owned externally; Schema documents the layout the
// statements here expect.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/attack-radar/pkg/logging"
	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

// Schema is the reference DDL for the attacks table. Column types follow
// models.AttackEvent: weight is fractional upstream and millisecond is 64-bit.
const Schema = `CREATE TABLE IF NOT EXISTS attacks (
	id                   SERIAL PRIMARY KEY,
	"sourceCountry"      VARCHAR(255),
	"destinationCountry" VARCHAR(255),
	"millisecond"        BIGINT,
	"type"               VARCHAR(255),
	"weight"             DOUBLE PRECISION,
	"attackTime"         TIMESTAMPTZ,
	"createdAt"          TIMESTAMPTZ NOT NULL,
	"updatedAt"          TIMESTAMPTZ NOT NULL
);
`

const (
	columnsPerRow = 6

	// PostgreSQL caps bind parameters per statement at 65535.
	maxParams            = 65535
	maxRowsPerStatement  = maxParams / columnsPerRow
	insertPrefix         = `INSERT INTO attacks ("sourceCountry", "destinationCountry", "millisecond", "type", "weight", "attackTime", "createdAt", "updatedAt") VALUES `
	aggregateBySourceSQL = `
		SELECT
			"sourceCountry" AS label,
			COUNT("destinationCountry") AS total
		FROM attacks
		WHERE "destinationCountry" != ''
		GROUP BY "sourceCountry"
		ORDER BY "sourceCountry"`
)

// PersistenceError reports a failed bulk insert. No rows of the batch were stored.
type PersistenceError struct {
	Rows int
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d attacks: %v", e.Rows, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// QueryError reports a failed read against the store. Its message is the
// driver's message unchanged so it can be surfaced to API callers.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string { return e.Err.Error() }

func (e *QueryError) Unwrap() error { return e.Err }

// Store persists attack batches and computes aggregates over them.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// Stats
	rowsWritten    uint64
	batchesWritten uint64
	failures       uint64
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewStore(db)
	s.log.Info().Msg("Connected to PostgreSQL database")
	return s, nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		log: logging.Component("store"),
	}
}

// Persist inserts every event of the batch as one atomic unit, stamping
// createdAt/updatedAt on the server. An empty batch is a no-op.
// Failures are returned as *PersistenceError and never retried.
func (s *Store) Persist(ctx context.Context, batch models.AttackBatch) error {
	if len(batch) == 0 {
		return nil
	}

	var err error
	if len(batch) <= maxRowsPerStatement {
		query, args := buildInsert(batch)
		_, err = s.db.ExecContext(ctx, query, args...)
	} else {
		err = s.persistChunked(ctx, batch)
	}

	if err != nil {
		atomic.AddUint64(&s.failures, 1)
		metrics.PersistFailures.Inc()
		return &PersistenceError{Rows: len(batch), Err: err}
	}

	atomic.AddUint64(&s.rowsWritten, uint64(len(batch)))
	atomic.AddUint64(&s.batchesWritten, 1)
	metrics.RowsWritten.Add(float64(len(batch)))
	return nil
}

// persistChunked splits batches over the bind parameter limit across
// several statements in one transaction.
func (s *Store) persistChunked(ctx context.Context, batch models.AttackBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(batch); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(batch) {
			end = len(batch)
		}
		query, args := buildInsert(batch[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// buildInsert renders one multi-row INSERT with positional parameters.
func buildInsert(batch models.AttackBatch) (string, []interface{}) {
	var b strings.Builder
	b.Grow(len(insertPrefix) + len(batch)*64)
	b.WriteString(insertPrefix)

	args := make([]interface{}, 0, len(batch)*columnsPerRow)
	for i, event := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for col := 1; col <= columnsPerRow; col++ {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*columnsPerRow + col))
			b.WriteString(", ")
		}
		b.WriteString("NOW(), NOW())")

		args = append(args,
			event.SourceCountry,
			event.DestinationCountry,
			event.Millisecond,
			event.Type,
			event.Weight,
			nullIfEmpty(event.AttackTime),
		)
	}

	return b.String(), args
}

// nullIfEmpty keeps an absent upstream timestamp from failing the
// whole batch on the timestamp cast.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// AggregateBySource counts attacks per source country, skipping rows
// without a destination, ordered by source country ascending.
// Failures are returned as *QueryError.
func (s *Store) AggregateBySource(ctx context.Context) (models.Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, aggregateBySourceSQL)
	if err != nil {
		return models.Aggregate{}, &QueryError{Err: err}
	}
	defer rows.Close()

	agg := models.EmptyAggregate()
	for rows.Next() {
		var label sql.NullString
		var total int64
		if err := rows.Scan(&label, &total); err != nil {
			return models.Aggregate{}, &QueryError{Err: err}
		}
		agg.Append(label.String, total)
	}

	if err := rows.Err(); err != nil {
		return models.Aggregate{}, &QueryError{Err: err}
	}

	return agg, nil
}

// Ping checks store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.log.Info().
		Uint64("rows_written", atomic.LoadUint64(&s.rowsWritten)).
		Uint64("batches", atomic.LoadUint64(&s.batchesWritten)).
		Uint64("failures", atomic.LoadUint64(&s.failures)).
		Msg("Closing store")
	return s.db.Close()
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]interface{} {
	open := s.db.Stats()
	return map[string]interface{}{
		"rows_written":    atomic.LoadUint64(&s.rowsWritten),
		"batches_written": atomic.LoadUint64(&s.batchesWritten),
		"failures":        atomic.LoadUint64(&s.failures),
		"open_conns":      open.OpenConnections,
		"in_use":          open.InUse,
	}
}
