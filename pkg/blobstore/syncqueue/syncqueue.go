// Package syncqueue implements the durable log of incomplete
// multiplexed writes: a write that only reached some components
// enqueues one entry per straggler here, for an out-of-scope healer
// process to later replicate and delete.
package syncqueue

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-microbatch"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	bb_util "github.com/mononoke-oss/blobmux/pkg/util"
)

// Entry is one row of the sync queue: a single (multiplex, key,
// component) pair that a write did not reach before the multiplexer's
// grace period expired. A single write operation produces one Entry
// per straggling component, all sharing OperationID; the row's real
// primary key is therefore the (OperationID, BlobstoreID) pair, not
// OperationID alone.
type Entry struct {
	MultiplexID  string
	BlobstoreKey string
	BlobstoreID  string
	Timestamp    time.Time
	OperationID  string
}

// Queue is the durable log contract. Implementations must make
// Enqueue safe for concurrent use; Iter and Delete are expected to be
// called by a separate healer process, not by the multiplexer itself.
type Queue interface {
	// Enqueue durably records entries. Internally batched: concurrent
	// callers' entries may be coalesced into a single underlying
	// write. Duplicates are permitted.
	Enqueue(ctx context.Context, entries []Entry) error

	// Iter returns entries scoped to multiplexID with Timestamp at or
	// before olderThan, ordered by timestamp ascending, capped at
	// limit rows. It has no offset: calling it again with the same
	// olderThan returns the same oldest rows until a healer Deletes
	// the entries it has repaired.
	Iter(ctx context.Context, multiplexID string, olderThan time.Time, limit int) ([]Entry, error)

	// Delete removes the given entries by exact (OperationID,
	// BlobstoreID) match, once a healer has repaired them. Deleting
	// an already-absent entry is not an error.
	Delete(ctx context.Context, entries []Entry) error

	// Close releases resources held by the queue, including its
	// internal batcher.
	Close() error
}

// sqlQueue implements Queue against a database/sql driver. It serves
// both a local single-node sqlite3 queue and a shared Postgres one;
// only the driver name and DSN differ between the two, so one
// implementation serves both (see buildMultiplexed in
// pkg/blobstore/configuration, which opens it from a Multiplexed
// config's QueueDriver and QueueDSN).
//
// Schema (created if absent by Open). The primary key is the
// (op_id, blobstore_id) pair: one write operation spans several rows,
// one per straggling component, all sharing op_id.
//
//	CREATE TABLE blobstore_sync_queue (
//		multiplex_id  TEXT NOT NULL,
//		blobstore_key TEXT NOT NULL,
//		blobstore_id  TEXT NOT NULL,
//		timestamp     TIMESTAMP NOT NULL,
//		op_id         TEXT NOT NULL,
//		PRIMARY KEY (op_id, blobstore_id)
//	)
type sqlQueue struct {
	db         *sql.DB
	driverName string
	batcher    *microbatch.Batcher[*Entry]
	uuidGen    bb_util.UUIDGenerator
}

// Open creates a Queue backed by the given database/sql driver and
// DSN, creating the blobstore_sync_queue table if it does not already
// exist. driverName must be "sqlite3" or "postgres".
func Open(driverName, dataSourceName string) (Queue, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := createSchema(db, driverName); err != nil {
		db.Close()
		return nil, err
	}
	q := &sqlQueue{
		db:         db,
		driverName: driverName,
		uuidGen:    uuid.NewRandom,
	}
	q.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        64,
		FlushInterval:  10 * time.Millisecond,
		MaxConcurrency: 4,
	}, q.insertBatch)
	return q, nil
}

func createSchema(db *sql.DB, driverName string) error {
	timestampType := "TIMESTAMP"
	if driverName == "sqlite3" {
		timestampType = "DATETIME"
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobstore_sync_queue (
		multiplex_id  TEXT NOT NULL,
		blobstore_key TEXT NOT NULL,
		blobstore_id  TEXT NOT NULL,
		timestamp     ` + timestampType + ` NOT NULL,
		op_id         TEXT NOT NULL,
		PRIMARY KEY (op_id, blobstore_id)
	)`)
	return err
}

// rebind rewrites "?" placeholders to Postgres's "$N" style when the
// backend is lib/pq; mattn/go-sqlite3 accepts "?" as-is. Mirrors
// sqlstore.sqlBlobstore.rebind.
func (q *sqlQueue) rebind(query string) string {
	if q.driverName != "postgres" {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte("$"+strconv.Itoa(n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (q *sqlQueue) insertBatch(ctx context.Context, entries []*Entry) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, q.rebind(`INSERT INTO blobstore_sync_queue
		(multiplex_id, blobstore_key, blobstore_id, timestamp, op_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.MultiplexID, e.BlobstoreKey, e.BlobstoreID, e.Timestamp, e.OperationID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (q *sqlQueue) Enqueue(ctx context.Context, entries []Entry) error {
	results := make([]*microbatch.JobResult[*Entry], 0, len(entries))
	for i := range entries {
		if entries[i].OperationID == "" {
			id, err := q.uuidGen()
			if err != nil {
				return err
			}
			entries[i].OperationID = id.String()
		}
		result, err := q.batcher.Submit(ctx, &entries[i])
		if err != nil {
			return err
		}
		results = append(results, result)
	}
	for _, result := range results {
		if err := result.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *sqlQueue) Iter(ctx context.Context, multiplexID string, olderThan time.Time, limit int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(`SELECT multiplex_id, blobstore_key, blobstore_id, timestamp, op_id
		FROM blobstore_sync_queue
		WHERE multiplex_id = ? AND timestamp <= ?
		ORDER BY timestamp ASC
		LIMIT ?`), multiplexID, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.MultiplexID, &e.BlobstoreKey, &e.BlobstoreID, &e.Timestamp, &e.OperationID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes entries by exact (op_id, blobstore_id) match, batched
// into a single statement with one OR'd predicate per entry.
func (q *sqlQueue) Delete(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	predicates := make([]string, len(entries))
	args := make([]interface{}, 0, len(entries)*2)
	for i, e := range entries {
		predicates[i] = "(op_id = ? AND blobstore_id = ?)"
		args = append(args, e.OperationID, e.BlobstoreID)
	}
	query := "DELETE FROM blobstore_sync_queue WHERE " + strings.Join(predicates, " OR ")
	_, err := q.db.ExecContext(ctx, q.rebind(query), args...)
	return err
}

func (q *sqlQueue) Close() error {
	if err := q.batcher.Close(); err != nil {
		return err
	}
	return q.db.Close()
}
