// Package sqlstore implements the Sqlite and Sharded backends: both
// store blob bytes in a relational table reached through database/sql,
// differing only in driver and DSN. A single-node deployment opens one
// of these against mattn/go-sqlite3; a Sharded deployment opens one
// per shard against lib/pq, with shard selection handled by the
// configuration factory before a key ever reaches this package.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
	"github.com/mononoke-oss/blobmux/pkg/clock"
)

type sqlBlobstore struct {
	db         *sql.DB
	driverName string
	clock      clock.Clock
}

// Open creates a Blobstore backed by the given database/sql driver and
// DSN, creating the blobstore_data table if it does not already exist.
// driverName must be "sqlite3" or "postgres".
func Open(driverName, dataSourceName string) (blobstore.Blobstore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, blobstore.ErrBackendUnopenable(err, "failed to open sql backend")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, blobstore.ErrBackendUnopenable(err, "failed to connect to sql backend")
	}
	blobType := "BYTEA"
	if driverName == "sqlite3" {
		blobType = "BLOB"
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobstore_data (
		blobstore_key TEXT NOT NULL PRIMARY KEY,
		value         ` + blobType + ` NOT NULL,
		ctime         BIGINT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, blobstore.ErrBackendUnopenable(err, "failed to create sql backend schema")
	}
	return &sqlBlobstore{db: db, driverName: driverName, clock: clock.SystemClock}, nil
}

func (ba *sqlBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	var value []byte
	var ctimeUnix int64
	err := ba.db.QueryRowContext(ctx, ba.rebind(`SELECT value, ctime FROM blobstore_data WHERE blobstore_key = ?`), key).Scan(&value, &ctimeUnix)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, blobstore.ErrNotFound(key)
	}
	if err != nil {
		return nil, time.Time{}, blobstore.ErrBackendUnavailable(err, "sql")
	}
	return io.NopCloser(bytes.NewReader(value)), time.Unix(ctimeUnix, 0).UTC(), nil
}

// Put stores the blob. ctime is set only when the key does not already
// exist; an overwrite of an existing key preserves its original ctime.
func (ba *sqlBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	value, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if _, err := ba.db.ExecContext(ctx, ba.upsertStatement(), key, value, ba.clock.Now().Unix()); err != nil {
		return blobstore.ErrBackendUnavailable(err, "sql")
	}
	return nil
}

func (ba *sqlBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := ba.db.QueryRowContext(ctx, ba.rebind(`SELECT EXISTS(SELECT 1 FROM blobstore_data WHERE blobstore_key = ?)`), key).Scan(&exists)
	if err != nil {
		return false, blobstore.ErrBackendUnavailable(err, "sql")
	}
	return exists, nil
}

// rebind rewrites "?" placeholders to Postgres's "$N" style when the
// backend is lib/pq; mattn/go-sqlite3 accepts "?" as-is.
func (ba *sqlBlobstore) rebind(query string) string {
	if ba.driverName != "postgres" {
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

func (ba *sqlBlobstore) upsertStatement() string {
	if ba.driverName == "sqlite3" {
		return `INSERT INTO blobstore_data (blobstore_key, value, ctime) VALUES (?, ?, ?)
			ON CONFLICT(blobstore_key) DO UPDATE SET value = excluded.value`
	}
	return `INSERT INTO blobstore_data (blobstore_key, value, ctime) VALUES ($1, $2, $3)
		ON CONFLICT (blobstore_key) DO UPDATE SET value = excluded.value`
}
