// Package local implements the Files backend: a Blobstore that stores
// each key as one file under a root directory. This replaces the
// teacher's block-device-backed flat_blob_access tree (intended for a
// Bazel CAS's fixed-size, digest-addressed records) with a plain
// filesystem layout suited to this module's arbitrary opaque keys.
package local

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"crypto/sha256"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
)

type filesBlobstore struct {
	root string
}

// New creates a Blobstore backed by the directory at root, which must
// already exist. Returns ErrBackendUnopenable if it does not, or is not
// a directory.
func New(root string) (blobstore.Blobstore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, blobstore.ErrBackendUnopenable(err, "failed to open Files backend root")
	}
	if !info.IsDir() {
		return nil, blobstore.ErrBackendUnopenable(nil, "Files backend root is not a directory")
	}
	return &filesBlobstore{root: root}, nil
}

// pathFor maps a key to a two-level sharded path under root, so that a
// single directory never accumulates an unbounded number of entries.
func (ba *filesBlobstore) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:])
	return filepath.Join(ba.root, hexSum[:2], hexSum[2:4], hexSum)
}

func (ba *filesBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	path := ba.pathFor(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, blobstore.ErrNotFound(key)
		}
		return nil, time.Time{}, blobstore.ErrBackendUnavailable(err, "files")
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, blobstore.ErrNotFound(key)
		}
		return nil, time.Time{}, blobstore.ErrBackendUnavailable(err, "files")
	}
	return f, info.ModTime(), nil
}

// Put stores the blob, preserving the file's original modification
// time (used as ctime) across an overwrite of an existing key.
func (ba *filesBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	path := ba.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return blobstore.ErrBackendUnavailable(err, "files")
	}

	var originalCtime time.Time
	if info, err := os.Stat(path); err == nil {
		originalCtime = info.ModTime()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return blobstore.ErrBackendUnavailable(err, "files")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return blobstore.ErrBackendUnavailable(err, "files")
	}
	if err := tmp.Close(); err != nil {
		return blobstore.ErrBackendUnavailable(err, "files")
	}
	if !originalCtime.IsZero() {
		if err := os.Chtimes(tmp.Name(), originalCtime, originalCtime); err != nil {
			return blobstore.ErrBackendUnavailable(err, "files")
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return blobstore.ErrBackendUnavailable(err, "files")
	}
	return nil
}

func (ba *filesBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(ba.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, blobstore.ErrBackendUnavailable(err, "files")
	}
	return true, nil
}
