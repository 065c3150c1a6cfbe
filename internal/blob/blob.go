// Package blob adapts the control plane's document/config-package bytes
// to a storage backend: the local filesystem for dev/tests, or an Azure
// Blob Storage container in deployments that configure ADE_STORAGE_BACKEND=azure.
// Both adapters satisfy the same narrow Store interface so callers never
// branch on backend.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no corresponding object.
var ErrNotFound = errors.New("blob: not found")

// Store is the capability set document/config-package storage needs:
// write-by-key, stream-read, and delete. Nothing here assumes a
// particular key layout; callers (internal/httpapi's document handlers)
// own that.
type Store interface {
	// Put stores everything read from r under key, overwriting any
	// existing object at that key. Neither adapter uses size: r is read
	// to EOF.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get returns a reader for the object at key. Callers must Close it.
	// Returns ErrNotFound if no object exists at key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)
}
