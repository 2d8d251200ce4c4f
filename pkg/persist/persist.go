// Package persist stores whole-value snapshots by name. It backs the user,
// session and pending-user stores, which load a snapshot once and write the
// full value back after each change.
package persist

import (
	"context"
	"fmt"
)

// Snapshotter loads and saves named snapshots.
type Snapshotter interface {
	// Load decodes the snapshot called name into v. found is false, with a
	// nil error, when no snapshot exists yet.
	Load(ctx context.Context, name string, v any) (found bool, err error)
	// Save replaces the snapshot called name with v.
	Save(ctx context.Context, name string, v any) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the snapshotter for backend rooted at location (a directory
// for "file", a database path for "sqlite").
func Open(backend, location string) (Snapshotter, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(location)
	case BackendSQLite:
		return NewSQLiteStore(location)
	default:
		return nil, fmt.Errorf("persist: unknown backend %q (valid: file, sqlite)", backend)
	}
}
