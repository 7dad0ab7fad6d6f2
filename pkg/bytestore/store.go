// Package bytestore is the byte-level persistence capability the engine
// writes through: named objects with random reads, synced appends, atomic
// rename and prefix listing. The engine assumes nothing else about the
// medium, so local disk and memory back the same code paths.
package bytestore

import (
	"context"
	"io"
)

// ReadFile is a long-lived random-access read handle.
type ReadFile interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// AppendFile is an append-only write handle. Writes become durable only
// after Sync returns.
type AppendFile interface {
	io.Writer
	Sync() error
	Close() error
	// Offset reports the size of the object including unsynced writes.
	Offset() int64
}

// Store names objects with slash-separated paths. Rename is atomic with
// respect to concurrent Open/ReadAll of either name. Missing objects
// surface as dberrors.ErrNotFound.
type Store interface {
	Open(ctx context.Context, path string) (ReadFile, error)
	ReadAll(ctx context.Context, path string) ([]byte, error)
	Size(ctx context.Context, path string) (int64, error)

	// OpenAppend opens path for appending, creating it (and parents) if
	// absent.
	OpenAppend(ctx context.Context, path string) (AppendFile, error)

	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, path string) error

	// List returns the paths under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
