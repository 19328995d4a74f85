package fetch

import (
	"context"
	"io"

	"github.com/t7a/pitfetch/storepath"
)

// Store is the backing store an ingestion commits into.
type Store interface {
	// Exists reports whether id is already committed.
	Exists(ctx context.Context, id storepath.ID) (bool, error)
	// BeginStaging returns a private area to write a new entry's bytes into.
	BeginStaging(ctx context.Context) (Staging, error)
	// Commit atomically publishes staged bytes under info.ID,
	// replacing any existing entry with that id.  The staging handle
	// is consumed whether or not Commit succeeds.
	Commit(ctx context.Context, stg Staging, info storepath.Info) error
	// OpenRead streams back the bytes committed under id.
	OpenRead(ctx context.Context, id storepath.ID) (io.ReadCloser, error)
}

// Staging receives the serialized bytes of one ingestion.  Nothing
// written to it is visible until Commit.
type Staging interface {
	io.Writer
	Discard() error
}

// Cache maps a caller-supplied source fingerprint to the id a previous
// ingestion produced.
type Cache interface {
	Lookup(key string) (id storepath.ID, ok bool, err error)
	Upsert(key string, id storepath.ID) error
}
