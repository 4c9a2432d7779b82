package cache

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
)

var (
	// ErrNotFound is returned by Backend.Read for an absent entry.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt is wrapped by backends whose stored bytes cannot be read
	// back, such as a truncated file.
	ErrCorrupt = errors.New("cache entry unreadable")
)

// Listing describes one stored entry. Size is the length of the data given
// to Write, whatever the backend stores on disk or on the wire.
type Listing struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Size        int64                   `json:"size"`
	ModTime     time.Time               `json:"mod_time"`
}

// Backend persists encoded entries. Writes must be atomic: a reader sees
// either the previous state or the complete new entry.
type Backend interface {
	Read(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, model.Checksum, error)
	Write(ctx context.Context, fp fingerprint.Fingerprint, data []byte, sum model.Checksum) error
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
	List(ctx context.Context) ([]Listing, error)
}

// Locker is implemented by backends shared between processes. Lock blocks
// until the caller holds the fingerprint's token or ctx is done.
type Locker interface {
	Lock(ctx context.Context, fp fingerprint.Fingerprint) (unlock func(), err error)
}
