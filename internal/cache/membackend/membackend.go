// Package membackend is an in-process cache backend, used for single-run
// caching and in tests.
package membackend

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
)

type record struct {
	data    []byte
	sum     model.Checksum
	modTime time.Time
}

// Backend stores entries in a map guarded by a mutex.
type Backend struct {
	mu      sync.RWMutex
	entries map[fingerprint.Fingerprint]*record
	now     func() time.Time

	writes int
}

var _ cache.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{entries: make(map[fingerprint.Fingerprint]*record), now: time.Now}
}

func (b *Backend) Read(_ context.Context, fp fingerprint.Fingerprint) ([]byte, model.Checksum, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.entries[fp]
	if !ok {
		return nil, "", cache.ErrNotFound
	}
	r.modTime = b.now()
	return bytes.Clone(r.data), r.sum, nil
}

func (b *Backend) Write(_ context.Context, fp fingerprint.Fingerprint, data []byte, sum model.Checksum) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[fp] = &record{data: bytes.Clone(data), sum: sum, modTime: b.now()}
	b.writes++
	return nil
}

func (b *Backend) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[fp]; !ok {
		return cache.ErrNotFound
	}
	delete(b.entries, fp)
	return nil
}

func (b *Backend) List(_ context.Context) ([]cache.Listing, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]cache.Listing, 0, len(b.entries))
	for fp, r := range b.entries {
		out = append(out, cache.Listing{Fingerprint: fp, Size: int64(len(r.data)), ModTime: r.modTime})
	}
	return out, nil
}

// Writes returns how many writes the backend has accepted.
func (b *Backend) Writes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes
}

// Has reports whether fp is stored.
func (b *Backend) Has(fp fingerprint.Fingerprint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[fp]
	return ok
}

// Tamper overwrites stored bytes without updating the checksum.
func (b *Backend) Tamper(fp fingerprint.Fingerprint, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.entries[fp]
	if ok {
		r.data = bytes.Clone(data)
	}
	return ok
}
