package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
	"golang.org/x/sync/singleflight"
)

// Outcome tells how GetOrCompute satisfied a request.
type Outcome int

const (
	// Hit means the entry was already stored.
	Hit Outcome = iota
	// Computed means this caller ran the computation.
	Computed
	// Shared means this caller waited on another caller's computation.
	Shared
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Computed:
		return "computed"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ComputeFunc produces the outputs to store under a fingerprint.
type ComputeFunc func(ctx context.Context) (model.Outputs, error)

// Options configures a Store.
type Options struct {
	// MaxBytes bounds the total stored size. Zero means unbounded.
	MaxBytes int64
	// Now is the clock used for entry timestamps.
	Now func() time.Time
}

// Stats are cumulative counters since the Store was created.
type Stats struct {
	Hits      int64
	Misses    int64
	Computed  int64
	Corrupted int64
	Evicted   int64
}

type lruItem struct {
	fp   fingerprint.Fingerprint
	size int64
	gen  uint64
}

// victim is an entry chosen for deletion. It is held while the backend
// delete runs without s.mu, and forgotten only if nobody touched it since.
type victim struct {
	fp   fingerprint.Fingerprint
	size int64
	gen  uint64
}

// Store is a content-addressable cache over a Backend. It is safe for
// concurrent use.
type Store struct {
	backend  Backend
	maxBytes int64
	now      func() time.Time

	group singleflight.Group
	seq   atomic.Uint64

	mu    sync.Mutex
	held  map[fingerprint.Fingerprint]int
	lru   *list.List
	index map[fingerprint.Fingerprint]*list.Element
	total int64
	gen   uint64

	hits, misses, computed, corrupted, evicted atomic.Int64
}

// New returns a Store over backend, seeding its recency order from the
// backend's listing.
func New(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("cache backend is nil")
	}
	if opts.MaxBytes < 0 {
		return nil, fmt.Errorf("cache max bytes must not be negative, got %d", opts.MaxBytes)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend:  backend,
		maxBytes: opts.MaxBytes,
		now:      now,
		held:     make(map[fingerprint.Fingerprint]int),
		lru:      list.New(),
		index:    make(map[fingerprint.Fingerprint]*list.Element),
	}

	listing, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache backend: %w", err)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].ModTime.Before(listing[j].ModTime) })
	for _, l := range listing {
		s.touchLocked(l.Fingerprint, l.Size)
	}
	ctxlog.FromContext(ctx).Debug("Cache store opened.", "entries", len(listing), "bytes", s.total, "max_bytes", s.maxBytes)
	return s, nil
}

// Get returns the stored entry for fp. A corrupt entry is removed and
// reported as a miss.
func (s *Store) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool, error) {
	logger := ctxlog.FromContext(ctx)

	data, sum, err := s.backend.Read(ctx, fp)
	switch {
	case errors.Is(err, ErrNotFound):
		s.misses.Add(1)
		s.forget(fp)
		return nil, false, nil
	case errors.Is(err, ErrCorrupt):
		s.discard(ctx, fp, &errs.CacheCorruptionError{Fingerprint: fp.String(), Reason: "unreadable", Err: err})
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("reading cache entry %s: %w", fp.Short(), err)
	}

	entry, err := decodeEntry(fp, data, sum)
	if err != nil {
		s.discard(ctx, fp, err)
		return nil, false, nil
	}

	s.hits.Add(1)
	s.mu.Lock()
	s.touchLocked(fp, entry.Size)
	s.mu.Unlock()
	logger.Debug("Cache hit.", "fingerprint", fp.Short())
	return entry, true, nil
}

type leadResult struct {
	leader uint64
	entry  *Entry
	hit    bool
}

// GetOrCompute returns the entry for fp, running compute at most once per
// fingerprint across concurrent callers. The result is stored before any
// caller is released. A failed computation stores nothing.
func (s *Store) GetOrCompute(ctx context.Context, fp fingerprint.Fingerprint, step model.Identity, compute ComputeFunc) (*Entry, Outcome, error) {
	for {
		if entry, ok, err := s.Get(ctx, fp); err != nil {
			return nil, Hit, err
		} else if ok {
			return entry, Hit, nil
		}

		token := s.seq.Add(1)
		ch := s.group.DoChan(string(fp), func() (any, error) {
			return s.lead(ctx, token, fp, step, compute)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, Shared, &errs.CancellationError{Err: ctx.Err()}
		case res = <-ch:
		}

		lr, _ := res.Val.(*leadResult)
		ours := lr != nil && lr.leader == token
		if res.Err != nil {
			// The leader was cancelled on its own context; a live waiter
			// takes over the computation.
			if !ours && ctx.Err() == nil && errs.IsCancellation(res.Err) {
				ctxlog.FromContext(ctx).Debug("Cache leader cancelled, retrying.", "fingerprint", fp.Short())
				continue
			}
			return nil, Computed, res.Err
		}

		switch {
		case lr.hit:
			return lr.entry, Hit, nil
		case ours:
			return lr.entry, Computed, nil
		default:
			return lr.entry, Shared, nil
		}
	}
}

func (s *Store) lead(ctx context.Context, token uint64, fp fingerprint.Fingerprint, step model.Identity, compute ComputeFunc) (*leadResult, error) {
	logger := ctxlog.FromContext(ctx)
	res := &leadResult{leader: token}

	s.hold(fp)
	defer s.release(fp)

	if locker, ok := s.backend.(Locker); ok {
		unlock, err := locker.Lock(ctx, fp)
		if err != nil {
			if ctx.Err() != nil {
				return res, &errs.CancellationError{Err: ctx.Err()}
			}
			return res, fmt.Errorf("locking cache entry %s: %w", fp.Short(), err)
		}
		defer unlock()
	}

	// Another process, or a leader that finished just before us, may have
	// stored the entry already.
	if entry, ok, err := s.Get(ctx, fp); err != nil {
		return res, err
	} else if ok {
		res.entry, res.hit = entry, true
		return res, nil
	}

	logger.Debug("Cache miss, computing.", "fingerprint", fp.Short(), "step", step.String())
	outputs, err := compute(ctx)
	if err != nil {
		return res, err
	}

	entry := &Entry{
		Fingerprint: fp,
		Step:        step,
		CreatedAt:   s.now().UTC(),
		Outputs:     outputs,
	}
	if err := s.put(ctx, entry); err != nil {
		return res, err
	}
	s.computed.Add(1)
	res.entry = entry
	return res, nil
}

func (s *Store) put(ctx context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", entry.Fingerprint.Short(), err)
	}
	if err := s.backend.Write(ctx, entry.Fingerprint, data, model.ChecksumOf(data)); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", entry.Fingerprint.Short(), err)
	}
	entry.Size = int64(len(data))

	s.mu.Lock()
	s.touchLocked(entry.Fingerprint, entry.Size)
	s.mu.Unlock()

	if _, err := s.enforce(ctx, entry.Fingerprint); err != nil {
		ctxlog.FromContext(ctx).Warn("Cache eviction failed.", "error", err)
	}
	return nil
}

// Evict removes one entry. Entries with a computation in flight are refused.
func (s *Store) Evict(ctx context.Context, fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	if s.held[fp] > 0 {
		s.mu.Unlock()
		return fmt.Errorf("cache entry %s is in flight", fp.Short())
	}
	v := victim{fp: fp}
	if el, ok := s.index[fp]; ok {
		item := el.Value.(*lruItem)
		v.size, v.gen = item.size, item.gen
	}
	s.held[fp]++
	s.mu.Unlock()

	err := s.backend.Delete(ctx, fp)
	ok := err == nil || errors.Is(err, ErrNotFound)
	s.settle([]victim{v}, []bool{ok})
	if !ok {
		return fmt.Errorf("deleting cache entry %s: %w", fp.Short(), err)
	}
	return nil
}

// Prune evicts least recently used entries until the size bound holds and
// returns the evicted fingerprints.
func (s *Store) Prune(ctx context.Context) ([]fingerprint.Fingerprint, error) {
	return s.enforce(ctx, "")
}

// List returns the backend's listing.
func (s *Store) List(ctx context.Context) ([]Listing, error) {
	return s.backend.List(ctx)
}

// Usage reports the tracked entry count and total size.
func (s *Store) Usage() (entries int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index), s.total
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Computed:  s.computed.Load(),
		Corrupted: s.corrupted.Load(),
		Evicted:   s.evicted.Load(),
	}
}

// enforce evicts from the cold end of the LRU, never touching held
// fingerprints or keep. Victims are picked under s.mu and deleted after
// it is released.
func (s *Store) enforce(ctx context.Context, keep fingerprint.Fingerprint) ([]fingerprint.Fingerprint, error) {
	if s.maxBytes <= 0 {
		return nil, nil
	}
	logger := ctxlog.FromContext(ctx)

	s.mu.Lock()
	var victims []victim
	projected := s.total
	for el := s.lru.Back(); el != nil && projected > s.maxBytes; el = el.Prev() {
		item := el.Value.(*lruItem)
		if item.fp == keep || s.held[item.fp] > 0 {
			continue
		}
		victims = append(victims, victim{fp: item.fp, size: item.size, gen: item.gen})
		s.held[item.fp]++
		projected -= item.size
	}
	s.mu.Unlock()

	var evicted []fingerprint.Fingerprint
	var failed []error
	deleted := make([]bool, len(victims))
	for i, v := range victims {
		if err := s.backend.Delete(ctx, v.fp); err != nil && !errors.Is(err, ErrNotFound) {
			failed = append(failed, fmt.Errorf("evicting %s: %w", v.fp.Short(), err))
			continue
		}
		deleted[i] = true
		s.evicted.Add(1)
		evicted = append(evicted, v.fp)
		logger.Debug("Evicted cache entry.", "fingerprint", v.fp.Short(), "size", v.size)
	}
	s.settle(victims, deleted)

	if entries, total := s.Usage(); total > s.maxBytes {
		logger.Warn("Cache above size bound, remaining entries are in flight.", "entries", entries, "bytes", total, "max_bytes", s.maxBytes)
	}
	return evicted, errors.Join(failed...)
}

// settle releases the victims' holds and forgets the deleted ones that were
// not rewritten meanwhile.
func (s *Store) settle(victims []victim, deleted []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range victims {
		if deleted[i] {
			if el, ok := s.index[v.fp]; ok && el.Value.(*lruItem).gen == v.gen {
				s.forgetLocked(v.fp)
			}
		}
		if s.held[v.fp] <= 1 {
			delete(s.held, v.fp)
		} else {
			s.held[v.fp]--
		}
	}
}

func (s *Store) discard(ctx context.Context, fp fingerprint.Fingerprint, cause error) {
	s.corrupted.Add(1)
	s.misses.Add(1)
	ctxlog.FromContext(ctx).Warn("⚠️ Discarding corrupt cache entry.", "fingerprint", fp.Short(), "error", cause)
	if err := s.backend.Delete(ctx, fp); err != nil && !errors.Is(err, ErrNotFound) {
		ctxlog.FromContext(ctx).Error("Failed to delete corrupt cache entry.", "fingerprint", fp.Short(), "error", err)
	}
	s.forget(fp)
}

func (s *Store) hold(fp fingerprint.Fingerprint) {
	s.mu.Lock()
	s.held[fp]++
	s.mu.Unlock()
}

func (s *Store) release(fp fingerprint.Fingerprint) {
	s.mu.Lock()
	if s.held[fp] <= 1 {
		delete(s.held, fp)
	} else {
		s.held[fp]--
	}
	s.mu.Unlock()
}

func (s *Store) touchLocked(fp fingerprint.Fingerprint, size int64) {
	s.gen++
	if el, ok := s.index[fp]; ok {
		item := el.Value.(*lruItem)
		s.total += size - item.size
		item.size = size
		item.gen = s.gen
		s.lru.MoveToFront(el)
		return
	}
	s.index[fp] = s.lru.PushFront(&lruItem{fp: fp, size: size, gen: s.gen})
	s.total += size
}

func (s *Store) forget(fp fingerprint.Fingerprint) {
	s.mu.Lock()
	s.forgetLocked(fp)
	s.mu.Unlock()
}

func (s *Store) forgetLocked(fp fingerprint.Fingerprint) {
	if el, ok := s.index[fp]; ok {
		s.total -= el.Value.(*lruItem).size
		s.lru.Remove(el)
		delete(s.index, fp)
	}
}
