package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/cache/membackend"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var extract = model.Identity{Name: "extract_bands", Version: "1.0.0"}

func fp(seed string) fingerprint.Fingerprint {
	return fingerprint.Compute(extract, params.Empty, []fingerprint.Upstream{{Port: "scene", Checksum: model.ChecksumOf([]byte(seed))}})
}

func fixedClock() time.Time { return time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC) }

func newStore(t *testing.T, b cache.Backend, maxBytes int64) *cache.Store {
	t.Helper()
	s, err := cache.New(context.Background(), b, cache.Options{MaxBytes: maxBytes, Now: fixedClock})
	require.NoError(t, err)
	return s
}

func produce(data string) cache.ComputeFunc {
	return func(context.Context) (model.Outputs, error) {
		return model.Outputs{"bands": model.NewBlob([]byte(data), "")}, nil
	}
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, membackend.New(), 0)
	key := fp("a")

	entry, outcome, err := s.GetOrCompute(ctx, key, extract, produce("bands-a"))
	require.NoError(t, err)
	assert.Equal(t, cache.Computed, outcome)
	assert.Equal(t, []byte("bands-a"), entry.Outputs["bands"].Bytes())

	entry, outcome, err = s.GetOrCompute(ctx, key, extract, func(context.Context) (model.Outputs, error) {
		t.Fatal("compute must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, outcome)
	assert.Equal(t, extract, entry.Step)
	assert.Equal(t, fixedClock(), entry.CreatedAt)
}

func TestGet_CreatedAtSurvivesReopenInUTC(t *testing.T) {
	ctx := context.Background()
	backend := membackend.New()
	_, _, err := newStore(t, backend, 0).GetOrCompute(ctx, fp("utc"), extract, produce("bands"))
	require.NoError(t, err)

	entry, ok, err := newStore(t, backend, 0).Get(ctx, fp("utc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.UTC, entry.CreatedAt.Location())
	assert.True(t, fixedClock().Equal(entry.CreatedAt))
}

func TestGetOrCompute_ConcurrentCallersComputeOnce(t *testing.T) {
	ctx := context.Background()
	backend := membackend.New()
	s := newStore(t, backend, 0)
	key := fp("shared")

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (model.Outputs, error) {
		calls.Add(1)
		<-release
		return model.Outputs{"bands": model.NewBlob([]byte("once"), "")}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*cache.Entry, callers)
	outcomes := make([]cache.Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, o, err := s.GetOrCompute(ctx, key, extract, compute)
			assert.NoError(t, err)
			results[i], outcomes[i] = e, o
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, backend.Writes())
	computed := 0
	for i := range results {
		require.NotNil(t, results[i])
		assert.Equal(t, []byte("once"), results[i].Outputs["bands"].Bytes())
		if outcomes[i] == cache.Computed {
			computed++
		}
	}
	assert.Equal(t, 1, computed)
}

func TestGetOrCompute_FailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	backend := membackend.New()
	s := newStore(t, backend, 0)
	key := fp("fail")
	boom := errors.New("catalog unavailable")

	_, _, err := s.GetOrCompute(ctx, key, extract, func(context.Context) (model.Outputs, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, backend.Writes())

	_, outcome, err := s.GetOrCompute(ctx, key, extract, produce("second try"))
	require.NoError(t, err)
	assert.Equal(t, cache.Computed, outcome)
}

func TestGetOrCompute_WaiterTakesOverCancelledLeader(t *testing.T) {
	key := fp("handover")
	s := newStore(t, membackend.New(), 0)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := s.GetOrCompute(leaderCtx, key, extract, func(ctx context.Context) (model.Outputs, error) {
			close(started)
			<-ctx.Done()
			return nil, &errs.CancellationError{Err: ctx.Err()}
		})
		leaderErr <- err
	}()
	<-started

	type result struct {
		entry   *cache.Entry
		outcome cache.Outcome
		err     error
	}
	waiter := make(chan result, 1)
	go func() {
		e, o, err := s.GetOrCompute(context.Background(), key, extract, produce("from waiter"))
		waiter <- result{e, o, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.True(t, errs.IsCancellation(<-leaderErr))
	res := <-waiter
	require.NoError(t, res.err)
	assert.Equal(t, cache.Computed, res.outcome)
	assert.Equal(t, []byte("from waiter"), res.entry.Outputs["bands"].Bytes())
}

func TestGet_CorruptEntryIsMissAndRemoved(t *testing.T) {
	ctx := context.Background()
	backend := membackend.New()
	s := newStore(t, backend, 0)
	key := fp("corrupt")

	_, _, err := s.GetOrCompute(ctx, key, extract, produce("good"))
	require.NoError(t, err)
	require.True(t, backend.Tamper(key, []byte("garbage")))

	entry, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, entry)
	assert.False(t, backend.Has(key))
	assert.EqualValues(t, 1, s.Stats().Corrupted)

	_, outcome, err := s.GetOrCompute(ctx, key, extract, produce("recomputed"))
	require.NoError(t, err)
	assert.Equal(t, cache.Computed, outcome)
}

func TestGet_ChecksumMismatchIsCorruption(t *testing.T) {
	ctx := context.Background()
	backend := membackend.New()
	s := newStore(t, backend, 0)
	key := fp("badsum")

	require.NoError(t, backend.Write(ctx, key, []byte("not an envelope"), model.ChecksumOf([]byte("other"))))

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, backend.Has(key))
}

func TestEviction_LeastRecentlyUsedFirst(t *testing.T) {
	ctx := context.Background()

	probe := newStore(t, membackend.New(), 0)
	_, _, err := probe.GetOrCompute(ctx, fp("probe"), extract, produce("xxxx"))
	require.NoError(t, err)
	_, size := probe.Usage()
	require.Positive(t, size)

	backend := membackend.New()
	s := newStore(t, backend, 2*size+1)
	a, b, c := fp("a"), fp("b"), fp("c")

	for _, key := range []fingerprint.Fingerprint{a, b} {
		_, _, err := s.GetOrCompute(ctx, key, extract, produce("xxxx"))
		require.NoError(t, err)
	}
	_, ok, err := s.Get(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.GetOrCompute(ctx, c, extract, produce("xxxx"))
	require.NoError(t, err)

	assert.True(t, backend.Has(a))
	assert.False(t, backend.Has(b))
	assert.True(t, backend.Has(c))
	entries, total := s.Usage()
	assert.Equal(t, 2, entries)
	assert.Equal(t, 2*size, total)
	assert.EqualValues(t, 1, s.Stats().Evicted)
}

func TestEvict_RefusesInFlight(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, membackend.New(), 0)
	key := fp("inflight")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = s.GetOrCompute(ctx, key, extract, func(context.Context) (model.Outputs, error) {
			close(started)
			<-release
			return model.Outputs{"bands": model.NewBlob(nil, "")}, nil
		})
	}()
	<-started

	assert.ErrorContains(t, s.Evict(ctx, key), "in flight")
	close(release)
	<-done
	assert.NoError(t, s.Evict(ctx, key))
}

// slowDelete blocks Delete until release is closed.
type slowDelete struct {
	*membackend.Backend
	deleting chan struct{}
	release  chan struct{}
}

func (b *slowDelete) Delete(ctx context.Context, key fingerprint.Fingerprint) error {
	close(b.deleting)
	<-b.release
	return b.Backend.Delete(ctx, key)
}

func TestEvict_DeletesOutsideStoreLock(t *testing.T) {
	ctx := context.Background()
	backend := &slowDelete{Backend: membackend.New(), deleting: make(chan struct{}), release: make(chan struct{})}
	s := newStore(t, backend, 0)
	old, fresh := fp("old"), fp("fresh")
	_, _, err := s.GetOrCompute(ctx, old, extract, produce("old"))
	require.NoError(t, err)

	evicted := make(chan error, 1)
	go func() { evicted <- s.Evict(ctx, old) }()
	<-backend.deleting

	computed := make(chan error, 1)
	go func() {
		_, _, err := s.GetOrCompute(ctx, fresh, extract, produce("fresh"))
		computed <- err
	}()
	select {
	case err := <-computed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("store blocked while a backend delete was running")
	}
	assert.ErrorContains(t, s.Evict(ctx, old), "in flight")

	close(backend.release)
	require.NoError(t, <-evicted)
	entries, _ := s.Usage()
	assert.Equal(t, 1, entries)
	assert.False(t, backend.Has(old))
	assert.True(t, backend.Has(fresh))
}

func TestNew_SeedsFromBackendListing(t *testing.T) {
	ctx := context.Background()
	backend := membackend.New()
	first := newStore(t, backend, 0)
	_, _, err := first.GetOrCompute(ctx, fp("persisted"), extract, produce("p"))
	require.NoError(t, err)

	second := newStore(t, backend, 0)
	entries, bytes := second.Usage()
	assert.Equal(t, 1, entries)
	assert.Positive(t, bytes)
}
