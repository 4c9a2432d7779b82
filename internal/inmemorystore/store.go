package inmemorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
)

type entry struct {
	mu  sync.Mutex
	rec nodestore.Record
}

// Store is an in-memory nodestore.Store.
type Store struct {
	runID   string
	records sync.Map // Key: node ID, Value: *entry
	now     func() time.Time
}

var _ nodestore.Store = (*Store)(nil)

// New creates an empty store. An empty runID is replaced by a fresh UUID.
func New(runID string) *Store {
	if runID == "" {
		runID = uuid.New().String()
	}
	return &Store{runID: runID, now: time.Now}
}

// FromSnapshot restores a store, keeping the snapshot's run ID and records.
// Call Init afterwards to reset the nodes for another pass.
func FromSnapshot(snap *nodestore.Snapshot) *Store {
	s := New(snap.RunID)
	for _, r := range snap.Records {
		s.records.Store(r.Node, &entry{rec: r})
	}
	return s
}

func (s *Store) RunID() string { return s.runID }

func (s *Store) Init(_ context.Context, nodes []string) error {
	for _, id := range nodes {
		v, loaded := s.records.LoadOrStore(id, &entry{rec: nodestore.Record{Node: id}})
		if !loaded {
			continue
		}
		e := v.(*entry)
		e.mu.Lock()
		e.rec = nodestore.Record{Node: id, Attempts: e.rec.Attempts, Fingerprint: e.rec.Fingerprint}
		e.mu.Unlock()
	}
	return nil
}

func (s *Store) load(id string) (*entry, error) {
	v, ok := s.records.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", nodestore.ErrUnknownNode, id)
	}
	return v.(*entry), nil
}

func (s *Store) Transition(_ context.Context, id string, to nodestore.State) error {
	e, err := s.load(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.State
	if !nodestore.CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s → %s", nodestore.ErrIllegalTransition, id, from, to)
	}
	e.rec.State = to
	switch {
	case to == nodestore.Running:
		e.rec.StartedAt = s.now()
	case to.Terminal():
		e.rec.FinishedAt = s.now()
	}
	return nil
}

func (s *Store) Update(_ context.Context, id string, fn func(*nodestore.Record)) error {
	e, err := s.load(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.rec.State
	fn(&e.rec)
	e.rec.Node = id
	if e.rec.State != state {
		e.rec.State = state
		return fmt.Errorf("%w: Update may not change the state of %q", nodestore.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (nodestore.Record, error) {
	e, err := s.load(id)
	if err != nil {
		return nodestore.Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// Snapshot returns the records sorted by node ID.
func (s *Store) Snapshot(_ context.Context) (*nodestore.Snapshot, error) {
	snap := &nodestore.Snapshot{RunID: s.runID, TakenAt: s.now().UTC()}
	s.records.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		snap.Records = append(snap.Records, e.rec)
		e.mu.Unlock()
		return true
	})
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].Node < snap.Records[j].Node })
	return snap, nil
}
