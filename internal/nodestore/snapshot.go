package nodestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the serialized Execution Context.
type Snapshot struct {
	RunID   string    `json:"run_id"`
	TakenAt time.Time `json:"taken_at"`
	Records []Record  `json:"records"`
}

// Record returns the record for node, if present.
func (s *Snapshot) Record(node string) (Record, bool) {
	for _, r := range s.Records {
		if r.Node == node {
			return r, true
		}
	}
	return Record{}, false
}

// SaveSnapshot writes s to path as JSON, replacing the file atomically.
func SaveSnapshot(path string, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	if s.RunID == "" {
		return nil, fmt.Errorf("snapshot %s has no run id", path)
	}
	return &s, nil
}
