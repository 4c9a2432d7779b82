package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/vmihailenco/msgpack/v5"
)

const envelopeVersion = 1

// Entry is a stored result. Entries are never modified, only evicted.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Step        model.Identity
	CreatedAt   time.Time
	Outputs     model.Outputs
	Size        int64
}

// envelope is the msgpack form of an Entry.
type envelope struct {
	Version     int                             `msgpack:"v"`
	Fingerprint string                          `msgpack:"fp"`
	StepName    string                          `msgpack:"step"`
	StepVersion string                          `msgpack:"step_version"`
	CreatedAt   time.Time                       `msgpack:"created_at"`
	Outputs     map[string]model.ArtifactRecord `msgpack:"outputs"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	env := envelope{
		Version:     envelopeVersion,
		Fingerprint: string(e.Fingerprint),
		StepName:    e.Step.Name,
		StepVersion: e.Step.Version,
		CreatedAt:   e.CreatedAt,
		Outputs:     make(map[string]model.ArtifactRecord, len(e.Outputs)),
	}
	for port, a := range e.Outputs {
		env.Outputs[port] = a.Record()
	}
	return msgpack.Marshal(&env)
}

// decodeEntry verifies and decodes stored bytes. Every failure is a
// CacheCorruptionError.
func decodeEntry(fp fingerprint.Fingerprint, data []byte, sum model.Checksum) (*Entry, error) {
	corrupt := func(reason string, err error) error {
		return &errs.CacheCorruptionError{Fingerprint: fp.String(), Reason: reason, Err: err}
	}
	if got := model.ChecksumOf(data); got != sum {
		return nil, corrupt("checksum mismatch", fmt.Errorf("stored %s, content %s", sum, got))
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, corrupt("undecodable envelope", err)
	}
	if env.Version != envelopeVersion {
		return nil, corrupt("unsupported envelope version", fmt.Errorf("version %d", env.Version))
	}
	if env.Fingerprint != string(fp) {
		return nil, corrupt("fingerprint mismatch", fmt.Errorf("envelope holds %s", env.Fingerprint))
	}

	outputs := make(model.Outputs, len(env.Outputs))
	var bad []error
	for port, rec := range env.Outputs {
		a, err := model.FromRecord(rec)
		if err != nil {
			bad = append(bad, fmt.Errorf("output %q: %w", port, err))
			continue
		}
		outputs[port] = a
	}
	if len(bad) > 0 {
		return nil, corrupt("artifact verification failed", errors.Join(bad...))
	}

	return &Entry{
		Fingerprint: fp,
		Step:        model.Identity{Name: env.StepName, Version: env.StepVersion},
		CreatedAt:   env.CreatedAt.UTC(),
		Outputs:     outputs,
		Size:        int64(len(data)),
	}, nil
}
