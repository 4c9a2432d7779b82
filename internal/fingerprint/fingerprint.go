// Package fingerprint derives the content address of a node's result from
// its step identity, canonical parameters and the checksums of its
// upstream artifacts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
)

// domain separates node fingerprints from any other sha256 use.
const domain = "scenegrid/node/v1"

// Fingerprint is a hex-encoded sha256 digest.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 hex digits, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Valid reports whether f looks like a digest produced by Compute.
func (f Fingerprint) Valid() bool {
	if len(f) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(f))
	return err == nil
}

// Upstream is one resolved input of a node.
type Upstream struct {
	Port     string
	Checksum model.Checksum
}

// Compute returns the fingerprint of a node. Upstreams are hashed in input
// port order regardless of the order given.
func Compute(id model.Identity, p params.Set, upstream []Upstream) Fingerprint {
	h := sha256.New()

	writeField(h, []byte(domain))
	writeField(h, []byte(id.Name))
	writeField(h, []byte(id.Version))
	writeField(h, p.Canonical())

	sorted := append([]Upstream(nil), upstream...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Port < sorted[j].Port })

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(sorted)))
	writeField(h, count[:])
	for _, u := range sorted {
		writeField(h, []byte(u.Port))
		writeField(h, []byte(u.Checksum))
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// FromInputs is Compute over a resolved input map.
func FromInputs(id model.Identity, p params.Set, in model.Inputs) Fingerprint {
	upstream := make([]Upstream, 0, len(in))
	for port, a := range in {
		upstream = append(upstream, Upstream{Port: port, Checksum: a.Checksum()})
	}
	return Compute(id, p, upstream)
}

func writeField(h hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}
