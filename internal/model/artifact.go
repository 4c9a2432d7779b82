// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file models artifacts, the immutable values passed along DAG edges.
//
// An artifact either carries its bytes inline or references content stored
// elsewhere (an object store URI, a local raster path). Either way it
// carries the checksum of its content, and that checksum is what downstream
// fingerprints are computed from.
package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Checksum is a content digest in "sha256:<hex>" form.
type Checksum string

const checksumPrefix = "sha256:"

// ChecksumOf returns the checksum of data.
func ChecksumOf(data []byte) Checksum {
	sum := sha256.Sum256(data)
	return Checksum(checksumPrefix + hex.EncodeToString(sum[:]))
}

// Valid reports whether c is well formed.
func (c Checksum) Valid() bool {
	h, ok := strings.CutPrefix(string(c), checksumPrefix)
	if !ok || len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// ArtifactKind tells how an artifact carries its content.
type ArtifactKind uint8

const (
	KindMissing ArtifactKind = iota
	KindBlob
	KindRef
)

func (k ArtifactKind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindRef:
		return "ref"
	default:
		return "missing"
	}
}

// Artifact is an immutable output value. The zero value is the missing-input
// marker.
type Artifact struct {
	kind      ArtifactKind
	data      []byte
	ref       string
	mediaType string
	checksum  Checksum
}

// MissingChecksum is what a missing-input marker contributes to fingerprints.
const MissingChecksum Checksum = "missing"

// Missing returns the marker delivered on a best-effort edge whose producer
// did not succeed.
func Missing() Artifact {
	return Artifact{kind: KindMissing, checksum: MissingChecksum}
}

// NewBlob returns an artifact holding a private copy of data.
func NewBlob(data []byte, mediaType string) Artifact {
	cp := bytes.Clone(data)
	if cp == nil {
		cp = []byte{}
	}
	return Artifact{kind: KindBlob, data: cp, mediaType: mediaType, checksum: ChecksumOf(cp)}
}

// NewRef returns an artifact referencing external content whose digest is
// already known.
func NewRef(uri string, checksum Checksum, mediaType string) (Artifact, error) {
	if uri == "" {
		return Artifact{}, fmt.Errorf("artifact reference has empty uri")
	}
	if !checksum.Valid() {
		return Artifact{}, fmt.Errorf("artifact reference %q has invalid checksum %q", uri, checksum)
	}
	return Artifact{kind: KindRef, ref: uri, mediaType: mediaType, checksum: checksum}, nil
}

func (a Artifact) Kind() ArtifactKind { return a.kind }
func (a Artifact) IsMissing() bool    { return a.kind == KindMissing }
func (a Artifact) Ref() string        { return a.ref }
func (a Artifact) MediaType() string  { return a.mediaType }

// Checksum returns the content digest, or MissingChecksum for the marker.
func (a Artifact) Checksum() Checksum {
	if a.kind == KindMissing {
		return MissingChecksum
	}
	return a.checksum
}

// Bytes returns a copy of an inline artifact's content.
func (a Artifact) Bytes() []byte {
	return bytes.Clone(a.data)
}

// Size is the inline byte length, or zero for references.
func (a Artifact) Size() int64 {
	return int64(len(a.data))
}

// Verify recomputes an inline artifact's checksum.
func (a Artifact) Verify() error {
	switch a.kind {
	case KindBlob:
		if got := ChecksumOf(a.data); got != a.checksum {
			return fmt.Errorf("checksum mismatch: recorded %s, content %s", a.checksum, got)
		}
	case KindRef:
		if !a.checksum.Valid() {
			return fmt.Errorf("reference %q has invalid checksum %q", a.ref, a.checksum)
		}
	}
	return nil
}

func (a Artifact) String() string {
	switch a.kind {
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes, %s)", len(a.data), a.checksum)
	case KindRef:
		return fmt.Sprintf("ref(%s, %s)", a.ref, a.checksum)
	default:
		return "missing"
	}
}

// ArtifactRecord is the serialized form of an artifact.
type ArtifactRecord struct {
	Kind      ArtifactKind `msgpack:"k" json:"kind"`
	Data      []byte       `msgpack:"d,omitempty" json:"data,omitempty"`
	Ref       string       `msgpack:"r,omitempty" json:"ref,omitempty"`
	MediaType string       `msgpack:"m,omitempty" json:"media_type,omitempty"`
	Checksum  Checksum     `msgpack:"c" json:"checksum"`
}

// Record returns the serialized form of a.
func (a Artifact) Record() ArtifactRecord {
	return ArtifactRecord{
		Kind:      a.kind,
		Data:      bytes.Clone(a.data),
		Ref:       a.ref,
		MediaType: a.mediaType,
		Checksum:  a.Checksum(),
	}
}

// FromRecord rebuilds an artifact and verifies its checksum.
func FromRecord(r ArtifactRecord) (Artifact, error) {
	var a Artifact
	switch r.Kind {
	case KindBlob:
		a = Artifact{kind: KindBlob, data: bytes.Clone(r.Data), mediaType: r.MediaType, checksum: r.Checksum}
		if a.data == nil {
			a.data = []byte{}
		}
	case KindRef:
		a = Artifact{kind: KindRef, ref: r.Ref, mediaType: r.MediaType, checksum: r.Checksum}
	case KindMissing:
		return Missing(), nil
	default:
		return Artifact{}, fmt.Errorf("unknown artifact kind %d", r.Kind)
	}
	if err := a.Verify(); err != nil {
		return Artifact{}, err
	}
	return a, nil
}
