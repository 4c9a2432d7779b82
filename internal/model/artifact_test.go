// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlob_CopiesAndChecksums(t *testing.T) {
	data := []byte("B04,B08")
	a := NewBlob(data, "text/csv")
	data[0] = 'X'

	assert.Equal(t, []byte("B04,B08"), a.Bytes())
	assert.Equal(t, ChecksumOf([]byte("B04,B08")), a.Checksum())
	assert.True(t, a.Checksum().Valid())
	assert.NoError(t, a.Verify())
}

func TestMissingMarker(t *testing.T) {
	var zero Artifact
	assert.True(t, zero.IsMissing())
	assert.Equal(t, MissingChecksum, Missing().Checksum())
	assert.Equal(t, "missing", Missing().String())
}

func TestNewRef_RequiresValidChecksum(t *testing.T) {
	_, err := NewRef("s3://scenes/T33UUP.tif", "md5:abc", "image/tiff")
	require.Error(t, err)

	sum := ChecksumOf([]byte("scene"))
	a, err := NewRef("s3://scenes/T33UUP.tif", sum, "image/tiff")
	require.NoError(t, err)
	assert.Equal(t, KindRef, a.Kind())
	assert.Equal(t, sum, a.Checksum())
	assert.Zero(t, a.Size())
}

func TestRecordRoundTripDetectsTampering(t *testing.T) {
	rec := NewBlob([]byte("ndvi"), "application/octet-stream").Record()

	back, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("ndvi"), back.Bytes())

	rec.Data = []byte("ndwi")
	_, err = FromRecord(rec)
	assert.ErrorContains(t, err, "checksum mismatch")
}
