package fingerprint

import (
	"testing"

	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

var extract = model.Identity{Name: "extract_bands", Version: "1.0.0"}

func set(t *testing.T, values map[string]cty.Value) params.Set {
	t.Helper()
	s, err := params.New(values)
	require.NoError(t, err)
	return s
}

func TestCompute_Deterministic(t *testing.T) {
	p := set(t, map[string]cty.Value{"cloud_max": cty.NumberIntVal(30), "date": cty.StringVal("2025-01-10")})
	up := []Upstream{{Port: "scene", Checksum: model.ChecksumOf([]byte("scene"))}}

	a := Compute(extract, p, up)
	b := Compute(extract, p, up)

	assert.Equal(t, a, b)
	assert.True(t, a.Valid())
	assert.Len(t, a.Short(), 12)
}

func TestCompute_ParamsNormalization(t *testing.T) {
	a := Compute(extract, set(t, map[string]cty.Value{"x": cty.NumberIntVal(0)}), nil)
	b := Compute(extract, set(t, map[string]cty.Value{"x": cty.NumberFloatVal(0.0)}), nil)
	assert.Equal(t, a, b)
}

func TestCompute_UpstreamOrderIrrelevant(t *testing.T) {
	nir := Upstream{Port: "nir", Checksum: model.ChecksumOf([]byte("nir"))}
	red := Upstream{Port: "red", Checksum: model.ChecksumOf([]byte("red"))}

	assert.Equal(t,
		Compute(extract, params.Empty, []Upstream{nir, red}),
		Compute(extract, params.Empty, []Upstream{red, nir}),
	)
}

func TestCompute_SensitiveToEveryField(t *testing.T) {
	base := Compute(extract, params.Empty, []Upstream{{Port: "scene", Checksum: "sha256:aa"}})

	variants := map[string]Fingerprint{
		"version":  Compute(model.Identity{Name: "extract_bands", Version: "1.0.1"}, params.Empty, []Upstream{{Port: "scene", Checksum: "sha256:aa"}}),
		"name":     Compute(model.Identity{Name: "extract_band", Version: "1.0.0"}, params.Empty, []Upstream{{Port: "scene", Checksum: "sha256:aa"}}),
		"params":   Compute(extract, set(t, map[string]cty.Value{"b": cty.True}), []Upstream{{Port: "scene", Checksum: "sha256:aa"}}),
		"checksum": Compute(extract, params.Empty, []Upstream{{Port: "scene", Checksum: "sha256:ab"}}),
		"port":     Compute(extract, params.Empty, []Upstream{{Port: "scenes", Checksum: "sha256:aa"}}),
		"missing":  Compute(extract, params.Empty, []Upstream{{Port: "scene", Checksum: model.MissingChecksum}}),
		"none":     Compute(extract, params.Empty, nil),
	}
	for name, fp := range variants {
		assert.NotEqual(t, base, fp, name)
	}
}

func TestCompute_LengthPrefixPreventsShifting(t *testing.T) {
	a := Compute(model.Identity{Name: "ab", Version: "c"}, params.Empty, nil)
	b := Compute(model.Identity{Name: "a", Version: "bc"}, params.Empty, nil)
	assert.NotEqual(t, a, b)
}

func TestFromInputs_MatchesCompute(t *testing.T) {
	blob := model.NewBlob([]byte("bands"), "")
	in := model.Inputs{"bands": blob, "overlay": model.Missing()}

	want := Compute(extract, params.Empty, []Upstream{
		{Port: "overlay", Checksum: model.MissingChecksum},
		{Port: "bands", Checksum: blob.Checksum()},
	})
	assert.Equal(t, want, FromInputs(extract, params.Empty, in))
}
