package yamldef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/specialistvlad/scenegrid/internal/config"
	"github.com/specialistvlad/scenegrid/internal/dag"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/specialistvlad/scenegrid/internal/registry"
	"github.com/specialistvlad/scenegrid/internal/steps"
	"github.com/specialistvlad/scenegrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const pipeline = `
required: [ndvi_map]
externals:
  - name: aoi
    description: area of interest
steps:
  - name: fetch
    uses: fetch_scene
    version: 1.0.0
    params: {date: "2025-01-10", cloud_max: 30}
  - name: extract
    uses: extract_bands
    params:
      bands: [B04, B08]
    inputs: {scene: fetch.scene}
  - name: ndvi
    uses: compute_index
    params: {kind: ndvi}
    inputs: {bands: extract.bands}
  - name: boundaries
    uses: fetch_overlay
    inputs: {aoi: external.aoi}
  - name: render
    uses: render_map
    params: {padding: 0.5, clip: false}
    inputs: {index: ndvi.index, overlay: boundaries.overlay}
    best_effort: [overlay]
    publish: {map: ndvi_map}
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func canonical(t *testing.T, v cty.Value) string {
	t.Helper()
	s, err := params.CanonicalValue(v)
	require.NoError(t, err)
	return s
}

func TestParse_Pipeline(t *testing.T) {
	def, err := newLoader(t).Parse([]byte(pipeline), "ndvi.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"ndvi_map"}, def.Required)
	want := []*config.External{{Name: "aoi", Description: "area of interest", Source: "ndvi.yaml:4"}}
	if diff := cmp.Diff(want, def.Externals); diff != "" {
		t.Errorf("externals mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, def.Steps, 5)
	wantSteps := []*config.Step{
		{Name: "fetch", Uses: "fetch_scene", Version: "1.0.0"},
		{Name: "extract", Uses: "extract_bands", Inputs: map[string]string{"scene": "fetch.scene"}},
		{Name: "ndvi", Uses: "compute_index", Inputs: map[string]string{"bands": "extract.bands"}},
		{Name: "boundaries", Uses: "fetch_overlay", Inputs: map[string]string{"aoi": "external.aoi"}},
		{
			Name:       "render",
			Uses:       "render_map",
			Inputs:     map[string]string{"index": "ndvi.index", "overlay": "boundaries.overlay"},
			BestEffort: []string{"overlay"},
			Publish:    map[string]string{"map": "ndvi_map"},
		},
	}
	if diff := cmp.Diff(wantSteps, def.Steps, cmpopts.IgnoreFields(config.Step{}, "Params", "Source")); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "ndvi.yaml:7", def.Steps[0].Source)
	assert.Equal(t, `{"cloud_max":30,"date":"2025-01-10"}`, canonical(t, def.Steps[0].Params))
	assert.Equal(t, `{"bands":["B04","B08"]}`, canonical(t, def.Steps[1].Params))
	assert.Equal(t, `{"clip":false,"padding":0.5}`, canonical(t, def.Steps[4].Params))
	assert.Equal(t, cty.NilType, def.Steps[3].Params.Type())
}

func TestParse_BuildsAgainstSatelliteSteps(t *testing.T) {
	ctx, _ := testutil.Context(t)
	def, err := newLoader(t).Parse([]byte(pipeline), "ndvi.yaml")
	require.NoError(t, err)

	d, err := dag.Build(ctx, def, registry.New(steps.Module{}))
	require.NoError(t, err)
	n, ok := d.Node("extract")
	require.True(t, ok)
	assert.Equal(t, `{"bands":["B04","B08"]}`, n.Params.String())
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown top-level key", "pipeline: x\n"},
		{"step without uses", "steps:\n  - name: fetch\n"},
		{"bad step name", "steps:\n  - name: 1fetch\n    uses: fetch_scene\n"},
		{"bad reference", "steps:\n  - name: a\n    uses: extract_bands\n    inputs: {scene: fetch}\n"},
		{"bad version", "steps:\n  - name: a\n    uses: fetch_scene\n    version: latest\n"},
		{"params not an object", "steps:\n  - name: a\n    uses: fetch_scene\n    params: [1, 2]\n"},
		{"unknown step key", "steps:\n  - name: a\n    uses: fetch_scene\n    retries: 3\n"},
	}
	l := newLoader(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tc.src), "bad.yaml")
			assert.ErrorContains(t, err, "does not match the definition schema")
		})
	}
}

func TestParse_SchemaChecksNumericValues(t *testing.T) {
	l := newLoader(t)

	def, err := l.Parse([]byte("steps:\n  - name: fetch\n    uses: fetch_scene\n    params: {cloud_max: 12.5, cloud_min: 2}\n"), "numbers.yaml")
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, `{"cloud_max":12.5,"cloud_min":2}`, canonical(t, def.Steps[0].Params))

	_, err = l.Parse([]byte("steps:\n  - name: fetch\n    uses: fetch_scene\n    version: 1\n"), "numbers.yaml")
	assert.ErrorContains(t, err, "does not match the definition schema")
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := newLoader(t).Parse([]byte("steps: [\n"), "broken.yaml")
	assert.ErrorContains(t, err, "failed to parse YAML file broken.yaml")
}

func TestParse_EmptyDocument(t *testing.T) {
	def, err := newLoader(t).Parse(nil, "empty.yaml")
	require.NoError(t, err)
	assert.Empty(t, def.Steps)
}

func TestLoad_MergesDirectory(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("externals:\n  - name: aoi\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("steps:\n  - name: fetch\n    uses: fetch_scene\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.hcl"), []byte("ignored"), 0o644))

	def, err := newLoader(t).Load(ctx, dir)
	require.NoError(t, err)
	require.Len(t, def.Externals, 1)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, filepath.Join(dir, "b.yml")+":2", def.Steps[0].Source)

	_, err = newLoader(t).Load(ctx, t.TempDir())
	assert.ErrorContains(t, err, "no YAML files found")
}
