package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/specialistvlad/scenegrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipeline = `
required = ["result"]

external "seed" {}

step "load" {
  uses   = "load"
  inputs = { seed = "external.seed" }
}

step "double" {
  uses    = "double"
  inputs  = { data = "load.data" }
  publish = { result = "result" }
}
`

type harness struct {
	dir      string
	cacheDir string
	def      string
	seed     string
	module   testutil.Module
}

func newHarness(t *testing.T, double model.ComputePort) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:      dir,
		cacheDir: filepath.Join(dir, "cache"),
		def:      filepath.Join(dir, "pipeline.hcl"),
		seed:     filepath.Join(dir, "seed.txt"),
	}
	require.NoError(t, os.WriteFile(h.def, []byte(pipeline), 0o644))
	require.NoError(t, os.WriteFile(h.seed, []byte("42"), 0o644))
	if double == nil {
		double = testutil.Echo(nil, "double", "result")
	}
	h.module = testutil.Module{
		testutil.EchoStep(nil, "load", []string{"seed"}, []string{"data"}),
		testutil.Step("double", []string{"data"}, []string{"result"}, double),
	}
	return h
}

func (h *harness) exec(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"--cache-dir", h.cacheDir, "--log-level", "debug"}, args...)
	err := Execute(context.Background(), args, &out, &errOut, h.module)
	if os.Getenv("SCENEGRID_TEST_LOGS") == "true" {
		t.Logf("--- Log Output for %v ---\n%s", args, errOut.String())
	}
	return out.String(), errOut.String(), err
}

func TestRun_SucceedsAndReusesCache(t *testing.T) {
	h := newHarness(t, nil)
	outDir := filepath.Join(h.dir, "out")

	out, logs, err := h.exec(t, "run", h.def, "--external", "seed="+h.seed, "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "computed=2")
	assert.Contains(t, out, filepath.Join(outDir, "result"))
	assert.Contains(t, logs, "Starting concurrent execution")
	assert.FileExists(t, filepath.Join(outDir, "result"))

	out, _, err = h.exec(t, "run", h.def, "-e", "seed="+h.seed)
	require.NoError(t, err)
	assert.Contains(t, out, "computed=0")
}

func TestRun_FailedNodeExitsWithFailure(t *testing.T) {
	fail := model.ComputeFunc(func(context.Context, model.Inputs, params.Set) (model.Outputs, error) {
		return nil, errs.Permanentf("raster is empty")
	})
	h := newHarness(t, fail)

	out, _, err := h.exec(t, "run", h.def, "--external", "seed="+h.seed)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.ErrorContains(t, err, "raster is empty")
	assert.Contains(t, out, "failed")
}

func TestRun_SnapshotThenResume(t *testing.T) {
	h := newHarness(t, nil)
	snap := filepath.Join(h.dir, "run.json")

	_, _, err := h.exec(t, "run", h.def, "-e", "seed="+h.seed, "--run-id", "nightly-1", "--snapshot", snap)
	require.NoError(t, err)
	require.FileExists(t, snap)

	out, _, err := h.exec(t, "run", h.def, "-e", "seed="+h.seed, "--resume", snap)
	require.NoError(t, err)
	assert.Contains(t, out, "run nightly-1 succeeded")
}

func TestRun_UsageErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		args []string
	}{
		{"missing external", []string{"run", h.def}},
		{"malformed external", []string{"run", h.def, "--external", "seed"}},
		{"unreadable external", []string{"run", h.def, "--external", "seed=" + filepath.Join(h.dir, "absent")}},
		{"bad log level", []string{"run", h.def, "--log-level", "loud"}},
		{"bad definition", []string{"validate", h.seed, "--format", "hcl"}},
		{"unknown required output", []string{"run", h.def, "-e", "seed=" + h.seed, "--require", "nope"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.exec(t, tc.args...)
			require.Error(t, err)
			assert.Equal(t, ExitUsage, ExitCode(err), err.Error())
		})
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t, nil)
	out, _, err := h.exec(t, "validate", h.def)
	require.NoError(t, err)
	assert.Contains(t, out, "✅ 2 nodes: load -> double")
	assert.Contains(t, out, "result")
}

func TestSteps(t *testing.T) {
	h := newHarness(t, nil)
	out, _, err := h.exec(t, "steps")
	require.NoError(t, err)
	assert.Contains(t, out, "double")
	assert.Contains(t, out, "1.0.0")
}

func TestCacheCommands(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.exec(t, "run", h.def, "-e", "seed="+h.seed)
	require.NoError(t, err)

	out, _, err := h.exec(t, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 entries")

	out, _, err = h.exec(t, "cache", "verify", "--parallel", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2 checked, 0 corrupt")

	_, _, err = h.exec(t, "cache", "rm", "ffffffffffffffff")
	assert.Equal(t, ExitUsage, ExitCode(err))

	_, _, err = h.exec(t, "cache", "gc")
	assert.Error(t, err)

	out, _, err = h.exec(t, "cache", "gc", "--cache-max-bytes", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2 evicted, 0 entries")
}

func TestConfigFileWithFlagOverride(t *testing.T) {
	h := newHarness(t, nil)
	cfgPath := filepath.Join(h.dir, "scenegrid.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("workers: 1\nlog_level: error\n"), 0o644))

	var out, errOut bytes.Buffer
	err := Execute(context.Background(),
		[]string{"--config", cfgPath, "--cache-dir", h.cacheDir, "validate", h.def},
		&out, &errOut, h.module)
	require.NoError(t, err)
	assert.Empty(t, errOut.String(), "error level config must silence debug logs")

	require.NoError(t, os.WriteFile(cfgPath, []byte("workres: 1\n"), 0o644))
	err = Execute(context.Background(), []string{"--config", cfgPath, "validate", h.def}, &out, &errOut, h.module)
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, 7, ExitCode(&ExitError{Code: 7, Message: "x"}))
	assert.Equal(t, ExitUsage, ExitCode(errs.Validation(errs.CheckCycle, []string{"a"}, "cycle")))
	assert.Equal(t, ExitCancelled, ExitCode(&errs.CancellationError{Err: context.Canceled}))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
}
