package app

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/dag"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
	"github.com/specialistvlad/scenegrid/internal/scheduler"
)

// RunOptions describes one run of a built DAG.
type RunOptions struct {
	RunID    string
	External map[string]model.Artifact
	Required []string

	// ResumeFrom is a snapshot file written by an earlier run.
	ResumeFrom string
	// SnapshotPath, when set, receives the run's snapshot at the end.
	SnapshotPath string
}

// Run executes d with the application's scheduler. The returned error is
// non-nil only when the run could not start or its snapshot could not be
// saved; node outcomes are in the Result.
func (a *App) Run(ctx context.Context, d *dag.DAG, opts RunOptions) (*scheduler.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 && a.httpServer == nil {
		a.healthCheckServer()
	}

	req := scheduler.Request{RunID: opts.RunID, External: opts.External, Required: opts.Required}
	if opts.ResumeFrom != "" {
		snap, err := nodestore.LoadSnapshot(opts.ResumeFrom)
		if err != nil {
			return nil, err
		}
		a.logger.Info("🔁 Resuming run.", "run_id", snap.RunID, "snapshot", opts.ResumeFrom)
		req.Resume = snap
	}

	res, err := a.scheduler.Run(ctx, d, req)
	if err != nil {
		return nil, err
	}

	if opts.SnapshotPath != "" {
		if err := nodestore.SaveSnapshot(opts.SnapshotPath, res.Snapshot); err != nil {
			return res, fmt.Errorf("failed to save snapshot: %w", err)
		}
		a.logger.Debug("Snapshot saved.", "path", opts.SnapshotPath)
	}

	a.logger.Debug("App.Run method finished.", "status", res.Status)
	return res, nil
}

// ExternalFromFile reads a file into a blob artifact. The media type is
// guessed from the extension.
func ExternalFromFile(path string) (model.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("failed to read external input: %w", err)
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson":
		mt = "application/geo+json"
	}
	return model.NewBlob(data, mt), nil
}

// WriteOutputs writes every blob output of res into dir, one file per
// output identity. References are not fetched. It returns the written paths.
func WriteOutputs(res *scheduler.Result, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, id := range res.OutputIdentities() {
		a, _ := res.Output(id)
		if a.Kind() != model.KindBlob {
			continue
		}
		path := filepath.Join(dir, outputFileName(id))
		if err := os.WriteFile(path, a.Bytes(), 0o644); err != nil {
			return written, fmt.Errorf("failed to write output %s: %w", id, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func outputFileName(identity string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(identity)
}
