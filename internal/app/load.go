package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/scenegrid/internal/config"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/dag"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/fsutil"
	"github.com/specialistvlad/scenegrid/internal/hcl"
	"github.com/specialistvlad/scenegrid/internal/yamldef"
)

// Definition formats.
const (
	FormatHCL  = "hcl"
	FormatYAML = "yaml"
)

// DetectFormat picks the definition format from the paths: a .yaml or .yml
// file, or a directory holding YAML but no HCL, selects YAML. Everything
// else is HCL.
func DetectFormat(paths ...string) (string, error) {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				return FormatYAML, nil
			}
			continue
		}
		hasHCL, err := fsutil.ContainsFiles(path, ".hcl")
		if err != nil {
			return "", err
		}
		if hasHCL {
			continue
		}
		hasYAML, err := fsutil.ContainsFiles(path, ".yaml", ".yml")
		if err != nil {
			return "", err
		}
		if hasYAML {
			return FormatYAML, nil
		}
	}
	return FormatHCL, nil
}

func newLoader(format string) (config.Loader, error) {
	switch format {
	case FormatHCL:
		return hcl.NewLoader(), nil
	case FormatYAML:
		return yamldef.NewLoader()
	default:
		return nil, fmt.Errorf("unknown definition format %q", format)
	}
}

// LoadDefinition reads the pipeline definition under paths. An empty
// format is detected from the paths.
func (a *App) LoadDefinition(ctx context.Context, format string, paths ...string) (*config.Definition, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no definition paths given")
	}
	if format == "" {
		detected, err := DetectFormat(paths...)
		if err != nil {
			return nil, err
		}
		format = detected
	}
	loader, err := newLoader(format)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Loading pipeline definition.", "format", format, "paths", paths)
	def, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, errs.Validation(errs.CheckDefinition, nil, err.Error())
	}
	return def, nil
}

// Build loads the definition and resolves it into a validated DAG.
func (a *App) Build(ctx context.Context, format string, paths ...string) (*dag.DAG, error) {
	def, err := a.LoadDefinition(ctx, format, paths...)
	if err != nil {
		return nil, err
	}
	d, err := dag.Build(ctx, def, a.registry)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("Pipeline validated.", "nodes", len(d.Nodes), "outputs", len(d.Outputs()))
	return d, nil
}
