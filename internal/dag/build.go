package dag

import (
	"context"
	"errors"
	"strings"

	"github.com/specialistvlad/scenegrid/internal/config"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/registry"
)

// Build resolves every step of def against the registry, applies parameter
// schemas, and validates the resulting graph. Unknown steps, version pins
// that do not match, and bad parameters fail closed.
func Build(ctx context.Context, def *config.Definition, reg *registry.Registry) (*DAG, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Building DAG from definition.", "steps", len(def.Steps), "externals", len(def.Externals))

	var regProblems, paramProblems problems
	specs := make([]NodeSpec, 0, len(def.Steps))
	for _, s := range def.Steps {
		step, err := reg.Lookup(s.Uses, s.Version)
		if err != nil {
			regProblems.add(s.Name, "node %q: %s", s.Name, problemText(err))
			continue
		}

		set, issues := step.Params.Apply(s.Params)
		for _, issue := range issues {
			paramProblems.add(s.Name, "node %q: %s", s.Name, issue)
		}
		if len(issues) == 0 && step.Check != nil {
			if err := step.Check(set); err != nil {
				paramProblems.add(s.Name, "node %q: %v", s.Name, err)
			}
		}

		specs = append(specs, NodeSpec{
			ID:         s.Name,
			Step:       step,
			Params:     set,
			Inputs:     s.Inputs,
			BestEffort: s.BestEffort,
			Publish:    s.Publish,
		})
	}
	if err := regProblems.err(errs.CheckRegistry); err != nil {
		return nil, err
	}
	if err := paramProblems.err(errs.CheckParams); err != nil {
		return nil, err
	}

	externals := make([]string, 0, len(def.Externals))
	for _, e := range def.Externals {
		externals = append(externals, e.Name)
	}

	d := New(externals, def.Required, specs...)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("DAG built and validated.", "nodes", len(d.Nodes), "outputs", len(d.outputs))
	return d, nil
}

// problemText strips the wrapper of a nested ValidationError so that the
// node prefix is not repeated.
func problemText(err error) string {
	var v *errs.ValidationError
	if errors.As(err, &v) && len(v.Problems) > 0 {
		return strings.Join(v.Problems, "; ")
	}
	return err.Error()
}
