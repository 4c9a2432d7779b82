package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/specialistvlad/scenegrid/internal/app"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/scheduler"
	"github.com/spf13/cobra"
)

type runOptions struct {
	format    string
	externals []string
	required  []string
	runID     string
	resume    string
	snapshot  string
	outDir    string
}

func registerRunCommand(root *cobra.Command, opts *options) {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run PATH...",
		Short: "Run a pipeline definition",
		Long: `Run builds the pipeline found under PATH (.hcl or .yaml files, or
directories of them), validates it, and executes it. Results already in the
cache are reused.`,
		Example: `  scenegrid run pipeline.hcl --external aoi=field.geojson --out maps/
  scenegrid run pipeline.hcl --snapshot run.json
  scenegrid run pipeline.hcl --resume run.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts, ro, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&ro.format, "format", "", "Definition format, 'hcl' or 'yaml'. Detected from the paths when empty.")
	f.StringArrayVarP(&ro.externals, "external", "e", nil, "External input as name=file. Repeatable.")
	f.StringSliceVarP(&ro.required, "require", "r", nil, "Output identities or node IDs to produce instead of the definition's required list.")
	f.StringVar(&ro.runID, "run-id", "", "Run identifier. A UUID is generated when empty.")
	f.StringVar(&ro.resume, "resume", "", "Resume the run recorded in this snapshot file.")
	f.StringVar(&ro.snapshot, "snapshot", "", "Write the run snapshot to this file when the run ends.")
	f.StringVarP(&ro.outDir, "out", "o", "", "Write produced blob outputs into this directory.")
	root.AddCommand(cmd)
}

func runPipeline(cmd *cobra.Command, opts *options, ro *runOptions, paths []string) error {
	external, err := parseExternals(ro.externals)
	if err != nil {
		return err
	}

	a, err := opts.newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := a.Context()

	d, err := a.Build(ctx, ro.format, paths...)
	if err != nil {
		return err
	}

	res, err := a.Run(ctx, d, app.RunOptions{
		RunID:        ro.runID,
		External:     external,
		Required:     ro.required,
		ResumeFrom:   ro.resume,
		SnapshotPath: ro.snapshot,
	})
	if err != nil {
		return err
	}

	printResult(opts.outW, res)
	if ro.outDir != "" {
		written, err := app.WriteOutputs(res, ro.outDir)
		if err != nil {
			return err
		}
		for _, path := range written {
			fmt.Fprintf(opts.outW, "wrote %s\n", path)
		}
	}

	switch res.Status {
	case scheduler.StatusCancelled:
		return &ExitError{Code: ExitCancelled, Message: "run cancelled"}
	case scheduler.StatusFailed:
		return &ExitError{Code: ExitFailure, Message: res.Err().Error()}
	}
	return nil
}

func parseExternals(specs []string) (map[string]model.Artifact, error) {
	out := make(map[string]model.Artifact, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok || name == "" || path == "" {
			return nil, &ExitError{Code: ExitUsage, Message: fmt.Sprintf("invalid --external %q: want name=file", spec)}
		}
		if _, dup := out[name]; dup {
			return nil, &ExitError{Code: ExitUsage, Message: fmt.Sprintf("external %q given twice", name)}
		}
		a, err := app.ExternalFromFile(path)
		if err != nil {
			return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
		}
		out[name] = a
	}
	return out, nil
}

func printResult(w io.Writer, res *scheduler.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTEP\tSTATE\tCACHED\tATTEMPTS\tDURATION\tDETAIL")
	for _, id := range res.NodeIDs() {
		n := res.Nodes[id]
		detail := n.Reason
		if n.Err != nil {
			detail = n.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			n.Node, n.Step, n.State, n.Cached, n.Attempts, n.Duration.Round(time.Millisecond), detail)
	}
	_ = tw.Flush()

	counts := res.Counts()
	states := make([]string, 0, len(counts))
	for state, c := range counts {
		states = append(states, fmt.Sprintf("%s=%d", state, c))
	}
	sort.Strings(states)
	fmt.Fprintf(w, "run %s %s in %s (%s, computed=%d)\n",
		res.RunID, res.Status, res.Duration.Round(time.Millisecond), strings.Join(states, " "), res.Computed())
}
