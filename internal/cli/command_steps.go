package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func registerStepsCommand(root *cobra.Command, opts *options) {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List the registered step kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			reg := a.Registry()
			tw := tabwriter.NewWriter(opts.outW, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tVERSION\tINPUTS\tOUTPUTS\tPARAMS\tCACHEABLE")
			for _, key := range reg.Keys() {
				step, err := reg.Lookup(key, "")
				if err != nil {
					return err
				}
				var in, out []string
				for _, p := range step.Inputs {
					name := p.Name
					if p.Optional {
						name += "?"
					}
					in = append(in, name)
				}
				for _, p := range step.Outputs {
					out = append(out, p.Name)
				}
				names := make([]string, 0, len(step.Params))
				for name := range step.Params {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", step.Name, step.Version,
					dash(in), dash(out), dash(names), !step.NonCacheable)
			}
			return tw.Flush()
		},
	}
	root.AddCommand(cmd)
}

func dash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
