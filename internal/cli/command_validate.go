package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func registerValidateCommand(root *cobra.Command, opts *options) {
	var format string
	cmd := &cobra.Command{
		Use:   "validate PATH...",
		Short: "Validate a pipeline definition without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.Build(a.Context(), format, args...)
			if err != nil {
				return err
			}
			order := make([]string, 0, len(d.Nodes))
			for _, n := range d.Order() {
				order = append(order, n.ID)
			}
			fmt.Fprintf(opts.outW, "✅ %d nodes: %s\n", len(order), strings.Join(order, " -> "))
			fmt.Fprintf(opts.outW, "outputs: %s\n", strings.Join(d.Outputs(), ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Definition format, 'hcl' or 'yaml'. Detected from the paths when empty.")
	root.AddCommand(cmd)
}
