package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func registerCacheCommand(root *cobra.Command, opts *options) {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result cache",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List cache entries, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.CacheEntries(a.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(opts.outW, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tSIZE\tLAST USED")
			var total int64
			for _, e := range entries {
				total += e.Size
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Fingerprint, e.Size, e.ModTime.UTC().Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(opts.outW, "%d entries, %d bytes\n", len(entries), total)
			return nil
		},
	}

	gc := &cobra.Command{
		Use:   "gc",
		Short: "Evict least recently used entries until --cache-max-bytes holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			evicted, err := a.CollectGarbage(a.Context())
			for _, fp := range evicted {
				fmt.Fprintf(opts.outW, "evicted %s\n", fp)
			}
			if err != nil {
				return err
			}
			entries, size := a.Cache().Usage()
			fmt.Fprintf(opts.outW, "%d evicted, %d entries (%d bytes) remain\n", len(evicted), entries, size)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm FINGERPRINT...",
		Short: "Remove entries by fingerprint or unambiguous prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.RemoveCacheEntries(a.Context(), args...)
			if err != nil {
				return &ExitError{Code: ExitUsage, Message: err.Error()}
			}
			for _, fp := range removed {
				fmt.Fprintf(opts.outW, "removed %s\n", fp)
			}
			return nil
		},
	}

	var parallel int
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Read back every entry and discard the corrupt ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.VerifyCache(a.Context(), parallel)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.outW, "%d checked, %d corrupt entries discarded\n", report.Checked, report.Corrupt)
			return nil
		},
	}
	verify.Flags().IntVar(&parallel, "parallel", 8, "Maximum entries read at once.")

	cmd.AddCommand(list, gc, rm, verify)
	root.AddCommand(cmd)
}
