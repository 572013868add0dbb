package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"kiln-label/internal/filter"

	"github.com/spf13/cobra"
)

func filterCmd() *cobra.Command {
	var (
		mode      string
		category  string
		threshold string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "filter <dataset.csv>",
		Short: "List locations matching a land-cover filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTable(args[0])
			if err != nil {
				return err
			}
			c, err := filter.Parse(mode, category, threshold)
			if err != nil {
				return err
			}
			res, err := filter.Apply(t, c)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), c.Describe(t), res, limit)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "category", "Filter mode (category, max, all)")
	cmd.Flags().StringVar(&category, "category", "", "Land-cover column for category mode")
	cmd.Flags().StringVar(&threshold, "threshold", "99.90", "Minimum percentage")
	cmd.Flags().IntVar(&limit, "limit", 0, "Print at most N rows (0 = all)")
	return cmd
}

func printResult(w io.Writer, desc string, res *filter.Result, limit int) {
	if res.Empty() {
		fmt.Fprintf(w, "no matching locations for %s\n", desc)
		return
	}
	fmt.Fprintf(w, "%d locations matching %s\n", res.Len(), desc)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFILENAME\tLAT\tLON\tCATEGORY\tPCT")
	for i, loc := range res.Rows {
		if limit > 0 && i >= limit {
			break
		}
		cat, pct := res.Score(loc)
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\t%s\t%.2f\n", i+1, loc.Filename, loc.Lat, loc.Lon, cat, pct)
	}
	tw.Flush()
}
