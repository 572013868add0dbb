package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"kiln-label/internal/config"
	"kiln-label/internal/store"
	"kiln-label/internal/utils"

	"github.com/spf13/cobra"
)

var errArchiveDisabled = errors.New("archive disabled: set ARCHIVE_DRIVER to sqlite or postgres")

func openArchiveFromEnv(ctx context.Context) (*store.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.ArchiveDriver) {
	case "sqlite":
		db, err := utils.OpenSQLite(cfg.ArchiveSQLitePath)
		if err != nil {
			return nil, err
		}
		return store.AttachDB(ctx, db, store.SQLite)
	case "postgres":
		db, err := utils.OpenPostgresFromEnv()
		if err != nil {
			return nil, err
		}
		return store.AttachDB(ctx, db, store.Postgres)
	}
	return nil, errArchiveDisabled
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect exports recorded in the label archive",
	}

	var (
		ds    string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openArchiveFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			recs, err := st.ListExports(cmd.Context(), ds, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tDATASET\tPOLICY\tROWS\tFILTER")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Dataset, r.Policy, r.Rows, r.Criterion)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&ds, "dataset", "", "Only exports of this dataset")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	show := &cobra.Command{
		Use:   "show <export-id>",
		Short: "Print the labels recorded by one export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openArchiveFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			labels, err := st.ExportLabels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILENAME\tLAT\tLON\tBRICK_KILN")
			for _, l := range labels {
				v := 0
				if l.Kiln {
					v = 1
				}
				fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%d\n", l.Filename, l.Lat, l.Lon, v)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
