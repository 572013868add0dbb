package main

import (
	"context"
	"fmt"

	"kiln-label/internal/config"
	"kiln-label/internal/dataset"
	"kiln-label/internal/export"
	"kiln-label/internal/session"
	"kiln-label/internal/store"

	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var (
		labelsPath string
		policy     string
		outDir     string
		archive    bool
	)
	cmd := &cobra.Command{
		Use:   "export <dataset.csv>",
		Short: "Write brick_kiln_results_<timestamp>.csv from a labels file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTable(args[0])
			if err != nil {
				return err
			}
			ls, err := loadLabels(labelsPath)
			if err != nil {
				return err
			}
			p := defaultPolicy()
			if policy != "" {
				if p, err = export.ParsePolicy(policy); err != nil {
					return err
				}
			}
			path, n, err := runExport(cmd.Context(), t, ls, p, outDir, archive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&labelsPath, "labels", "labels.json", "Labels JSON written by `kilnctl label`")
	cmd.Flags().StringVar(&policy, "policy", "", "Unlabeled rows: labeled (omit) or all (empty cell); default EXPORT_POLICY")
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	cmd.Flags().BoolVar(&archive, "archive", false, "Also record the export in the ARCHIVE_DRIVER database")
	return cmd
}

func runExport(ctx context.Context, t *dataset.Table, ls *session.LabelStore, p export.Policy, outDir string, archive bool) (string, int, error) {
	if p == "" {
		p = export.PolicyLabeled
	}
	now := timeNow()
	path, n, err := export.WriteFile(outDir, now, t, ls, p)
	if err != nil {
		return "", 0, err
	}
	if !archive {
		return path, n, nil
	}
	st, err := openArchiveFromEnv(ctx)
	if err != nil {
		return path, n, err
	}
	defer st.Close()
	rec := store.ExportRecord{SessionID: "kilnctl", Dataset: t.Name, Policy: string(p), Rows: n, CreatedAt: now}
	if _, err := st.RecordExport(ctx, rec, store.FromRows(export.Rows(t, ls, p))); err != nil {
		return path, n, fmt.Errorf("archive: %w", err)
	}
	return path, n, nil
}

func defaultPolicy() export.Policy {
	cfg, err := config.FromEnv()
	if err != nil {
		return export.PolicyLabeled
	}
	p, _ := export.ParsePolicy(cfg.ExportPolicy)
	return p
}
