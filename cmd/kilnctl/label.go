package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"kiln-label/internal/dataset"
	"kiln-label/internal/export"
	"kiln-label/internal/filter"
	"kiln-label/internal/session"
	"kiln-label/internal/tiles"

	"github.com/spf13/cobra"
)

func labelCmd() *cobra.Command {
	var (
		labelsPath  string
		policy      string
		outDir      string
		fromArchive bool
	)
	cmd := &cobra.Command{
		Use:   "label <dataset.csv>",
		Short: "Interactive labeling session in the terminal",
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
			if fromArchive {
				if err := seedFromArchive(cmd.Context(), t.Name, ls); err != nil {
					return err
				}
			}
			p := defaultPolicy()
			if policy != "" {
				if p, err = export.ParsePolicy(policy); err != nil {
					return err
				}
			}
			sess := session.New("kilnctl", t.Name)
			sess.Labels = ls
			r := &repl{
				out:        cmd.OutOrStdout(),
				table:      t,
				sess:       sess,
				labelsPath: labelsPath,
				policy:     p,
				outDir:     outDir,
				provider:   tiles.NewRegistry().Default(),
			}
			return r.run(cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&labelsPath, "labels", "labels.json", "Labels JSON to resume from and save to")
	cmd.Flags().StringVar(&policy, "policy", "", "Export policy for the export command; default EXPORT_POLICY")
	cmd.Flags().StringVar(&outDir, "out", ".", "Default directory for export")
	cmd.Flags().BoolVar(&fromArchive, "from-archive", false, "Seed labels from the latest archived export of this dataset")
	return cmd
}

// seedFromArchive：用最近一次归档补齐标注；本地文件已有的条目优先
func seedFromArchive(ctx context.Context, datasetName string, ls *session.LabelStore) error {
	st, err := openArchiveFromEnv(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	m, err := st.LatestLabels(ctx, datasetName)
	if err != nil {
		return err
	}
	for name, v := range m {
		if ls.Get(name) == session.Unset {
			_ = ls.Set(name, v)
		}
	}
	return nil
}

// repl：终端标注循环，状态与 Web 会话一致（筛选集、游标、标注）
type repl struct {
	out        io.Writer
	table      *dataset.Table
	sess       *session.Session
	res        *filter.Result
	labelsPath string
	policy     export.Policy
	outDir     string
	provider   tiles.Provider
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, "commands:")
	fmt.Fprintln(r.out, "  filter category <column> <threshold>")
	fmt.Fprintln(r.out, "  filter max <threshold>")
	fmt.Fprintln(r.out, "  filter all")
	fmt.Fprintln(r.out, "  next | prev | jump <n>")
	fmt.Fprintln(r.out, "  yes | no | clear        label current image and move on")
	fmt.Fprintln(r.out, "  kilns <n,n,...>         mark image numbers as kiln")
	fmt.Fprintln(r.out, "  show | summary")
	fmt.Fprintln(r.out, "  save [file] | export [dir]")
	fmt.Fprintln(r.out, "  help | exit")
}

func (r *repl) run(in io.Reader) error {
	fmt.Fprintf(r.out, "dataset %s: %d locations, %d categories\n", r.table.Name, len(r.table.Rows), len(r.table.Categories))
	r.printHelp()
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		if cmd == "exit" || cmd == "quit" {
			break
		}
		if err := r.exec(cmd, parts[1:], line); err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return r.save(r.labelsPath)
}

func (r *repl) exec(cmd string, args []string, line string) error {
	switch cmd {
	case "help":
		r.printHelp()
	case "filter":
		return r.filter(args)
	case "next":
		r.sess.Nav.Advance()
		r.show()
	case "prev":
		r.sess.Nav.Retreat()
		r.show()
	case "jump":
		if len(args) != 1 {
			return errors.New("usage: jump <n>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad image number %q", args[0])
		}
		if err := r.sess.Nav.Jump(n - 1); err != nil {
			return fmt.Errorf("image #%d is out of range (1-%d)", n, r.sess.Nav.Size)
		}
		r.show()
	case "yes", "no", "clear":
		return r.label(cmd)
	case "kilns":
		if r.res.Empty() {
			return errors.New("no filtered locations")
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, strings.Fields(line)[0]))
		applied, invalid := r.sess.Labels.ApplyImageNumbers(text, r.res.Rows)
		fmt.Fprintf(r.out, "marked %d image(s) as kiln\n", len(applied))
		if len(invalid) > 0 {
			fmt.Fprintf(r.out, "ignored: %s\n", strings.Join(invalid, ", "))
		}
	case "show":
		r.show()
	case "summary":
		r.summary()
	case "save":
		path := r.labelsPath
		if len(args) > 0 {
			path = args[0]
		}
		if err := r.save(path); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "saved %d labels to %s\n", r.sess.Labels.Len(), path)
	case "export":
		dir := r.outDir
		if len(args) > 0 {
			dir = args[0]
		}
		path, n, err := export.WriteFile(dir, timeNow(), r.table, r.sess.Labels, r.policy)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "wrote %d rows to %s\n", n, path)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (r *repl) filter(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: filter <category|max|all> ...")
	}
	mode := args[0]
	var category, threshold string
	switch filter.Mode(strings.ToLower(mode)) {
	case filter.ModeCategory:
		if len(args) != 3 {
			return errors.New("usage: filter category <column> <threshold>")
		}
		category, threshold = args[1], args[2]
	case filter.ModeMax:
		if len(args) != 2 {
			return errors.New("usage: filter max <threshold>")
		}
		threshold = args[1]
	}
	c, err := filter.Parse(mode, category, threshold)
	if err != nil {
		return err
	}
	res, err := r.sess.ApplyFilter(r.table, c)
	if err != nil {
		return err
	}
	r.res = res
	if res.Empty() {
		fmt.Fprintf(r.out, "no matching locations for %s\n", c.Describe(r.table))
		return nil
	}
	fmt.Fprintf(r.out, "found %d locations matching: %s\n", res.Len(), c.Describe(r.table))
	r.show()
	return nil
}

func (r *repl) label(cmd string) error {
	loc, ok := r.sess.Current(r.res)
	if !ok {
		return errors.New("no current image")
	}
	switch cmd {
	case "yes", "no":
		if err := r.sess.Labels.Set(loc.Filename, cmd == "yes"); err != nil {
			return err
		}
	case "clear":
		r.sess.Labels.Clear(loc.Filename)
	}
	if r.sess.Nav.Done() {
		fmt.Fprintln(r.out, "DONE! all filtered images visited")
		return nil
	}
	r.sess.Nav.Advance()
	r.show()
	return nil
}

func (r *repl) show() {
	loc, ok := r.sess.Current(r.res)
	if !ok {
		fmt.Fprintln(r.out, "no filtered locations; use filter first")
		return
	}
	n, total := r.sess.Nav.Position()
	cat, pct := r.res.Score(loc)
	fmt.Fprintf(r.out, "IMAGE #%d / %d  %s  (%.6f, %.6f)  %s %.2f%%  label=%s\n",
		n, total, loc.Filename, loc.Lat, loc.Lon, cat, pct, r.sess.Labels.Get(loc.Filename))
	if u, err := r.provider.TileURL(loc.Lat, loc.Lon, tiles.DefaultZoom); err == nil {
		fmt.Fprintf(r.out, "  tile %s\n", u)
	}
}

func (r *repl) summary() {
	yes, no := r.sess.Labels.Counts()
	fmt.Fprintf(r.out, "labeled %d (kiln %d, no kiln %d) of %d locations\n", yes+no, yes, no, len(r.table.Rows))
	if !r.res.Empty() {
		pos := r.sess.Labels.YesPositions(r.res.Rows)
		parts := make([]string, len(pos))
		for i, p := range pos {
			parts[i] = strconv.Itoa(p)
		}
		fmt.Fprintf(r.out, "kiln images in current filter: %s\n", strings.Join(parts, ", "))
	}
}

func (r *repl) save(path string) error {
	if path == "" {
		return nil
	}
	return saveLabels(path, r.sess.Labels)
}
