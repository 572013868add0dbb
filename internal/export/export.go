// 包 export：把标注与数据集逐行合并，生成结果 CSV
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"kiln-label/internal/dataset"
	"kiln-label/internal/logger"
	"kiln-label/internal/metrics"
	"kiln-label/internal/session"
)

// Policy：未标注行的导出策略
type Policy string

const (
	// PolicyLabeled：只导出已标注行（默认）
	PolicyLabeled Policy = "labeled"
	// PolicyAll：导出全部行，未标注行 brick_kiln 留空
	PolicyAll Policy = "all"
)

// LabelColumn：标注结果列
const LabelColumn = "brick_kiln"

var ErrBadPolicy = errors.New("export: policy must be labeled or all")

// 追加在原始列之后的派生列
var derivedColumns = []string{"lat", "lon", "dominant_category", "max_percentage", LabelColumn}

// ParsePolicy：空串按默认策略处理
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyLabeled, nil
	case PolicyLabeled, PolicyAll:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadPolicy, s)
}

// LabelSource：按文件名查询标注
type LabelSource interface {
	Get(filename string) session.Label
}

// Row：一条待导出记录
type Row struct {
	Loc   *dataset.Location
	Label session.Label
}

// Header：原始列按原顺序，其后为派生列；原表已有同名列时不重复
func Header(t *dataset.Table) []string {
	h := append([]string(nil), t.Columns...)
	for _, c := range derivedColumns {
		if !hasColumn(t.Columns, c) {
			h = append(h, c)
		}
	}
	return h
}

// Rows：按原始行序遍历整张表（标注跨筛选保留，因此不按当前筛选集导出）
func Rows(t *dataset.Table, labels LabelSource, p Policy) []Row {
	var out []Row
	for i := range t.Rows {
		loc := &t.Rows[i]
		l := labels.Get(loc.Filename)
		if l == session.Unset && p != PolicyAll {
			continue
		}
		out = append(out, Row{Loc: loc, Label: l})
	}
	return out
}

// Write：写出完整 CSV，返回数据行数；零标注时只有表头
func Write(w io.Writer, t *dataset.Table, labels LabelSource, p Policy) (int, error) {
	rows := Rows(t, labels, p)
	header := Header(t)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, err
	}
	for _, r := range rows {
		if err := cw.Write(record(t, header, r)); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, err
	}
	metrics.ExportsTotal.Inc()
	metrics.ExportRows.Observe(float64(len(rows)))
	logger.L().Info("export_done", "dataset", t.Name, "policy", string(p), "rows", len(rows))
	return len(rows), nil
}

// WriteFile：写入 dir 下的时间戳文件；先写临时文件再改名，读者不会看到半截结果
func WriteFile(dir string, now time.Time, t *dataset.Table, labels LabelSource, p Policy) (string, int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, ".export-*.csv")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())
	n, err := Write(tmp, t, labels, p)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, Filename(now))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, err
	}
	return path, n, nil
}

// Filename：brick_kiln_results_YYYYMMDD_HHMMSS.csv
func Filename(now time.Time) string {
	return "brick_kiln_results_" + now.Format("20060102_150405") + ".csv"
}

// Encode：标注编码为 1/0，未标注为空
func Encode(l session.Label) string {
	switch l {
	case session.Yes:
		return "1"
	case session.No:
		return "0"
	}
	return ""
}

func record(t *dataset.Table, header []string, r Row) []string {
	rec := make([]string, 0, len(header))
	rec = append(rec, r.Loc.Cells...)
	for _, c := range header[len(t.Columns):] {
		switch c {
		case "lat":
			rec = append(rec, formatFloat(r.Loc.Lat))
		case "lon":
			rec = append(rec, formatFloat(r.Loc.Lon))
		case "dominant_category":
			rec = append(rec, r.Loc.Dominant)
		case "max_percentage":
			if r.Loc.Dominant == "" {
				rec = append(rec, "")
			} else {
				rec = append(rec, formatFloat(r.Loc.MaxPct))
			}
		case LabelColumn:
			rec = append(rec, Encode(r.Label))
		}
	}
	// 原表自带 brick_kiln 列时以本次标注为准
	if i := indexOf(t.Columns, LabelColumn); i >= 0 {
		rec[i] = Encode(r.Label)
	}
	return rec
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func hasColumn(cols []string, name string) bool { return indexOf(cols, name) >= 0 }

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
