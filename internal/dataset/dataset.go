// 包 dataset：读取候选地点 CSV（filename + 地类百分比列），解析坐标并生成只读表
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kiln-label/internal/logger"
	"kiln-label/internal/metrics"

	"gonum.org/v1/gonum/floats"
)

// FilenameColumn：地点身份列
const FilenameColumn = "filename"

var (
	ErrMissingColumn = errors.New("dataset: missing filename column")
	ErrNoCategories  = errors.New("dataset: no numeric land-cover columns")
	ErrEmpty         = errors.New("dataset: no header row")
)

// 坐标列不参与地类统计，避免最大值模式被经纬度主导
var reservedColumns = map[string]bool{
	"lat": true, "lon": true, "latitude": true, "longitude": true,
}

// Location：一条候选地点记录，载入后只读
type Location struct {
	Index    int
	Filename string
	Lat      float64
	Lon      float64
	// Cells 与 Table.Columns 一一对应，导出时原样写回
	Cells  []string
	values map[string]float64
	// Dominant 为空表示该行没有任何可用地类数值
	Dominant string
	MaxPct   float64
}

// Value：读取某地类百分比；单元格缺失或非数值时 ok=false
func (l *Location) Value(category string) (float64, bool) {
	v, ok := l.values[category]
	return v, ok
}

// Geohash：7 位 geohash
func (l *Location) Geohash() string { return encodeGeohash(l.Lat, l.Lon, 7) }

// Table：一次载入的数据集
type Table struct {
	Name       string
	Columns    []string
	Categories []string
	Rows       []Location
	Skipped    int
	catIndex   map[string]bool
}

// HasCategory：判断地类列是否存在
func (t *Table) HasCategory(name string) bool { return t.catIndex[name] }

// Head：返回前 n 行，用于数据集信息面板
func (t *Table) Head(n int) []Location {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.Rows[:n]
}

// Load：按路径读取 CSV
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Read(filepath.Base(path), f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return t, nil
}

// Read：解析 CSV 为 Table
// 约束：缺少 filename 列或没有任何数值地类列时整体失败，不返回部分结果；
// 列数不符的行与文件名无法解析为坐标的行跳过并记录告警
func Read(name string, r io.Reader) (*Table, error) {
	l := logger.L()
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 0
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	fnIdx := -1
	for i, h := range header {
		if h == FilenameColumn {
			fnIdx = i
			break
		}
	}
	if fnIdx < 0 {
		return nil, ErrMissingColumn
	}

	var records [][]string
	skipped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrFieldCount) {
				l.Warn("dataset_row_skipped", "dataset", name, "line", pe.Line, "reason", "field_count")
				skipped++
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}

	cats := numericColumns(header, records, fnIdx)
	if len(cats) == 0 {
		return nil, ErrNoCategories
	}
	t := &Table{Name: name, Columns: header, Categories: cats, catIndex: make(map[string]bool, len(cats))}
	catCols := make([]int, 0, len(cats))
	for _, c := range cats {
		t.catIndex[c] = true
		for i, h := range header {
			if h == c {
				catCols = append(catCols, i)
				break
			}
		}
	}

	for _, rec := range records {
		fn := strings.TrimSpace(rec[fnIdx])
		lat, lon, err := ParseCoordinates(fn)
		if err != nil {
			l.Warn("dataset_row_skipped", "dataset", name, "filename", fn, "reason", "bad_coordinates")
			skipped++
			continue
		}
		loc := Location{
			Index:    len(t.Rows),
			Filename: fn,
			Lat:      lat,
			Lon:      lon,
			Cells:    rec,
			values:   make(map[string]float64, len(cats)),
		}
		names := make([]string, 0, len(cats))
		vals := make([]float64, 0, len(cats))
		for i, col := range catCols {
			if v, ok := parseCell(rec[col]); ok {
				loc.values[cats[i]] = v
				names = append(names, cats[i])
				vals = append(vals, v)
			}
		}
		if len(vals) > 0 {
			mi := floats.MaxIdx(vals)
			loc.Dominant = names[mi]
			loc.MaxPct = vals[mi]
		}
		t.Rows = append(t.Rows, loc)
	}
	t.Skipped = skipped
	metrics.DatasetRows.WithLabelValues(name).Set(float64(len(t.Rows)))
	metrics.DatasetSkippedRows.WithLabelValues(name).Add(float64(skipped))
	l.Info("dataset_load_ok", "dataset", name, "rows", len(t.Rows), "categories", len(cats), "skipped", skipped)
	return t, nil
}

// missingTokens：按缺失值处理的单元格文本（常见的 NA 写法，比较时忽略大小写）
var missingTokens = map[string]bool{
	"#n/a": true, "#n/a n/a": true, "#na": true, "-1.#ind": true, "-1.#qnan": true, "-nan": true,
	"1.#ind": true, "1.#qnan": true, "<na>": true, "n/a": true, "na": true, "null": true, "nan": true, "none": true,
}

// numericColumns：所有非缺失单元格均可解析为数值的列视为地类列；NaN/Inf 计为缺失，全缺失列不计入
func numericColumns(header []string, records [][]string, fnIdx int) []string {
	var out []string
	for i, h := range header {
		if i == fnIdx || h == "" || reservedColumns[strings.ToLower(h)] {
			continue
		}
		seen := false
		numeric := true
		for _, rec := range records {
			s := strings.TrimSpace(rec[i])
			if isMissing(s) {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				numeric = false
				break
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			seen = true
		}
		if numeric && seen {
			out = append(out, h)
		}
	}
	return out
}

func isMissing(s string) bool {
	return s == "" || missingTokens[strings.ToLower(s)]
}

func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if isMissing(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
