// 包 filter：按地类与阈值筛选地点，保持原始行序；纯函数，无副作用
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kiln-label/internal/dataset"
	"kiln-label/internal/metrics"
)

// Mode：筛选方式
type Mode string

const (
	// ModeCategory：指定地类列 >= 阈值
	ModeCategory Mode = "category"
	// ModeMax：该行各地类最大值 >= 阈值
	ModeMax Mode = "max"
	// ModeAll：不过滤
	ModeAll Mode = "all"
)

var (
	ErrUnknownCategory = errors.New("filter: unknown land-cover category")
	ErrBadThreshold    = errors.New("filter: threshold must be within [0,100]")
	ErrBadMode         = errors.New("filter: mode must be category, max or all")
)

// Criterion：筛选条件，由操作员设置，变更即重新计算
type Criterion struct {
	Mode      Mode    `json:"mode"`
	Category  string  `json:"category,omitempty"`
	Threshold float64 `json:"threshold"`
}

// Parse：从表单文本构造条件；阈值按两位小数输入
func Parse(mode, category, threshold string) (Criterion, error) {
	c := Criterion{Mode: Mode(strings.ToLower(strings.TrimSpace(mode))), Category: strings.TrimSpace(category)}
	if c.Mode == "" {
		c.Mode = ModeCategory
	}
	if c.Mode == ModeAll {
		return c, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(threshold), 64)
	if err != nil {
		return c, fmt.Errorf("%w: %q", ErrBadThreshold, threshold)
	}
	c.Threshold = v
	return c, nil
}

// Validate：校验条件与数据集是否匹配
func (c Criterion) Validate(t *dataset.Table) error {
	switch c.Mode {
	case ModeAll:
		return nil
	case ModeCategory:
		if !t.HasCategory(c.Category) {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, c.Category)
		}
	case ModeMax:
	default:
		return fmt.Errorf("%w: %q", ErrBadMode, c.Mode)
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		return ErrBadThreshold
	}
	return nil
}

// Describe：条件的人类可读描述
func (c Criterion) Describe(t *dataset.Table) string {
	switch c.Mode {
	case ModeCategory:
		return fmt.Sprintf("%s >= %.2f%%", c.Category, c.Threshold)
	case ModeMax:
		n := 0
		if t != nil {
			n = len(t.Categories)
		}
		return fmt.Sprintf("Max %% across %d categories >= %.2f%%", n, c.Threshold)
	}
	return "All locations (no filter)"
}

// Match：判断单行是否满足条件；缺失该列的行视为不满足
func (c Criterion) Match(loc *dataset.Location) bool {
	switch c.Mode {
	case ModeAll:
		return true
	case ModeMax:
		return loc.Dominant != "" && loc.MaxPct >= c.Threshold
	case ModeCategory:
		v, ok := loc.Value(c.Category)
		return ok && v >= c.Threshold
	}
	return false
}

// Result：筛选结果，行指针指向 Table.Rows，顺序与原表一致
type Result struct {
	Criterion Criterion
	Rows      []*dataset.Location
}

// Len：结果数量；空结果不是错误
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Empty：是否为空集（界面需显示 "no matching locations"）
func (r *Result) Empty() bool { return r.Len() == 0 }

// Score：该行在当前条件下展示的地类与百分比
func (r *Result) Score(loc *dataset.Location) (string, float64) {
	if r.Criterion.Mode == ModeCategory {
		v, _ := loc.Value(r.Criterion.Category)
		return r.Criterion.Category, v
	}
	return loc.Dominant, loc.MaxPct
}

// Position：文件名在结果中的 0 基位置；不存在返回 -1
func (r *Result) Position(filename string) int {
	if r == nil {
		return -1
	}
	for i, loc := range r.Rows {
		if loc.Filename == filename {
			return i
		}
	}
	return -1
}

// Apply：对表执行筛选
func Apply(t *dataset.Table, c Criterion) (*Result, error) {
	if err := c.Validate(t); err != nil {
		return nil, err
	}
	res := &Result{Criterion: c}
	for i := range t.Rows {
		if c.Match(&t.Rows[i]) {
			res.Rows = append(res.Rows, &t.Rows[i])
		}
	}
	metrics.FilterAppliedTotal.WithLabelValues(string(c.Mode)).Inc()
	metrics.FilterResultSize.Observe(float64(len(res.Rows)))
	return res, nil
}
