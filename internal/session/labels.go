package session

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"kiln-label/internal/dataset"
	"kiln-label/internal/metrics"
)

// ErrEmptyFilename：标注键不能为空
var ErrEmptyFilename = errors.New("session: empty filename")

// Label：单个地点的标注状态
type Label int8

const (
	Unset Label = iota
	Yes
	No
)

func (l Label) String() string {
	switch l {
	case Yes:
		return "yes"
	case No:
		return "no"
	}
	return "unset"
}

// LabelStore：filename -> 是否存在砖窑
// 约束：Set 覆盖旧值且幂等；条目仅在 Clear 或会话重置时删除
type LabelStore struct {
	m map[string]bool
}

func NewLabelStore() *LabelStore { return &LabelStore{m: make(map[string]bool)} }

// Set：写入标注
func (s *LabelStore) Set(filename string, v bool) error {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return ErrEmptyFilename
	}
	s.m[filename] = v
	if v {
		metrics.LabelsTotal.WithLabelValues("yes").Inc()
	} else {
		metrics.LabelsTotal.WithLabelValues("no").Inc()
	}
	return nil
}

// Get：读取标注，不存在返回 Unset
func (s *LabelStore) Get(filename string) Label {
	v, ok := s.m[strings.TrimSpace(filename)]
	if !ok {
		return Unset
	}
	if v {
		return Yes
	}
	return No
}

// Clear：删除单个标注
func (s *LabelStore) Clear(filename string) {
	delete(s.m, strings.TrimSpace(filename))
	metrics.LabelsTotal.WithLabelValues("clear").Inc()
}

func (s *LabelStore) Len() int { return len(s.m) }

// Counts：已标注为有/无的数量
func (s *LabelStore) Counts() (yes, no int) {
	for _, v := range s.m {
		if v {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

// Snapshot：标注副本
func (s *LabelStore) Snapshot() map[string]bool {
	out := make(map[string]bool, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// YesPositions：筛选集中被标为有砖窑的 1 基序号，升序
func (s *LabelStore) YesPositions(rows []*dataset.Location) []int {
	var out []int
	for i, loc := range rows {
		if s.Get(loc.Filename) == Yes {
			out = append(out, i+1)
		}
	}
	return out
}

// ApplyImageNumbers：解析 "5, 12, 23" 形式的图片序号并标为有砖窑
// 背景：操作员可直接录入序号批量标注；序号相对当前筛选集，1 基
// 返回：成功标注的序号（升序去重）与无法使用的片段（非数字或越界）；未列出的行不改动
func (s *LabelStore) ApplyImageNumbers(text string, rows []*dataset.Location) ([]int, []string) {
	seen := make(map[int]bool)
	var applied []int
	var invalid []string
	for _, tok := range strings.Split(text, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil || n < 1 || n > len(rows) {
			invalid = append(invalid, tok)
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		_ = s.Set(rows[n-1].Filename, true)
		applied = append(applied, n)
	}
	sort.Ints(applied)
	return applied, invalid
}

func (s *LabelStore) MarshalJSON() ([]byte, error) { return json.Marshal(s.m) }

func (s *LabelStore) UnmarshalJSON(b []byte) error {
	m := make(map[string]bool)
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.m = m
	return nil
}
