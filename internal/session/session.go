// 包 session：单个操作员的标注会话（数据集选择、筛选条件、游标、标注）及其存储
package session

import (
	"time"

	"kiln-label/internal/dataset"
	"kiln-label/internal/filter"
)

// Session：一次标注会话的全部可变状态
// 背景：筛选集不入库，每次请求按 Criterion 从只读表重算；游标与标注随会话持久化
type Session struct {
	ID          string            `json:"id"`
	Dataset     string            `json:"dataset"`
	Criterion   *filter.Criterion `json:"criterion,omitempty"`
	Nav         Navigator         `json:"nav"`
	Labels      *LabelStore       `json:"labels"`
	KilnNumbers string            `json:"kiln_numbers,omitempty"`
	// Flash 为下一次页面渲染展示的一次性提示
	Flash     string    `json:"flash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New：创建空会话
func New(id, datasetName string) *Session {
	return &Session{ID: id, Dataset: datasetName, Labels: NewLabelStore(), UpdatedAt: time.Now()}
}

// Filtered：按当前条件重算筛选集并同步游标范围；未设置条件时返回 nil
func (s *Session) Filtered(t *dataset.Table) (*filter.Result, error) {
	if s.Criterion == nil || t == nil {
		s.Nav.Resize(0)
		return nil, nil
	}
	res, err := filter.Apply(t, *s.Criterion)
	if err != nil {
		s.Nav.Resize(0)
		return nil, err
	}
	s.Nav.Resize(res.Len())
	return res, nil
}

// ApplyFilter：设置新条件并把游标归零；标注跨筛选保留
func (s *Session) ApplyFilter(t *dataset.Table, c filter.Criterion) (*filter.Result, error) {
	res, err := filter.Apply(t, c)
	if err != nil {
		return nil, err
	}
	cc := c
	s.Criterion = &cc
	s.Nav = Navigator{Size: res.Len()}
	s.KilnNumbers = ""
	return res, nil
}

// Current：游标所指地点；空集返回 false
func (s *Session) Current(res *filter.Result) (*dataset.Location, bool) {
	if res.Empty() || s.Nav.Empty() {
		return nil, false
	}
	return res.Rows[s.Nav.Index], true
}

// SelectDataset：切换数据集即重置会话（标注以文件名为键，不跨数据集保留）
func (s *Session) SelectDataset(name string) {
	if name == s.Dataset {
		return
	}
	s.Dataset = name
	s.Reset()
}

// Reset：清空筛选、游标与标注
func (s *Session) Reset() {
	s.Criterion = nil
	s.Nav = Navigator{}
	s.Labels = NewLabelStore()
	s.KilnNumbers = ""
}

// TakeFlash：读取并清空提示
func (s *Session) TakeFlash() string {
	f := s.Flash
	s.Flash = ""
	return f
}

// Touch：更新修改时间
func (s *Session) Touch() { s.UpdatedAt = time.Now() }
