package web

import (
	"fmt"

	"kiln-label/internal/dataset"
	"kiln-label/internal/filter"
	"kiln-label/internal/logger"
	"kiln-label/internal/session"
	"kiln-label/internal/tiles"
)

const headRows = 5

// pageView：页面与 /api/state 共用的视图模型
type pageView struct {
	Datasets  []string         `json:"datasets"`
	Dataset   string           `json:"dataset"`
	Info      *datasetInfo     `json:"info,omitempty"`
	Flash     string           `json:"flash,omitempty"`
	Form      filterForm       `json:"form"`
	HasFilter bool             `json:"has_filter"`
	Describe  string           `json:"describe,omitempty"`
	Empty     bool             `json:"empty"`
	Position  int              `json:"position"`
	Total     int              `json:"total"`
	AtFirst   bool             `json:"at_first"`
	Done      bool             `json:"done"`
	Current   *locationView    `json:"current,omitempty"`
	Map       *mapView         `json:"map,omitempty"`
	Kilns     string           `json:"kiln_numbers"`
	Summary   summaryView      `json:"summary"`
	Policy    string           `json:"export_policy"`
	Providers []tiles.Provider `json:"-"`
}

type datasetInfo struct {
	Name       string     `json:"name"`
	Rows       int        `json:"rows"`
	Columns    []string   `json:"columns"`
	Categories []string   `json:"categories"`
	Skipped    int        `json:"skipped"`
	Head       [][]string `json:"head"`
}

type filterForm struct {
	Mode       string   `json:"mode"`
	Category   string   `json:"category"`
	Threshold  string   `json:"threshold"`
	Categories []string `json:"categories"`
}

type locationView struct {
	Filename string  `json:"filename"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Geohash  string  `json:"geohash"`
	Category string  `json:"category"`
	Percent  float64 `json:"percent"`
	Label    string  `json:"label"`
	HasImage bool    `json:"has_image"`
}

// mapView：前端 Leaflet 初始化参数
type mapView struct {
	Lat       float64          `json:"lat"`
	Lon       float64          `json:"lon"`
	Zoom      int              `json:"zoom"`
	Popup     string           `json:"popup"`
	Providers []tiles.Provider `json:"providers"`
}

type summaryView struct {
	Kilns   int   `json:"kilns"`
	Total   int   `json:"total"`
	Numbers []int `json:"numbers"`
	Yes     int   `json:"labeled_yes"`
	No      int   `json:"labeled_no"`
}

// loadTable：会话未选数据集或文件不可读时返回 nil，并把原因写入提示
func (s *Server) loadTable(sess *session.Session) *dataset.Table {
	if sess.Dataset == "" {
		return nil
	}
	t, err := s.opt.Catalog.Table(sess.Dataset)
	if err != nil {
		logger.L().Warn("dataset_unavailable", "dataset", sess.Dataset, "err", err)
		sess.Flash = fmt.Sprintf("Dataset %s unavailable: %v", sess.Dataset, err)
		return nil
	}
	return t
}

// filtered：重算筛选集；条件与当前表不再匹配时（文件被改写）清除条件
func (s *Server) filtered(sess *session.Session, t *dataset.Table) *filter.Result {
	res, err := sess.Filtered(t)
	if err != nil {
		logger.L().Warn("filter_stale", "dataset", sess.Dataset, "err", err)
		sess.Criterion = nil
		sess.Nav = session.Navigator{}
		sess.Flash = "Filter no longer matches the dataset: " + err.Error()
		return nil
	}
	return res
}

func (s *Server) buildView(sess *session.Session, t *dataset.Table, res *filter.Result) pageView {
	v := pageView{
		Datasets:  s.opt.Catalog.Files(),
		Dataset:   sess.Dataset,
		Flash:     sess.TakeFlash(),
		Kilns:     sess.KilnNumbers,
		Policy:    string(s.opt.Policy),
		Providers: s.opt.Tiles.List(),
	}
	c := s.opt.Defaults
	if sess.Criterion != nil {
		c = *sess.Criterion
		v.HasFilter = true
		v.Describe = c.Describe(t)
	}
	v.Form = filterForm{Mode: string(c.Mode), Category: c.Category, Threshold: fmt.Sprintf("%.2f", c.Threshold)}
	if t != nil {
		v.Info = tableInfo(t)
		v.Form.Categories = t.Categories
	}

	yes, no := sess.Labels.Counts()
	v.Summary = summaryView{Yes: yes, No: no}
	if !v.HasFilter {
		return v
	}
	v.Empty = res.Empty()
	v.Position, v.Total = sess.Nav.Position()
	v.AtFirst = sess.Nav.AtFirst()
	v.Done = sess.Nav.Done()
	if res != nil {
		v.Summary.Numbers = sess.Labels.YesPositions(res.Rows)
		v.Summary.Kilns = len(v.Summary.Numbers)
		v.Summary.Total = res.Len()
	}
	if loc, ok := sess.Current(res); ok {
		cat, pct := res.Score(loc)
		v.Current = &locationView{
			Filename: loc.Filename,
			Lat:      loc.Lat,
			Lon:      loc.Lon,
			Geohash:  loc.Geohash(),
			Category: cat,
			Percent:  pct,
			Label:    sess.Labels.Get(loc.Filename).String(),
			HasImage: s.opt.Images != nil && s.opt.Images.Exists(loc.Filename),
		}
		v.Map = &mapView{
			Lat:       loc.Lat,
			Lon:       loc.Lon,
			Zoom:      tiles.DefaultZoom,
			Popup:     "Image: " + loc.Filename,
			Providers: v.Providers,
		}
	}
	return v
}

func tableInfo(t *dataset.Table) *datasetInfo {
	info := &datasetInfo{
		Name:       t.Name,
		Rows:       len(t.Rows),
		Columns:    t.Columns,
		Categories: t.Categories,
		Skipped:    t.Skipped,
	}
	for _, loc := range t.Head(headRows) {
		info.Head = append(info.Head, loc.Cells)
	}
	return info
}
