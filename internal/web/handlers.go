package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"kiln-label/internal/export"
	"kiln-label/internal/filter"
	"kiln-label/internal/imagery"
	"kiln-label/internal/logger"
	"kiln-label/internal/session"
	"kiln-label/internal/store"
	"kiln-label/internal/tiles"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	t := s.loadTable(sess)
	res := s.filtered(sess, t)
	v := s.buildView(sess, t, res)
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, "page.html", v); err != nil {
		logger.L().Error("render_error", "err", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	t := s.loadTable(sess)
	res := s.filtered(sess, t)
	writeJSON(w, http.StatusOK, s.buildView(sess, t, res))
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	defer redirectHome(w, r)
	t := s.loadTable(sess)
	if t == nil {
		if sess.Flash == "" {
			sess.Flash = "Select a dataset first"
		}
		return
	}
	c, err := filter.Parse(r.FormValue("mode"), r.FormValue("category"), r.FormValue("threshold"))
	if err == nil {
		var res *filter.Result
		res, err = sess.ApplyFilter(t, c)
		if err == nil {
			logger.L().Info("filter_applied", "session", sess.ID, "dataset", t.Name, "mode", string(c.Mode), "category", c.Category, "threshold", c.Threshold, "matched", res.Len())
			if res.Empty() {
				sess.Flash = "No matching locations for: " + c.Describe(t)
			} else {
				sess.Flash = fmt.Sprintf("Found %d locations matching: %s", res.Len(), c.Describe(t))
			}
			return
		}
	}
	sess.Flash = "Filter rejected: " + err.Error()
}

func (s *Server) handleNav(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	defer redirectHome(w, r)
	t := s.loadTable(sess)
	res := s.filtered(sess, t)
	if res.Empty() {
		sess.Flash = "No matching locations"
		return
	}
	switch chi.URLParam(r, "op") {
	case "next":
		sess.Nav.Advance()
	case "prev":
		sess.Nav.Retreat()
	case "jump":
		n, err := strconv.Atoi(strings.TrimSpace(r.FormValue("n")))
		if err != nil {
			sess.Flash = fmt.Sprintf("Image number must be between 1 and %d", res.Len())
			return
		}
		if err := sess.Nav.Jump(n - 1); err != nil {
			sess.Flash = fmt.Sprintf("Image #%d is out of range (1-%d)", n, res.Len())
		}
	default:
		sess.Flash = "Unknown navigation"
	}
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	defer redirectHome(w, r)
	t := s.loadTable(sess)
	res := s.filtered(sess, t)
	loc, ok := sess.Current(res)
	if !ok {
		sess.Flash = "No matching locations"
		return
	}
	switch chi.URLParam(r, "value") {
	case "yes":
		_ = sess.Labels.Set(loc.Filename, true)
	case "no":
		_ = sess.Labels.Set(loc.Filename, false)
	case "clear":
		sess.Labels.Clear(loc.Filename)
	default:
		sess.Flash = "Unknown label"
		return
	}
	if r.FormValue("advance") == "1" {
		sess.Nav.Advance()
	}
}

func (s *Server) handleKilns(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	defer redirectHome(w, r)
	t := s.loadTable(sess)
	res := s.filtered(sess, t)
	if res.Empty() {
		sess.Flash = "No matching locations"
		return
	}
	text := r.FormValue("kilns")
	sess.KilnNumbers = text
	applied, invalid := sess.Labels.ApplyImageNumbers(text, res.Rows)
	msg := fmt.Sprintf("Marked %d image(s) as kiln", len(applied))
	if len(invalid) > 0 {
		msg += fmt.Sprintf("; ignored %s (valid range 1-%d)", strings.Join(invalid, ", "), res.Len())
	}
	sess.Flash = msg
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	defer redirectHome(w, r)
	name := strings.TrimSpace(r.FormValue("name"))
	if _, err := s.opt.Catalog.Table(name); err != nil {
		sess.Flash = "Cannot load dataset: " + err.Error()
		return
	}
	if name != sess.Dataset {
		logger.L().Info("dataset_selected", "session", sess.ID, "dataset", name)
	}
	sess.SelectDataset(name)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	sess.Reset()
	sess.Flash = "Session reset"
	redirectHome(w, r)
}

// handleExport：整份 CSV 先写入缓冲区再一次性响应
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	t := s.loadTable(sess)
	if t == nil {
		http.Error(w, "no dataset selected", http.StatusConflict)
		return
	}
	policy := s.opt.Policy
	if q := r.URL.Query().Get("policy"); q != "" {
		p, err := export.ParsePolicy(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		policy = p
	}
	var buf bytes.Buffer
	n, err := export.Write(&buf, t, sess.Labels, policy)
	if err != nil {
		logger.L().Error("export_error", "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	now := s.opt.Now()
	if s.opt.Archive != nil {
		rec := store.ExportRecord{SessionID: sess.ID, Dataset: t.Name, Policy: string(policy), Rows: n, CreatedAt: now}
		if sess.Criterion != nil {
			rec.Criterion = sess.Criterion.Describe(t)
		}
		if _, err := s.opt.Archive.RecordExport(r.Context(), rec, store.FromRows(export.Rows(t, sess.Labels, policy))); err != nil {
			logger.L().Error("archive_export_error", "err", err)
		}
	}
	w.Header().Set("content-type", "text/csv; charset=utf-8")
	w.Header().Set("content-disposition", `attachment; filename="`+export.Filename(now)+`"`)
	w.Header().Set("cache-control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.opt.Images == nil {
		http.NotFound(w, r)
		return
	}
	name := chi.URLParam(r, "filename")
	if ws := r.URL.Query().Get("w"); ws != "" {
		width, err := strconv.Atoi(ws)
		if err != nil {
			http.Error(w, "bad width", http.StatusBadRequest)
			return
		}
		b, err := s.opt.Images.Thumbnail(name, width)
		if err != nil {
			http.Error(w, err.Error(), imageStatus(err))
			return
		}
		w.Header().Set("content-type", "image/png")
		w.Header().Set("cache-control", "max-age=3600")
		_, _ = w.Write(b)
		return
	}
	p, err := s.opt.Images.Path(name)
	if err != nil {
		http.Error(w, err.Error(), imageStatus(err))
		return
	}
	http.ServeFile(w, r, p)
}

func imageStatus(err error) int {
	switch {
	case errors.Is(err, imagery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, imagery.ErrBadName), errors.Is(err, imagery.ErrBadWidth):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		if _, err := s.opt.Catalog.Refresh(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
	}
	out := map[string]any{"datasets": s.opt.Catalog.Files()}
	if name := r.URL.Query().Get("name"); name != "" {
		t, err := s.opt.Catalog.Table(name)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, err)
			return
		}
		out["info"] = tableInfo(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	p, err := s.opt.Tiles.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("lat and lon are required: %w", err))
		return
	}
	z := tiles.DefaultZoom
	if zs := q.Get("z"); zs != "" {
		if z, err = strconv.Atoi(zs); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
	}
	u, err := p.TileURL(lat, lon, z)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	x, y := tiles.TileXY(lat, lon, z)
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":    p.Name,
		"url":         u,
		"x":           x,
		"y":           y,
		"z":           z,
		"attribution": p.Attribution,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.opt.Archive == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("archive disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.opt.Archive.ListExports(r.Context(), r.URL.Query().Get("dataset"), limit)
	if err != nil {
		logger.L().Error("archive_list_error", "err", err)
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": recs})
}
