// 包 web：标注页面与 JSON API 的路由与处理器
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"kiln-label/internal/dataset"
	"kiln-label/internal/export"
	"kiln-label/internal/filter"
	"kiln-label/internal/imagery"
	"kiln-label/internal/logger"
	"kiln-label/internal/metrics"
	"kiln-label/internal/session"
	"kiln-label/internal/store"
	"kiln-label/internal/tiles"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

//go:embed templates/*.html
var templateFS embed.FS

const cookieName = "kiln_sid"

// Options：服务依赖；Archive 为 nil 时不归档导出
type Options struct {
	Catalog        *dataset.Catalog
	Sessions       session.Repository
	Tiles          *tiles.Registry
	Images         *imagery.Store
	Archive        *store.Store
	Policy         export.Policy
	Defaults       filter.Criterion
	DefaultDataset string
	SessionTTL     time.Duration
	Now            func() time.Time
}

// Server：持有只读依赖；会话状态全部经 Sessions 读写
type Server struct {
	opt   Options
	locks *session.KeyedMutex
	tmpl  *template.Template
}

func NewServer(opt Options) (*Server, error) {
	if opt.Catalog == nil || opt.Sessions == nil {
		return nil, errors.New("web: catalog and session repository are required")
	}
	if opt.Tiles == nil {
		opt.Tiles = tiles.NewRegistry()
	}
	if opt.Policy == "" {
		opt.Policy = export.PolicyLabeled
	}
	if opt.Defaults.Mode == "" {
		opt.Defaults = filter.Criterion{Mode: filter.ModeMax, Threshold: 99.90}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	tmpl, err := template.New("page.html").Funcs(template.FuncMap{
		"add1": func(i int) int { return i + 1 },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{opt: opt, locks: session.NewKeyedMutex(), tmpl: tmpl}, nil
}

// Routes：构建完整路由
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/", s.withSession(s.handlePage))
	r.Post("/filter", s.withSession(s.handleFilter))
	r.Post("/nav/{op}", s.withSession(s.handleNav))
	r.Post("/label/{value}", s.withSession(s.handleLabel))
	r.Post("/kilns", s.withSession(s.handleKilns))
	r.Post("/dataset", s.withSession(s.handleDataset))
	r.Post("/reset", s.withSession(s.handleReset))
	r.Get("/export.csv", s.withSession(s.handleExport))
	r.Get("/images/{filename}", s.handleImage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.withSession(s.handleState))
		r.Get("/datasets", s.handleDatasets)
		r.Get("/tiles/{provider}", s.handleTile)
		r.Get("/archive", s.handleArchive)
	})
	return r
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// withSession：按 cookie 取会话并在请求期间持有该会话的锁，处理结束后写回
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := s.sessionID(w, r)
		unlock := s.locks.Lock(id)
		defer unlock()

		ctx := r.Context()
		sess, err := s.opt.Sessions.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			sess = session.New(id, s.defaultDataset())
			logger.L().Debug("session_new", "id", id, "dataset", sess.Dataset)
		} else if err != nil {
			logger.L().Error("session_load_error", "id", id, "err", err)
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		h(w, r, sess)
		sess.Touch()
		// 请求可能已被客户端取消，写回不随之中断
		if err := s.opt.Sessions.Save(context.WithoutCancel(ctx), sess); err != nil {
			logger.L().Error("session_save_error", "id", id, "err", err)
		}
	}
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil {
		if u, err := uuid.Parse(c.Value); err == nil {
			return u.String()
		}
	}
	id := uuid.NewString()
	c := &http.Cookie{Name: cookieName, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode}
	if s.opt.SessionTTL > 0 {
		c.MaxAge = int(s.opt.SessionTTL / time.Second)
	}
	http.SetCookie(w, c)
	return id
}

func (s *Server) defaultDataset() string {
	files := s.opt.Catalog.Files()
	if s.opt.DefaultDataset != "" {
		for _, f := range files {
			if f == s.opt.DefaultDataset {
				return f
			}
		}
	}
	if len(files) > 0 {
		return files[0]
	}
	return ""
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
