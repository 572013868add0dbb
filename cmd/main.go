// 程序入口：读取配置、初始化依赖并启动标注服务；路由注册在 internal/web
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kiln-label/internal/config"
	"kiln-label/internal/dataset"
	"kiln-label/internal/export"
	"kiln-label/internal/filter"
	"kiln-label/internal/imagery"
	"kiln-label/internal/logger"
	"kiln-label/internal/middleware"
	"kiln-label/internal/session"
	"kiln-label/internal/store"
	"kiln-label/internal/tiles"
	"kiln-label/internal/utils"
	"kiln-label/internal/web"
)

func main() {
	config.LoadDotenv()
	// 日志初始化
	l := logger.Setup()
	l.Debug("log_init_ok")

	cfg, err := config.FromEnv()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := dataset.NewCatalog(".", cfg.DataDir)
	files, err := cat.Refresh()
	if err != nil {
		l.Error("catalog_error", "err", err)
		os.Exit(1)
	}
	l.Info("catalog_ready", "files", len(files), "data_dir", cfg.DataDir)
	if cfg.Dataset != "" {
		// 启动即解析默认数据集，格式错误尽早暴露
		if _, err := cat.Table(cfg.Dataset); err != nil {
			l.Error("dataset_load_error", "dataset", cfg.Dataset, "err", err)
			os.Exit(1)
		}
	}
	if cfg.WatchData {
		if err := cat.Watch(ctx, 500*time.Millisecond); err != nil {
			l.Warn("catalog_watch_error", "err", err)
		}
	}

	reg, err := tiles.Load(cfg.TilesFile)
	if err != nil {
		l.Error("tiles_config_error", "path", cfg.TilesFile, "err", err)
		os.Exit(1)
	}
	l.Debug("tiles_ready", "default", reg.Default().Name, "providers", len(reg.List()))

	repo := openSessions(ctx, cfg)

	archive := openArchive(ctx, cfg)
	if archive != nil {
		defer archive.Close()
	}

	policy, _ := export.ParsePolicy(cfg.ExportPolicy)
	srv, err := web.NewServer(web.Options{
		Catalog:        cat,
		Sessions:       repo,
		Tiles:          reg,
		Images:         imagery.NewStore(cfg.ImageDir, 256, 30*time.Minute),
		Archive:        archive,
		Policy:         policy,
		Defaults:       filter.Criterion{Mode: filter.Mode(cfg.DefaultMode), Threshold: cfg.DefaultThreshold},
		DefaultDataset: cfg.Dataset,
		SessionTTL:     cfg.SessionTTL,
	})
	if err != nil {
		l.Error("web_init_error", "err", err)
		os.Exit(1)
	}

	handler := logger.AccessMiddleware(l)(srv.Routes())
	handler = middleware.RateLimit(cfg.RateLimitEnabled, cfg.RateLimitQPS)(handler)
	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	}()

	if cfg.TLSEnable {
		if err := utils.EnsureSelfSignedCert(cfg.TLSCertPath, cfg.TLSKeyPath, "kiln-label.local"); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLSCertPath)
		err = s.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		l.Info("listening", "addr", cfg.Addr)
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("server_stopped")
}

// openSessions：redis 不可用时回退到进程内存储
func openSessions(ctx context.Context, cfg *config.Config) session.Repository {
	l := logger.L()
	if cfg.SessionBackend == "redis" {
		rc, err := utils.OpenRedis(ctx, cfg)
		if err == nil {
			l.Info("session_backend", "backend", "redis", "addr", cfg.RedisAddr())
			return session.NewRedisRepository(rc, cfg.SessionTTL)
		}
		l.Error("redis_ping_error", "err", err)
	}
	l.Info("session_backend", "backend", "memory")
	return session.NewMemoryRepository(cfg.SessionTTL)
}

// openArchive：归档不可用不影响标注与下载，仅记录错误
func openArchive(ctx context.Context, cfg *config.Config) *store.Store {
	l := logger.L()
	var (
		st  *store.Store
		err error
	)
	switch strings.ToLower(cfg.ArchiveDriver) {
	case "sqlite":
		db, e := utils.OpenSQLite(cfg.ArchiveSQLitePath)
		if e != nil {
			err = e
			break
		}
		st, err = store.AttachDB(ctx, db, store.SQLite)
	case "postgres":
		db, e := utils.OpenPostgresFromEnv()
		if e != nil {
			err = e
			break
		}
		if e := db.PingContext(ctx); e != nil {
			_ = db.Close()
			err = e
			break
		}
		st, err = store.AttachDB(ctx, db, store.Postgres)
	default:
		l.Info("archive_disabled")
		return nil
	}
	if err != nil {
		l.Error("archive_open_error", "driver", cfg.ArchiveDriver, "err", err)
		return nil
	}
	l.Info("archive_ready", "driver", cfg.ArchiveDriver)
	return st
}
