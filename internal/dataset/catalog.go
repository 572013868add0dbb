package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kiln-label/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// ErrUnknownDataset：请求的 CSV 不在目录清单中
var ErrUnknownDataset = errors.New("dataset: unknown dataset")

// Catalog：可选数据集清单与已载入表缓存
// 背景：扫描工作目录与数据目录下的 *.csv；同一文件只解析一次，文件变更后失效重读
type Catalog struct {
	root    string
	dataDir string

	mu     sync.RWMutex
	files  []string
	tables map[string]*Table
}

// NewCatalog：dataDir 为相对 root 的子目录（如 "data"），为空则只扫描 root
func NewCatalog(root, dataDir string) *Catalog {
	if root == "" {
		root = "."
	}
	return &Catalog{root: root, dataDir: dataDir, tables: make(map[string]*Table)}
}

// Refresh：重新扫描 CSV 清单，返回排序后的相对路径
func (c *Catalog) Refresh() ([]string, error) {
	var files []string
	for _, dir := range c.dirs() {
		matches, err := filepath.Glob(filepath.Join(c.root, dir, "*.csv"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			rel, err := filepath.Rel(c.root, m)
			if err != nil {
				continue
			}
			files = append(files, filepath.ToSlash(rel))
		}
	}
	sort.Strings(files)
	c.mu.Lock()
	c.files = files
	for name := range c.tables {
		if !contains(files, name) {
			delete(c.tables, name)
		}
	}
	c.mu.Unlock()
	logger.L().Debug("catalog_refresh", "files", len(files))
	return files, nil
}

// Files：当前清单快照
func (c *Catalog) Files() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.files...)
}

// Table：载入（或返回缓存的）数据集
func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	t, ok := c.tables[name]
	known := contains(c.files, name)
	c.mu.RUnlock()
	if ok {
		return t, nil
	}
	if !known {
		return nil, ErrUnknownDataset
	}
	t, err := Load(filepath.Join(c.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	t.Name = name
	c.mu.Lock()
	c.tables[name] = t
	c.mu.Unlock()
	return t, nil
}

// Invalidate：丢弃缓存表，下次访问重新解析
func (c *Catalog) Invalidate(name string) {
	c.mu.Lock()
	delete(c.tables, name)
	c.mu.Unlock()
}

// Watch：监听目录中 CSV 的增删改，去抖后刷新清单并失效对应缓存；ctx 取消时退出
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range c.dirs() {
		p := filepath.Join(c.root, dir)
		if st, err := os.Stat(p); err != nil || !st.IsDir() {
			continue
		}
		if err := fsw.Add(p); err != nil {
			_ = fsw.Close()
			return err
		}
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	go c.watchLoop(ctx, fsw, debounce)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, debounce time.Duration) {
	l := logger.L()
	defer fsw.Close()
	pending := make(map[string]bool)
	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".csv") {
				continue
			}
			if rel, err := filepath.Rel(c.root, ev.Name); err == nil {
				pending[filepath.ToSlash(rel)] = true
			}
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			l.Warn("catalog_watch_error", "err", err)
		case <-timer.C:
			for name := range pending {
				c.Invalidate(name)
				delete(pending, name)
			}
			if _, err := c.Refresh(); err != nil {
				l.Warn("catalog_refresh_error", "err", err)
			} else {
				l.Info("catalog_changed", "files", len(c.Files()))
			}
		}
	}
}

func (c *Catalog) dirs() []string {
	if c.dataDir == "" || c.dataDir == "." {
		return []string{"."}
	}
	return []string{".", c.dataDir}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
