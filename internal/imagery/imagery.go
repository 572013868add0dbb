// 包 imagery：读取本地 lat_lon.png 图块并按需生成缩略图
package imagery

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"kiln-label/internal/logger"
	"kiln-label/internal/metrics"

	"github.com/disintegration/imaging"
)

const (
	MinWidth = 16
	MaxWidth = 2048
)

var (
	ErrBadName  = errors.New("imagery: invalid image name")
	ErrNotFound = errors.New("imagery: image not found")
	ErrBadWidth = errors.New("imagery: width out of range")
)

var allowedExt = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// Store：图块目录
type Store struct {
	dir   string
	cache *LRU
}

// NewStore：cacheSize 为缩略图缓存条目数
func NewStore(dir string, cacheSize int, ttl time.Duration) *Store {
	return &Store{dir: dir, cache: NewLRU(cacheSize, ttl)}
}

func (s *Store) Dir() string { return s.dir }

// Path：校验文件名并返回磁盘路径；只接受目录内的纯文件名
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if !allowedExt[strings.ToLower(filepath.Ext(name))] {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	p := filepath.Join(s.dir, name)
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && st.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return p, nil
}

// Exists：图块是否存在
func (s *Store) Exists(name string) bool {
	_, err := s.Path(name)
	return err == nil
}

// Thumbnail：等比缩放到指定宽度的 PNG；结果进 LRU
func (s *Store) Thumbnail(name string, width int) ([]byte, error) {
	if width < MinWidth || width > MaxWidth {
		return nil, fmt.Errorf("%w: %d", ErrBadWidth, width)
	}
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	key := name + "@" + strconv.Itoa(width) + "@" + strconv.FormatInt(st.ModTime().UnixNano(), 10)
	if b, ok := s.cache.Get(key); ok {
		metrics.ThumbnailCacheHitsTotal.Inc()
		return b, nil
	}

	start := time.Now()
	img, err := imaging.Open(p)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	dur := time.Since(start)
	metrics.ThumbnailDurationMs.Observe(float64(dur.Milliseconds()))
	logger.L().Debug("thumbnail_rendered", "name", name, "width", width, "dur_ms", dur.Milliseconds())
	s.cache.Set(key, buf.Bytes())
	return buf.Bytes(), nil
}
