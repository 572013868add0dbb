// 包 tiles：卫星底图提供方注册表与 slippy-map 瓦片计算
package tiles

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultZoom：地图以该缩放级别居中到地点
const DefaultZoom = 16

const maxZoom = 23

var (
	ErrUnknownProvider = errors.New("tiles: unknown provider")
	ErrBadTemplate     = errors.New("tiles: template needs {z}/{x}/{y} or {q}")
	ErrBadZoom         = errors.New("tiles: zoom out of range")
)

// Provider：一个底图来源
type Provider struct {
	Name        string `yaml:"name" json:"name"`
	Title       string `yaml:"title" json:"title"`
	URL         string `yaml:"url" json:"url"`
	Attribution string `yaml:"attribution" json:"attribution"`
	MaxZoom     int    `yaml:"max_zoom,omitempty" json:"max_zoom"`
}

// Quadkey：模板使用 Bing 风格的 {q} 占位
func (p Provider) Quadkey() bool { return strings.Contains(p.URL, "{q}") }

func (p Provider) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: provider without name", ErrBadTemplate)
	}
	if p.Quadkey() {
		return nil
	}
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(p.URL, ph) {
			return fmt.Errorf("%w: %s", ErrBadTemplate, p.Name)
		}
	}
	return nil
}

// TileURL：把坐标换算成该提供方的瓦片地址
func (p Provider) TileURL(lat, lon float64, z int) (string, error) {
	limit := p.MaxZoom
	if limit <= 0 {
		limit = maxZoom
	}
	if z < 0 || z > limit {
		return "", fmt.Errorf("%w: %d", ErrBadZoom, z)
	}
	x, y := TileXY(lat, lon, z)
	if p.Quadkey() {
		return strings.ReplaceAll(p.URL, "{q}", Quadkey(x, y, z)), nil
	}
	r := strings.NewReplacer("{z}", strconv.Itoa(z), "{x}", strconv.Itoa(x), "{y}", strconv.Itoa(y))
	return r.Replace(p.URL), nil
}

// Builtin：内置提供方，esri 为默认
func Builtin() []Provider {
	return []Provider{
		{
			Name:        "esri",
			Title:       "Esri World Imagery",
			URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			Attribution: "Tiles &copy; Esri",
			MaxZoom:     19,
		},
		{
			Name:        "google",
			Title:       "Google Satellite",
			URL:         "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}",
			Attribution: "Imagery &copy; Google",
			MaxZoom:     21,
		},
		{
			Name:        "bing",
			Title:       "Bing Aerial",
			URL:         "https://ecn.t3.tiles.virtualearth.net/tiles/a{q}.jpeg?g=1",
			Attribution: "Imagery &copy; Microsoft",
			MaxZoom:     19,
		},
		{
			Name:        "osm",
			Title:       "OpenStreetMap",
			URL:         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: "&copy; OpenStreetMap contributors",
			MaxZoom:     19,
		},
	}
}

// Registry：提供方注册表，并发安全
type Registry struct {
	mu       sync.RWMutex
	m        map[string]Provider
	order    []string
	fallback string
}

// NewRegistry：以内置提供方初始化
func NewRegistry() *Registry {
	r := &Registry{m: make(map[string]Provider)}
	for _, p := range Builtin() {
		_ = r.Register(p)
	}
	r.fallback = "esri"
	return r
}

// fileConfig：YAML 覆盖文件结构
type fileConfig struct {
	Default   string     `yaml:"default"`
	Providers []Provider `yaml:"providers"`
}

// Load：读取 YAML 文件，同名提供方覆盖内置项
// 文件为空路径时直接返回内置注册表
func Load(path string) (*Registry, error) {
	r := NewRegistry()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiles file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tiles file: %w", err)
	}
	for _, p := range cfg.Providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if cfg.Default != "" {
		if _, ok := r.m[cfg.Default]; !ok {
			return nil, fmt.Errorf("%w: default %q", ErrUnknownProvider, cfg.Default)
		}
		r.fallback = cfg.Default
	}
	return r, nil
}

// Register：新增或覆盖提供方
func (r *Registry) Register(p Provider) error {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if err := p.validate(); err != nil {
		return err
	}
	if p.Title == "" {
		p.Title = p.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[p.Name]; !ok {
		r.order = append(r.order, p.Name)
	}
	r.m[p.Name] = p
	return nil
}

// Get：按名称查找；空名称返回默认提供方
func (r *Registry) Get(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	p, ok := r.m[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default：默认提供方
func (r *Registry) Default() Provider {
	p, _ := r.Get("")
	return p
}

// List：按注册顺序返回，默认提供方排第一
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.m[n])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name == r.fallback && out[j].Name != r.fallback })
	return out
}

// TileXY：Web Mercator 下包含该坐标的瓦片编号
func TileXY(lat, lon float64, z int) (int, int) {
	n := math.Exp2(float64(z))
	lat = math.Max(math.Min(lat, 85.05112878), -85.05112878)
	x := int(math.Floor((lon + 180) / 360 * n))
	rad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n))
	last := int(n) - 1
	return clampInt(x, 0, last), clampInt(y, 0, last)
}

// Quadkey：Bing 瓦片键
func Quadkey(x, y, z int) string {
	var b strings.Builder
	for i := z; i > 0; i-- {
		d := byte('0')
		mask := 1 << (i - 1)
		if x&mask != 0 {
			d++
		}
		if y&mask != 0 {
			d += 2
		}
		b.WriteByte(d)
	}
	return b.String()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
