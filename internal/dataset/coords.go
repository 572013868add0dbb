package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrBadFilename：文件名无法解析为 lat_lon.png 坐标
var ErrBadFilename = errors.New("dataset: filename is not lat_lon.png")

// ParseCoordinates：从 "28.6583_76.2294.png" 形式的文件名解析纬度与经度
// 约束：仅接受两段十进制数；纬度 [-90,90]、经度 [-180,180]，越界视为无法解析
func ParseCoordinates(filename string) (float64, float64, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if ext := filepath.Ext(base); strings.EqualFold(ext, ".png") {
		base = base[:len(base)-len(ext)]
	}
	parts := strings.Split(base, "_")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("%w: %q out of range", ErrBadFilename, filename)
	}
	return lat, lon, nil
}

// 文档注释：轻量 geohash 编码（base32）
// 背景：作为地点的稳定短键对外返回，便于前端与外部工具按网格对齐；精度 7 约 150m
var base32 = []byte("0123456789bcdefghjkmnpqrstuvwxyz")

func encodeGeohash(lat, lon float64, precision int) string {
	latInt := [2]float64{-90, 90}
	lonInt := [2]float64{-180, 180}
	bits := [5]int{16, 8, 4, 2, 1}
	bit, ch := 0, 0
	even := true
	out := make([]byte, 0, precision)
	for len(out) < precision {
		if even {
			mid := (lonInt[0] + lonInt[1]) / 2
			if lon >= mid {
				ch |= bits[bit]
				lonInt[0] = mid
			} else {
				lonInt[1] = mid
			}
		} else {
			mid := (latInt[0] + latInt[1]) / 2
			if lat >= mid {
				ch |= bits[bit]
				latInt[0] = mid
			} else {
				latInt[1] = mid
			}
		}
		even = !even
		if bit < 4 {
			bit++
		} else {
			out = append(out, base32[ch])
			bit, ch = 0, 0
		}
	}
	return string(out)
}
