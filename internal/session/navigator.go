package session

import (
	"errors"
	"fmt"

	"kiln-label/internal/metrics"
)

// ErrOutOfRange：跳转目标不在筛选集范围内，游标保持不变
var ErrOutOfRange = errors.New("session: position out of range")

// Navigator：筛选集上的游标
// 约束：Size > 0 时 0 <= Index < Size；Size == 0 时所有操作均为空操作
type Navigator struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

// Resize：筛选集重算后同步大小并夹紧游标
func (n *Navigator) Resize(size int) {
	if size < 0 {
		size = 0
	}
	n.Size = size
	n.clamp()
}

// Advance：前进一位，停在最后一项，不回绕
func (n *Navigator) Advance() {
	metrics.NavTotal.WithLabelValues("next").Inc()
	if n.Size == 0 {
		return
	}
	if n.Index < n.Size-1 {
		n.Index++
	}
}

// Retreat：后退一位，停在 0
func (n *Navigator) Retreat() {
	metrics.NavTotal.WithLabelValues("prev").Inc()
	if n.Size == 0 {
		return
	}
	if n.Index > 0 {
		n.Index--
	}
}

// Jump：跳到 0 基位置 i；越界返回 ErrOutOfRange 且不修改游标
func (n *Navigator) Jump(i int) error {
	metrics.NavTotal.WithLabelValues("jump").Inc()
	if i < 0 || i >= n.Size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, i, n.Size)
	}
	n.Index = i
	return nil
}

// Empty：筛选集为空
func (n *Navigator) Empty() bool { return n.Size == 0 }

// Position：1 基序号与总数，用于 "IMAGE #n / N"
func (n *Navigator) Position() (int, int) {
	if n.Size == 0 {
		return 0, 0
	}
	return n.Index + 1, n.Size
}

// AtFirst / Done：是否位于首项 / 末项
func (n *Navigator) AtFirst() bool { return n.Index == 0 }
func (n *Navigator) Done() bool    { return n.Size > 0 && n.Index == n.Size-1 }

func (n *Navigator) clamp() {
	if n.Size == 0 || n.Index < 0 {
		n.Index = 0
		return
	}
	if n.Index >= n.Size {
		n.Index = n.Size - 1
	}
}
