package session

import (
	"context"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kiln-label/internal/dataset"
	"kiln-label/internal/filter"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvText = `filename,forest,builtup
28.65_76.22.png,10,85
28.66_76.23.png,90,5
28.67_76.24.png,20,70
`

func loadTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.Read("s.csv", strings.NewReader(csvText))
	require.NoError(t, err)
	return tbl
}

func TestNavigatorClamps(t *testing.T) {
	n := Navigator{Size: 3}
	n.Retreat()
	assert.Equal(t, 0, n.Index)
	assert.True(t, n.AtFirst())
	for i := 0; i < 10; i++ {
		n.Advance()
		assert.GreaterOrEqual(t, n.Index, 0)
		assert.Less(t, n.Index, n.Size)
	}
	assert.Equal(t, 2, n.Index)
	assert.True(t, n.Done())
	pos, total := n.Position()
	assert.Equal(t, 3, pos)
	assert.Equal(t, 3, total)
}

func TestNavigatorJump(t *testing.T) {
	n := Navigator{Size: 3}
	require.NoError(t, n.Jump(1))
	assert.Equal(t, 1, n.Index)

	for _, bad := range []int{-1, 3, 100} {
		err := n.Jump(bad)
		assert.ErrorIs(t, err, ErrOutOfRange)
		assert.Equal(t, 1, n.Index, "cursor unchanged after rejected jump")
	}
}

func TestNavigatorEmptySetIsNoop(t *testing.T) {
	var n Navigator
	assert.NotPanics(t, func() {
		n.Advance()
		n.Retreat()
	})
	assert.ErrorIs(t, n.Jump(0), ErrOutOfRange)
	assert.True(t, n.Empty())
	assert.False(t, n.Done())
	assert.Equal(t, 0, n.Index)
	pos, total := n.Position()
	assert.Zero(t, pos)
	assert.Zero(t, total)
}

func TestNavigatorResizeClamps(t *testing.T) {
	n := Navigator{Index: 5, Size: 10}
	n.Resize(3)
	assert.Equal(t, 2, n.Index)
	n.Resize(0)
	assert.Equal(t, 0, n.Index)
}

func TestLabelStoreOverwrite(t *testing.T) {
	s := NewLabelStore()
	assert.Equal(t, Unset, s.Get("a.png"))
	for _, v := range []bool{true, false, false, true} {
		require.NoError(t, s.Set("a.png", v))
		want := No
		if v {
			want = Yes
		}
		assert.Equal(t, want, s.Get("a.png"))
	}
	assert.Equal(t, 1, s.Len())
	assert.ErrorIs(t, s.Set("  ", true), ErrEmptyFilename)

	require.NoError(t, s.Set("b.png", false))
	yes, no := s.Counts()
	assert.Equal(t, 1, yes)
	assert.Equal(t, 1, no)

	s.Clear("a.png")
	assert.Equal(t, Unset, s.Get("a.png"))
	assert.Equal(t, "unset", Unset.String())
}

func TestApplyImageNumbers(t *testing.T) {
	tbl := loadTable(t)
	res, err := filter.Apply(tbl, filter.Criterion{Mode: filter.ModeAll})
	require.NoError(t, err)

	s := NewLabelStore()
	applied, invalid := s.ApplyImageNumbers("3, 1, x, 1, 9,,", res.Rows)
	assert.Equal(t, []int{1, 3}, applied)
	assert.Equal(t, []string{"x", "9"}, invalid)
	assert.Equal(t, Yes, s.Get("28.65_76.22.png"))
	assert.Equal(t, Unset, s.Get("28.66_76.23.png"))
	assert.Equal(t, Yes, s.Get("28.67_76.24.png"))
	assert.Equal(t, []int{1, 3}, s.YesPositions(res.Rows))
}

func TestSessionFilterLifecycle(t *testing.T) {
	tbl := loadTable(t)
	s := New("sid", "s.csv")

	res, err := s.Filtered(tbl)
	require.NoError(t, err)
	assert.Nil(t, res)
	_, ok := s.Current(res)
	assert.False(t, ok)

	res, err = s.ApplyFilter(tbl, filter.Criterion{Mode: filter.ModeCategory, Category: "builtup", Threshold: 50})
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	s.Nav.Advance()
	cur, ok := s.Current(res)
	require.True(t, ok)
	assert.Equal(t, "28.67_76.24.png", cur.Filename)
	require.NoError(t, s.Labels.Set(cur.Filename, true))

	res, err = s.ApplyFilter(tbl, filter.Criterion{Mode: filter.ModeAll})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Nav.Index, "cursor resets on filter change")
	assert.Equal(t, 3, s.Nav.Size)
	assert.Equal(t, Yes, s.Labels.Get("28.67_76.24.png"), "labels survive filter change")

	empty, err := s.ApplyFilter(tbl, filter.Criterion{Mode: filter.ModeCategory, Category: "forest", Threshold: 99})
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	_, ok = s.Current(empty)
	assert.False(t, ok)

	_, err = s.ApplyFilter(tbl, filter.Criterion{Mode: filter.ModeCategory, Category: "nope"})
	assert.ErrorIs(t, err, filter.ErrUnknownCategory)
	assert.Equal(t, "forest", s.Criterion.Category, "rejected filter keeps previous criterion")

	s.SelectDataset("other.csv")
	assert.Nil(t, s.Criterion)
	assert.Zero(t, s.Labels.Len())
}

func testRepository(t *testing.T, repo Repository) {
	ctx := context.Background()
	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	s := New("abc", "s.csv")
	s.Criterion = &filter.Criterion{Mode: filter.ModeMax, Threshold: 99.9}
	s.Nav = Navigator{Index: 2, Size: 5}
	require.NoError(t, s.Labels.Set("1_2.png", true))
	require.NoError(t, s.Labels.Set("3_4.png", false))
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "s.csv", got.Dataset)
	assert.Equal(t, *s.Criterion, *got.Criterion)
	assert.Equal(t, s.Nav, got.Nav)
	assert.Equal(t, Yes, got.Labels.Get("1_2.png"))
	assert.Equal(t, No, got.Labels.Get("3_4.png"))

	require.NoError(t, got.Labels.Set("5_6.png", true))
	again, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, Unset, again.Labels.Get("5_6.png"), "unsaved changes are not visible")

	require.NoError(t, repo.Delete(ctx, "abc"))
	_, err = repo.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemoryRepository(time.Hour))
}

func TestMemoryRepositoryExpires(t *testing.T) {
	repo := NewMemoryRepository(time.Millisecond)
	require.NoError(t, repo.Save(context.Background(), New("x", "")))
	time.Sleep(5 * time.Millisecond)
	_, err := repo.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisRepository(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	defer rc.Close()
	if err := rc.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	testRepository(t, NewRedisRepository(rc, time.Minute))
}

func TestKeyedMutexSerializes(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("sid")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, km.m)
}

func TestSourcesAreGofmtClean(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)
	for _, f := range files {
		src, err := os.ReadFile(f)
		require.NoError(t, err)
		out, err := format.Source(src)
		require.NoError(t, err, f)
		assert.Equal(t, string(out), string(src), f)
	}
}
