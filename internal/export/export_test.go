package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln-label/internal/dataset"
	"kiln-label/internal/filter"
	"kiln-label/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTable(t *testing.T, text string) *dataset.Table {
	t.Helper()
	tbl, err := dataset.Read("t.csv", strings.NewReader(text))
	require.NoError(t, err)
	return tbl
}

func parse(t *testing.T, b []byte) [][]string {
	t.Helper()
	recs, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	require.NoError(t, err)
	return recs
}

const abc = `filename,forest,builtup
28.10_76.10.png,10,85
28.20_76.20.png,90,5
28.30_76.30.png,40,40
`

func TestExportExample(t *testing.T) {
	tbl := readTable(t, `filename,forest,builtup
28.65_76.22.png,10,85
28.66_76.23.png,90,5
`)
	res, err := filter.Apply(tbl, filter.Criterion{Mode: filter.ModeCategory, Category: "builtup", Threshold: 50})
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())

	labels := session.NewLabelStore()
	require.NoError(t, labels.Set(res.Rows[0].Filename, true))

	var buf bytes.Buffer
	n, err := Write(&buf, tbl, labels, PolicyLabeled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]string{
		{"filename", "forest", "builtup", "lat", "lon", "dominant_category", "max_percentage", "brick_kiln"},
		{"28.65_76.22.png", "10", "85", "28.65", "76.22", "builtup", "85", "1"},
	}, parse(t, buf.Bytes()))
}

func TestExportPolicies(t *testing.T) {
	tbl := readTable(t, abc)
	labels := session.NewLabelStore()
	require.NoError(t, labels.Set("28.10_76.10.png", true))
	require.NoError(t, labels.Set("28.20_76.20.png", false))

	cases := []struct {
		policy Policy
		want   map[string]string
	}{
		{PolicyLabeled, map[string]string{"28.10_76.10.png": "1", "28.20_76.20.png": "0"}},
		{PolicyAll, map[string]string{"28.10_76.10.png": "1", "28.20_76.20.png": "0", "28.30_76.30.png": ""}},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			var buf bytes.Buffer
			n, err := Write(&buf, tbl, labels, tc.policy)
			require.NoError(t, err)
			recs := parse(t, buf.Bytes())
			require.Len(t, recs, len(tc.want)+1)
			assert.Equal(t, len(tc.want), n)
			last := len(recs[0]) - 1
			got := map[string]string{}
			for _, r := range recs[1:] {
				got[r[0]] = r[last]
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, "28.10_76.10.png", recs[1][0], "original row order")
		})
	}
}

func TestExportZeroLabelsIsHeaderOnly(t *testing.T) {
	tbl := readTable(t, abc)
	var buf bytes.Buffer
	n, err := Write(&buf, tbl, session.NewLabelStore(), PolicyLabeled)
	require.NoError(t, err)
	assert.Zero(t, n)
	recs := parse(t, buf.Bytes())
	require.Len(t, recs, 1)
	assert.Equal(t, Header(tbl), recs[0])
}

func TestExportLabelsSurviveFilterChange(t *testing.T) {
	tbl := readTable(t, abc)
	s := session.New("x", "t.csv")
	res, err := s.ApplyFilter(tbl, filter.Criterion{Mode: filter.ModeCategory, Category: "forest", Threshold: 80})
	require.NoError(t, err)
	require.NoError(t, s.Labels.Set(res.Rows[0].Filename, true))
	_, err = s.ApplyFilter(tbl, filter.Criterion{Mode: filter.ModeCategory, Category: "builtup", Threshold: 80})
	require.NoError(t, err)

	rows := Rows(tbl, s.Labels, PolicyLabeled)
	require.Len(t, rows, 1)
	assert.Equal(t, "28.20_76.20.png", rows[0].Loc.Filename)
}

func TestHeaderDoesNotDuplicateColumns(t *testing.T) {
	tbl := readTable(t, `filename,lat,builtup,brick_kiln
28.10_76.10.png,28.1,85,
`)
	assert.Equal(t, []string{"filename", "lat", "builtup", "brick_kiln", "lon", "dominant_category", "max_percentage"}, Header(tbl))

	labels := session.NewLabelStore()
	require.NoError(t, labels.Set("28.10_76.10.png", false))
	var buf bytes.Buffer
	_, err := Write(&buf, tbl, labels, PolicyLabeled)
	require.NoError(t, err)
	recs := parse(t, buf.Bytes())
	assert.Equal(t, []string{"28.10_76.10.png", "28.1", "85", "0", "76.1", "builtup", "85"}, recs[1])
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLabeled, p)
	p, err = ParsePolicy(" ALL ")
	require.NoError(t, err)
	assert.Equal(t, PolicyAll, p)
	_, err = ParsePolicy("some")
	assert.ErrorIs(t, err, ErrBadPolicy)
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)
	assert.Equal(t, "brick_kiln_results_20240307_090501.csv", Filename(ts))
}

func TestWriteFile(t *testing.T) {
	tbl := readTable(t, abc)
	labels := session.NewLabelStore()
	require.NoError(t, labels.Set("28.30_76.30.png", true))
	dir := filepath.Join(t.TempDir(), "out")
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	path, n, err := WriteFile(dir, ts, tbl, labels, PolicyLabeled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, filepath.Join(dir, "brick_kiln_results_20240102_030405.csv"), path)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, parse(t, b), 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file removed")
}
