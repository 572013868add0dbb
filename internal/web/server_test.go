package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"image/color"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln-label/internal/dataset"
	"kiln-label/internal/export"
	"kiln-label/internal/imagery"
	"kiln-label/internal/session"
	"kiln-label/internal/store"
	"kiln-label/internal/utils"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvA = `filename,forest,builtup
28.65_76.22.png,10,85
28.66_76.23.png,90,5
28.67_76.24.png,20,70
`

const csvB = `filename,water
10.0_20.0.png,99.95
`

type fixture struct {
	srv     *httptest.Server
	client  *http.Client
	archive *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.csv"), []byte(csvA), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.csv"), []byte(csvB), 0o644))
	imgDir := filepath.Join(root, "images")
	require.NoError(t, os.MkdirAll(imgDir, 0o755))
	require.NoError(t, imaging.Save(imaging.New(64, 64, color.NRGBA{R: 200, A: 255}), filepath.Join(imgDir, "28.65_76.22.png")))

	cat := dataset.NewCatalog(root, "")
	_, err := cat.Refresh()
	require.NoError(t, err)

	db, err := utils.OpenSQLite(":memory:")
	require.NoError(t, err)
	archive, err := store.AttachDB(context.Background(), db, store.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	s, err := NewServer(Options{
		Catalog:        cat,
		Sessions:       session.NewMemoryRepository(time.Hour),
		Images:         imagery.NewStore(imgDir, 8, time.Minute),
		Archive:        archive,
		Policy:         export.PolicyLabeled,
		DefaultDataset: "a.csv",
		SessionTTL:     time.Hour,
		Now:            func() time.Time { return time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC) },
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &fixture{srv: srv, client: &http.Client{Jar: jar}, archive: archive}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := f.client.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func (f *fixture) post(t *testing.T, path string, form url.Values) string {
	t.Helper()
	resp, err := f.client.PostForm(f.srv.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) state(t *testing.T) pageView {
	t.Helper()
	resp, body := f.get(t, "/api/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v pageView
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestLabelingFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Apply a filter to start labeling a.csv")
	assert.Contains(t, body, "3 rows")

	body = f.post(t, "/filter", url.Values{"mode": {"category"}, "category": {"builtup"}, "threshold": {"50"}})
	assert.Contains(t, body, "Found 2 locations matching")
	assert.Contains(t, body, "IMAGE #1 / 2")
	assert.Contains(t, body, "/images/28.65_76.22.png?w=256")

	v := f.state(t)
	assert.Equal(t, 1, v.Position)
	assert.Equal(t, 2, v.Total)
	require.NotNil(t, v.Current)
	assert.Equal(t, "28.65_76.22.png", v.Current.Filename)
	assert.Equal(t, "builtup", v.Current.Category)
	assert.InDelta(t, 85.0, v.Current.Percent, 1e-9)
	assert.True(t, v.Current.HasImage)
	require.NotNil(t, v.Map)
	assert.Equal(t, 16, v.Map.Zoom)

	body = f.post(t, "/label/yes", url.Values{"advance": {"1"}})
	assert.Contains(t, body, "IMAGE #2 / 2")
	assert.Contains(t, body, "DONE!")

	body = f.post(t, "/nav/next", nil)
	assert.Contains(t, body, "IMAGE #2 / 2")

	body = f.post(t, "/nav/jump", url.Values{"n": {"5"}})
	assert.Contains(t, body, "out of range")
	assert.Equal(t, 2, f.state(t).Position)

	body = f.post(t, "/nav/jump", url.Values{"n": {"1"}})
	assert.Contains(t, body, "IMAGE #1 / 2")

	body = f.post(t, "/kilns", url.Values{"kilns": {"2, 9"}})
	assert.Contains(t, body, "Marked 1 image(s) as kiln")
	assert.Contains(t, body, "ignored 9")

	v = f.state(t)
	assert.Equal(t, []int{1, 2}, v.Summary.Numbers)
	assert.Equal(t, 2, v.Summary.Kilns)
	assert.Equal(t, "2, 9", v.Kilns)

	resp, body = f.get(t, "/export.csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="brick_kiln_results_20240601_123045.csv"`, resp.Header.Get("content-disposition"))
	recs, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "28.65_76.22.png", recs[1][0])
	assert.Equal(t, "1", recs[1][len(recs[1])-1])
	assert.Equal(t, "28.67_76.24.png", recs[2][0])

	exports, err := f.archive.ListExports(context.Background(), "a.csv", 10)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, 2, exports[0].Rows)
	assert.Equal(t, "builtup >= 50.00%", exports[0].Criterion)

	resp, body = f.get(t, "/api/archive")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"dataset":"a.csv"`)

	resp, body = f.get(t, "/export.csv?policy=all")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs, err = csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	resp, _ = f.get(t, "/export.csv?policy=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLabelsPersistAcrossFilters(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/filter", url.Values{"mode": {"category"}, "category": {"forest"}, "threshold": {"80"}})
	f.post(t, "/label/no", nil)

	body := f.post(t, "/filter", url.Values{"mode": {"all"}})
	assert.Contains(t, body, "IMAGE #1 / 3")
	v := f.state(t)
	assert.Equal(t, 1, v.Summary.No)

	_, csvBody := f.get(t, "/export.csv")
	recs, err := csv.NewReader(strings.NewReader(csvBody)).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "28.66_76.23.png", recs[1][0])
	assert.Equal(t, "0", recs[1][len(recs[1])-1])
}

func TestFilterErrorsAndEmptySet(t *testing.T) {
	f := newFixture(t)

	body := f.post(t, "/filter", url.Values{"mode": {"category"}, "category": {"desert"}, "threshold": {"10"}})
	assert.Contains(t, body, "Filter rejected")
	assert.False(t, f.state(t).HasFilter)

	body = f.post(t, "/filter", url.Values{"mode": {"category"}, "category": {"forest"}, "threshold": {"101"}})
	assert.Contains(t, body, "Filter rejected")

	body = f.post(t, "/filter", url.Values{"mode": {"max"}, "threshold": {"99.90"}})
	assert.Contains(t, body, "No matching locations")

	v := f.state(t)
	assert.True(t, v.Empty)
	assert.Nil(t, v.Current)

	for _, p := range []string{"/nav/next", "/nav/prev", "/label/yes"} {
		body = f.post(t, p, nil)
		assert.Contains(t, body, "No matching locations", p)
	}
}

func TestSwitchDatasetResetsSession(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/filter", url.Values{"mode": {"all"}})
	f.post(t, "/label/yes", nil)
	require.Equal(t, 1, f.state(t).Summary.Yes)

	body := f.post(t, "/dataset", url.Values{"name": {"b.csv"}})
	assert.Contains(t, body, "Apply a filter to start labeling b.csv")
	v := f.state(t)
	assert.Equal(t, "b.csv", v.Dataset)
	assert.Zero(t, v.Summary.Yes)
	assert.Equal(t, []string{"water"}, v.Form.Categories)

	body = f.post(t, "/dataset", url.Values{"name": {"../etc/passwd"}})
	assert.Contains(t, body, "Cannot load dataset")
	assert.Equal(t, "b.csv", f.state(t).Dataset)

	f.post(t, "/filter", url.Values{"mode": {"max"}, "threshold": {"99.90"}})
	f.post(t, "/label/yes", nil)
	body = f.post(t, "/reset", nil)
	assert.Contains(t, body, "Session reset")
	v = f.state(t)
	assert.False(t, v.HasFilter)
	assert.Zero(t, v.Summary.Yes)
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/filter", url.Values{"mode": {"all"}})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	other := &fixture{srv: f.srv, client: &http.Client{Jar: jar}}
	assert.False(t, other.state(t).HasFilter)
	assert.True(t, f.state(t).HasFilter)
}

func TestTileEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/tiles/esri?lat=28.65&lon=76.22&z=16")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/16/27320/46643", out["url"])

	resp, _ = f.get(t, "/api/tiles/nope?lat=1&lon=1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "/api/tiles/osm?lat=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.get(t, "/api/tiles/osm?lat=1&lon=1&z=40")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImageEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/images/28.65_76.22.png?w=32")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("content-type"))
	img, err := imaging.Decode(bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	resp, _ = f.get(t, "/images/28.65_76.22.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.get(t, "/images/1.0_2.0.png")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "/images/notes.txt")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.get(t, "/images/28.65_76.22.png?w=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDatasetsAndHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/datasets?name=a.csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Datasets []string    `json:"datasets"`
		Info     datasetInfo `json:"info"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, []string{"a.csv", "b.csv"}, out.Datasets)
	assert.Equal(t, 3, out.Info.Rows)
	assert.Equal(t, []string{"forest", "builtup"}, out.Info.Categories)
	assert.Len(t, out.Info.Head, 3)

	resp, _ = f.get(t, "/api/datasets?name=zzz.csv")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, body = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "kiln_")
}
