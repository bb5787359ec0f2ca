package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/index"
	"github.com/hubenschmidt/go-imgmatch/internal/testimg"
	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/search"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

func newTestServer(t *testing.T, idx index.Index, mutate ...func(*Config)) http.Handler {
	t.Helper()
	scfg := search.DefaultConfig()
	scfg.Index = idx
	scfg.Metrics = monitor.NewInMemoryCollector()
	svc, err := search.New(scfg)
	require.NoError(t, err)

	cfg := Config{Service: svc, CanUpdate: true}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv.Handler()
}

func memoryServer(t *testing.T, mutate ...func(*Config)) http.Handler {
	return newTestServer(t, index.NewMemoryIndex(index.DefaultOptions()), mutate...)
}

// multipartBody builds a form with string fields and file uploads.
func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for k, data := range files {
		fw, err := mw.CreateFormFile(k, k+".png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func upload(t *testing.T, h http.Handler, method, target string, fields map[string]string, files map[string][]byte) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	body, ctype := multipartBody(t, fields, files)
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", ctype)
	return do(t, h, req)
}

func form(t *testing.T, h http.Handler, method, target string, values url.Values) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(t, h, req)
}

func TestPing(t *testing.T) {
	h := memoryServer(t)
	rec, env := do(t, h, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, Envelope{Status: "ok", Error: []string{}, Method: "ping", Result: []any{}}, env)
}

func TestRouting(t *testing.T) {
	t.Run("UnknownRoute", func(t *testing.T) {
		rec, env := do(t, memoryServer(t), httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "fail", env.Status)
		assert.Equal(t, []string{"not found"}, env.Error)
	})

	t.Run("WrongMethod", func(t *testing.T) {
		rec, env := do(t, memoryServer(t), httptest.NewRequest(http.MethodGet, "/search", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
		assert.Equal(t, "fail", env.Status)
	})

	t.Run("ReadOnly", func(t *testing.T) {
		h := memoryServer(t, func(c *Config) { c.CanUpdate = false })
		rec, _ := upload(t, h, http.MethodPost, "/add", map[string]string{"filepath": "/a.png"},
			map[string][]byte{"image": testimg.PNG(testimg.Ramp(40, 40))})
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec, _ = form(t, h, http.MethodDelete, "/delete", url.Values{"filepath": {"/a.png"}})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		memoryServer(t).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/search", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})
}

func TestBasicAuth(t *testing.T) {
	h := memoryServer(t, func(c *Config) {
		c.AuthUsername = "admin"
		c.AuthPassword = "secret"
	})

	rec, env := do(t, h, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="Login Required"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "fail", env.Status)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("admin", "wrong")
	rec, _ = do(t, h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("admin", "secret")
	rec, env = do(t, h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)
}

func TestAddSearchDelete(t *testing.T) {
	h := memoryServer(t)
	img := testimg.PNG(testimg.Blocks(21, 300, 300, 5))
	meta := `{"id": 7, "tags": ["x"]}`

	rec, env := upload(t, h, http.MethodPost, "/add",
		map[string]string{"filepath": "/cats/a.png", "metadata": meta},
		map[string][]byte{"image": img})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "add", env.Method)
	assert.Empty(t, env.Result)

	rec, env = do(t, h, httptest.NewRequest(http.MethodGet, "/count", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{float64(1)}, env.Result)

	t.Run("Search", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body, ctype := multipartBody(t, map[string]string{"all_orientations": "true"}, map[string][]byte{"image": img})
		req := httptest.NewRequest(http.MethodPost, "/search", body)
		req.Header.Set("Content-Type", ctype)
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			Status string      `json:"status"`
			Method string      `json:"method"`
			Result []SearchHit `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "search", resp.Method)
		require.Len(t, resp.Result, 1)
		assert.InDelta(t, 100.0, resp.Result[0].Score, 1e-9)
		assert.Equal(t, "/cats/a.png", resp.Result[0].Filepath)
		assert.JSONEq(t, meta, string(resp.Result[0].Metadata))
	})

	t.Run("Delete", func(t *testing.T) {
		rec, env := form(t, h, http.MethodDelete, "/delete", url.Values{"filepath": {"/cats/a.png"}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "delete", env.Method)

		_, env = do(t, h, httptest.NewRequest(http.MethodGet, "/count", nil))
		assert.Equal(t, []any{float64(0)}, env.Result)

		// Unknown paths are not an error.
		rec, _ = form(t, h, http.MethodDelete, "/delete", url.Values{"filepath": {"/cats/a.png"}})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSearchWithoutMetadata(t *testing.T) {
	h := memoryServer(t)
	img := testimg.PNG(testimg.Blocks(3, 120, 120, 4))

	rec, _ := upload(t, h, http.MethodPost, "/add", map[string]string{"filepath": "/plain.png"}, map[string][]byte{"image": img})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := upload(t, h, http.MethodPost, "/search", nil, map[string][]byte{"image": img})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.Result, 1)
	hit := env.Result[0].(map[string]any)
	assert.Nil(t, hit["metadata"])
	assert.Equal(t, "/plain.png", hit["filepath"])
}

func TestAddByURL(t *testing.T) {
	img := testimg.PNG(testimg.Blocks(9, 120, 120, 4))
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(img)
	}))
	defer origin.Close()

	h := memoryServer(t)
	rec, env := form(t, h, http.MethodPost, "/add", url.Values{"filepath": {"/remote.png"}, "url": {origin.URL + "/x.png"}})
	require.Equal(t, http.StatusOK, rec.Code, env.Error)

	rec, env = form(t, h, http.MethodPost, "/search", url.Values{"url": {origin.URL + "/x.png"}})
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.Len(t, env.Result, 1)
}

func TestCompare(t *testing.T) {
	h := memoryServer(t)
	img := testimg.PNG(testimg.Blocks(21, 300, 300, 5))

	rec, env := upload(t, h, http.MethodPost, "/compare", nil, map[string][]byte{"image1": img, "image2": img})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "compare", env.Method)
	require.Len(t, env.Result, 1)
	assert.InDelta(t, 100.0, env.Result[0].(map[string]any)["score"], 1e-9)

	rec, env = upload(t, h, http.MethodPost, "/compare", nil, map[string][]byte{"image1": img})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error[0], "image2")
}

func TestList(t *testing.T) {
	h := memoryServer(t, func(c *Config) { c.MaxListLimit = 2 })
	for i, p := range []string{"/1.png", "/2.png", "/3.png"} {
		rec, _ := upload(t, h, http.MethodPost, "/add", map[string]string{"filepath": p},
			map[string][]byte{"image": testimg.PNG(testimg.Blocks(int64(i+1), 60, 60, 3))})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	tests := []struct {
		query string
		want  []any
	}{
		{"", []any{"/1.png", "/2.png"}},
		{"?offset=1&limit=1", []any{"/2.png"}},
		{"?offset=2&limit=50", []any{"/3.png"}},
		{"?offset=-3&limit=1", []any{"/1.png"}},
		{"?limit=0", []any{}},
		{"?offset=10", []any{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec, env := do(t, h, httptest.NewRequest(http.MethodGet, "/list"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, env.Result)
		})
	}

	rec, env := do(t, h, httptest.NewRequest(http.MethodGet, "/list?limit=ten", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "list", env.Method)
}

func TestBadRequests(t *testing.T) {
	h := memoryServer(t)

	tests := []struct {
		name   string
		fields map[string]string
		files  map[string][]byte
		target string
		want   int
	}{
		{"MissingImage", map[string]string{"filepath": "/a.png"}, nil, "/add", http.StatusBadRequest},
		{"MissingPath", nil, map[string][]byte{"image": testimg.PNG(testimg.Ramp(30, 30))}, "/add", http.StatusBadRequest},
		{"Undecodable", map[string]string{"filepath": "/a.png"}, map[string][]byte{"image": []byte("not an image")}, "/add", http.StatusBadRequest},
		{"BadMetadata", map[string]string{"filepath": "/a.png", "metadata": "{"}, map[string][]byte{"image": testimg.PNG(testimg.Ramp(30, 30))}, "/add", http.StatusBadRequest},
		{"SearchWithoutImage", nil, nil, "/search", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := upload(t, h, http.MethodPost, tt.target, tt.fields, tt.files)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "fail", env.Status)
			assert.Len(t, env.Error, 1)
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	h := memoryServer(t, func(c *Config) { c.MaxUploadBytes = 1024 })
	rec, env := upload(t, h, http.MethodPost, "/search", nil, map[string][]byte{"image": bytes.Repeat([]byte{1}, 4096)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "search", env.Method)
}

type brokenIndex struct {
	index.Index
}

func (brokenIndex) Query(context.Context, signature.Signature, float64, int) ([]index.Match, error) {
	return nil, core.Storage("query", errors.New("connection refused"))
}

func (brokenIndex) Count(context.Context) (int, error) {
	return 0, core.Storage("count", errors.New("connection refused"))
}

func (brokenIndex) Close() error { return nil }

func TestStorageErrors(t *testing.T) {
	h := newTestServer(t, brokenIndex{})

	rec, env := upload(t, h, http.MethodPost, "/search", nil, map[string][]byte{"image": testimg.PNG(testimg.Ramp(40, 40))})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, env.Error[0], "connection refused")

	rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/count", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	h := memoryServer(t)
	do(t, h, httptest.NewRequest(http.MethodGet, "/count", nil))
	do(t, h, httptest.NewRequest(http.MethodGet, "/count", nil))
	do(t, h, httptest.NewRequest(http.MethodGet, "/list", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result []OpStats `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Result, 2)
	assert.Equal(t, "count", resp.Result[0].Op)
	assert.Equal(t, 2, resp.Result[0].Calls)
	assert.Equal(t, "list", resp.Result[1].Op)
	assert.Zero(t, resp.Result[1].Errors)
}

func TestPrometheusRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	memoryServer(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prometheus", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	pc := monitor.NewPrometheusCollector()
	pc.Record(monitor.OpMetrics{Op: "count", Success: true})
	h := memoryServer(t, func(c *Config) { c.Prometheus = pc.Handler() })

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prometheus", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "imgmatch_operation_latency_seconds")
}

func TestRecoverPanics(t *testing.T) {
	h := recoverPanics(monitor.Discard(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec, env := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"boom"}, env.Error)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.NewOpError("add", "/a", fmt.Errorf("%w: bad", core.ErrDecode)), http.StatusBadRequest},
		{fmt.Errorf("%w: 404", core.ErrFetch), http.StatusBadRequest},
		{core.ErrBadRequest, http.StatusBadRequest},
		{core.Storage("insert", errors.New("x")), http.StatusServiceUnavailable},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNewRequiresService(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
