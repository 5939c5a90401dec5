package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/health"
)

func newServer(t *testing.T) (*httptest.Server, *cluster.Node) {
	t.Helper()
	cfg := config.Default()
	cfg.Retry.InitialDelay = 5 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	node := cluster.NewNode(cfg, cluster.Options{})
	checker := health.NewChecker()
	checker.Register("cluster", node.HealthCheck())
	srv := httptest.NewServer(NewRouter(node, checker, nil, 5*time.Second))
	t.Cleanup(func() {
		srv.Close()
		node.Close(context.Background())
	})
	return srv, node
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errType(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["type"].(string)
	return s
}

func TestIndexAndDocumentLifecycle(t *testing.T) {
	srv, _ := newServer(t)

	status, body := do(t, srv, http.MethodPut, "/contracts", `{
		"settings": {"number_of_shards": 2, "number_of_replicas": 1},
		"mappings": {"properties": {"title": {"type": "text"}, "status": {"type": "keyword"}}}
	}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["acknowledged"])

	status, body = do(t, srv, http.MethodPut, "/contracts", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "resource_already_exists_exception", errType(body))

	status, body = do(t, srv, http.MethodGet, "/contracts", "")
	require.Equal(t, http.StatusOK, status)
	settings := body["contracts"].(map[string]any)["settings"].(map[string]any)["index"].(map[string]any)
	assert.Equal(t, float64(2), settings["number_of_shards"])

	status, body = do(t, srv, http.MethodPut, "/contracts/_doc/1", `{"title":"master services agreement","status":"active"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "created", body["result"])
	assert.Equal(t, "contracts", body["_index"])

	status, body = do(t, srv, http.MethodPut, "/contracts/_create/1", `{"title":"dup"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "version_conflict_engine_exception", errType(body))

	status, body = do(t, srv, http.MethodPost, "/contracts/_update/1", `{"doc":{"status":"expired"}}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "updated", body["result"])
	assert.Equal(t, float64(2), body["_version"])

	status, body = do(t, srv, http.MethodGet, "/contracts/_doc/1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "expired", body["_source"].(map[string]any)["status"])

	status, body = do(t, srv, http.MethodPut, "/contracts/_doc/1?if_seq_no=999", `{"title":"stale"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, srv, http.MethodDelete, "/contracts/_doc/1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deleted", body["result"])

	status, body = do(t, srv, http.MethodGet, "/contracts/_doc/1", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["found"])

	status, body = do(t, srv, http.MethodDelete, "/contracts/_doc/1", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["result"])

	status, body = do(t, srv, http.MethodPost, "/contracts/_doc", `{"title":"generated"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["_id"])

	status, _ = do(t, srv, http.MethodDelete, "/contracts", "")
	require.Equal(t, http.StatusOK, status)
	status, body = do(t, srv, http.MethodGet, "/contracts/_doc/1", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "index_not_found_exception", errType(body))
}

func TestBulkSearchAndScroll(t *testing.T) {
	srv, _ := newServer(t)
	status, _ := do(t, srv, http.MethodPut, "/contracts", `{
		"settings": {"number_of_shards": 3, "number_of_replicas": 0},
		"mappings": {"properties": {"title": {"type": "text"}, "status": {"type": "keyword"}}}
	}`)
	require.Equal(t, http.StatusOK, status)

	var b strings.Builder
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&b, `{"index":{"_id":"%d"}}`+"\n", i)
		fmt.Fprintf(&b, `{"title":"lease agreement %d","status":"active"}`+"\n", i)
	}
	status, body := do(t, srv, http.MethodPost, "/contracts/_bulk", b.String())
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["errors"])
	assert.Len(t, body["items"], 25)

	status, body = do(t, srv, http.MethodPost, "/contracts/_search?scroll=1m&size=10",
		`{"query":{"term":{"status":"active"}}}`)
	require.Equal(t, http.StatusOK, status)
	hits := body["hits"].(map[string]any)
	assert.Equal(t, float64(25), hits["total"].(map[string]any)["value"])
	scrollID, _ := body["_scroll_id"].(string)
	require.NotEmpty(t, scrollID)

	seen := make(map[string]bool)
	for _, h := range hits["hits"].([]any) {
		seen[h.(map[string]any)["_id"].(string)] = true
	}
	for {
		status, body = do(t, srv, http.MethodPost, "/_search/scroll",
			fmt.Sprintf(`{"scroll":"1m","scroll_id":%q}`, scrollID))
		require.Equal(t, http.StatusOK, status)
		page := body["hits"].(map[string]any)["hits"].([]any)
		if len(page) == 0 {
			break
		}
		for _, h := range page {
			id := h.(map[string]any)["_id"].(string)
			assert.False(t, seen[id], "duplicate hit %s", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 25)

	status, body = do(t, srv, http.MethodDelete, "/_search/scroll", fmt.Sprintf(`{"scroll_id":[%q]}`, scrollID))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["num_freed"])

	status, body = do(t, srv, http.MethodGet, "/_search/scroll?scroll_id="+scrollID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "search_context_missing_exception", errType(body))
}

func TestRequestErrors(t *testing.T) {
	srv, _ := newServer(t)
	status, body := do(t, srv, http.MethodPut, "/Bad", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "illegal_argument_exception", errType(body))
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])

	status, body = do(t, srv, http.MethodPost, "/missing/_search", `{"query":{"match_all":{}}}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "index_not_found_exception", errType(body))

	status, _ = do(t, srv, http.MethodPost, "/_bulk", `{"index":{"_id":"1"}}`+"\n{}\n")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, srv, http.MethodPost, "/_search/scroll", `{"scroll":"forever","scroll_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "illegal_argument_exception", errType(body))
}

func TestClusterHealthAndProbes(t *testing.T) {
	srv, node := newServer(t)
	_, err := node.CreateIndex(context.Background(), "contracts", cluster.CreateIndexRequest{})
	require.NoError(t, err)

	status, body := do(t, srv, http.MethodGet, "/_cluster/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, []any{"green", "yellow"}, body["status"])

	status, _ = do(t, srv, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, status)

	resp, err := srv.Client().Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestParseTimeValue(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":   30 * time.Second,
		"1m":    time.Minute,
		"500ms": 500 * time.Millisecond,
		"2d":    48 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseTimeValue(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTimeValue("soon")
	assert.Error(t, err)
}

func TestIndexExists(t *testing.T) {
	srv, node := newServer(t)
	_, err := node.CreateIndex(context.Background(), "contracts_meta", cluster.CreateIndexRequest{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		index string
		want  int
	}{
		{"existing index", "contracts_meta", http.StatusOK},
		{"missing index", "contracts_archive", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodHead, srv.URL+"/"+tt.index, nil)
			require.NoError(t, err)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Empty(t, body)
		})
	}

	status, _ := do(t, srv, http.MethodDelete, "/contracts_meta", "")
	require.Equal(t, http.StatusOK, status)
	req, err := http.NewRequest(http.MethodHead, srv.URL+"/contracts_meta", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
