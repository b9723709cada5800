package mgmt

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/resource-kernel/internal/config"
	"github.com/p-blackswan/resource-kernel/internal/exchange"
	"github.com/p-blackswan/resource-kernel/internal/kernel"
	"github.com/p-blackswan/resource-kernel/internal/migration"
	"github.com/p-blackswan/resource-kernel/internal/repository"
	"github.com/p-blackswan/resource-kernel/internal/requestid"
)

// testApp creates a Fiber app over an in-memory kernel.
func testApp(t *testing.T, auth AuthConfig, rl RateLimitConfig) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()

	k, err := kernel.Open(&config.Config{
		StoreBackend:    config.BackendMemory,
		PageSize:        10,
		EventBusMode:    "sync",
		SearchFields:    "text",
		HealthWorkspace: "ws1",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	srv := NewServer(ServerConfig{ListenAddr: ":0", AuthConfig: auth, RateLimit: rl}, k, logger)
	t.Cleanup(func() {
		if srv.limiter != nil {
			srv.limiter.close()
		}
	})
	return srv.App()
}

func openApp(t *testing.T) *fiber.App {
	return testApp(t, AuthConfig{Mode: AuthNone}, RateLimitConfig{})
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createNote(t *testing.T, app *fiber.App, ws, text string) ResourceResponse {
	t.Helper()
	resp := do(t, app, "POST", "/api/v1/workspaces/"+ws+"/resources",
		`{"type":"note","payload":{"text":"`+text+`"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[ResourceResponse](t, resp)
}

func TestServer_Probes(t *testing.T) {
	app := openApp(t)

	resp := do(t, app, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = do(t, app, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, app, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "kernel_indexed_resources")
}

func TestServer_RequestID(t *testing.T) {
	app := openApp(t)

	resp := do(t, app, "GET", "/healthz", "")
	assert.Len(t, resp.Header.Get(requestid.Header), 36)

	const id = "0b8e7a52-5a43-4c1c-8d0e-5a3c3b9d2f10"
	resp = do(t, app, "GET", "/healthz", "", requestid.Header, id)
	assert.Equal(t, id, resp.Header.Get(requestid.Header))
}

func TestServer_ResourceLifecycle(t *testing.T) {
	app := openApp(t)

	created := createNote(t, app, "ws1", "hello world")
	id := created.Resource.ID
	assert.Equal(t, "ws1", created.Resource.WorkspaceID)
	assert.Equal(t, 1, created.Resource.Version)

	resp := do(t, app, "GET", "/api/v1/resources/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decode[ResourceResponse](t, resp).Resource.ID)

	resp = do(t, app, "PATCH", "/api/v1/resources/"+id, `{"payload":{"text":"hello moon"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[ResourceResponse](t, resp)
	assert.Equal(t, 2, updated.Resource.Version)
	assert.JSONEq(t, `{"text":"hello moon"}`, string(updated.Resource.Payload))

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/search?q=moon", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[SearchResponse](t, resp).Total)

	resp = do(t, app, "DELETE", "/api/v1/resources/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, app, "GET", "/api/v1/resources/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[ProblemDetail](t, resp).Type)
}

func TestServer_CreateValidation(t *testing.T) {
	app := openApp(t)

	resp := do(t, app, "POST", "/api/v1/workspaces/ws1/resources", `{"type":"note","payload":{"text":""}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", decode[ProblemDetail](t, resp).Type)

	resp = do(t, app, "POST", "/api/v1/workspaces/ws1/resources", `{"type":"ghost","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_type", decode[ProblemDetail](t, resp).Type)

	resp = do(t, app, "POST", "/api/v1/workspaces/ws1/resources", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_body", decode[ProblemDetail](t, resp).Type)
}

func TestServer_ListPagination(t *testing.T) {
	app := openApp(t)
	for _, text := range []string{"a", "b", "c"} {
		createNote(t, app, "ws1", text)
	}
	createNote(t, app, "ws2", "elsewhere")

	seen := map[string]bool{}
	path := "/api/v1/workspaces/ws1/resources?limit=2"
	for pages := 0; ; pages++ {
		require.Less(t, pages, 3)
		resp := do(t, app, "GET", path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		page := decode[repository.Page](t, resp)
		assert.Equal(t, 3, page.Total)
		for _, r := range page.Data {
			assert.False(t, seen[r.ID])
			seen[r.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		path = "/api/v1/workspaces/ws1/resources?limit=2&cursor=" + page.NextCursor
	}
	assert.Len(t, seen, 3)

	resp := do(t, app, "GET", "/api/v1/workspaces/ws1/resources?cursor=%25%25%25", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_cursor", decode[ProblemDetail](t, resp).Type)
}

func TestServer_ListFullTextAndFilters(t *testing.T) {
	app := openApp(t)
	first := createNote(t, app, "ws1", "alpha beta beta")
	second := createNote(t, app, "ws1", "beta")
	createNote(t, app, "ws1", "gamma")

	resp := do(t, app, "GET", "/api/v1/workspaces/ws1/resources?q=beta", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[repository.Page](t, resp)
	require.Len(t, page.Data, 2)
	assert.Equal(t, first.Resource.ID, page.Data[0].ID)
	assert.Equal(t, second.Resource.ID, page.Data[1].ID)
	assert.Greater(t, page.Scores[first.Resource.ID], page.Scores[second.Resource.ID])

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/resources?filter=payload.text:prefix:gam", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[repository.Page](t, resp).Data, 1)

	resp = do(t, app, "POST", "/api/v1/workspaces/ws1/resources/query",
		`{"filter":[{"path":"payload.text","op":"contains","value":"beta"}],"sort":{"field":"id"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[repository.Page](t, resp).Data, 2)

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/resources?filter=payload.text", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Migrations(t *testing.T) {
	app := openApp(t)
	resp := do(t, app, "POST", "/api/v1/workspaces/ws1/resources",
		`{"type":"measurement","schemaVersion":1,"payload":{"value":1}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/migrations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[migration.Pending](t, resp).Total)

	resp = do(t, app, "POST", "/api/v1/workspaces/ws1/migrations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[migration.Result](t, resp).Migrated)

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/migrations", "")
	assert.Equal(t, 0, decode[migration.Pending](t, resp).Total)
}

func TestServer_ExportAndValidateImport(t *testing.T) {
	app := openApp(t)
	for _, text := range []string{"one", "two", "three"} {
		createNote(t, app, "ws1", text)
	}

	resp := do(t, app, "GET", "/api/v1/workspaces/ws1/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	var m exchange.Manifest
	require.NoError(t, json.Unmarshal([]byte(resp.Header.Get("X-Export-Manifest")), &m))
	assert.Equal(t, 3, m.Count)
	body, _ := io.ReadAll(resp.Body)

	req, _ := json.Marshal(ValidateImportRequest{Manifest: m, Body: string(body)})
	resp = do(t, app, "POST", "/api/v1/imports/validate", string(req))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[exchange.Report](t, resp).Success)

	m.Count = 4
	req, _ = json.Marshal(ValidateImportRequest{Manifest: m, Body: string(body)})
	resp = do(t, app, "POST", "/api/v1/imports/validate", string(req))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.True(t, decode[exchange.Report](t, resp).Has(exchange.CodeCountMismatch))

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/export/chunks?size=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[ChunkIndexResponse](t, resp).Chunks)

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/export/chunks/1?size=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chunk, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 1, strings.Count(string(chunk), "\n"))

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/export/chunks/2?size=2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, app, "GET", "/api/v1/workspaces/ws1/export?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ReindexHealthTypes(t *testing.T) {
	app := openApp(t)
	createNote(t, app, "ws1", "indexed")

	resp := do(t, app, "POST", "/api/v1/workspaces/ws1/reindex", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[kernel.ReindexResult](t, resp).Indexed)

	resp = do(t, app, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[map[string]any](t, resp)
	assert.Equal(t, true, snap["ok"])
	assert.Contains(t, snap, "sync")
	assert.Contains(t, snap, "migrations")

	resp = do(t, app, "GET", "/api/v1/types", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	types := decode[[]TypeInfo](t, resp)
	assert.Contains(t, types, TypeInfo{Type: "measurement", SchemaVersion: 2})
}

func TestServer_RateLimit(t *testing.T) {
	app := testApp(t, AuthConfig{Mode: AuthNone}, RateLimitConfig{RPS: 1, Burst: 1})

	resp := do(t, app, "GET", "/api/v1/types", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, app, "GET", "/api/v1/types", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp = do(t, app, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UnknownRoute(t *testing.T) {
	app := openApp(t)
	resp := do(t, app, "GET", "/api/v1/nowhere", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_WorkspaceSurvivesLaterRequests(t *testing.T) {
	app := openApp(t)

	created := createNote(t, app, "wsaa", "kept in place")
	id := created.Resource.ID

	for i := 0; i < 25; i++ {
		do(t, app, "GET", "/api/v1/workspaces/zzzz/resources", "")
		createNote(t, app, "qqqq", "other tenant")
	}

	resp := do(t, app, "GET", "/api/v1/resources/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wsaa", decode[ResourceResponse](t, resp).Resource.WorkspaceID)

	resp = do(t, app, "GET", "/api/v1/workspaces/wsaa/resources", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[repository.Page](t, resp)
	assert.Equal(t, 1, page.Total)

	resp = do(t, app, "GET", "/api/v1/workspaces/wsaa/search?q=kept", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[SearchResponse](t, resp).Total)
}
