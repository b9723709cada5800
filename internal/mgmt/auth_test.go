package mgmt

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/resource-kernel/internal/models"
)

const noteBody = `{"type":"note","payload":{"text":"hi"}}`

func apiKeyApp(t *testing.T) func(method, path, body, key string) *http.Response {
	app := testApp(t, AuthConfig{
		Mode: AuthAPIKey,
		APIKeys: map[string]models.Role{
			"owner-key":  models.RoleOwner,
			"editor-key": models.RoleEditor,
			"reader-key": models.RoleReader,
		},
	}, RateLimitConfig{})
	return func(method, path, body, key string) *http.Response {
		if key == "" {
			return do(t, app, method, path, body)
		}
		return do(t, app, method, path, body, "Authorization", "Bearer "+key)
	}
}

func TestAuth_NoAuth_Mode(t *testing.T) {
	app := openApp(t)
	resp := do(t, app, "POST", "/api/v1/workspaces/ws1/resources", noteBody)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAuth_APIKey_Missing(t *testing.T) {
	call := apiKeyApp(t)
	resp := call("GET", "/api/v1/types", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_auth", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKey_Invalid(t *testing.T) {
	call := apiKeyApp(t)
	resp := call("GET", "/api/v1/types", "", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKey_WrongScheme(t *testing.T) {
	app := testApp(t, AuthConfig{Mode: AuthAPIKey, APIKeys: map[string]models.Role{"k": models.RoleOwner}}, RateLimitConfig{})
	resp := do(t, app, "GET", "/api/v1/types", "", "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_auth_scheme", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_ProbesSkipAuth(t *testing.T) {
	call := apiKeyApp(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := call("GET", path, "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuth_RolesFollowPermissionTable(t *testing.T) {
	call := apiKeyApp(t)

	resp := call("POST", "/api/v1/workspaces/ws1/resources", noteBody, "reader-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", decode[ProblemDetail](t, resp).Type)

	resp = call("POST", "/api/v1/workspaces/ws1/resources", noteBody, "editor-key")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[ResourceResponse](t, resp).Resource.ID

	resp = call("GET", "/api/v1/resources/"+id, "", "reader-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call("DELETE", "/api/v1/resources/"+id, "", "editor-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = call("POST", "/api/v1/workspaces/ws1/migrations", "", "editor-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = call("DELETE", "/api/v1/resources/"+id, "", "owner-key")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = call("GET", "/api/v1/audit?workspace=ws1", "", "owner-key")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	audit := decode[AuditResponse](t, resp)
	assert.Equal(t, 3, audit.Total)
	require.Len(t, audit.Entries, 3)
	assert.Equal(t, models.ActionMigrationRun, audit.Entries[0].Action)
	assert.Equal(t, models.RoleEditor, audit.Entries[0].Role)
}

func TestAuth_JWT(t *testing.T) {
	secret := []byte("test-secret")
	app := testApp(t, AuthConfig{Mode: AuthJWT, JWTSecret: secret}, RateLimitConfig{})

	token, err := SignToken(secret, "alice", models.RoleEditor, time.Minute)
	require.NoError(t, err)
	resp := do(t, app, "POST", "/api/v1/workspaces/ws1/resources", noteBody, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	expired, err := SignToken(secret, "alice", models.RoleOwner, -time.Minute)
	require.NoError(t, err)
	resp = do(t, app, "GET", "/api/v1/types", "", "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", decode[ProblemDetail](t, resp).Type)

	forged, err := SignToken([]byte("other"), "mallory", models.RoleOwner, time.Minute)
	require.NoError(t, err)
	resp = do(t, app, "GET", "/api/v1/types", "", "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParseToken(t *testing.T) {
	secret := []byte("s")

	noRole := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()})
	raw, err := noRole.SignedString(secret)
	require.NoError(t, err)
	_, err = parseToken(secret, raw)
	assert.Error(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "owner"})
	raw, err = noExp.SignedString(secret)
	require.NoError(t, err)
	_, err = parseToken(secret, raw)
	assert.Error(t, err)

	raw, err = SignToken(secret, "bob", models.RoleReader, time.Minute)
	require.NoError(t, err)
	role, err := parseToken(secret, raw)
	require.NoError(t, err)
	assert.Equal(t, models.RoleReader, role)
}
