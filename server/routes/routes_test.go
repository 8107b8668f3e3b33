package routes_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"idset/idset"
	routes "idset/server/routes"
)

func newApp(t *testing.T) *fiber.App {
	t.Helper()
	opts := idset.DefaultOptions()
	opts.NoSync = true
	reg := routes.NewRegistry(t.TempDir(), opts, zap.NewNop())
	t.Cleanup(func() { require.NoError(t, reg.Close()) })

	app := fiber.New()
	routes.SetupRoutes(app, reg)
	return app
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func query(dbID, collection string, extra ...string) string {
	v := url.Values{}
	v.Set("dbID", dbID)
	v.Set("collection", collection)
	for i := 0; i+1 < len(extra); i += 2 {
		v.Set(extra[i], extra[i+1])
	}
	return v.Encode()
}

func createCollection(t *testing.T, app *fiber.App) string {
	t.Helper()
	code, out := do(t, app, http.MethodPost, "/create-db", "")
	require.Equal(t, http.StatusCreated, code)
	dbID := out["dbID"].(string)

	code, _ = do(t, app, http.MethodPost, "/create-collection", `{"dbID":"`+dbID+`","name":"users"}`)
	require.Equal(t, http.StatusCreated, code)
	return dbID
}

func TestInsertContainsDelete(t *testing.T) {
	app := newApp(t)
	dbID := createCollection(t, app)
	body := `{"dbID":"` + dbID + `","collection":"users","id":"42"}`

	code, out := do(t, app, http.MethodPost, "/insert", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["inserted"])

	_, out = do(t, app, http.MethodPost, "/insert", body)
	assert.Equal(t, false, out["inserted"])

	_, out = do(t, app, http.MethodGet, "/contains?"+query(dbID, "users", "id", "0x2a"), "")
	assert.Equal(t, true, out["contains"])

	_, out = do(t, app, http.MethodDelete, "/delete?"+query(dbID, "users", "id", "42"), "")
	assert.Equal(t, true, out["deleted"])
	_, out = do(t, app, http.MethodDelete, "/delete?"+query(dbID, "users", "id", "42"), "")
	assert.Equal(t, false, out["deleted"])

	_, out = do(t, app, http.MethodGet, "/contains?"+query(dbID, "users", "id", "42"), "")
	assert.Equal(t, false, out["contains"])
}

func TestScanPages(t *testing.T) {
	app := newApp(t)
	dbID := createCollection(t, app)
	for _, id := range []string{"5", "1", "3", "2", "4"} {
		code, _ := do(t, app, http.MethodPost, "/insert", `{"dbID":"`+dbID+`","collection":"users","id":"`+id+`"}`)
		require.Equal(t, http.StatusOK, code)
	}

	code, out := do(t, app, http.MethodGet, "/scan?"+query(dbID, "users", "limit", "3"), "")
	require.Equal(t, http.StatusOK, code)
	first := out["ids"].([]any)
	require.Len(t, first, 3)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", first[0])
	next, ok := out["next"].(string)
	require.True(t, ok)
	assert.Equal(t, first[2], next)

	_, out = do(t, app, http.MethodGet, "/scan?"+query(dbID, "users", "limit", "3", "after", next), "")
	rest := out["ids"].([]any)
	require.Len(t, rest, 2)
	assert.Equal(t, "00000000-0000-0000-0000-000000000005", rest[1])
	assert.NotContains(t, out, "next")

	code, _ = do(t, app, http.MethodGet, "/scan?"+query(dbID, "users", "limit", "0"), "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCollectionsAndStats(t *testing.T) {
	app := newApp(t)
	dbID := createCollection(t, app)

	code, out := do(t, app, http.MethodGet, "/databases", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{dbID}, out["databases"])

	_, out = do(t, app, http.MethodGet, "/collections?dbID="+dbID, "")
	assert.Equal(t, []any{"users"}, out["collections"])

	code, _ = do(t, app, http.MethodPost, "/create-collection", `{"dbID":"`+dbID+`","name":"users"}`)
	assert.Equal(t, http.StatusConflict, code)

	do(t, app, http.MethodPost, "/insert", `{"dbID":"`+dbID+`","collection":"users","id":"7"}`)
	code, _ = do(t, app, http.MethodPost, "/checkpoint", `{"dbID":"`+dbID+`","collection":"users"}`)
	require.Equal(t, http.StatusOK, code)

	code, out = do(t, app, http.MethodGet, "/stats?"+query(dbID, "users"), "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["ids"])
	assert.EqualValues(t, 0, out["wal_bytes"])
	assert.EqualValues(t, 1, out["depth"])

	code, _ = do(t, app, http.MethodDelete, "/collection?"+query(dbID, "users"), "")
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, app, http.MethodGet, "/stats?"+query(dbID, "users"), "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestErrors(t *testing.T) {
	app := newApp(t)

	code, _ := do(t, app, http.MethodGet, "/collections?dbID=db_missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, app, http.MethodGet, "/collections?dbID=..%2Fetc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, app, http.MethodGet, "/collections", "")
	assert.Equal(t, http.StatusBadRequest, code)

	dbID := createCollection(t, app)
	code, _ = do(t, app, http.MethodPost, "/insert", `{"dbID":"`+dbID+`","collection":"users","id":"not-an-id"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, app, http.MethodGet, "/contains?"+query(dbID, "missing", "id", "1"), "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, app, http.MethodPost, "/create-collection", `{"dbID":"`+dbID+`","name":"bad/name"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}
