package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/cache"
	"github.com/authgraph/rebac/storage/memory"
)

const testModelSource = `model
  schema 1.1

type folder
  relations
    define parent: [folder]
    define viewer: [user] or viewer from parent

type document
  relations
    define owner: [user]
    define viewer: [user] or owner
`

func newTestRouter(t *testing.T, opts ...rebac.CheckerOption) (*gin.Engine, rebac.Storage) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storage := memory.NewMemoryStorage()
	checker := rebac.NewChecker(storage, opts...)
	authorizer := rebac.NewAuthorizer(storage, checker, cache.New(cache.Config{}, nil, nil), nil)

	engine := gin.New()
	NewHandler(authorizer, storage, nil).Register(engine)
	return engine, storage
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	decoded := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func publishAndActivate(t *testing.T, engine *gin.Engine, source string) string {
	t.Helper()
	w, body := doJSON(t, engine, http.MethodPost, "/v1/models", gin.H{"source": source})
	require.Equal(t, http.StatusCreated, w.Code)
	id := body["id"].(string)

	w, _ = doJSON(t, engine, http.MethodPost, "/v1/models/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return id
}

func TestHandlerCheckFlow(t *testing.T) {
	engine, _ := newTestRouter(t)
	publishAndActivate(t, engine, testModelSource)

	w, body := doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{
		"writes": []string{"document:readme#owner@user:alice"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), body["written"])

	w, body = doJSON(t, engine, http.MethodPost, "/v1/check", gin.H{
		"subject": "user:alice", "relation": "viewer", "object": "document:readme",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["allowed"])

	w, body = doJSON(t, engine, http.MethodPost, "/v1/check", gin.H{
		"subject": "user:bob", "relation": "viewer", "object": "document:readme",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, body["allowed"])
}

func TestHandlerCheckWithoutActiveModel(t *testing.T) {
	engine, _ := newTestRouter(t)

	w, _ := doJSON(t, engine, http.MethodPost, "/v1/check", gin.H{
		"subject": "user:alice", "relation": "viewer", "object": "document:readme",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlerCheckBadRequest(t *testing.T) {
	engine, _ := newTestRouter(t)
	publishAndActivate(t, engine, testModelSource)

	w, _ := doJSON(t, engine, http.MethodPost, "/v1/check", gin.H{"subject": "user:alice"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, engine, http.MethodPost, "/v1/check", gin.H{
		"subject": "garbage", "relation": "viewer", "object": "document:readme",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerAbortedCheckIs422(t *testing.T) {
	engine, _ := newTestRouter(t, rebac.WithMaxDepth(2))
	publishAndActivate(t, engine, testModelSource)

	writes := []string{"folder:f5#viewer@user:alice"}
	for i := 0; i < 5; i++ {
		writes = append(writes, fmt.Sprintf("folder:f%d#parent@folder:f%d", i, i+1))
	}
	w, _ := doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{"writes": writes})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, engine, http.MethodPost, "/v1/check", gin.H{
		"subject": "user:alice", "relation": "viewer", "object": "folder:f0",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandlerWriteValidation(t *testing.T) {
	engine, _ := newTestRouter(t)
	publishAndActivate(t, engine, testModelSource)

	w, _ := doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{"writes": []string{"not a tuple"}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Structurally fine but outside the active model.
	w, _ = doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{
		"writes": []string{"widget:w1#viewer@user:alice"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerListTuplesAndChangelog(t *testing.T) {
	engine, _ := newTestRouter(t)
	publishAndActivate(t, engine, testModelSource)

	w, _ := doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{
		"writes": []string{
			"document:readme#owner@user:alice",
			"document:readme#viewer@user:bob",
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, engine, http.MethodPost, "/v1/tuples", gin.H{
		"deletes": []string{"document:readme#viewer@user:bob"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := doJSON(t, engine, http.MethodGet, "/v1/tuples?object_type=document&object_id=readme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["tuples"], 1)

	w, body = doJSON(t, engine, http.MethodGet, "/v1/tuples?object_type=document&include_deleted=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["tuples"], 2)

	w, body = doJSON(t, engine, http.MethodGet, "/v1/changelog?from=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["entries"], 3)

	w, _ = doJSON(t, engine, http.MethodGet, "/v1/changelog?from=oops", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerModelLifecycle(t *testing.T) {
	engine, _ := newTestRouter(t)

	w, body := doJSON(t, engine, http.MethodPost, "/v1/models", gin.H{"source": testModelSource})
	require.Equal(t, http.StatusCreated, w.Code)
	id := body["id"].(string)

	w, body = doJSON(t, engine, http.MethodGet, "/v1/models/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, body["is_active"])
	require.Equal(t, testModelSource, body["source"])

	w, _ = doJSON(t, engine, http.MethodPost, "/v1/models/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = doJSON(t, engine, http.MethodGet, "/v1/models/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["is_active"])

	w, body = doJSON(t, engine, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["models"], 1)

	w, _ = doJSON(t, engine, http.MethodGet, "/v1/models/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, engine, http.MethodPost, "/v1/models/00000000-0000-0000-0000-000000000000/activate", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerModelCompileErrors(t *testing.T) {
	engine, _ := newTestRouter(t)

	w, body := doJSON(t, engine, http.MethodPost, "/v1/models", gin.H{
		"source": "model\n  schema 1.1\n\ntype t\n  relations\n    define r: r\n",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotEmpty(t, body["errors"])

	w, body = doJSON(t, engine, http.MethodPost, "/v1/models/validate", gin.H{
		"source": "model\n  schema 1.1\n\ntype t\n  relations\n    define r: [widget]\n",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["valid"])
	require.Len(t, body["warnings"], 1)
}

func TestHandlerHealthz(t *testing.T) {
	engine, _ := newTestRouter(t)
	w, body := doJSON(t, engine, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", body["status"])
}
