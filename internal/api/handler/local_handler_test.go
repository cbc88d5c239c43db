package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvale/storesync/internal/api/dto"
	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
)

type localFixture struct {
	handler *LocalHandler
	router  *gin.Engine
	records *fakeLocalRecords
}

func newLocalFixture() *localFixture {
	gin.SetMode(gin.TestMode)

	f := &localFixture{records: newFakeLocalRecords()}
	f.handler = &LocalHandler{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		records: f.records,
	}

	f.router = gin.New()
	local := f.router.Group("/api/v1/local")
	local.GET("/:entity_type/:local_ref", f.handler.GetRecord)
	local.PUT("/:entity_type/:local_ref", f.handler.UpsertRecord)
	local.DELETE("/:entity_type/:local_ref", f.handler.DeleteRecord)
	return f
}

func (f *localFixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, err)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestUpsertRecord_AppliesWithApplicationOrigin(t *testing.T) {
	f := newLocalFixture()

	w := f.do(t, http.MethodPut, "/api/v1/local/product/sku-100", []byte(`{"title": "Widget"}`))

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.UpsertLocalRecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "applied", resp.Status)

	// Host-application writes carry the application origin, which is what
	// makes the change hook fire and the change flow outbound.
	require.Len(t, f.records.writes, 1)
	assert.Equal(t, domain.WriteOriginApplication, f.records.writes[0].origin)
	assert.Equal(t, "apply", f.records.writes[0].op)
	assert.Equal(t, "sku-100", f.records.writes[0].localRef)
}

func TestUpsertRecord_UnknownEntityType(t *testing.T) {
	f := newLocalFixture()

	w := f.do(t, http.MethodPut, "/api/v1/local/warehouse/w-1", []byte(`{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.records.writes)
}

func TestUpsertRecord_RejectsInvalidJSON(t *testing.T) {
	f := newLocalFixture()

	w := f.do(t, http.MethodPut, "/api/v1/local/product/sku-100", []byte(`{"title":`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.records.writes)
}

func TestGetRecord(t *testing.T) {
	f := newLocalFixture()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.records.put(localstore.Record{
		EntityType: domain.EntityProduct,
		LocalRef:   "sku-100",
		Payload:    `{"title": "Widget"}`,
		CreatedAt:  now,
		UpdatedAt:  now,
	})

	w := f.do(t, http.MethodGet, "/api/v1/local/product/sku-100", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.LocalRecordDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.EntityProduct, resp.EntityType)
	assert.Equal(t, "sku-100", resp.LocalRef)
	assert.JSONEq(t, `{"title": "Widget"}`, string(resp.Payload))
}

func TestGetRecord_NotFound(t *testing.T) {
	f := newLocalFixture()

	w := f.do(t, http.MethodGet, "/api/v1/local/product/missing", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRecord(t *testing.T) {
	f := newLocalFixture()
	f.records.put(localstore.Record{
		EntityType: domain.EntityProduct,
		LocalRef:   "sku-100",
		Payload:    `{"title": "Widget"}`,
	})

	w := f.do(t, http.MethodDelete, "/api/v1/local/product/sku-100", nil)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, f.records.writes, 1)
	assert.Equal(t, domain.WriteOriginApplication, f.records.writes[0].origin)
	assert.Equal(t, "delete", f.records.writes[0].op)
}

func TestDeleteRecord_NotFound(t *testing.T) {
	f := newLocalFixture()

	w := f.do(t, http.MethodDelete, "/api/v1/local/product/missing", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
