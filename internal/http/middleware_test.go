package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
)

func TestAccessLogCarriesRequestAndRideIDs(t *testing.T) {
	e := newTestEnv(t)
	var buf bytes.Buffer
	e.srv.logger = logging.New(&buf, "info")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/r-missing", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "/api/v1/rides/{ride_id}", line["route"])
	assert.Equal(t, "r-missing", line["ride_id"])
	assert.Equal(t, "req-42", line["request_id"])
}
