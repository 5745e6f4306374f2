package httpx

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

func TestRecoverWritesEnvelope(t *testing.T) {
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recover(log), RequestLog(log))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":"internal"`)
	assert.Contains(t, buf.String(), "panic recovered")
	assert.Contains(t, buf.String(), "request failed")
}

func TestRequestLogRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLog(logx.NewWriter(&buf, "debug"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		Error(w, errs.NotFound("thing"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/y", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, buf.String(), `"status":404`)
	assert.Contains(t, buf.String(), `"path":"/y"`)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusOf("config_error"))
	assert.Equal(t, http.StatusNotFound, StatusOf("not_found"))
	assert.Equal(t, http.StatusConflict, StatusOf("invalid_state"))
	assert.Equal(t, http.StatusNotImplemented, StatusOf("unsupported"))
	assert.Equal(t, http.StatusGatewayTimeout, StatusOf("timeout"))
	assert.Equal(t, http.StatusInternalServerError, StatusOf("internal"))
}
