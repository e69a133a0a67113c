package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignThenValidateRoundTrip(t *testing.T) {
	a := New("s3cr3t")
	req := httptest.NewRequest(http.MethodGet, "/cluster/status", nil)
	require.NoError(t, a.SignRequest(req))
	assert.NoError(t, a.ValidateRequest(req))
}

func TestSignThenValidateRoundTripWithBody(t *testing.T) {
	a := New("s3cr3t")
	req := httptest.NewRequest(http.MethodPost, "/cluster/failover-start", strings.NewReader(`{"kind":"NODE_DOWN","node_ids":[1]}`))
	require.NoError(t, a.SignRequest(req))
	assert.NoError(t, a.ValidateRequest(req))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"NODE_DOWN","node_ids":[1]}`, string(body))
}

func TestValidateRejectsTamperedBody(t *testing.T) {
	a := New("s3cr3t")
	req := httptest.NewRequest(http.MethodPost, "/cluster/failover-start", strings.NewReader(`{"kind":"NODE_DOWN","node_ids":[1]}`))
	require.NoError(t, a.SignRequest(req))

	req.Body = io.NopCloser(strings.NewReader(`{"kind":"NODE_DOWN","node_ids":[1,2,3]}`))
	assert.Error(t, a.ValidateRequest(req))
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	a := New("s3cr3t")
	req := httptest.NewRequest(http.MethodGet, "/cluster/status", nil)
	require.NoError(t, a.SignRequest(req))
	req.Header.Set(HeaderSignature, "deadbeef")
	assert.Error(t, a.ValidateRequest(req))
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	a := New("s3cr3t")
	req := httptest.NewRequest(http.MethodGet, "/cluster/status", nil)
	req.Header.Set(HeaderTimestamp, "1")
	req.Header.Set(HeaderSignature, "irrelevant")
	assert.Error(t, a.ValidateRequest(req))
}

func TestEmptySecretDisablesAuth(t *testing.T) {
	a := New("")
	req := httptest.NewRequest(http.MethodGet, "/cluster/status", nil)
	assert.NoError(t, a.SignRequest(req))
	assert.Empty(t, req.Header.Get(HeaderSignature))
	assert.NoError(t, a.ValidateRequest(req))
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	a := New("s3cr3t")
	handler := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/cluster/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
