package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAlertRoutesByAlertType(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodPost, "/api/v1/alerts",
		[]byte(`{"alert_type":"PodCrashLoop","data":{"pod":"web-1"}}`))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CreateAlertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "pending", resp.Status)

	sess := f.sessions.sessions[resp.SessionID]
	require.NotNil(t, sess)
	assert.Equal(t, "k8s-chain", sess.ChainID)
	assert.Equal(t, `{"pod":"web-1"}`, sess.AlertPayload)
	assert.Equal(t, "api-client", sess.Author)
}

func TestCreateAlertExplicitChainOverridesRouting(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodPost, "/api/v1/alerts",
		[]byte(`{"alert_type":"SomethingElse","chain_id":"k8s-chain"}`))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CreateAlertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	sess := f.sessions.sessions[resp.SessionID]
	require.NotNil(t, sess)
	assert.Equal(t, "k8s-chain", sess.ChainID)
	assert.Equal(t, "{}", sess.AlertPayload)
}

func TestCreateAlertUnknownChain(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodPost, "/api/v1/alerts",
		[]byte(`{"alert_type":"PodCrashLoop","chain_id":"no-such-chain"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown chain")
}

func TestCreateAlertUnroutedAlertType(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodPost, "/api/v1/alerts",
		[]byte(`{"alert_type":"DiskPressure"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no chain configured")
}

func TestCreateAlertMissingAlertType(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodPost, "/api/v1/alerts", []byte(`{"data":{}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAlertAuthorFromProxyHeaders(t *testing.T) {
	f := newAPIFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts",
		bytes.NewReader([]byte(`{"alert_type":"PodCrashLoop"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CreateAlertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", f.sessions.sessions[resp.SessionID].Author)
}
