package mcp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/config"
)

func TestBuildTransport_Stdio(t *testing.T) {
	transport, err := buildTransport(config.TransportConfig{
		Type:    config.TransportTypeStdio,
		Command: "kubectl-mcp",
		Args:    []string{"--readonly"},
		Env:     map[string]string{"KUBECONFIG": "/etc/kube/config"},
	})
	require.NoError(t, err)
	require.NotNil(t, transport)
}

func TestBuildTransport_StdioRequiresCommand(t *testing.T) {
	_, err := buildTransport(config.TransportConfig{Type: config.TransportTypeStdio})
	assert.ErrorContains(t, err, "requires command")
}

func TestBuildTransport_HTTPRequiresURL(t *testing.T) {
	_, err := buildTransport(config.TransportConfig{Type: config.TransportTypeHTTP})
	assert.ErrorContains(t, err, "requires url")
}

func TestBuildTransport_HTTPRejectsManualAuthorization(t *testing.T) {
	for _, header := range []string{"Authorization", "authorization", "AUTHORIZATION"} {
		_, err := buildTransport(config.TransportConfig{
			Type:    config.TransportTypeHTTP,
			URL:     "https://mcp.example.com",
			Headers: map[string]string{header: "Bearer stolen"},
		})
		assert.ErrorContains(t, err, "bearer_token", header)
	}
}

func TestBuildTransport_UnsupportedType(t *testing.T) {
	_, err := buildTransport(config.TransportConfig{Type: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported transport type")
}

func TestHeaderTransport_InjectsBearerAndHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := buildHTTPClient(config.TransportConfig{
		Type:        config.TransportTypeHTTP,
		URL:         srv.URL,
		BearerToken: "tok-123",
		Headers:     map[string]string{"X-Tenant": "prod"},
		Timeout:     5,
	})

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok-123", got.Get("Authorization"))
	assert.Equal(t, "prod", got.Get("X-Tenant"))
}
