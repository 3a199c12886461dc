package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configFor(t *testing.T, server *httptest.Server) CaptionConfig {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return CaptionConfig{BaseURL: "http://" + u.Hostname(), Port: port, Model: "llama3.2-vision:11b"}
}

func TestPingOllama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models": []}`))
	}))
	defer server.Close()

	assert.NoError(t, pingOllama(context.Background(), configFor(t, server)))
}

func TestPingOllama_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	assert.Error(t, pingOllama(context.Background(), configFor(t, server)))
}

func TestPingOllama_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	cfg := configFor(t, server)
	server.Close()

	assert.Error(t, pingOllama(context.Background(), cfg))
}
