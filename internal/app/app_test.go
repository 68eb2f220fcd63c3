package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parklic/internal/config"
)

// The OTel Prometheus exporter registers against the global registry, so the
// application is constructed exactly once across this package's tests.
func TestApplicationLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Authority.DatabasePath = filepath.Join(t.TempDir(), "authority.db")
	cfg.Authority.SessionSecret = "session-secret-0123456789"
	cfg.Server.Port = 0

	application, err := NewApplication(cfg)
	require.NoError(t, err)
	require.NotNil(t, application.Server)
	require.NotNil(t, application.Service)

	// The assembled handler serves the health endpoint.
	rec := httptest.NewRecorder()
	application.Server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Public license routes are mounted.
	rec = httptest.NewRecorder()
	application.Server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/license/activate", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	require.NoError(t, application.Stop(context.Background()))
}
