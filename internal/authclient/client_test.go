package authclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "parklic/internal/errors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second, slog.Default())
}

func TestActivateSuccess(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ActivationResponse{
			LicenseKey:    "PARK-AB12-CD34-EF56-7890",
			SignedLicense: "payload.signature",
			ExpiresAt:     time.Now().Add(30 * 24 * time.Hour),
		})
	}))

	resp, err := client.Activate(context.Background(), "PARK-AB12-CD34-EF56-7890", "a1b2c3d4e5f60718")
	require.NoError(t, err)

	assert.Equal(t, "/api/license/activate", gotPath)
	assert.Equal(t, "PARK-AB12-CD34-EF56-7890", gotBody["license_key"])
	assert.Equal(t, "a1b2c3d4e5f60718", gotBody["hardware_id"])
	assert.Equal(t, "payload.signature", resp.SignedLicense)
}

func TestValidateSuccess(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/license/validate", r.URL.Path)
		json.NewEncoder(w).Encode(ValidationResponse{IsValid: true, DaysRemaining: 12, SignedLicense: "p.s"})
	}))

	resp, err := client.Validate(context.Background(), "PARK-AB12-CD34-EF56-7890")
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, 12, resp.DaysRemaining)
}

func TestTrialSuccess(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/license/trial", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a1b2c3d4e5f60718", body["hardware_id"])
		json.NewEncoder(w).Encode(ActivationResponse{LicenseKey: "PARK-1111-2222-3333-4444"})
	}))

	resp, err := client.Trial(context.Background(), "a1b2c3d4e5f60718")
	require.NoError(t, err)
	assert.Equal(t, "PARK-1111-2222-3333-4444", resp.LicenseKey)
}

func TestProblemDetailsMapBackToSentinels(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errorCode string
		want      error
	}{
		{"not found", http.StatusNotFound, "LICENSE_NOT_FOUND", apperrors.ErrLicenseNotFound},
		{"revoked", http.StatusForbidden, "LICENSE_REVOKED", apperrors.ErrLicenseRevoked},
		{"expired", http.StatusForbidden, "LICENSE_EXPIRED", apperrors.ErrLicenseExpired},
		{"conflict", http.StatusConflict, "ALREADY_ACTIVATED", apperrors.ErrAlreadyActivated},
		{"trial used", http.StatusConflict, "TRIAL_ALREADY_USED", apperrors.ErrTrialAlreadyUsed},
		{"bad format", http.StatusBadRequest, "INVALID_LICENSE_FORMAT", apperrors.ErrInvalidKeyFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"title":      "rejected",
					"detail":     "policy violation",
					"status":     tt.status,
					"error_code": tt.errorCode,
				})
			}))

			_, err := client.Activate(context.Background(), "PARK-AB12-CD34-EF56-7890", "a1b2c3d4e5f60718")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestServerErrorIsNetworkUnavailable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := client.Validate(context.Background(), "PARK-AB12-CD34-EF56-7890")
	assert.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
}

func TestUnreachableAuthorityIsNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore

	client := New(srv.URL, time.Second, slog.Default())
	_, err := client.Validate(context.Background(), "PARK-AB12-CD34-EF56-7890")
	assert.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
}

func TestTimeoutIsNetworkUnavailable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	client.httpClient.Timeout = 50 * time.Millisecond

	_, err := client.Validate(context.Background(), "PARK-AB12-CD34-EF56-7890")
	assert.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
}
