// Package authclient is the client-side HTTP binding to the licensing
// authority. Transport failures, timeouts, and authority outages surface as
// ErrNetworkUnavailable so callers can apply the offline grace policy instead
// of treating an unreachable server as an invalid license.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "parklic/internal/errors"
)

const userAgent = "parkcheck/1.0"

// ActivationResponse is the authority's reply to activate and trial calls.
type ActivationResponse struct {
	LicenseKey    string    `json:"license_key"`
	SignedLicense string    `json:"signed_license"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ValidationResponse is the authority's reply to a validate call.
type ValidationResponse struct {
	IsValid       bool       `json:"is_valid"`
	Reason        string     `json:"reason,omitempty"`
	DaysRemaining int        `json:"days_remaining,omitempty"`
	SignedLicense string     `json:"signed_license,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// problemResponse is the subset of an RFC 7807 body the client reads back.
type problemResponse struct {
	Title     string `json:"title"`
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

// Client talks to the licensing authority API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for the authority at baseURL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "authclient")),
	}
}

// Activate asks the authority to bind licenseKey to hardwareID.
func (c *Client) Activate(ctx context.Context, licenseKey, hardwareID string) (*ActivationResponse, error) {
	var resp ActivationResponse
	err := c.post(ctx, "/api/license/activate", map[string]string{
		"license_key": licenseKey,
		"hardware_id": hardwareID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate asks the authority for the current status of licenseKey.
func (c *Client) Validate(ctx context.Context, licenseKey string) (*ValidationResponse, error) {
	var resp ValidationResponse
	err := c.post(ctx, "/api/license/validate", map[string]string{
		"license_key": licenseKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Trial requests a self-service trial for hardwareID.
func (c *Client) Trial(ctx context.Context, hardwareID string) (*ActivationResponse, error) {
	var resp ActivationResponse
	err := c.post(ctx, "/api/license/trial", map[string]string{
		"hardware_id": hardwareID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "authority unreachable",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", apperrors.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// Authority outage, not a license verdict. Grace policy applies.
		return fmt.Errorf("%w: authority returned %d", apperrors.ErrNetworkUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return c.mapProblem(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mapProblem turns a problem-details body back into the domain sentinel the
// authority mapped it from, so errors.Is works across the wire.
func (c *Client) mapProblem(status int, body []byte) error {
	var problem problemResponse
	if err := json.Unmarshal(body, &problem); err != nil {
		return fmt.Errorf("authority rejected request with status %d", status)
	}

	var sentinel error
	switch problem.ErrorCode {
	case "LICENSE_NOT_FOUND":
		sentinel = apperrors.ErrLicenseNotFound
	case "LICENSE_REVOKED":
		sentinel = apperrors.ErrLicenseRevoked
	case "LICENSE_EXPIRED":
		sentinel = apperrors.ErrLicenseExpired
	case "ALREADY_ACTIVATED":
		sentinel = apperrors.ErrAlreadyActivated
	case "HARDWARE_MISMATCH":
		sentinel = apperrors.ErrHardwareMismatch
	case "TRIAL_ALREADY_USED":
		sentinel = apperrors.ErrTrialAlreadyUsed
	case "INVALID_LICENSE_FORMAT":
		sentinel = apperrors.ErrInvalidKeyFormat
	case "INVALID_CREDENTIAL":
		sentinel = apperrors.ErrMalformed
	case "UNAUTHORIZED":
		sentinel = apperrors.ErrUnauthorized
	default:
		return fmt.Errorf("authority rejected request: %s (%d)", problem.Detail, status)
	}
	if problem.Detail != "" {
		return fmt.Errorf("%w: %s", sentinel, problem.Detail)
	}
	return sentinel
}
