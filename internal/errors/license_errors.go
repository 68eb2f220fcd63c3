package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors for the licensing domain. Services return these (wrapped or
// bare); the HTTP layer maps them to problem details.
var (
	ErrLicenseNotFound    = errors.New("license not found")
	ErrLicenseRevoked     = errors.New("license revoked")
	ErrLicenseExpired     = errors.New("license expired")
	ErrHardwareMismatch   = errors.New("hardware mismatch")
	ErrAlreadyActivated   = errors.New("license already activated on another machine")
	ErrInvalidSignature   = errors.New("invalid credential signature")
	ErrMalformed          = errors.New("malformed credential")
	ErrNetworkUnavailable = errors.New("license authority unreachable")
	ErrTrialAlreadyUsed   = errors.New("trial period already used on this machine")
	ErrInvalidKeyFormat   = errors.New("invalid license key format")
	ErrUnauthorized       = errors.New("operator authentication required")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details. Every policy
// violation produces a 4xx with a reason an operator can read back to a
// customer; only genuinely unexpected failures become 500s.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/license-not-found",
			"License Not Found",
			"The specified license key was not found. Check the key and try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_FOUND")

	case errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-revoked",
			"License Revoked",
			"This license has been revoked and can no longer be used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_REVOKED")

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrAlreadyActivated):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/license-already-activated",
			"License Already Activated",
			"This license is already activated on another machine. Ask an operator to transfer it.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ALREADY_ACTIVATED")

	case errors.Is(err, ErrHardwareMismatch):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/hardware-mismatch",
			"Hardware Mismatch",
			"This license is registered to a different machine.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "HARDWARE_MISMATCH")

	case errors.Is(err, ErrTrialAlreadyUsed):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/trial-already-used",
			"Trial Already Used",
			"A trial period was already granted to this machine and has ended.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRIAL_ALREADY_USED")

	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-format",
			"Invalid License Format",
			"License key must be in format: PARK-XXXX-XXXX-XXXX-XXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_FORMAT").
			WithExtension("expected_format", "PARK-XXXX-XXXX-XXXX-XXXX")

	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformed):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-credential",
			"Invalid Credential",
			"The submitted credential is malformed or carries an invalid signature.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_CREDENTIAL")

	case errors.Is(err, ErrUnauthorized):
		return NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/unauthorized",
			"Unauthorized",
			"A valid operator session is required for this endpoint.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "UNAUTHORIZED")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
