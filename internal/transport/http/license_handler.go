// Package http exposes the licensing authority over HTTP: the public license
// API (activate, validate, trial) and the operator /admin surface.
package http

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"parklic/internal/authority"
	licenseErrors "parklic/internal/errors"
	"parklic/internal/infrastructure"
	"parklic/internal/middleware"
)

var validate = validator.New()

// LicenseHandler serves the public license endpoints.
type LicenseHandler struct {
	service *authority.Service
	logger  *slog.Logger
}

// NewLicenseHandler creates the public license handler.
func NewLicenseHandler(service *authority.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("component", "license_handler")),
	}
}

// ActivationRequest is the body of POST /api/license/activate.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	HardwareID string `json:"hardware_id" validate:"required,len=16,hexadecimal"`
}

// ValidationRequest is the body of POST /api/license/validate.
type ValidationRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
}

// TrialRequest is the body of POST /api/license/trial.
type TrialRequest struct {
	HardwareID string `json:"hardware_id" validate:"required,len=16,hexadecimal"`
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		),
	)
	defer span.End()

	data := &ActivationRequest{}
	if !decodeAndValidate(h.logger, w, r, data, "/api/license/activate") {
		span.SetAttributes(attribute.String("error.type", "request_decode"))
		return
	}

	span.SetAttributes(attribute.String("license.key_masked", authority.MaskKey(data.LicenseKey)))

	result, err := h.service.Activate(ctx, data.LicenseKey, data.HardwareID, clientMeta(r))
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Validate handles POST /api/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/validate"),
		),
	)
	defer span.End()

	data := &ValidationRequest{}
	if !decodeAndValidate(h.logger, w, r, data, "/api/license/validate") {
		span.SetAttributes(attribute.String("error.type", "request_decode"))
		return
	}

	outcome, err := h.service.Validate(ctx, data.LicenseKey, clientMeta(r))
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	span.SetAttributes(attribute.Bool("license.is_valid", outcome.IsValid))
	render.JSON(w, r, outcome)
}

// Trial handles POST /api/license/trial.
func (h *LicenseHandler) Trial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.trial",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/trial"),
		),
	)
	defer span.End()

	data := &TrialRequest{}
	if !decodeAndValidate(h.logger, w, r, data, "/api/license/trial") {
		span.SetAttributes(attribute.String("error.type", "request_decode"))
		return
	}

	result, err := h.service.Trial(ctx, data.HardwareID, clientMeta(r))
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// decodeAndValidate reads and validates a JSON request body, rendering a
// problem on failure. Returns false when the request was already answered.
func decodeAndValidate(logger *slog.Logger, w http.ResponseWriter, r *http.Request, data interface{}, route string) bool {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	reqID := middleware.GetReqID(ctx)

	if err := render.Decode(r, data); err != nil {
		logger.WarnContext(ctx, "failed to decode request",
			slog.String("route", route),
			slog.String("error", err.Error()),
		)
		problem := licenseErrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			"Request body is not valid JSON.",
			route+"#"+reqID,
		).WithExtension("trace_id", traceID)
		render.Render(w, r, problem)
		return false
	}

	if err := validate.Struct(data); err != nil {
		logger.WarnContext(ctx, "request failed validation",
			slog.String("route", route),
			slog.String("error", err.Error()),
		)
		problem := licenseErrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			route+"#"+reqID,
		).WithExtension("trace_id", traceID)
		render.Render(w, r, problem)
		return false
	}
	return true
}

// clientMeta extracts the caller's network identity for the audit log.
func clientMeta(r *http.Request) authority.ClientMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return authority.ClientMeta{
		IP:        ip,
		UserAgent: r.UserAgent(),
	}
}
