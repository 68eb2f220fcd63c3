package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"

	"parklic/internal/authority"
	licenseErrors "parklic/internal/errors"
	"parklic/internal/exporter"
	"parklic/internal/infrastructure"
	"parklic/internal/middleware"
)

// AdminHandler serves the operator surface: login, the license register, and
// lifecycle actions.
type AdminHandler struct {
	service      *authority.Service
	sessions     *middleware.SessionManager
	adminUser    string
	passwordHash string
	logger       *slog.Logger
}

// NewAdminHandler creates the admin handler. passwordHash is a bcrypt hash of
// the operator password.
func NewAdminHandler(service *authority.Service, sessions *middleware.SessionManager, adminUser, passwordHash string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:      service,
		sessions:     sessions,
		adminUser:    adminUser,
		passwordHash: passwordHash,
		logger:       logger.With(slog.String("component", "admin_handler")),
	}
}

// LoginRequest is the body of POST /admin/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// IssueRequest is the body of POST /admin/licenses.
type IssueRequest struct {
	CustomerID    string   `json:"customer_id" validate:"required"`
	CustomerName  string   `json:"customer_name" validate:"required"`
	CustomerEmail string   `json:"customer_email" validate:"omitempty,email"`
	DurationDays  int      `json:"duration_days" validate:"required,gt=0"`
	Type          string   `json:"type" validate:"required,oneof=trial full"`
	MaxLocations  int      `json:"max_locations" validate:"omitempty,gt=0"`
	Features      []string `json:"features"`
}

// RenewRequest is the body of POST /admin/licenses/{key}/renew.
type RenewRequest struct {
	ExtensionDays int `json:"extension_days" validate:"required,gt=0"`
}

// Login handles POST /admin/login.
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := &LoginRequest{}
	if !decodeAndValidate(h.logger, w, r, data, "/admin/login") {
		return
	}

	if data.Username != h.adminUser ||
		bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(data.Password)) != nil {
		h.logger.WarnContext(ctx, "failed operator login",
			slog.String("username", data.Username),
			slog.String("remote_addr", r.RemoteAddr),
		)
		render.Render(w, r, licenseErrors.MapLicenseError(licenseErrors.ErrUnauthorized, infrastructure.GetTraceID(ctx)))
		return
	}

	token, err := h.sessions.IssueToken(data.Username)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to issue session token", slog.String("error", err.Error()))
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	h.logger.InfoContext(ctx, "operator logged in", slog.String("username", data.Username))
	render.JSON(w, r, map[string]interface{}{
		"token":      token,
		"token_type": "Bearer",
	})
}

// List handles GET /admin/licenses.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	licenses, err := h.service.List(ctx)
	if err != nil {
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// Issue handles POST /admin/licenses.
func (h *AdminHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := &IssueRequest{}
	if !decodeAndValidate(h.logger, w, r, data, "/admin/licenses") {
		return
	}

	lic, err := h.service.Issue(ctx, authority.IssueParams{
		CustomerID:    data.CustomerID,
		CustomerName:  data.CustomerName,
		CustomerEmail: data.CustomerEmail,
		Duration:      time.Duration(data.DurationDays) * 24 * time.Hour,
		Type:          data.Type,
		MaxLocations:  data.MaxLocations,
		Features:      data.Features,
	})
	if err != nil {
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	h.logger.InfoContext(ctx, "license issued by operator",
		slog.String("operator", middleware.GetOperator(ctx)),
		slog.String("license_key", authority.MaskKey(lic.LicenseKey)),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic)
}

// Revoke handles POST /admin/licenses/{key}/revoke.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "revoke", func(key string) error {
		return h.service.Revoke(r.Context(), key, clientMeta(r))
	})
}

// Renew handles POST /admin/licenses/{key}/renew.
func (h *AdminHandler) Renew(w http.ResponseWriter, r *http.Request) {
	data := &RenewRequest{}
	if !decodeAndValidate(h.logger, w, r, data, "/admin/licenses/renew") {
		return
	}
	h.lifecycle(w, r, "renew", func(key string) error {
		return h.service.Renew(r.Context(), key, time.Duration(data.ExtensionDays)*24*time.Hour, clientMeta(r))
	})
}

// Transfer handles POST /admin/licenses/{key}/transfer.
func (h *AdminHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "transfer", func(key string) error {
		return h.service.Transfer(r.Context(), key, clientMeta(r))
	})
}

func (h *AdminHandler) lifecycle(w http.ResponseWriter, r *http.Request, action string, fn func(key string) error) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	if err := fn(key); err != nil {
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	h.logger.InfoContext(ctx, "license lifecycle action",
		slog.String("action", action),
		slog.String("operator", middleware.GetOperator(ctx)),
		slog.String("license_key", authority.MaskKey(key)),
	)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Export handles GET /admin/licenses/export?format=xlsx|csv.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	licenses, err := h.service.List(ctx)
	if err != nil {
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	stamp := time.Now().UTC().Format("2006-01-02")
	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="licenses-`+stamp+`.csv"`)
		err = exporter.WriteCSV(w, licenses)
	default:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="licenses-`+stamp+`.xlsx"`)
		err = exporter.WriteXLSX(w, licenses)
	}
	if err != nil {
		// Headers are gone; all we can do is log.
		h.logger.ErrorContext(ctx, "license export failed", slog.String("error", err.Error()))
	}
}

// Audit handles GET /admin/audit.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			problem := licenseErrors.NewProblemDetails(
				http.StatusBadRequest,
				"/errors/invalid-request",
				"Invalid Request",
				"limit must be an integer",
				"/admin/audit",
			).WithExtension("trace_id", infrastructure.GetTraceID(ctx))
			render.Render(w, r, problem)
			return
		}
		limit = parsed
	}

	entries, err := h.service.AuditTrail(ctx, limit)
	if err != nil {
		render.Render(w, r, licenseErrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
