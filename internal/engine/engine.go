// Package engine implements the client-side license validation state machine:
// local cryptographic checks on every run, an online re-validation on a fixed
// cadence, and an offline grace policy so a network outage never strands a
// locally valid license.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"parklic/internal/authclient"
	"parklic/internal/clientstore"
	"parklic/internal/codec"
	apperrors "parklic/internal/errors"
)

// State is the engine's verdict about the local installation.
type State string

const (
	// StateNoLicense means no credential is installed.
	StateNoLicense State = "no_license"
	// StateActiveLocal means the credential passed every local check.
	StateActiveLocal State = "active"
	// StateExpiringSoon is StateActiveLocal with 30 or fewer days remaining.
	StateExpiringSoon State = "expiring_soon"
	// StateInvalid means a check failed; Reason says which one.
	StateInvalid State = "invalid"
	// StatePendingOnlineCheck means the local checks passed but the scheduled
	// online confirmation could not reach the authority (grace applied).
	StatePendingOnlineCheck State = "pending_online_check"
)

// Invalidity reasons.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonHardwareMismatch = "hardware_mismatch"
	ReasonExpired          = "expired"
	ReasonOnlineRejected   = "online_rejected"
)

// expiringSoonWindow is the advisory threshold for StateExpiringSoon.
const expiringSoonWindow = 30 * 24 * time.Hour

// ValidationResult is what Check reports to the application.
type ValidationResult struct {
	IsValid       bool      `json:"is_valid"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	LicenseKey    string    `json:"license_key,omitempty"`
	Type          string    `json:"type,omitempty"`
	DaysRemaining int       `json:"days_remaining,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// AuthorityAPI is the remote surface the engine needs. Satisfied by
// *authclient.Client.
type AuthorityAPI interface {
	Activate(ctx context.Context, licenseKey, hardwareID string) (*authclient.ActivationResponse, error)
	Validate(ctx context.Context, licenseKey string) (*authclient.ValidationResponse, error)
	Trial(ctx context.Context, hardwareID string) (*authclient.ActivationResponse, error)
}

// HardwareResolver yields the stable machine identity.
type HardwareResolver interface {
	Resolve() (string, error)
}

// Engine drives client-side license validation.
type Engine struct {
	store         *clientstore.Store
	hw            HardwareResolver
	remote        AuthorityAPI
	secret        string
	checkInterval time.Duration
	logger        *slog.Logger

	group singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// New creates a validation engine. checkInterval is how long a successful
// online check remains fresh; 0 defaults to 30 days.
func New(store *clientstore.Store, hw HardwareResolver, remote AuthorityAPI, secret string, checkInterval time.Duration, logger *slog.Logger) *Engine {
	if checkInterval <= 0 {
		checkInterval = 30 * 24 * time.Hour
	}
	return &Engine{
		store:         store,
		hw:            hw,
		remote:        remote,
		secret:        secret,
		checkInterval: checkInterval,
		logger:        logger.With(slog.String("component", "engine")),
		now:           time.Now,
	}
}

// Check validates the local credential and, when the online check is due,
// confirms it with the authority. Concurrent calls collapse to a single
// execution so the last-check stamp is written exactly once.
func (e *Engine) Check(ctx context.Context) (ValidationResult, error) {
	v, err, _ := e.group.Do("check", func() (interface{}, error) {
		return e.check(ctx)
	})
	if err != nil {
		return ValidationResult{}, err
	}
	return v.(ValidationResult), nil
}

func (e *Engine) check(ctx context.Context) (ValidationResult, error) {
	hardwareID, err := e.hw.Resolve()
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to resolve hardware id: %w", err)
	}

	blob, ok, err := e.store.LoadCredential()
	if err != nil {
		return ValidationResult{}, err
	}
	if !ok {
		return ValidationResult{State: StateNoLicense, Reason: "no license installed"}, nil
	}

	token, err := codec.Deobfuscate(blob, hardwareID)
	if err != nil {
		return e.discardCredential(ctx, ReasonInvalidSignature)
	}

	cred, err := codec.Verify(token, e.secret)
	if err != nil {
		// Tampered or corrupted file. Wrong obfuscation key lands here too,
		// since XOR with the wrong hardware id scrambles the token.
		return e.discardCredential(ctx, ReasonInvalidSignature)
	}

	if cred.HardwareID != hardwareID {
		return ValidationResult{
			State:      StateInvalid,
			Reason:     ReasonHardwareMismatch,
			LicenseKey: cred.LicenseKey,
		}, nil
	}

	now := e.now()
	if now.After(cred.ExpiresAt) {
		return ValidationResult{
			State:      StateInvalid,
			Reason:     ReasonExpired,
			LicenseKey: cred.LicenseKey,
			Type:       cred.Type,
			ExpiresAt:  cred.ExpiresAt,
		}, nil
	}

	graceApplied := false
	if e.onlineCheckDue(now) {
		resp, err := e.remote.Validate(ctx, cred.LicenseKey)
		switch {
		case errors.Is(err, apperrors.ErrNetworkUnavailable):
			// Offline grace: the local checks passed, so an unreachable
			// authority is not an invalid license.
			e.logger.WarnContext(ctx, "online check skipped, authority unreachable",
				slog.String("license_key", cred.LicenseKey),
			)
			graceApplied = true

		case err != nil:
			e.logger.WarnContext(ctx, "online check rejected license",
				slog.String("license_key", cred.LicenseKey),
				slog.String("error", err.Error()),
			)
			return ValidationResult{
				State:      StateInvalid,
				Reason:     ReasonOnlineRejected,
				LicenseKey: cred.LicenseKey,
				Type:       cred.Type,
			}, nil

		case !resp.IsValid:
			return ValidationResult{
				State:      StateInvalid,
				Reason:     ReasonOnlineRejected,
				LicenseKey: cred.LicenseKey,
				Type:       cred.Type,
			}, nil

		default:
			refreshed, verr := codec.Verify(resp.SignedLicense, e.secret)
			if verr != nil {
				return ValidationResult{}, fmt.Errorf("authority returned an unverifiable credential: %w", verr)
			}
			// The authority may have rebound the license (transfer) since the
			// local credential was issued; the refreshed binding must still
			// name this machine before it is adopted.
			if refreshed.HardwareID != hardwareID {
				return ValidationResult{
					State:      StateInvalid,
					Reason:     ReasonHardwareMismatch,
					LicenseKey: cred.LicenseKey,
					Type:       cred.Type,
				}, nil
			}
			if err := e.persist(resp.SignedLicense, hardwareID, now); err != nil {
				return ValidationResult{}, err
			}
			cred = refreshed
		}
	}

	days := cred.DaysRemaining(now)
	result := ValidationResult{
		IsValid:       true,
		State:         StateActiveLocal,
		LicenseKey:    cred.LicenseKey,
		Type:          cred.Type,
		DaysRemaining: days,
		ExpiresAt:     cred.ExpiresAt,
	}
	switch {
	case graceApplied:
		result.State = StatePendingOnlineCheck
	case cred.ExpiresAt.Sub(now) <= expiringSoonWindow:
		result.State = StateExpiringSoon
	}
	return result, nil
}

// Activate redeems a license key with the authority and installs the returned
// credential.
func (e *Engine) Activate(ctx context.Context, licenseKey string) (ValidationResult, error) {
	hardwareID, err := e.hw.Resolve()
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to resolve hardware id: %w", err)
	}

	resp, err := e.remote.Activate(ctx, licenseKey, hardwareID)
	if err != nil {
		return ValidationResult{}, err
	}
	return e.install(ctx, resp, hardwareID)
}

// StartTrial requests a trial from the authority and installs the returned
// credential. Safe to retry; a valid existing trial comes back unchanged.
func (e *Engine) StartTrial(ctx context.Context) (ValidationResult, error) {
	hardwareID, err := e.hw.Resolve()
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to resolve hardware id: %w", err)
	}

	resp, err := e.remote.Trial(ctx, hardwareID)
	if err != nil {
		return ValidationResult{}, err
	}
	return e.install(ctx, resp, hardwareID)
}

func (e *Engine) install(ctx context.Context, resp *authclient.ActivationResponse, hardwareID string) (ValidationResult, error) {
	cred, err := codec.Verify(resp.SignedLicense, e.secret)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("authority returned an unverifiable credential: %w", err)
	}

	now := e.now()
	if err := e.persist(resp.SignedLicense, hardwareID, now); err != nil {
		return ValidationResult{}, err
	}

	e.logger.InfoContext(ctx, "credential installed",
		slog.String("license_key", cred.LicenseKey),
		slog.String("type", cred.Type),
	)

	result := ValidationResult{
		IsValid:       true,
		State:         StateActiveLocal,
		LicenseKey:    cred.LicenseKey,
		Type:          cred.Type,
		DaysRemaining: cred.DaysRemaining(now),
		ExpiresAt:     cred.ExpiresAt,
	}
	if cred.ExpiresAt.Sub(now) <= expiringSoonWindow {
		result.State = StateExpiringSoon
	}
	return result, nil
}

func (e *Engine) persist(token, hardwareID string, now time.Time) error {
	if err := e.store.SaveCredential(codec.Obfuscate(token, hardwareID)); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	if err := e.store.SetLastCheck(now); err != nil {
		return fmt.Errorf("failed to persist last-check stamp: %w", err)
	}
	return nil
}

func (e *Engine) onlineCheckDue(now time.Time) bool {
	last, ok, err := e.store.LastCheck()
	if err != nil || !ok {
		return true
	}
	return now.Sub(last) > e.checkInterval
}

// discardCredential removes a credential that failed a cryptographic or
// structural check. The next run starts from StateNoLicense.
func (e *Engine) discardCredential(ctx context.Context, reason string) (ValidationResult, error) {
	if err := e.store.RemoveCredential(); err != nil {
		e.logger.ErrorContext(ctx, "failed to remove bad credential", slog.String("error", err.Error()))
	}
	return ValidationResult{State: StateInvalid, Reason: reason}, nil
}
