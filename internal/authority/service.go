package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parklic/internal/codec"
	apperrors "parklic/internal/errors"
)

// Service implements the licensing authority operations. Stateless per
// request; every mutation runs inside its own transaction.
type Service struct {
	db            *gorm.DB
	secret        string
	trialDuration time.Duration
	logger        *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates the authority service.
func NewService(db *gorm.DB, secret string, trialDuration time.Duration, logger *slog.Logger) *Service {
	return &Service{
		db:            db,
		secret:        secret,
		trialDuration: trialDuration,
		logger:        logger.With(slog.String("component", "authority")),
		now:           time.Now,
	}
}

// ActivationResult is returned by Activate and Trial: a freshly signed
// credential plus its expiry.
type ActivationResult struct {
	LicenseKey string           `json:"license_key"`
	Token      string           `json:"signed_license"`
	Credential codec.Credential `json:"-"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// ValidationOutcome is returned by Validate. Policy failures (revoked,
// expired, not yet activated) are carried as IsValid=false with a reason,
// not as errors.
type ValidationOutcome struct {
	IsValid       bool       `json:"is_valid"`
	Reason        string     `json:"reason,omitempty"`
	DaysRemaining int        `json:"days_remaining,omitempty"`
	Token         string     `json:"signed_license,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// IssueParams are the operator inputs for issuing a license.
type IssueParams struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	Duration      time.Duration
	Type          string
	MaxLocations  int
	Features      []string
}

// auditRec collects audit rows during an operation. They are flushed after
// the surrounding transaction finishes so a failure trail survives the
// rollback that reported it.
type auditRec struct {
	entries []AuditEntry
}

func (a *auditRec) add(licenseID *uuid.UUID, action, hardwareID string, meta ClientMeta, success bool, errorText string) {
	a.entries = append(a.entries, AuditEntry{
		ID:         uuid.New(),
		LicenseID:  licenseID,
		Action:     action,
		HardwareID: hardwareID,
		ClientIP:   meta.IP,
		UserAgent:  meta.UserAgent,
		Success:    success,
		ErrorText:  errorText,
	})
}

// flush appends the collected rows. Audit failures are logged, never
// propagated; they must not fail the request they describe.
func (s *Service) flush(ctx context.Context, rec *auditRec) {
	for i := range rec.entries {
		if err := s.db.WithContext(ctx).Create(&rec.entries[i]).Error; err != nil {
			s.logger.ErrorContext(ctx, "failed to append audit entry",
				slog.String("action", rec.entries[i].Action),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Activate binds a license to a hardware id. First-writer-wins: the row is
// locked for the duration of the check-then-set, so of two concurrent
// activations from different machines exactly one succeeds and the other
// observes the new binding and fails with ErrAlreadyActivated.
func (s *Service) Activate(ctx context.Context, licenseKey, hardwareID string, meta ClientMeta) (*ActivationResult, error) {
	rec := &auditRec{}
	defer s.flush(ctx, rec)

	key, err := NormalizeKey(licenseKey)
	if err != nil {
		rec.add(nil, ActionInitialActivation, hardwareID, meta, false, err.Error())
		return nil, err
	}

	var result *ActivationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("license_key = ?", key).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				rec.add(nil, ActionInitialActivation, hardwareID, meta, false, apperrors.ErrLicenseNotFound.Error())
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("failed to load license: %w", err)
		}

		now := s.now()
		var policyErr error
		switch {
		case lic.Status == StatusRevoked:
			policyErr = apperrors.ErrLicenseRevoked
		case lic.IsExpired(now):
			policyErr = apperrors.ErrLicenseExpired
		case lic.HardwareID != "" && lic.HardwareID != hardwareID:
			policyErr = apperrors.ErrAlreadyActivated
		}
		if policyErr != nil {
			rec.add(&lic.ID, ActionInitialActivation, hardwareID, meta, false, policyErr.Error())
			return policyErr
		}

		lic.HardwareID = hardwareID
		lic.Status = StatusActive
		if lic.ActivatedAt == nil {
			lic.ActivatedAt = &now
		}
		lic.LastValidatedAt = &now
		if err := tx.Save(&lic).Error; err != nil {
			return fmt.Errorf("failed to persist activation: %w", err)
		}

		token, cred, err := s.signLicense(&lic)
		if err != nil {
			return err
		}
		result = &ActivationResult{
			LicenseKey: lic.LicenseKey,
			Token:      token,
			Credential: cred,
			ExpiresAt:  lic.ExpiresAt,
		}
		rec.add(&lic.ID, ActionInitialActivation, hardwareID, meta, true, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", MaskKey(key)),
		slog.String("hardware_id", hardwareID),
	)
	return result, nil
}

// Validate is an idempotent status check. Expiry detected here flips the
// durable record to expired (lazy expiry, no background sweeper); a valid
// license gets its credential re-signed so the client can refresh its cached
// token in the same round trip.
func (s *Service) Validate(ctx context.Context, licenseKey string, meta ClientMeta) (*ValidationOutcome, error) {
	rec := &auditRec{}
	defer s.flush(ctx, rec)

	key, err := NormalizeKey(licenseKey)
	if err != nil {
		rec.add(nil, ActionValidate, "", meta, false, err.Error())
		return nil, err
	}

	var outcome *ValidationOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("license_key = ?", key).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				rec.add(nil, ActionValidate, "", meta, false, apperrors.ErrLicenseNotFound.Error())
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("failed to load license: %w", err)
		}

		now := s.now()

		if lic.Status == StatusRevoked {
			outcome = &ValidationOutcome{IsValid: false, Reason: "license revoked"}
			rec.add(&lic.ID, ActionValidate, lic.HardwareID, meta, false, "license revoked")
			return nil
		}

		if lic.IsExpired(now) {
			if lic.Status != StatusExpired {
				lic.Status = StatusExpired
				if err := tx.Save(&lic).Error; err != nil {
					return fmt.Errorf("failed to persist expiry: %w", err)
				}
			}
			outcome = &ValidationOutcome{IsValid: false, Reason: "license expired"}
			rec.add(&lic.ID, ActionValidate, lic.HardwareID, meta, false, "license expired")
			return nil
		}

		if lic.Status == StatusPending {
			outcome = &ValidationOutcome{IsValid: false, Reason: "license not activated"}
			rec.add(&lic.ID, ActionValidate, lic.HardwareID, meta, false, "license not activated")
			return nil
		}

		lic.LastValidatedAt = &now
		if err := tx.Save(&lic).Error; err != nil {
			return fmt.Errorf("failed to stamp validation: %w", err)
		}

		token, _, err := s.signLicense(&lic)
		if err != nil {
			return err
		}
		expiresAt := lic.ExpiresAt
		outcome = &ValidationOutcome{
			IsValid:       true,
			DaysRemaining: lic.DaysRemaining(now),
			Token:         token,
			ExpiresAt:     &expiresAt,
		}
		rec.add(&lic.ID, ActionValidate, lic.HardwareID, meta, true, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Trial grants a self-service trial bound to the hardware id, with no
// separate activation step. Idempotent while the trial is still valid: a
// retry after a crash or reinstall returns the same license key re-signed. A
// machine whose trial has expired or was revoked is rejected; there is no
// second trial.
func (s *Service) Trial(ctx context.Context, hardwareID string, meta ClientMeta) (*ActivationResult, error) {
	if hardwareID == "" {
		return nil, fmt.Errorf("hardware id is required")
	}

	rec := &auditRec{}
	defer s.flush(ctx, rec)

	var result *ActivationResult
	var action string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior License
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("hardware_id = ? AND type = ?", hardwareID, codec.TypeTrial).
			Order("created_at DESC").First(&prior).Error

		now := s.now()

		switch {
		case err == nil && prior.Status == StatusActive && !prior.IsExpired(now):
			// Same trial, re-signed. Safe to retry after crash or reinstall.
			token, cred, err := s.signLicense(&prior)
			if err != nil {
				return err
			}
			result = &ActivationResult{
				LicenseKey: prior.LicenseKey,
				Token:      token,
				Credential: cred,
				ExpiresAt:  prior.ExpiresAt,
			}
			action = ActionTrialRecovery
			rec.add(&prior.ID, ActionTrialRecovery, hardwareID, meta, true, "")
			return nil

		case err == nil:
			// A prior trial exists but is expired or revoked: hard rejection.
			rec.add(&prior.ID, ActionTrialStart, hardwareID, meta, false, apperrors.ErrTrialAlreadyUsed.Error())
			return apperrors.ErrTrialAlreadyUsed

		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to look up prior trial: %w", err)
		}

		key, err := GenerateKey()
		if err != nil {
			return err
		}
		lic := License{
			ID:              uuid.New(),
			LicenseKey:      key,
			CustomerID:      "trial",
			CustomerName:    "Trial",
			IssuedAt:        now,
			ExpiresAt:       now.Add(s.trialDuration),
			HardwareID:      hardwareID,
			ActivatedAt:     &now,
			LastValidatedAt: &now,
			MaxLocations:    1,
			Features:        StringList{"sessions", "shifts"},
			Status:          StatusActive,
			Type:            codec.TypeTrial,
		}
		if err := tx.Create(&lic).Error; err != nil {
			return fmt.Errorf("failed to create trial license: %w", err)
		}

		token, cred, err := s.signLicense(&lic)
		if err != nil {
			return err
		}
		result = &ActivationResult{
			LicenseKey: lic.LicenseKey,
			Token:      token,
			Credential: cred,
			ExpiresAt:  lic.ExpiresAt,
		}
		action = ActionTrialStart
		rec.add(&lic.ID, ActionTrialStart, hardwareID, meta, true, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "trial granted",
		slog.String("license_key", MaskKey(result.LicenseKey)),
		slog.String("hardware_id", hardwareID),
		slog.String("action", action),
	)
	return result, nil
}

// Issue creates a new operator-issued license in pending state.
func (s *Service) Issue(ctx context.Context, params IssueParams) (*License, error) {
	if params.Type != codec.TypeTrial && params.Type != codec.TypeFull {
		return nil, fmt.Errorf("invalid license type %q", params.Type)
	}
	if params.Duration <= 0 {
		return nil, fmt.Errorf("license duration must be positive")
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	now := s.now()
	maxLocations := params.MaxLocations
	if maxLocations <= 0 {
		maxLocations = 1
	}
	lic := License{
		ID:            uuid.New(),
		LicenseKey:    key,
		CustomerID:    params.CustomerID,
		CustomerName:  params.CustomerName,
		CustomerEmail: params.CustomerEmail,
		IssuedAt:      now,
		ExpiresAt:     now.Add(params.Duration),
		MaxLocations:  maxLocations,
		Features:      StringList(params.Features),
		Status:        StatusPending,
		Type:          params.Type,
	}
	if err := s.db.WithContext(ctx).Create(&lic).Error; err != nil {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}

	rec := &auditRec{}
	rec.add(&lic.ID, ActionIssue, "", ClientMeta{}, true, "")
	s.flush(ctx, rec)

	s.logger.InfoContext(ctx, "license issued",
		slog.String("license_key", MaskKey(key)),
		slog.String("type", params.Type),
		slog.String("customer", params.CustomerName),
	)
	return &lic, nil
}

// List returns all licenses, newest first.
func (s *Service) List(ctx context.Context) ([]License, error) {
	var licenses []License
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&licenses).Error; err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return licenses, nil
}

// Revoke terminally revokes a license. No outgoing transition exists from
// revoked.
func (s *Service) Revoke(ctx context.Context, licenseKey string, meta ClientMeta) error {
	return s.mutateByKey(ctx, licenseKey, ActionRevoke, meta, func(lic *License, now time.Time) error {
		lic.Status = StatusRevoked
		return nil
	})
}

// Renew extends expiry from max(now, current expiry) and re-activates a
// previously expired license. Revoked licenses cannot be renewed.
func (s *Service) Renew(ctx context.Context, licenseKey string, extension time.Duration, meta ClientMeta) error {
	if extension <= 0 {
		return fmt.Errorf("renewal extension must be positive")
	}
	return s.mutateByKey(ctx, licenseKey, ActionRenew, meta, func(lic *License, now time.Time) error {
		if lic.Status == StatusRevoked {
			return apperrors.ErrLicenseRevoked
		}
		base := lic.ExpiresAt
		if now.After(base) {
			base = now
		}
		lic.ExpiresAt = base.Add(extension)
		if lic.Status == StatusExpired {
			lic.Status = StatusActive
		}
		return nil
	})
}

// Transfer clears the hardware binding without altering status, allowing
// reactivation on new hardware. This is the audited path for legitimate
// hardware replacement.
func (s *Service) Transfer(ctx context.Context, licenseKey string, meta ClientMeta) error {
	return s.mutateByKey(ctx, licenseKey, ActionTransfer, meta, func(lic *License, now time.Time) error {
		if lic.Status == StatusRevoked {
			return apperrors.ErrLicenseRevoked
		}
		lic.HardwareID = ""
		return nil
	})
}

// AuditTrail returns the append-only audit entries, newest first, capped at
// limit (0 means a sane default).
func (s *Service) AuditTrail(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	var entries []AuditEntry
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}

// mutateByKey loads a license under a row lock, applies fn, saves, audits.
func (s *Service) mutateByKey(ctx context.Context, licenseKey, action string, meta ClientMeta, fn func(*License, time.Time) error) error {
	rec := &auditRec{}
	defer s.flush(ctx, rec)

	key, err := NormalizeKey(licenseKey)
	if err != nil {
		rec.add(nil, action, "", meta, false, err.Error())
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("license_key = ?", key).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				rec.add(nil, action, "", meta, false, apperrors.ErrLicenseNotFound.Error())
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("failed to load license: %w", err)
		}

		if err := fn(&lic, s.now()); err != nil {
			rec.add(&lic.ID, action, lic.HardwareID, meta, false, err.Error())
			return err
		}
		if err := tx.Save(&lic).Error; err != nil {
			return fmt.Errorf("failed to persist %s: %w", action, err)
		}
		rec.add(&lic.ID, action, lic.HardwareID, meta, true, "")
		return nil
	})
}

// signLicense builds and signs the client credential for a license record.
func (s *Service) signLicense(lic *License) (string, codec.Credential, error) {
	cred := codec.Credential{
		LicenseKey:     lic.LicenseKey,
		CustomerID:     lic.CustomerID,
		CustomerName:   lic.CustomerName,
		IssuedAt:       lic.IssuedAt,
		ExpiresAt:      lic.ExpiresAt,
		HardwareID:     lic.HardwareID,
		MaxActivations: 1,
		MaxLocations:   lic.MaxLocations,
		Features:       []string(lic.Features),
		Version:        1,
		Type:           lic.Type,
	}
	token, err := codec.Sign(cred, s.secret)
	if err != nil {
		return "", cred, fmt.Errorf("failed to sign credential: %w", err)
	}
	return token, cred, nil
}

// MaskKey masks a license key for logging: PARK-AB12-****-****-7890.
func MaskKey(key string) string {
	if len(key) != 24 {
		if len(key) <= 4 {
			return "****"
		}
		return key[:4] + "****"
	}
	return key[:9] + "-****-****-" + key[20:]
}
