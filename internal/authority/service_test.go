package authority

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parklic/internal/codec"
	apperrors "parklic/internal/errors"
)

const testSecret = "test-shared-secret-0123456789"

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := OpenStore(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	return NewService(db, testSecret, 14*24*time.Hour, slog.Default())
}

func issueFull(t *testing.T, s *Service, duration time.Duration) *License {
	t.Helper()
	lic, err := s.Issue(context.Background(), IssueParams{
		CustomerID:   "cust-001",
		CustomerName: "Riverside Parking",
		Duration:     duration,
		Type:         codec.TypeFull,
		Features:     []string{"sessions", "shifts", "reports"},
	})
	require.NoError(t, err)
	return lic
}

func TestIssueCreatesPendingLicense(t *testing.T) {
	s := newTestService(t)
	lic := issueFull(t, s, 365*24*time.Hour)

	assert.Equal(t, StatusPending, lic.Status)
	assert.Empty(t, lic.HardwareID)
	assert.Nil(t, lic.ActivatedAt)
	assert.Regexp(t, `^PARK-`, lic.LicenseKey)
}

func TestIssueRejectsBadParams(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Issue(ctx, IssueParams{Type: "lifetime", Duration: time.Hour})
	assert.Error(t, err)

	_, err = s.Issue(ctx, IssueParams{Type: codec.TypeFull, Duration: 0})
	assert.Error(t, err)
}

func TestActivateBindsHardwareAndSigns(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 365*24*time.Hour)

	result, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{IP: "10.0.0.5"})
	require.NoError(t, err)

	assert.Equal(t, lic.LicenseKey, result.LicenseKey)
	assert.Equal(t, "a1b2c3d4e5f60718", result.Credential.HardwareID)

	cred, err := codec.Verify(result.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, lic.LicenseKey, cred.LicenseKey)
	assert.Equal(t, "a1b2c3d4e5f60718", cred.HardwareID)
	assert.Equal(t, codec.TypeFull, cred.Type)
}

func TestActivateAcceptsUnnormalizedKey(t *testing.T) {
	s := newTestService(t)
	lic := issueFull(t, s, 30*24*time.Hour)

	messy := " " + lic.LicenseKey[:9] + lic.LicenseKey[10:] // drop one dash, add space
	_, err := s.Activate(context.Background(), messy, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
}

func TestActivateSameHardwareIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)

	// Reinstall on the same machine: same hardware id re-activates cleanly.
	result, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f60718", result.Credential.HardwareID)
}

func TestActivateRejectsSecondMachine(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)

	_, err = s.Activate(ctx, lic.LicenseKey, "ffffffffffffffff", ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyActivated)
}

func TestActivateUnknownKey(t *testing.T) {
	s := newTestService(t)
	_, err := s.Activate(context.Background(), "PARK-0000-0000-0000-0000", "a1b2c3d4e5f60718", ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestActivateMalformedKey(t *testing.T) {
	s := newTestService(t)
	_, err := s.Activate(context.Background(), "not-a-key", "a1b2c3d4e5f60718", ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidKeyFormat)
}

func TestConcurrentActivationSingleWinner(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	hardwareIDs := []string{"1111111111111111", "2222222222222222"}
	errs := make([]error, len(hardwareIDs))

	var wg sync.WaitGroup
	for i, hw := range hardwareIDs {
		wg.Add(1)
		go func(i int, hw string) {
			defer wg.Done()
			_, errs[i] = s.Activate(ctx, lic.LicenseKey, hw, ClientMeta{})
		}(i, hw)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		default:
			assert.ErrorIs(t, err, apperrors.ErrAlreadyActivated)
			lost++
		}
	}
	assert.Equal(t, 1, won, "exactly one activation must win")
	assert.Equal(t, 1, lost, "the other must observe the binding and fail")
}

func TestValidateLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	// Pending license validates as not activated.
	outcome, err := s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	assert.False(t, outcome.IsValid)
	assert.Equal(t, "license not activated", outcome.Reason)

	_, err = s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)

	outcome, err = s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	assert.True(t, outcome.IsValid)
	assert.Equal(t, 29, outcome.DaysRemaining)
	require.NotEmpty(t, outcome.Token)

	cred, err := codec.Verify(outcome.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f60718", cred.HardwareID)
}

func TestValidateLazyExpiryFlipsStatusAndSticks(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)

	// Jump past expiry; validation flips the durable status.
	s.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	outcome, err := s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	assert.False(t, outcome.IsValid)
	assert.Equal(t, "license expired", outcome.Reason)

	var stored License
	require.NoError(t, s.db.Where("license_key = ?", lic.LicenseKey).First(&stored).Error)
	assert.Equal(t, StatusExpired, stored.Status)

	// Expired is sticky even when the clock moves back.
	s.now = time.Now
	outcome, err = s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	assert.False(t, outcome.IsValid)
}

func TestValidateRevoked(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, lic.LicenseKey, ClientMeta{}))

	outcome, err := s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	assert.False(t, outcome.IsValid)
	assert.Equal(t, "license revoked", outcome.Reason)
}

func TestTrialIsIdempotentWhileValid(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Trial(ctx, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, codec.TypeTrial, first.Credential.Type)
	assert.Equal(t, "a1b2c3d4e5f60718", first.Credential.HardwareID)

	// Crash-and-retry returns the same license key, freshly signed.
	second, err := s.Trial(ctx, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, first.LicenseKey, second.LicenseKey)
}

func TestTrialRejectedAfterExpiry(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Trial(ctx, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }
	_, err = s.Trial(ctx, "a1b2c3d4e5f60718", ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrTrialAlreadyUsed)
}

func TestTrialRejectedAfterRevoke(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Trial(ctx, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, first.LicenseKey, ClientMeta{}))

	_, err = s.Trial(ctx, "a1b2c3d4e5f60718", ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrTrialAlreadyUsed)
}

func TestTrialDifferentMachinesGetDifferentTrials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	a, err := s.Trial(ctx, "1111111111111111", ClientMeta{})
	require.NoError(t, err)
	b, err := s.Trial(ctx, "2222222222222222", ClientMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, a.LicenseKey, b.LicenseKey)
}

func TestRenewExtendsAndReactivates(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)

	// Let it expire via validation.
	s.now = func() time.Time { return time.Now().Add(40 * 24 * time.Hour) }
	outcome, err := s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	require.False(t, outcome.IsValid)

	// Renew extends from now (expiry is in the past) and re-activates.
	require.NoError(t, s.Renew(ctx, lic.LicenseKey, 90*24*time.Hour, ClientMeta{}))

	outcome, err = s.Validate(ctx, lic.LicenseKey, ClientMeta{})
	require.NoError(t, err)
	assert.True(t, outcome.IsValid)
	assert.Equal(t, 89, outcome.DaysRemaining)
}

func TestRenewBeforeExpiryExtendsFromExpiry(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	require.NoError(t, s.Renew(ctx, lic.LicenseKey, 30*24*time.Hour, ClientMeta{}))

	var stored License
	require.NoError(t, s.db.Where("license_key = ?", lic.LicenseKey).First(&stored).Error)
	assert.WithinDuration(t, lic.ExpiresAt.Add(30*24*time.Hour), stored.ExpiresAt, time.Second)
}

func TestRenewRevokedRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	require.NoError(t, s.Revoke(ctx, lic.LicenseKey, ClientMeta{}))
	err := s.Renew(ctx, lic.LicenseKey, 30*24*time.Hour, ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrLicenseRevoked)
}

func TestTransferAllowsReactivationOnNewHardware(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 365*24*time.Hour)

	// Full lifecycle: activate on H1, conflict from H2, transfer, activate on H2.
	_, err := s.Activate(ctx, lic.LicenseKey, "1111111111111111", ClientMeta{})
	require.NoError(t, err)

	_, err = s.Activate(ctx, lic.LicenseKey, "2222222222222222", ClientMeta{})
	require.ErrorIs(t, err, apperrors.ErrAlreadyActivated)

	require.NoError(t, s.Transfer(ctx, lic.LicenseKey, ClientMeta{}))

	result, err := s.Activate(ctx, lic.LicenseKey, "2222222222222222", ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "2222222222222222", result.Credential.HardwareID)

	// The old machine's credential no longer matches the binding.
	var stored License
	require.NoError(t, s.db.Where("license_key = ?", lic.LicenseKey).First(&stored).Error)
	assert.Equal(t, "2222222222222222", stored.HardwareID)
}

func TestTransferRevokedRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	require.NoError(t, s.Revoke(ctx, lic.LicenseKey, ClientMeta{}))
	assert.ErrorIs(t, s.Transfer(ctx, lic.LicenseKey, ClientMeta{}), apperrors.ErrLicenseRevoked)
}

func TestRevokeIsTerminal(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, lic.LicenseKey, ClientMeta{}))

	_, err = s.Activate(ctx, lic.LicenseKey, "a1b2c3d4e5f60718", ClientMeta{})
	assert.ErrorIs(t, err, apperrors.ErrLicenseRevoked)
}

func TestAuditTrailRecordsFailuresAndSuccesses(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	lic := issueFull(t, s, 30*24*time.Hour)

	_, err := s.Activate(ctx, lic.LicenseKey, "1111111111111111", ClientMeta{IP: "10.1.2.3", UserAgent: "parkcheck/1.0"})
	require.NoError(t, err)

	// A failed activation must still leave a trail.
	_, err = s.Activate(ctx, lic.LicenseKey, "2222222222222222", ClientMeta{IP: "10.9.9.9"})
	require.ErrorIs(t, err, apperrors.ErrAlreadyActivated)

	entries, err := s.AuditTrail(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3) // issue + two activations

	byAction := make(map[string][]AuditEntry)
	for _, e := range entries {
		byAction[e.Action] = append(byAction[e.Action], e)
	}

	require.Len(t, byAction[ActionInitialActivation], 2)
	var ok, failed int
	for _, e := range byAction[ActionInitialActivation] {
		if e.Success {
			ok++
			assert.Equal(t, "10.1.2.3", e.ClientIP)
			assert.Equal(t, "parkcheck/1.0", e.UserAgent)
		} else {
			failed++
			assert.Equal(t, apperrors.ErrAlreadyActivated.Error(), e.ErrorText)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	require.Len(t, byAction[ActionIssue], 1)
}

func TestAuditTrailUnknownKeyStillRecorded(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "PARK-0000-0000-0000-0000", "a1b2c3d4e5f60718", ClientMeta{})
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)

	entries, err := s.AuditTrail(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Nil(t, entries[0].LicenseID)
	assert.False(t, entries[0].Success)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestService(t)
	issueFull(t, s, 30*24*time.Hour)
	issueFull(t, s, 60*24*time.Hour)

	licenses, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, licenses, 2)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "PARK-AB12-****-****-7890", MaskKey("PARK-AB12-CD34-EF56-7890"))
	assert.Equal(t, "****", MaskKey("x"))
	assert.Equal(t, "shor****", MaskKey("shorter"))
}
