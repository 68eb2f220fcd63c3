// Package authority implements the remote licensing service: issuance,
// activation, validation, trials, and the operator surface (revoke, renew,
// transfer), backed by a durable store and an append-only audit log.
package authority

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// License statuses. Transitions are monotonic (pending → active → expired,
// any → revoked) except an explicit operator renew, which may move an expired
// license back to active.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Audit actions.
const (
	ActionInitialActivation = "INITIAL_ACTIVATION"
	ActionValidate          = "VALIDATE"
	ActionTrialStart        = "TRIAL_START"
	ActionTrialRecovery     = "TRIAL_RECOVERY"
	ActionIssue             = "ISSUE"
	ActionRevoke            = "REVOKE"
	ActionRenew             = "RENEW"
	ActionTransfer          = "TRANSFER"
)

// StringList stores a []string as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// License is the authority-side durable record.
type License struct {
	ID              uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	LicenseKey      string     `gorm:"uniqueIndex;not null" json:"license_key"`
	CustomerID      string     `json:"customer_id"`
	CustomerName    string     `json:"customer_name"`
	CustomerEmail   string     `json:"customer_email"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	HardwareID      string     `gorm:"index" json:"hardware_id,omitempty"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	MaxLocations    int        `json:"max_locations"`
	Features        StringList `gorm:"type:text" json:"features"`
	Status          string     `gorm:"index;not null" json:"status"`
	Type            string     `gorm:"index;not null" json:"type"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsExpired reports whether the license is past its expiry at the given time,
// regardless of the stored status (status only flips lazily, on validation).
func (l *License) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// DaysRemaining returns whole days until expiry, negative when past.
func (l *License) DaysRemaining(now time.Time) int {
	return int(l.ExpiresAt.Sub(now).Hours() / 24)
}

// AuditEntry is one append-only row per authority action. LicenseID is
// nullable so failures before a license is found still leave a trail.
// Entries are never updated or deleted.
type AuditEntry struct {
	ID         uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	LicenseID  *uuid.UUID `gorm:"type:text;index" json:"license_id,omitempty"`
	Action     string     `gorm:"index;not null" json:"action"`
	HardwareID string     `json:"hardware_id,omitempty"`
	ClientIP   string     `json:"client_ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Success    bool       `json:"success"`
	ErrorText  string     `json:"error_text,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ClientMeta carries per-request network metadata into the audit log.
type ClientMeta struct {
	IP        string
	UserAgent string
}
