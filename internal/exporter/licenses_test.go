package exporter

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"parklic/internal/authority"
)

func sampleLicenses() []authority.License {
	activated := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return []authority.License{
		{
			ID:           uuid.New(),
			LicenseKey:   "PARK-AB12-CD34-EF56-7890",
			CustomerName: "Riverside Parking",
			IssuedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt:    time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC),
			HardwareID:   "a1b2c3d4e5f60718",
			ActivatedAt:  &activated,
			MaxLocations: 3,
			Features:     authority.StringList{"sessions", "shifts"},
			Status:       authority.StatusActive,
			Type:         "full",
		},
		{
			ID:           uuid.New(),
			LicenseKey:   "PARK-1111-2222-3333-4444",
			CustomerName: "Trial",
			IssuedAt:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt:    time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC),
			MaxLocations: 1,
			Status:       authority.StatusExpired,
			Type:         "trial",
		},
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleLicenses()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Licenses")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "License Key", rows[0][0])
	assert.Equal(t, "PARK-AB12-CD34-EF56-7890", rows[1][0])
	assert.Equal(t, "Riverside Parking", rows[1][1])
	assert.Equal(t, "active", rows[1][4])
	assert.Equal(t, "a1b2c3d4e5f60718", rows[1][5])
	assert.Equal(t, "sessions, shifts", rows[1][11])
	assert.Equal(t, "expired", rows[2][4])
}

func TestWriteXLSXEmptyRegister(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Licenses")
	require.NoError(t, err)
	require.Len(t, rows, 1, "header only")
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleLicenses()))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\xEF\xBB\xBF"), "UTF-8 BOM for Excel")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "License Key")
	assert.Contains(t, lines[1], "PARK-AB12-CD34-EF56-7890")
	assert.Contains(t, lines[2], "PARK-1111-2222-3333-4444")
}
