// Package exporter renders the authority's license register for operators:
// an XLSX workbook for the admin download endpoint and a CSV fallback.
package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"parklic/internal/authority"
)

const sheetName = "Licenses"

var registerHeaders = []string{
	"License Key", "Customer", "Email", "Type", "Status",
	"Hardware ID", "Issued", "Expires", "Activated", "Last Validated",
	"Max Locations", "Features",
}

// WriteXLSX writes the license register as an Excel workbook.
func WriteXLSX(w io.Writer, licenses []authority.License) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range registerHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to address header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	endHeader, _ := excelize.CoordinatesToCellName(len(registerHeaders), 1)
	if err := f.SetCellStyle(sheetName, "A1", endHeader, headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for row, lic := range licenses {
		values := registerRow(lic)
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return fmt.Errorf("failed to address cell: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return fmt.Errorf("failed to write row %d: %w", row+1, err)
			}
		}
	}

	if err := f.SetColWidth(sheetName, "A", "A", 26); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(sheetName, "B", "L", 18); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteCSV writes the license register as CSV with a UTF-8 BOM so Excel opens
// it with the right encoding.
func WriteCSV(w io.Writer, licenses []authority.License) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(registerHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, lic := range licenses {
		if err := writer.Write(registerRow(lic)); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func registerRow(lic authority.License) []string {
	return []string{
		lic.LicenseKey,
		lic.CustomerName,
		lic.CustomerEmail,
		lic.Type,
		lic.Status,
		lic.HardwareID,
		formatDate(&lic.IssuedAt),
		formatDate(&lic.ExpiresAt),
		formatDate(lic.ActivatedAt),
		formatDate(lic.LastValidatedAt),
		fmt.Sprintf("%d", lic.MaxLocations),
		joinFeatures(lic.Features),
	}
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func joinFeatures(features authority.StringList) string {
	out := ""
	for i, f := range features {
		if i > 0 {
			out += ", "
		}
		out += f
	}
	return out
}
