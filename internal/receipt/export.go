package receipt

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/zombor/receiptjar/internal/scanning"
)

const (
	exportNote      = "Processed by ReceiptJar"
	defaultFileName = "receipt.jpg"
	exportSheetName = "Receipts"
	exportCSVName   = "receipts.csv"
	exportFilesDir  = "receipts"
	amountNumberFmt = 2 // excelize built-in "0.00"
)

var exportHeader = []string{"Date", "Vendor", "Total", "Tax", "Category", "FileName", "Notes"}

// exportRow holds the column values for one record with defaults applied
type exportRow struct {
	Date     string
	Vendor   string
	Total    decimal.Decimal
	Tax      decimal.Decimal
	Category string
	FileName string
}

func newExportRow(r Record) exportRow {
	row := exportRow{
		Total:    decimal.Zero,
		Tax:      decimal.Zero,
		Category: scanning.DefaultCategory,
		FileName: r.FileName,
	}
	if d := r.ExtractedData; d != nil {
		row.Date = d.Date
		row.Vendor = d.Vendor
		row.Total = decimal.NewFromFloat(d.Total).Round(2)
		row.Tax = decimal.NewFromFloat(d.Tax).Round(2)
		if d.Category != "" {
			row.Category = d.Category
		}
	}
	if row.FileName == "" {
		row.FileName = defaultFileName
	}
	return row
}

func (r exportRow) fields() []string {
	return []string{
		r.Date,
		r.Vendor,
		r.Total.StringFixed(2),
		r.Tax.StringFixed(2),
		r.Category,
		r.FileName,
		exportNote,
	}
}

// quoteCSVField always quotes, which encoding/csv cannot be told to do
func quoteCSVField(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func csvLine(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteCSVField(f)
	}
	return strings.Join(quoted, ",")
}

// WriteCSV writes one header line plus one line per record, joined by "\n"
// with no trailing newline
func WriteCSV(w io.Writer, records []Record) error {
	lines := make([]string, 0, len(records)+1)
	lines = append(lines, csvLine(exportHeader))
	for _, r := range records {
		lines = append(lines, csvLine(newExportRow(r).fields()))
	}

	if _, err := io.WriteString(w, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}

// WriteXLSX writes the records as an Excel workbook with numeric amount cells
func WriteXLSX(w io.Writer, records []Record) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("Failed to close workbook", "error", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", exportSheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheetName, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, r := range records {
		row := newExportRow(r)
		total, _ := row.Total.Float64()
		tax, _ := row.Tax.Float64()
		values := []interface{}{row.Date, row.Vendor, total, tax, row.Category, row.FileName, exportNote}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("resolving cell: %w", err)
		}
		if err := f.SetSheetRow(exportSheetName, cell, &values); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	if len(records) > 0 {
		style, err := f.NewStyle(&excelize.Style{NumFmt: amountNumberFmt})
		if err != nil {
			return fmt.Errorf("creating amount style: %w", err)
		}
		// Total and Tax are columns C and D
		last, err := excelize.CoordinatesToCellName(4, len(records)+1)
		if err != nil {
			return fmt.Errorf("resolving cell: %w", err)
		}
		if err := f.SetCellStyle(exportSheetName, "C2", last, style); err != nil {
			return fmt.Errorf("styling amounts: %w", err)
		}
	}

	widths := map[string]float64{"A": 12, "B": 30, "C": 10, "D": 10, "E": 16, "F": 30, "G": 24}
	for col, width := range widths {
		if err := f.SetColWidth(exportSheetName, col, col, width); err != nil {
			return fmt.Errorf("setting column width: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// WriteZIP writes receipts.csv plus every original still held in storage
// under receipts/
func WriteZIP(w io.Writer, records []Record, storage Storage) error {
	zw := zip.NewWriter(w)

	csvFile, err := zw.Create(exportCSVName)
	if err != nil {
		return fmt.Errorf("creating %s: %w", exportCSVName, err)
	}
	if err := WriteCSV(csvFile, records); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, r := range records {
		if r.FilePath == "" || storage == nil {
			continue
		}
		data, err := storage.Get(r.FilePath)
		if err != nil {
			slog.Warn("Original not available for export", "filename", r.FilePath, "error", err)
			continue
		}

		name := archiveName(r, seen)
		entry, err := zw.Create(path.Join(exportFilesDir, name))
		if err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
		if _, err := io.Copy(entry, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing zip: %w", err)
	}
	return nil
}

// archiveName picks a unique, sanitized entry name for a record's original
func archiveName(r Record, seen map[string]bool) string {
	name := r.FileName
	if name == "" {
		name = r.FilePath
	}
	name = sanitizeFilename(name)
	if seen[name] {
		name = r.ID + "_" + name
	}
	seen[name] = true
	return name
}
