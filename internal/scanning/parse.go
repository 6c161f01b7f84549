package scanning

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	unknownVendor   = "Unknown Vendor"
	maxVendorLength = 50
	dateLayout      = "2006-01-02"
)

// MockVendors is the vendor list synthetic receipts are drawn from
var MockVendors = []string{
	"Starbucks Coffee", "Amazon.com", "Uber", "Lyft", "Whole Foods",
	"Home Depot", "Office Depot", "FedEx", "UPS Store", "Verizon Wireless",
	"AT&T", "Comcast", "Netflix", "Spotify", "Adobe Creative Cloud",
	"Google Workspace", "Zoom", "Slack", "Dropbox", "Salesforce",
}

var (
	datePattern      = regexp.MustCompile(`(?i)(?:(?:Invoice Date|Date)[:\s]+)?\b(\d{4}[-/]\d{1,2}[-/]\d{1,2}|\d{1,2}[-/]\d{1,2}[-/]\d{4})\b`)
	totalPattern     = regexp.MustCompile(`(?i)\b(?:TOTAL AMOUNT|TOTAL|AMOUNT DUE|BALANCE)[:\s$]*(\d+\.\d{2})\b`)
	taxPattern       = regexp.MustCompile(`(?i)\b(?:SALES TAX|TAX AMOUNT|TAX)[:\s$]*(\d+\.\d{2})\b`)
	vendorPattern    = regexp.MustCompile(`^[A-Z][A-Z\s&.,]+$`)
	pdfVendorPattern = regexp.MustCompile(`PDF RECEIPT - (.+)$`)
)

var taxRate = decimal.RequireFromString("0.08")

// Extractor turns recognized receipt text into ReceiptData.
// It owns the random source used for synthetic fallback data.
type Extractor struct {
	mu   sync.Mutex
	rand *rand.Rand
	now  func() time.Time
}

// NewExtractor creates an Extractor seeded from the current time
func NewExtractor() *Extractor {
	return NewExtractorWithDeps(rand.New(rand.NewSource(time.Now().UnixNano())), time.Now)
}

// NewExtractorWithDeps creates an Extractor with a custom random source and clock for testing
func NewExtractorWithDeps(r *rand.Rand, now func() time.Time) *Extractor {
	return &Extractor{rand: r, now: now}
}

var defaultExtractor = NewExtractor()

// ParseReceiptText extracts receipt fields using the package default Extractor
func ParseReceiptText(text string) ReceiptData {
	return defaultExtractor.Parse(text)
}

// Parse scans text line by line for a date, total, tax and vendor.
// If either the total or the vendor cannot be found the partial result is
// discarded and a synthetic receipt is returned instead, so the result never
// carries a zero total.
func (e *Extractor) Parse(text string) ReceiptData {
	var (
		date             string
		total, tax       decimal.Decimal
		hasTotal, hasTax bool
	)
	vendor := unknownVendor

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if date == "" {
			if m := datePattern.FindStringSubmatch(trimmed); m != nil {
				date = m[1]
			}
		}

		if !hasTotal {
			if m := totalPattern.FindStringSubmatch(trimmed); m != nil {
				total, hasTotal = decimal.RequireFromString(m[1]), true
			}
		}

		if !hasTax {
			if m := taxPattern.FindStringSubmatch(trimmed); m != nil {
				tax, hasTax = decimal.RequireFromString(m[1]), true
			}
		}

		if vendor == unknownVendor {
			if m := pdfVendorPattern.FindStringSubmatch(trimmed); m != nil {
				vendor = truncate(strings.TrimSpace(m[1]), maxVendorLength)
			} else if vendorPattern.MatchString(trimmed) {
				vendor = truncate(trimmed, maxVendorLength)
			}
		}
	}

	if total.IsZero() || vendor == unknownVendor {
		return e.Synthetic()
	}

	if date == "" {
		date = e.now().Format(dateLayout)
	}
	if !hasTax {
		tax = total.Mul(taxRate).Round(2)
	}

	return ReceiptData{
		Date:     date,
		Vendor:   vendor,
		Total:    total.InexactFloat64(),
		Tax:      tax.InexactFloat64(),
		Category: DefaultCategory,
	}
}

// Synthetic returns a made-up receipt: a random vendor, a total in [5, 205),
// 8% tax, a date within the last 30 days and a random category.
func (e *Extractor) Synthetic() ReceiptData {
	e.mu.Lock()
	defer e.mu.Unlock()

	vendor := MockVendors[e.rand.Intn(len(MockVendors))]
	total := decimal.NewFromFloat(e.rand.Float64()*200 + 5).Round(2)
	// Rounding can only push 204.995+ up to 205.00
	if total.GreaterThanOrEqual(decimal.NewFromInt(205)) {
		total = decimal.RequireFromString("204.99")
	}
	tax := total.Mul(taxRate).Round(2)
	date := e.now().AddDate(0, 0, -e.rand.Intn(30)).Format(dateLayout)
	category := Categories[e.rand.Intn(len(Categories))]

	return ReceiptData{
		Date:     date,
		Vendor:   vendor,
		Total:    total.InexactFloat64(),
		Tax:      tax.InexactFloat64(),
		Category: category,
	}
}

// intn exposes the guarded random source to the mock recognizer
func (e *Extractor) intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rand.Intn(n)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
