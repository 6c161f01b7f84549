package scanning

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mock implements the Recognizer interface without any OCR backend.
// It prints a plausible receipt for a synthetic record, shaped like an
// invoice for PDFs and like a till slip for images.
type Mock struct {
	extractor *Extractor
}

// NewMock creates a new Mock recognizer drawing its data from extractor
func NewMock(extractor *Extractor) *Mock {
	if extractor == nil {
		extractor = NewExtractor()
	}
	return &Mock{extractor: extractor}
}

// RecognizeText returns mock receipt text for the given file type
func (m *Mock) RecognizeText(imageData []byte, contentType string) (string, error) {
	data := m.extractor.Synthetic()
	subtotal := decimal.NewFromFloat(data.Total)
	tax := decimal.NewFromFloat(data.Tax)
	grand := subtotal.Add(tax)

	if strings.EqualFold(strings.TrimSpace(contentType), "application/pdf") {
		return fmt.Sprintf(`PDF RECEIPT - %s

Invoice Date: %s
Invoice Number: INV-%d

Description                      Amount
------------------------------------------
Product/Service 1                $%s
Product/Service 2                $%s

Subtotal:                       $%s
Sales Tax:                      $%s
TOTAL:                          $%s

Payment Method: Credit Card
Status: Paid
Thank you for your business!`,
			data.Vendor,
			data.Date,
			m.extractor.intn(10000),
			subtotal.Mul(decimal.RequireFromString("0.6")).StringFixed(2),
			subtotal.Mul(decimal.RequireFromString("0.4")).StringFixed(2),
			subtotal.StringFixed(2),
			tax.StringFixed(2),
			grand.StringFixed(2),
		), nil
	}

	return fmt.Sprintf(`
    %s
    123 Example St
    City, State ZIP

    Date: %s
    Time: %d:%02d PM

    ITEM 1              $%s
    ITEM 2              $%s

    Subtotal           $%s
    Tax                $%s
    TOTAL              $%s

    Thank you for your business!
  `,
		strings.ToUpper(data.Vendor),
		data.Date,
		m.extractor.intn(12)+1,
		m.extractor.intn(60),
		subtotal.Mul(decimal.RequireFromString("0.7")).StringFixed(2),
		subtotal.Mul(decimal.RequireFromString("0.3")).StringFixed(2),
		subtotal.StringFixed(2),
		tax.StringFixed(2),
		grand.StringFixed(2),
	), nil
}

// Close is a no-op for the mock recognizer
func (m *Mock) Close() error {
	return nil
}
