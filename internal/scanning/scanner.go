package scanning

// ReceiptData contains the structured fields extracted from a receipt
type ReceiptData struct {
	Date     string  `json:"date"` // YYYY-MM-DD, or whatever shape the receipt printed
	Vendor   string  `json:"vendor"`
	Total    float64 `json:"total"`
	Tax      float64 `json:"tax"`
	Category string  `json:"category"`
}

// Categories is the closed set of expense categories a receipt can carry
var Categories = []string{
	"Meals & Entertainment",
	"Office Supplies",
	"Travel",
	"Utilities",
	"Other",
}

// DefaultCategory is assigned to every genuinely extracted receipt
const DefaultCategory = "Other"

// IsCategory reports whether name is one of Categories
func IsCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

// Recognizer defines the interface for turning an uploaded file into raw text
type Recognizer interface {
	// RecognizeText reads all text printed on a receipt image/PDF
	RecognizeText(imageData []byte, contentType string) (string, error)
	// Close closes the recognizer and releases resources
	Close() error
}
