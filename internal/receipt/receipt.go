package receipt

import (
	"time"

	"github.com/zombor/receiptjar/internal/scanning"
)

// Status is the lifecycle state of an uploaded receipt
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusError      Status = "error"
)

// PendingPaymentReference marks a session whose payment has not been confirmed yet
const PendingPaymentReference = "pending"

// Record represents one uploaded receipt and its extracted fields
type Record struct {
	ID            string                `json:"id"`
	Status        Status                `json:"status,omitempty"`
	FileName      string                `json:"fileName,omitempty"`
	FilePath      string                `json:"filePath,omitempty"` // storage key when the original was uploaded here
	ExtractedData *scanning.ReceiptData `json:"extractedData,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// SessionBundle is the ephemeral unit of storage bridging checkout and download
type SessionBundle struct {
	SessionID        string    `json:"sessionId"`
	PaymentReference string    `json:"paymentReference"`
	Receipts         []Record  `json:"receipts"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// BackupCopy is the client-held copy of a session, sent back when the
// server-side bundle is gone
type BackupCopy struct {
	Receipts  []Record `json:"receipts"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds
}

func (r Record) clone() Record {
	if r.ExtractedData != nil {
		data := *r.ExtractedData
		r.ExtractedData = &data
	}
	return r
}

func cloneRecords(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.clone()
	}
	return out
}

func (b *SessionBundle) clone() *SessionBundle {
	c := *b
	c.Receipts = cloneRecords(b.Receipts)
	return &c
}

// expired reports whether the bundle is past its window at now.
// ExpiresAt itself is already outside the window.
func (b *SessionBundle) expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}
