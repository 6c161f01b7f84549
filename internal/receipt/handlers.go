package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receiptjar/internal/payment"
)

const (
	maxUploadSize  = int64(50 << 20) // high-resolution phone photos
	maxJSONBody    = int64(10 << 20)
	maxWebhookBody = int64(1 << 20)
)

var unsafeDownloadChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes an {"error": message} body
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors onto HTTP status codes
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		jsonError(w, verr.Message, http.StatusBadRequest)
	case errors.Is(err, ErrPaymentRequired):
		jsonError(w, "Payment not completed", http.StatusPaymentRequired)
	case errors.Is(err, ErrSessionNotFound):
		jsonError(w, "Session expired or not found", http.StatusNotFound)
	default:
		jsonError(w, fallback, http.StatusInternalServerError)
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handlePricing returns the pricing tiers, with a suggestion when count is given
func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Tiers     payment.Tiers `json:"tiers"`
		Suggested string        `json:"suggested,omitempty"`
	}{Tiers: s.service.PricingTiers()}

	if raw := r.URL.Query().Get("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 0 {
			jsonError(w, "count must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if tier, ok := resp.Tiers.Suggest(count); ok {
			resp.Suggested = tier.ID
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// detectContentType falls back to the file extension when the part has no type
func detectContentType(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleUploadReceipts reads and extracts every uploaded file
func (s *Server) handleUploadReceipts(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.", http.StatusBadRequest)
			return
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		jsonError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}

	records := make([]*Record, 0, len(files))
	// A failed batch returns no records, so earlier originals would be orphaned
	fail := func(message string) {
		for _, record := range records {
			s.service.DiscardUpload(record)
		}
		jsonError(w, message, http.StatusInternalServerError)
	}

	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "error", err, "filename", header.Filename)
			fail("Error reading file. Please try again.")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			fail("Error reading file. Please try again.")
			return
		}

		contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)
		record, err := s.service.ProcessUpload(header.Filename, data, contentType)
		if err != nil {
			slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
			fail("Failed to process receipt")
			return
		}
		records = append(records, record)
	}

	writeJSON(w, http.StatusCreated, records)
}

// handleExtract runs the extractor over text the client already recognized
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, s.service.ExtractText(req.Text))
}

// handleCheckout starts a hosted checkout
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.service.CreateCheckout(r.Context(), req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			jsonError(w, verr.Message, http.StatusBadRequest)
			return
		}
		slog.Error("Error creating checkout", "local_session", req.LocalSessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to create checkout session",
			"details": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleWebhook applies a signed payment provider notification
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		jsonError(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	if err := s.service.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			slog.Warn("Webhook signature verification failed", "error", err)
			jsonError(w, fmt.Sprintf("Webhook Error: %v", err), http.StatusBadRequest)
			return
		}
		slog.Error("Error handling webhook", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleDownload exports a paid session as csv, xlsx or zip
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := strings.ToLower(query.Get("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" && format != "zip" {
		jsonError(w, "Unsupported format", http.StatusBadRequest)
		return
	}

	req := DownloadRequest{
		PaymentSessionID: query.Get("session_id"),
		LocalSessionID:   query.Get("local_session"),
	}
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
		if err != nil {
			jsonError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		req.Backup = bytes.TrimSpace(body)
	}

	bundle, err := s.service.Download(r.Context(), req)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrPaymentRequired) {
			slog.Error("Error authorizing download", "local_session", req.LocalSessionID, "error", err)
		}
		writeServiceError(w, err, "Failed to generate download")
		return
	}

	var (
		buf         bytes.Buffer
		contentType string
	)
	switch format {
	case "xlsx":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = WriteXLSX(&buf, bundle.Receipts)
	case "zip":
		contentType = "application/zip"
		err = WriteZIP(&buf, bundle.Receipts, s.service.Storage())
	default:
		contentType = "text/csv"
		err = WriteCSV(&buf, bundle.Receipts)
	}
	if err != nil {
		slog.Error("Error generating download", "format", format, "error", err)
		jsonError(w, "Failed to generate download", http.StatusInternalServerError)
		return
	}

	name := unsafeDownloadChars.ReplaceAllString(req.PaymentSessionID, "")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipts-%s.%s"`, name, format))
	w.Write(buf.Bytes())
}

// sessionStatus is the success-page countdown view of a bundle
type sessionStatus struct {
	SessionID    string    `json:"sessionId"`
	ReceiptCount int       `json:"receiptCount"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// handleSessionStatus reports whether a session is still downloadable
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.service.SessionStatus(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, sessionStatus{
		SessionID:    bundle.SessionID,
		ReceiptCount: len(bundle.Receipts),
		ExpiresAt:    bundle.ExpiresAt,
	})
}

// handleDeleteSession removes a session on request
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSession(r.PathValue("id")); err != nil {
		slog.Error("Error deleting session", "error", err)
		jsonError(w, "Error deleting session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
