package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receiptjar/internal/payment"
	"github.com/zombor/receiptjar/internal/scanning"
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options configures a Service
type Options struct {
	AppURL     string // public base URL used for checkout redirects
	Tiers      payment.Tiers
	SessionTTL time.Duration
}

// Service handles receipt extraction, checkout and download
type Service struct {
	db          DB
	sessions    *SessionStore
	recognizer  scanning.Recognizer
	extractor   *scanning.Extractor
	storage     Storage
	provider    payment.Provider
	tiers       payment.Tiers
	appURL      string
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, recognizer scanning.Recognizer, storage Storage, provider payment.Provider, opts Options) *Service {
	return NewServiceWithDeps(db, recognizer, storage, provider, opts, scanning.NewExtractor(), &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, recognizer scanning.Recognizer, storage Storage, provider payment.Provider, opts Options,
	extractor *scanning.Extractor, idGen IDGenerator, timeSrc TimeSource) *Service {
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = payment.DefaultTiers()
	}
	return &Service{
		db:          db,
		sessions:    NewSessionStoreWithDeps(db, storage, timeSrc, opts.SessionTTL),
		recognizer:  recognizer,
		extractor:   extractor,
		storage:     storage,
		provider:    provider,
		tiers:       tiers,
		appURL:      strings.TrimRight(opts.AppURL, "/"),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Sessions returns the session store backing the service
func (s *Service) Sessions() *SessionStore {
	return s.sessions
}

// ProcessUpload stores an uploaded original, reads its text and extracts the
// receipt fields. Recognition failures produce an error record, not an error.
func (s *Service) ProcessUpload(filename string, data []byte, contentType string) (*Record, error) {
	id := s.idGenerator.Generate()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	if err := s.db.RegisterUpload(id, savedPath, s.timeSource.Now()); err != nil {
		if err := s.storage.Delete(savedPath); err != nil {
			slog.Warn("Failed to delete file", "filename", savedPath, "error", err)
		}
		return nil, fmt.Errorf("registering upload: %w", err)
	}

	record := &Record{
		ID:       id,
		Status:   StatusProcessing,
		FileName: filename,
		FilePath: savedPath,
	}

	text, err := s.recognizer.RecognizeText(data, contentType)
	if err != nil {
		slog.Error("Failed to read receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.discardUpload(id, savedPath)
		record.Status = StatusError
		record.FilePath = ""
		record.Error = "Failed to process receipt"
		if errors.Is(err, scanning.ErrUnsupportedFormat) {
			record.Error = "Unsupported file format. Please upload a JPEG, PNG, HEIC or PDF."
		}
		return record, nil
	}

	extracted := s.extractor.Parse(text)
	record.ExtractedData = &extracted
	record.Status = StatusExtracted
	return record, nil
}

// DiscardUpload removes an original saved by ProcessUpload that will not be
// handed to the client
func (s *Service) DiscardUpload(record *Record) {
	if record == nil || record.FilePath == "" {
		return
	}
	s.discardUpload(record.ID, record.FilePath)
}

func (s *Service) discardUpload(id, key string) {
	if err := s.storage.Delete(key); err != nil {
		slog.Warn("Failed to delete file", "filename", key, "error", err)
	}
	if err := s.db.DeleteUpload(id); err != nil {
		slog.Warn("Failed to forget upload", "record_id", id, "error", err)
	}
}

// ownUploads clears every file path that was not issued to its record by
// ProcessUpload, so a bundle can only reach its own originals
func (s *Service) ownUploads(receipts []Record) error {
	for i, r := range receipts {
		if r.FilePath == "" {
			continue
		}
		key, err := s.db.UploadKey(r.ID)
		if err != nil {
			return fmt.Errorf("checking upload: %w", err)
		}
		if key != r.FilePath {
			slog.Warn("Dropping unissued file reference", "record_id", r.ID, "filename", r.FilePath)
			receipts[i].FilePath = ""
		}
	}
	return nil
}

// ExtractText runs the field extractor over already-recognized text
func (s *Service) ExtractText(text string) scanning.ReceiptData {
	return s.extractor.Parse(text)
}

// PricingTiers returns the configured pricing tiers
func (s *Service) PricingTiers() payment.Tiers {
	return s.tiers
}

// CheckoutRequest is the client request to start a hosted checkout
type CheckoutRequest struct {
	PriceID        string          `json:"priceId"`
	ReceiptCount   int             `json:"receiptCount"`
	LocalSessionID string          `json:"localSessionId"`
	ReceiptData    json.RawMessage `json:"receiptData,omitempty"`
}

// CheckoutResult is the hosted checkout to redirect the client to
type CheckoutResult struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// CreateCheckout validates the request, creates a hosted checkout and stores
// the receipts under the local session until payment is confirmed
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.PriceID == "" {
		return nil, invalid("priceId", "Price ID is required")
	}
	if req.LocalSessionID == "" {
		return nil, invalid("localSessionId", "Local session ID is required")
	}

	tier, ok := s.tiers.ByPriceID(req.PriceID)
	if !ok {
		return nil, invalid("priceId", "Unknown price ID")
	}

	receipts, err := decodeRecords("receiptData", req.ReceiptData)
	if err != nil {
		return nil, err
	}
	if err := s.ownUploads(receipts); err != nil {
		return nil, err
	}

	if req.ReceiptCount < 0 {
		return nil, invalid("receiptCount", "Receipt count must not be negative")
	}
	count := max(req.ReceiptCount, len(receipts))
	if count > tier.ReceiptLimit {
		return nil, invalid("receiptCount", fmt.Sprintf("Too many receipts for $%d plan", tier.Price))
	}

	successURL := fmt.Sprintf("%s/success?session_id={CHECKOUT_SESSION_ID}&local_session=%s&count=%d",
		s.appURL, url.QueryEscape(req.LocalSessionID), count)

	session, err := s.provider.CreateCheckoutSession(ctx, payment.CheckoutParams{
		PriceID:    req.PriceID,
		SuccessURL: successURL,
		CancelURL:  s.appURL + "/tool",
		Metadata: map[string]string{
			payment.MetadataReceiptCount:   strconv.Itoa(count),
			payment.MetadataLocalSessionID: req.LocalSessionID,
			payment.MetadataProcessedAt:    s.timeSource.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating checkout: %w", err)
	}

	if len(receipts) > 0 {
		if _, err := s.sessions.Put(req.LocalSessionID, PendingPaymentReference, receipts); err != nil {
			return nil, fmt.Errorf("storing receipts: %w", err)
		}
	} else {
		slog.Warn("Checkout created without receipt data", "local_session", req.LocalSessionID, "checkout_session", session.ID)
	}

	slog.Info("Checkout created",
		"checkout_session", session.ID,
		"local_session", req.LocalSessionID,
		"tier", tier.ID,
		"receipts", count,
	)
	return &CheckoutResult{URL: session.URL, SessionID: session.ID}, nil
}

// HandleWebhook verifies and applies a payment provider notification
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}

	switch event.Type {
	case payment.EventCheckoutCompleted:
		if event.PaymentStatus != "" && event.PaymentStatus != "paid" {
			slog.Info("Checkout completed without payment", "checkout_session", event.ObjectID, "payment_status", event.PaymentStatus)
			return nil
		}
		if err := s.db.ConfirmPaymentSession(event.ObjectID, s.timeSource.Now()); err != nil {
			return fmt.Errorf("confirming payment session: %w", err)
		}
		slog.Info("Payment confirmed", "checkout_session", event.ObjectID, "local_session", event.LocalSessionID)

		if event.LocalSessionID == "" {
			return nil
		}
		err := s.sessions.ConfirmPayment(event.LocalSessionID, event.ObjectID)
		if errors.Is(err, ErrSessionNotFound) {
			slog.Warn("Confirmed session no longer stored", "local_session", event.LocalSessionID)
			return nil
		}
		return err

	case payment.EventCheckoutExpired:
		slog.Info("Checkout expired", "checkout_session", event.ObjectID, "local_session", event.LocalSessionID)
		if event.LocalSessionID == "" {
			return nil
		}
		return s.sessions.Delete(event.LocalSessionID)

	case payment.EventPaymentSucceeded:
		slog.Info("Payment succeeded", "payment_intent", event.ObjectID)

	case payment.EventChargeRefunded:
		slog.Info("Charge refunded", "charge", event.ObjectID)

	default:
		slog.Info("Unhandled webhook event", "type", event.Type, "id", event.ID)
	}
	return nil
}

// DownloadRequest identifies a paid session to export. Backup is the
// client-held BackupCopy JSON, used when the server-side bundle is gone.
type DownloadRequest struct {
	PaymentSessionID string
	LocalSessionID   string
	Backup           json.RawMessage
}

// Download verifies payment and returns the receipts to export
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*SessionBundle, error) {
	if req.PaymentSessionID == "" || req.LocalSessionID == "" {
		return nil, invalid("session_id", "Session ID required")
	}

	if err := s.verifyPayment(ctx, req.PaymentSessionID); err != nil {
		return nil, err
	}

	bundle, err := s.sessions.Get(req.LocalSessionID)
	switch {
	case err == nil:
		if bundle.PaymentReference != PendingPaymentReference && bundle.PaymentReference != req.PaymentSessionID {
			slog.Warn("Session belongs to another payment",
				"local_session", req.LocalSessionID,
				"checkout_session", req.PaymentSessionID,
			)
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.LocalSessionID)
		}
	case errors.Is(err, ErrSessionNotFound):
		bundle, err = s.bundleFromBackup(req)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if len(bundle.Receipts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.LocalSessionID)
	}

	slog.Info("Download authorized",
		"local_session", req.LocalSessionID,
		"checkout_session", req.PaymentSessionID,
		"receipts", len(bundle.Receipts),
	)
	return bundle, nil
}

// verifyPayment asks the provider; when the provider is unreachable a
// webhook-confirmed payment session is accepted instead
func (s *Service) verifyPayment(ctx context.Context, paymentSessionID string) error {
	paid, err := s.provider.IsPaid(ctx, paymentSessionID)
	if err != nil {
		confirmed, lerr := s.db.IsPaymentSessionConfirmed(paymentSessionID)
		if lerr != nil || !confirmed {
			return fmt.Errorf("verifying payment: %w", err)
		}
		slog.Warn("Payment provider unavailable, using webhook confirmation",
			"checkout_session", paymentSessionID,
			"error", err,
		)
		return nil
	}
	if !paid {
		return ErrPaymentRequired
	}
	return nil
}

// bundleFromBackup rebuilds a bundle from the client-held copy while its
// timestamp is inside the session window
func (s *Service) bundleFromBackup(req DownloadRequest) (*SessionBundle, error) {
	if len(req.Backup) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.LocalSessionID)
	}

	var backup struct {
		Receipts  json.RawMessage `json:"receipts"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(req.Backup, &backup); err != nil {
		return nil, invalid("backup", "Invalid backup copy")
	}
	receipts, err := decodeRecords("backup", backup.Receipts)
	if err != nil {
		return nil, err
	}
	if err := s.ownUploads(receipts); err != nil {
		return nil, err
	}

	createdAt := time.UnixMilli(backup.Timestamp)
	bundle := &SessionBundle{
		SessionID:        req.LocalSessionID,
		PaymentReference: req.PaymentSessionID,
		Receipts:         receipts,
		CreatedAt:        createdAt,
		ExpiresAt:        createdAt.Add(s.sessions.TTL()),
	}
	if bundle.expired(s.timeSource.Now()) {
		return nil, fmt.Errorf("%w: backup copy for %s", ErrSessionNotFound, req.LocalSessionID)
	}

	slog.Info("Using client backup copy", "local_session", req.LocalSessionID, "receipts", len(receipts))
	return bundle, nil
}

// SessionStatus returns the live bundle for the success-page countdown
func (s *Service) SessionStatus(id string) (*SessionBundle, error) {
	return s.sessions.Get(id)
}

// DeleteSession removes a session and its uploaded originals
func (s *Service) DeleteSession(id string) error {
	if err := s.sessions.Delete(id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Storage returns the storage holding uploaded originals
func (s *Service) Storage() Storage {
	return s.storage
}
