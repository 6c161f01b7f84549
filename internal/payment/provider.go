package payment

import (
	"context"
	"errors"
)

// ErrInvalidSignature is returned when a webhook payload fails signature verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event types the service reacts to
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventChargeRefunded    = "charge.refunded"
)

// Metadata keys attached to every checkout session
const (
	MetadataLocalSessionID = "localSessionId"
	MetadataReceiptCount   = "receiptCount"
	MetadataProcessedAt    = "processedAt"
)

// CheckoutParams describes a one-off hosted checkout for a single price
type CheckoutParams struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is the provider's view of a created checkout
type CheckoutSession struct {
	ID  string
	URL string
}

// Event is a verified webhook event
type Event struct {
	ID   string
	Type string
	// ObjectID is the id of the event's data object, e.g. the checkout
	// session id for checkout.session.* events
	ObjectID       string
	LocalSessionID string
	PaymentStatus  string
}

// Provider defines the interface for a hosted payment provider
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout and returns its redirect URL
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// IsPaid asks the provider whether a checkout session has been paid
	IsPaid(ctx context.Context, sessionID string) (bool, error)

	// ParseWebhook verifies a signed webhook payload and decodes it
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
