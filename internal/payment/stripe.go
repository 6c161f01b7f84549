package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe implements the Provider interface using Stripe Checkout
type Stripe struct {
	sessions      checkoutsession.Client
	webhookSecret string
}

// NewStripe creates a new Stripe provider. apiURL overrides the API base
// URL (stripe-mock, tests) and may be empty.
func NewStripe(secretKey, webhookSecret, apiURL string) (*Stripe, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	config := &stripe.BackendConfig{
		LeveledLogger: slogLogger{},
	}
	if apiURL != "" {
		config.URL = stripe.String(apiURL)
		config.MaxNetworkRetries = stripe.Int64(0)
	}

	return &Stripe{
		sessions: checkoutsession.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, config),
			Key: secretKey,
		},
		webhookSecret: webhookSecret,
	}, nil
}

// CreateCheckoutSession creates a card-only, single line item payment session
func (s *Stripe) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	p := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}
	p.Context = ctx
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	cs, err := s.sessions.New(p)
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}

	return &CheckoutSession{ID: cs.ID, URL: cs.URL}, nil
}

// IsPaid retrieves the checkout session and checks its payment status
func (s *Stripe) IsPaid(ctx context.Context, sessionID string) (bool, error) {
	p := &stripe.CheckoutSessionParams{}
	p.Context = ctx

	cs, err := s.sessions.Get(sessionID, p)
	if err != nil {
		return false, fmt.Errorf("retrieving checkout session: %w", err)
	}

	return cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid, nil
}

// webhookObject holds the fields read from any event's data object
type webhookObject struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}

	// The account's API version may differ from the library's, only the
	// handful of fields in webhookObject are read
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := &Event{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Data != nil && len(ev.Data.Raw) > 0 {
		var obj webhookObject
		if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("decoding event object: %w", err)
		}
		event.ObjectID = obj.ID
		event.PaymentStatus = obj.PaymentStatus
		event.LocalSessionID = obj.Metadata[MetadataLocalSessionID]
	}

	return event, nil
}

// slogLogger routes stripe-go's leveled logging through slog
type slogLogger struct{}

func (slogLogger) Debugf(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (slogLogger) Infof(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (slogLogger) Warnf(format string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (slogLogger) Errorf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...), "component", "stripe")
}
