// Package payments is the narrow contract to the platform's payment system,
// used by the transport-pass renewal flow. Only the hold is placed here;
// capture happens once the registrar confirms the renewal.
package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Charger is what the renewal handler depends on.
type Charger interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

// StripeCharger wraps stripe-go PaymentIntent hold/capture/cancel flows.
type StripeCharger struct{}

// NewStripeCharger initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeCharger() *StripeCharger {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeCharger{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeCharger) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeCharger) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeCharger) Cancel(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
