package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// Client wraps the Stripe API for off-session charges against a customer's
// saved default payment method.
type Client struct {
	logger logging.Logger
	retry  failsafe.Executor[*stripe.PaymentIntent]
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	// Retry transient transport failures only. Card declines and other
	// payment errors are terminal; the idempotency key makes the retried
	// request safe against double-charging.
	retry := retrypolicy.NewBuilder[*stripe.PaymentIntent]().
		HandleIf(func(_ *stripe.PaymentIntent, err error) bool {
			return isTransient(err)
		}).
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithMaxRetries(2).
		Build()

	return &Client{
		logger: config.Logger,
		retry:  failsafe.With(retry),
	}
}

// ChargeRequest describes a single off-session charge.
type ChargeRequest struct {
	CustomerID     string
	AmountUSD      int64
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is the structured outcome of a charge attempt. Failures are
// reported in Error; Charge never panics on payment errors.
type ChargeResult struct {
	Success         bool
	PaymentIntentID string
	Error           string
}

// Charge confirms a PaymentIntent against the customer's saved default
// payment method. All Stripe failures are returned as a structured result.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) ChargeResult {
	if req.CustomerID == "" {
		return ChargeResult{Success: false, Error: "missing Stripe customer id"}
	}
	if req.AmountUSD <= 0 {
		return ChargeResult{Success: false, Error: fmt.Sprintf("invalid charge amount: %d", req.AmountUSD)}
	}

	paymentMethodID, err := c.defaultPaymentMethod(req.CustomerID)
	if err != nil {
		return ChargeResult{Success: false, Error: err.Error()}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountUSD * 100), // whole USD to cents
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(paymentMethodID),
		Description:   stripe.String(req.Description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	intent, err := c.retry.WithContext(ctx).Get(func() (*stripe.PaymentIntent, error) {
		return paymentintent.New(params)
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"customer_id": req.CustomerID,
			"amount_usd":  req.AmountUSD,
		}).Warn("Stripe charge failed")
		return ChargeResult{Success: false, Error: stripeErrorMessage(err)}
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{
			Success:         false,
			PaymentIntentID: intent.ID,
			Error:           fmt.Sprintf("payment intent status %s", intent.Status),
		}
	}

	c.logger.WithFields(logging.Fields{
		"customer_id":       req.CustomerID,
		"amount_usd":        req.AmountUSD,
		"payment_intent_id": intent.ID,
	}).Info("Stripe charge succeeded")

	return ChargeResult{Success: true, PaymentIntentID: intent.ID}
}

// defaultPaymentMethod resolves the customer's saved default payment method.
func (c *Client) defaultPaymentMethod(customerID string) (string, error) {
	cust, err := customer.Get(customerID, nil)
	if err != nil {
		return "", fmt.Errorf("lookup Stripe customer %s: %s", customerID, stripeErrorMessage(err))
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", fmt.Errorf("customer %s has no default payment method", customerID)
	}
	return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
}

// stripeErrorMessage extracts a human-readable message from a Stripe error.
func stripeErrorMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Msg != "" {
			return stripeErr.Msg
		}
		return string(stripeErr.Code)
	}
	return err.Error()
}

// isTransient reports whether an error is worth retrying. Stripe API errors
// carry a decision from the payment processor and must not be replayed blindly.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeAPI:
			return true
		default:
			return false
		}
	}
	// Non-Stripe errors are transport-level failures.
	return true
}
