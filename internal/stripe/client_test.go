package stripe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v82"

	"github.com/shorelinehq/bursar/pkg/logging"
)

func testClient() *Client {
	return NewClient(Config{SecretKey: "sk_test_dummy", Logger: logging.NewLogger()})
}

func TestCharge_RejectsMissingCustomer(t *testing.T) {
	result := testClient().Charge(context.Background(), ChargeRequest{AmountUSD: 50})
	if result.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(result.Error, "missing Stripe customer id") {
		t.Fatalf("unexpected error: %q", result.Error)
	}
}

func TestCharge_RejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -10} {
		result := testClient().Charge(context.Background(), ChargeRequest{CustomerID: "cus_1", AmountUSD: amount})
		if result.Success {
			t.Fatalf("expected failure for amount %d", amount)
		}
		if !strings.Contains(result.Error, "invalid charge amount") {
			t.Fatalf("unexpected error: %q", result.Error)
		}
	}
}

func TestStripeErrorMessage(t *testing.T) {
	err := &stripe.Error{Msg: "Your card was declined.", Code: stripe.ErrorCodeCardDeclined}
	if got := stripeErrorMessage(err); got != "Your card was declined." {
		t.Fatalf("expected message, got %q", got)
	}

	err = &stripe.Error{Code: stripe.ErrorCodeCardDeclined}
	if got := stripeErrorMessage(err); got != string(stripe.ErrorCodeCardDeclined) {
		t.Fatalf("expected code fallback, got %q", got)
	}

	plain := errors.New("connection reset")
	if got := stripeErrorMessage(plain); got != "connection reset" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	if isTransient(nil) {
		t.Fatalf("nil error is not transient")
	}
	if isTransient(&stripe.Error{Type: stripe.ErrorTypeCard}) {
		t.Fatalf("card errors are terminal")
	}
	if !isTransient(&stripe.Error{Type: stripe.ErrorTypeAPI}) {
		t.Fatalf("API errors are retryable")
	}
	if !isTransient(errors.New("connection reset")) {
		t.Fatalf("transport errors are retryable")
	}
}
