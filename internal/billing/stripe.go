package billing

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeAPI is the subset of the Stripe API the webhook processor reads.
type StripeAPI interface {
	Subscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
}

// ErrStripeNotConfigured is returned when no secret key is set.
var ErrStripeNotConfigured = errors.New("stripe secret key is not configured")

type stripeClient struct {
	api *client.API
}

// NewStripeClient returns a StripeAPI backed by the official client. An empty key
// yields a client whose calls fail with ErrStripeNotConfigured.
func NewStripeClient(secretKey string) StripeAPI {
	if secretKey == "" {
		return stripeClient{}
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return stripeClient{api: api}
}

func (c stripeClient) Subscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if c.api == nil {
		return nil, ErrStripeNotConfigured
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price")
	return c.api.Subscriptions.Get(id, params)
}

func (c stripeClient) CheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	if c.api == nil {
		return nil, ErrStripeNotConfigured
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items.data.price")
	return c.api.CheckoutSessions.Get(id, params)
}
