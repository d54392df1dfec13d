package membership

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Billing pushes patient-initiated lifecycle changes to the payment provider
// that owns the subscription, so its later webhooks agree with local state.
type Billing interface {
	SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, cancel bool) error
	CancelNow(ctx context.Context, providerSubscriptionID string) error
}

// StripeBilling implements Billing with the Stripe API.
type StripeBilling struct {
	api *client.API
}

func NewStripeBilling(secretKey string) *StripeBilling {
	return &StripeBilling{api: client.New(secretKey, nil)}
}

func (b *StripeBilling) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	params.Context = ctx
	if _, err := b.api.Subscriptions.Update(id, params); err != nil {
		return fmt.Errorf("%w: update subscription %s: %v", ErrBillingFailed, id, err)
	}
	return nil
}

func (b *StripeBilling) CancelNow(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := b.api.Subscriptions.Cancel(id, params); err != nil {
		return fmt.Errorf("%w: cancel subscription %s: %v", ErrBillingFailed, id, err)
	}
	return nil
}
