package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/store"
	"citestack/internal/telemetry"
)

// Request-level failures, mapped to HTTP statuses by the caller.
var (
	ErrWebhookNotConfigured = errors.New("Webhook not configured")
	ErrMissingSignature     = errors.New("Missing stripe-signature")
	ErrInvalidSignature     = errors.New("Invalid signature")
)

// Accounts is the account and event persistence the processor writes.
type Accounts interface {
	SetStripeCustomer(ctx context.Context, userID, customerID string) error
	SyncPlan(ctx context.Context, userID string, p models.PlanSync) error
	FindUserByStripeCustomer(ctx context.Context, customerID string) (string, error)
	WebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, eventID string, at time.Time) error
}

// Granter creates accounts and adds purchased credits.
type Granter interface {
	Ensure(ctx context.Context, userID string) error
	GrantPack(ctx context.Context, userID string, amount int, eventID string) (bool, error)
}

// Processor verifies and applies Stripe webhook events. An event is recorded as processed
// only after its handling succeeded, so a failed event is retried by Stripe in full.
type Processor struct {
	secret   string
	stripe   StripeAPI
	accounts Accounts
	ledger   Granter
	catalog  Catalog
	now      func() time.Time
	log      *log.Logger
}

// NewProcessor wires a processor.
func NewProcessor(secret string, api StripeAPI, accounts Accounts, ledger Granter, catalog Catalog, logger *log.Logger) *Processor {
	return &Processor{
		secret:   secret,
		stripe:   api,
		accounts: accounts,
		ledger:   ledger,
		catalog:  catalog,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.OrNop(logger),
	}
}

// Handle verifies payload against the Stripe-Signature header and applies the event.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) error {
	if p.secret == "" {
		p.log.Error().Msg("stripe webhook secret is not configured")
		return ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.log.Warn().Err(err).Msg("webhook signature verification failed")
		return ErrInvalidSignature
	}
	return p.Apply(ctx, event)
}

// Apply runs a verified event once.
func (p *Processor) Apply(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	done, err := p.accounts.WebhookEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	if done {
		telemetry.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		p.log.Info().Str("event_id", event.ID).Str("event_type", eventType).Msg("webhook event already processed")
		return nil
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}
	switch eventType {
	case "checkout.session.completed":
		err = p.checkoutCompleted(ctx, event.ID, raw)
	case "customer.subscription.updated":
		err = p.subscriptionUpdated(ctx, raw)
	case "customer.subscription.deleted":
		err = p.subscriptionDeleted(ctx, raw)
	default:
		telemetry.WebhookEvents.WithLabelValues(eventType, "ignored").Inc()
	}
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		p.log.Error().Err(err).Str("event_id", event.ID).Str("event_type", eventType).Msg("webhook handler failed")
		return err
	}

	if err := p.accounts.RecordWebhookEvent(ctx, event.ID, p.now()); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	telemetry.WebhookEvents.WithLabelValues(eventType, "processed").Inc()
	return nil
}

func (p *Processor) checkoutCompleted(ctx context.Context, eventID string, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	userID := strings.TrimSpace(session.ClientReferenceID)
	if userID == "" {
		userID = strings.TrimSpace(session.Metadata["user_id"])
	}
	if userID == "" {
		p.log.Warn().Str("event_id", eventID).Str("session_id", session.ID).Msg("checkout session without user id")
		return nil
	}

	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		if session.Subscription == nil || session.Subscription.ID == "" {
			return nil
		}
		if err := p.linkCustomer(ctx, userID, session.Customer); err != nil {
			return err
		}
		sub, err := p.stripe.Subscription(ctx, session.Subscription.ID)
		if err != nil {
			return fmt.Errorf("fetch subscription: %w", err)
		}
		return p.syncSubscription(ctx, userID, sub)

	case stripe.CheckoutSessionModePayment:
		full, err := p.stripe.CheckoutSession(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("fetch checkout session: %w", err)
		}
		priceID := firstLinePrice(full)
		credits, ok := p.catalog.PackCredits(priceID)
		if !ok {
			p.log.Warn().Str("event_id", eventID).Str("price_id", priceID).Msg("credit pack with unknown price")
			return nil
		}
		if err := p.linkCustomer(ctx, userID, session.Customer); err != nil {
			return err
		}
		granted, err := p.ledger.GrantPack(ctx, userID, credits, eventID)
		if err != nil {
			return fmt.Errorf("grant pack: %w", err)
		}
		p.log.Info().Str("event_id", eventID).Str("user_id", userID).Int("credits", credits).Bool("granted", granted).Msg("credit pack purchased")
	}
	return nil
}

func (p *Processor) subscriptionUpdated(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	userID, err := p.resolveUser(ctx, &sub)
	if err != nil || userID == "" {
		return err
	}
	return p.syncSubscription(ctx, userID, &sub)
}

func (p *Processor) subscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	userID, err := p.resolveUser(ctx, &sub)
	if err != nil || userID == "" {
		return err
	}
	return p.writePlan(ctx, userID, models.PlanSync{
		Plan:               models.PlanFree,
		MonthlyGrant:       p.catalog.FreeGrant(),
		SubscriptionID:     sub.ID,
		SubscriptionStatus: string(stripe.SubscriptionStatusCanceled),
	})
}

// resolveUser finds the owner of a subscription by stored customer id, then by metadata.
// An unknown owner yields "" and no error.
func (p *Processor) resolveUser(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer != nil && sub.Customer.ID != "" {
		userID, err := p.accounts.FindUserByStripeCustomer(ctx, sub.Customer.ID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("find customer: %w", err)
		}
	}
	if userID := strings.TrimSpace(sub.Metadata["user_id"]); userID != "" {
		return userID, nil
	}
	p.log.Warn().Str("subscription_id", sub.ID).Msg("subscription for unknown customer")
	return "", nil
}

// syncSubscription writes absolute plan values, so replays are harmless.
func (p *Processor) syncSubscription(ctx context.Context, userID string, sub *stripe.Subscription) error {
	sync := models.PlanSync{
		Plan:               models.PlanFree,
		MonthlyGrant:       p.catalog.FreeGrant(),
		SubscriptionID:     sub.ID,
		SubscriptionStatus: string(sub.Status),
	}
	active := sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
	if plan, grant, ok := p.catalog.PlanForPrice(firstItemPrice(sub)); ok && active {
		sync.Plan, sync.MonthlyGrant = plan, grant
	}
	return p.writePlan(ctx, userID, sync)
}

func (p *Processor) writePlan(ctx context.Context, userID string, sync models.PlanSync) error {
	if err := p.ledger.Ensure(ctx, userID); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if err := p.accounts.SyncPlan(ctx, userID, sync); err != nil {
		return fmt.Errorf("sync plan: %w", err)
	}
	p.log.Info().Str("user_id", userID).Str("plan", sync.Plan).Int("monthly_grant", sync.MonthlyGrant).
		Str("subscription_status", sync.SubscriptionStatus).Msg("plan synced")
	return nil
}

func (p *Processor) linkCustomer(ctx context.Context, userID string, customer *stripe.Customer) error {
	if err := p.ledger.Ensure(ctx, userID); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if customer == nil || customer.ID == "" {
		return nil
	}
	if err := p.accounts.SetStripeCustomer(ctx, userID, customer.ID); err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func firstItemPrice(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func firstLinePrice(session *stripe.CheckoutSession) string {
	if session == nil || session.LineItems == nil || len(session.LineItems.Data) == 0 || session.LineItems.Data[0].Price == nil {
		return ""
	}
	return session.LineItems.Data[0].Price.ID
}
