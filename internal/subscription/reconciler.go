// Package subscription applies payment-provider webhooks to merchant
// subscription records.
//
// A merchant moves None -> Activated -> Charged* and may end Cancelled. A
// cancelled record ignores later charges; only a new activation revives it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/observability"
	"github.com/example/quickrun-notify/internal/payments"
)

var (
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrMerchantNotFound     = errors.New("merchant not found")
	ErrSubscriptionCanceled = errors.New("subscription is cancelled")
)

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
)

// Activation replaces the merchant's subscription and clears any pending marker.
type Activation struct {
	Subscription models.MerchantSubscription
	Payment      *models.PaymentEntry
	At           time.Time
}

// Renewal touches billing, status and ledger fields only.
type Renewal struct {
	SubscriptionID  string
	NextBillingDate time.Time
	IsActive        bool
	Status          models.SubscriptionStatus
	WebhookEvent    string
	Payment         *models.PaymentEntry
	At              time.Time
}

type Cancellation struct {
	WebhookEvent string
	At           time.Time
}

// Store persists merchant subscriptions. Each write method must commit all of
// its field updates and its ledger entry together. Ledger entries are keyed by
// payment id, so replaying an event never adds a second row.
type Store interface {
	// FindMerchantByPendingContact returns the merchant whose most recently
	// initiated pending subscription carries contact, or "" when none does.
	FindMerchantByPendingContact(ctx context.Context, contact string) (string, error)
	Activate(ctx context.Context, merchantID string, a Activation) error
	// Renew returns ErrSubscriptionCanceled for a cancelled subscription.
	Renew(ctx context.Context, merchantID string, r Renewal) error
	Cancel(ctx context.Context, merchantID string, c Cancellation) error
}

// DeadLetter receives webhook bodies that could not be tied to a merchant.
type DeadLetter interface {
	PublishDeadLetter(ctx context.Context, event string, body []byte, reason string) error
}

type Options struct {
	Secret       string
	PlanAmount   int64
	PlanCurrency string
	DeadLetter   DeadLetter
	Logger       *slog.Logger
	Now          func() time.Time
}

type Reconciler struct {
	store      Store
	secret     string
	amount     int64
	currency   string
	deadLetter DeadLetter
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(store Store, opts Options) *Reconciler {
	r := &Reconciler{
		store:      store,
		secret:     opts.Secret,
		amount:     opts.PlanAmount,
		currency:   opts.PlanCurrency,
		deadLetter: opts.DeadLetter,
		logger:     logging.Component(opts.Logger, "subscription"),
		now:        opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.currency == "" {
		r.currency = "INR"
	}
	return r
}

// OnWebhook verifies and applies one webhook delivery. The signature is checked
// before the body is even parsed.
func (r *Reconciler) OnWebhook(ctx context.Context, rawBody []byte, signature string) (Outcome, error) {
	if !payments.VerifySignature(rawBody, signature, r.secret) {
		if r.secret == "" {
			r.logger.Error("webhook secret not configured")
		}
		observability.WebhookEventsTotal.WithLabelValues("unknown", "rejected_signature").Inc()
		return "", ErrInvalidSignature
	}

	ev, err := payments.ParseWebhook(rawBody)
	if err != nil {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.Event == "" {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return "", fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}

	log := r.logger.With("event", ev.Event)
	log.Info("webhook received")

	var outcome Outcome
	switch ev.Event {
	case payments.EventSubscriptionActivated:
		outcome, err = r.activated(ctx, ev, log)
	case payments.EventSubscriptionCharged:
		outcome, err = r.charged(ctx, ev, log)
	case payments.EventSubscriptionCancelled:
		outcome, err = r.cancelled(ctx, ev, log)
	default:
		log.Info("unhandled webhook event")
		outcome = OutcomeIgnored
	}
	if err != nil {
		label := "error"
		if errors.Is(err, ErrMalformedPayload) {
			label = "malformed"
		}
		observability.WebhookEventsTotal.WithLabelValues(ev.Event, label).Inc()
		return "", err
	}
	observability.WebhookEventsTotal.WithLabelValues(ev.Event, string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) activated(ctx context.Context, ev payments.WebhookEvent, log *slog.Logger) (Outcome, error) {
	sub := ev.SubscriptionEntity()
	if sub == nil {
		return "", fmt.Errorf("%w: missing subscription entity", ErrMalformedPayload)
	}
	merchantID, err := r.resolveMerchant(ctx, ev)
	if err != nil {
		return "", err
	}
	if merchantID == "" {
		return r.unresolved(ctx, ev, log, "merchant not resolved")
	}

	now := r.now()
	status := models.SubscriptionStatus(sub.Status)
	a := Activation{
		Subscription: models.MerchantSubscription{
			IsActive:        status == models.SubscriptionActive,
			SubscriptionID:  sub.ID,
			PlanID:          sub.PlanID,
			CustomerID:      sub.CustomerID,
			Amount:          r.amount,
			Currency:        r.currency,
			Interval:        "monthly",
			NextBillingDate: billingDate(sub.CurrentEnd),
			AutoPay:         true,
			Status:          status,
			WebhookEvent:    ev.Event,
			ActivatedAt:     &now,
		},
		Payment: r.ledgerEntry(ev, sub.ID, models.PaymentInitial, now),
		At:      now,
	}
	if a.Payment != nil {
		a.Subscription.LastPaymentID = a.Payment.PaymentID
	}

	if err := r.store.Activate(ctx, merchantID, a); err != nil {
		if errors.Is(err, ErrMerchantNotFound) {
			return r.unresolved(ctx, ev, log, "merchant record missing")
		}
		return "", fmt.Errorf("activate merchant %s: %w", merchantID, err)
	}
	log.Info("subscription activated", "merchant_id", merchantID, "subscription_id", sub.ID)
	return OutcomeApplied, nil
}

func (r *Reconciler) charged(ctx context.Context, ev payments.WebhookEvent, log *slog.Logger) (Outcome, error) {
	sub := ev.SubscriptionEntity()
	if sub == nil {
		return "", fmt.Errorf("%w: missing subscription entity", ErrMalformedPayload)
	}
	merchantID, err := r.resolveMerchant(ctx, ev)
	if err != nil {
		return "", err
	}
	if merchantID == "" {
		return r.unresolved(ctx, ev, log, "merchant not resolved")
	}

	now := r.now()
	status := models.SubscriptionStatus(sub.Status)
	rn := Renewal{
		SubscriptionID:  sub.ID,
		NextBillingDate: billingDate(sub.CurrentEnd),
		IsActive:        status == models.SubscriptionActive,
		Status:          status,
		WebhookEvent:    ev.Event,
		Payment:         r.ledgerEntry(ev, sub.ID, models.PaymentRenewal, now),
		At:              now,
	}

	err = r.store.Renew(ctx, merchantID, rn)
	switch {
	case errors.Is(err, ErrSubscriptionCanceled):
		log.Warn("charge ignored for cancelled subscription", "merchant_id", merchantID, "subscription_id", sub.ID)
		return OutcomeIgnored, nil
	case errors.Is(err, ErrMerchantNotFound):
		return r.unresolved(ctx, ev, log, "merchant record missing")
	case err != nil:
		return "", fmt.Errorf("renew merchant %s: %w", merchantID, err)
	}
	log.Info("subscription charged", "merchant_id", merchantID, "subscription_id", sub.ID)
	return OutcomeApplied, nil
}

func (r *Reconciler) cancelled(ctx context.Context, ev payments.WebhookEvent, log *slog.Logger) (Outcome, error) {
	merchantID, err := r.resolveMerchant(ctx, ev)
	if err != nil {
		return "", err
	}
	if merchantID == "" {
		return r.unresolved(ctx, ev, log, "merchant not resolved")
	}
	err = r.store.Cancel(ctx, merchantID, Cancellation{WebhookEvent: ev.Event, At: r.now()})
	if errors.Is(err, ErrMerchantNotFound) {
		return r.unresolved(ctx, ev, log, "merchant record missing")
	}
	if err != nil {
		return "", fmt.Errorf("cancel merchant %s: %w", merchantID, err)
	}
	log.Info("subscription cancelled", "merchant_id", merchantID)
	return OutcomeApplied, nil
}

// resolveMerchant tries subscription notes, then payment notes, then the
// payer's contact against pending subscriptions. First match wins.
func (r *Reconciler) resolveMerchant(ctx context.Context, ev payments.WebhookEvent) (string, error) {
	if sub := ev.SubscriptionEntity(); sub != nil {
		if id := sub.Notes.MerchantID(); id != "" {
			return id, nil
		}
	}
	pay := ev.PaymentEntity()
	if pay == nil {
		return "", nil
	}
	if id := pay.Notes.MerchantID(); id != "" {
		return id, nil
	}
	contact := strings.TrimSpace(pay.Contact)
	if contact == "" {
		contact = strings.TrimSpace(pay.Email)
	}
	if contact == "" {
		return "", nil
	}
	id, err := r.store.FindMerchantByPendingContact(ctx, contact)
	if err != nil {
		return "", fmt.Errorf("lookup pending subscription: %w", err)
	}
	return id, nil
}

// unresolved acknowledges the delivery so the provider does not retry, and
// hands the body to the dead-letter sink when one is configured.
func (r *Reconciler) unresolved(ctx context.Context, ev payments.WebhookEvent, log *slog.Logger, reason string) (Outcome, error) {
	log.Error("webhook not applied", "reason", reason)
	if r.deadLetter != nil {
		if err := r.deadLetter.PublishDeadLetter(ctx, ev.Event, ev.Raw, reason); err != nil {
			log.Error("dead-letter publish failed", "error", err)
		}
	}
	return OutcomeUnresolved, nil
}

func (r *Reconciler) ledgerEntry(ev payments.WebhookEvent, subscriptionID string, typ models.PaymentType, at time.Time) *models.PaymentEntry {
	pay := ev.PaymentEntity()
	if pay == nil || strings.TrimSpace(pay.ID) == "" {
		return nil
	}
	return &models.PaymentEntry{
		PaymentID:      strings.TrimSpace(pay.ID),
		SubscriptionID: subscriptionID,
		Amount:         r.amount,
		Type:           typ,
		Status:         "success",
		WebhookEvent:   ev.Event,
		Timestamp:      at,
	}
}

func billingDate(epochSeconds int64) time.Time {
	return time.Unix(epochSeconds, 0).UTC()
}
