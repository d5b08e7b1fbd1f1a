package subscription_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/payments"
	"github.com/example/quickrun-notify/internal/storage"
	"github.com/example/quickrun-notify/internal/subscription"
)

const secret = "whsec"

type deadLetterSpy struct {
	events  []string
	reasons []string
}

func (d *deadLetterSpy) PublishDeadLetter(_ context.Context, event string, _ []byte, reason string) error {
	d.events = append(d.events, event)
	d.reasons = append(d.reasons, reason)
	return nil
}

type failingStore struct{ *storage.MemoryStore }

func (failingStore) Activate(context.Context, string, subscription.Activation) error {
	return errors.New("db down")
}

func newReconciler(store subscription.Store, dl subscription.DeadLetter) *subscription.Reconciler {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return subscription.NewReconciler(store, subscription.Options{
		Secret:       secret,
		PlanAmount:   99,
		PlanCurrency: "INR",
		DeadLetter:   dl,
		Now:          func() time.Time { return fixed },
	})
}

func body(t *testing.T, event string, sub map[string]any, pay map[string]any) []byte {
	t.Helper()
	payload := map[string]any{}
	if sub != nil {
		payload["subscription"] = map[string]any{"entity": sub}
	}
	if pay != nil {
		payload["payment"] = map[string]any{"entity": pay}
	}
	b, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	require.NoError(t, err)
	return b
}

func deliver(t *testing.T, r *subscription.Reconciler, b []byte) (subscription.Outcome, error) {
	t.Helper()
	return r.OnWebhook(context.Background(), b, payments.Sign(b, secret))
}

func TestActivationByNotes(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPending("M1", "+910000000000", time.Now())
	r := newReconciler(store, nil)

	b := body(t, payments.EventSubscriptionActivated,
		map[string]any{"id": "sub_1", "plan_id": "plan_1", "customer_id": "cust_1", "status": "active", "current_end": 1700000000, "notes": map[string]any{"restaurantId": "M1"}},
		map[string]any{"id": "pay_1"})
	out, err := deliver(t, r, b)
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeApplied, out)

	sub, ok := store.Subscription("M1")
	require.True(t, ok)
	assert.True(t, sub.IsActive)
	assert.Equal(t, "sub_1", sub.SubscriptionID)
	assert.Equal(t, int64(99), sub.Amount)
	assert.Equal(t, "INR", sub.Currency)
	assert.Equal(t, "monthly", sub.Interval)
	assert.True(t, sub.AutoPay)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), sub.NextBillingDate)
	assert.Equal(t, "subscription.activated", sub.WebhookEvent)
	assert.False(t, store.HasPending("M1"))

	pays := store.Payments("M1")
	require.Len(t, pays, 1)
	assert.Equal(t, models.PaymentInitial, pays[0].Type)
	assert.Equal(t, int64(99), pays[0].Amount)
}

func TestChargedKeepsPlanAndCustomer(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddMerchant("M1")
	r := newReconciler(store, nil)
	notes := map[string]any{"restaurantId": "M1"}

	_, err := deliver(t, r, body(t, payments.EventSubscriptionActivated,
		map[string]any{"id": "sub_1", "plan_id": "plan_1", "customer_id": "cust_1", "status": "active", "current_end": 1700000000, "notes": notes},
		map[string]any{"id": "pay_1"}))
	require.NoError(t, err)

	out, err := deliver(t, r, body(t, payments.EventSubscriptionCharged,
		map[string]any{"id": "sub_1", "status": "active", "current_end": 1702592000, "notes": notes},
		map[string]any{"id": "pay_2"}))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeApplied, out)

	sub, _ := store.Subscription("M1")
	assert.Equal(t, "plan_1", sub.PlanID)
	assert.Equal(t, "cust_1", sub.CustomerID)
	assert.Equal(t, "pay_2", sub.LastPaymentID)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), sub.NextBillingDate)
	require.NotNil(t, sub.LastRenewalAt)

	pays := store.Payments("M1")
	require.Len(t, pays, 2)
	assert.Equal(t, models.PaymentRenewal, pays[1].Type)
}

func TestRedeliveryDoesNotDuplicateLedger(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddMerchant("M1")
	r := newReconciler(store, nil)
	b := body(t, payments.EventSubscriptionCharged,
		map[string]any{"id": "sub_1", "status": "active", "current_end": 1700000000, "notes": map[string]any{"restaurantId": "M1"}},
		map[string]any{"id": "pay_7"})

	for i := 0; i < 3; i++ {
		_, err := deliver(t, r, b)
		require.NoError(t, err)
	}
	assert.Len(t, store.Payments("M1"), 1)
}

func TestChargeAfterCancelIsIgnored(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddMerchant("M1")
	r := newReconciler(store, nil)
	notes := map[string]any{"restaurantId": "M1"}

	out, err := deliver(t, r, body(t, payments.EventSubscriptionCancelled, map[string]any{"id": "sub_1", "notes": notes}, nil))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeApplied, out)

	out, err = deliver(t, r, body(t, payments.EventSubscriptionCharged,
		map[string]any{"id": "sub_1", "status": "active", "current_end": 1700000000, "notes": notes},
		map[string]any{"id": "pay_late"}))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeIgnored, out)

	sub, _ := store.Subscription("M1")
	assert.False(t, sub.IsActive)
	assert.Equal(t, models.SubscriptionCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.Empty(t, store.Payments("M1"))

	// A fresh activation starts a new record.
	out, err = deliver(t, r, body(t, payments.EventSubscriptionActivated,
		map[string]any{"id": "sub_2", "status": "active", "current_end": 1700000000, "notes": notes},
		map[string]any{"id": "pay_new"}))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeApplied, out)
	sub, _ = store.Subscription("M1")
	assert.True(t, sub.IsActive)
	assert.Nil(t, sub.CancelledAt)
}

func TestResolutionFallsBackToPendingContact(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPending("M-old", "+919999999999", time.Now().Add(-time.Hour))
	store.SetPending("M-new", "+919999999999", time.Now())
	r := newReconciler(store, nil)

	out, err := deliver(t, r, body(t, payments.EventSubscriptionActivated,
		map[string]any{"id": "sub_1", "status": "active", "current_end": 1700000000},
		map[string]any{"id": "pay_1", "contact": "+919999999999"}))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeApplied, out)

	_, ok := store.Subscription("M-new")
	assert.True(t, ok)
	_, ok = store.Subscription("M-old")
	assert.False(t, ok)
}

func TestPaymentNotesBeatContact(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddMerchant("M-notes")
	store.SetPending("M-contact", "+91", time.Now())
	r := newReconciler(store, nil)

	_, err := deliver(t, r, body(t, payments.EventSubscriptionCancelled,
		map[string]any{"id": "sub_1"},
		map[string]any{"id": "pay_1", "contact": "+91", "notes": map[string]any{"merchantId": "M-notes"}}))
	require.NoError(t, err)

	sub, ok := store.Subscription("M-notes")
	require.True(t, ok)
	assert.Equal(t, models.SubscriptionCancelled, sub.Status)
	assert.True(t, store.HasPending("M-contact"))
}

func TestUnresolvedMerchantIsAcknowledged(t *testing.T) {
	store := storage.NewMemoryStore()
	dl := &deadLetterSpy{}
	r := newReconciler(store, dl)

	out, err := deliver(t, r, body(t, payments.EventSubscriptionCharged,
		map[string]any{"id": "sub_1", "status": "active", "current_end": 1700000000},
		map[string]any{"id": "pay_1", "contact": "+910"}))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeUnresolved, out)
	assert.Equal(t, []string{payments.EventSubscriptionCharged}, dl.events)

	// Resolved through notes but the merchant record does not exist.
	out, err = deliver(t, r, body(t, payments.EventSubscriptionCancelled,
		map[string]any{"id": "sub_1", "notes": map[string]any{"restaurantId": "ghost"}}, nil))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeUnresolved, out)
	assert.Len(t, dl.events, 2)
}

func TestSignatureAndPayloadErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddMerchant("M1")
	r := newReconciler(store, nil)
	b := body(t, payments.EventSubscriptionCancelled, map[string]any{"id": "sub_1", "notes": map[string]any{"restaurantId": "M1"}}, nil)

	_, err := r.OnWebhook(context.Background(), b, "deadbeef")
	assert.ErrorIs(t, err, subscription.ErrInvalidSignature)
	_, ok := store.Subscription("M1")
	assert.False(t, ok, "nothing may be written before the signature verifies")

	_, err = r.OnWebhook(context.Background(), b, payments.Sign(b, "wrong"))
	assert.ErrorIs(t, err, subscription.ErrInvalidSignature)

	bad := []byte(`{"event":`)
	_, err = r.OnWebhook(context.Background(), bad, payments.Sign(bad, secret))
	assert.ErrorIs(t, err, subscription.ErrMalformedPayload)

	noEvent := []byte(`{"payload":{}}`)
	_, err = r.OnWebhook(context.Background(), noEvent, payments.Sign(noEvent, secret))
	assert.ErrorIs(t, err, subscription.ErrMalformedPayload)

	noEntity := body(t, payments.EventSubscriptionActivated, nil, map[string]any{"id": "pay_1"})
	_, err = deliver(t, r, noEntity)
	assert.ErrorIs(t, err, subscription.ErrMalformedPayload)
}

func TestUnknownEventIgnored(t *testing.T) {
	r := newReconciler(storage.NewMemoryStore(), nil)
	out, err := deliver(t, r, body(t, "payment.captured", nil, map[string]any{"id": "pay_1"}))
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeIgnored, out)
}

func TestStoreFailureSurfaces(t *testing.T) {
	mem := storage.NewMemoryStore()
	mem.AddMerchant("M1")
	r := newReconciler(failingStore{mem}, nil)
	_, err := deliver(t, r, body(t, payments.EventSubscriptionActivated,
		map[string]any{"id": "sub_1", "status": "active", "notes": map[string]any{"restaurantId": "M1"}}, nil))
	require.Error(t, err)
	assert.NotErrorIs(t, err, subscription.ErrMalformedPayload)
	assert.NotErrorIs(t, err, subscription.ErrInvalidSignature)
}
