package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/subscription"
)

func TestMemoryStorePendingLookupPicksNewest(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetPending("old", "+9100", base)
	s.SetPending("new", "+9100", base.Add(time.Hour))
	s.SetPending("other", "+9111", base.Add(2*time.Hour))

	id, err := s.FindMerchantByPendingContact(context.Background(), "+9100")
	require.NoError(t, err)
	assert.Equal(t, "new", id)

	id, err = s.FindMerchantByPendingContact(context.Background(), "+9199")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestMemoryStoreUnknownMerchant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.ErrorIs(t, s.Activate(ctx, "nope", subscription.Activation{}), subscription.ErrMerchantNotFound)
	assert.ErrorIs(t, s.Renew(ctx, "nope", subscription.Renewal{}), subscription.ErrMerchantNotFound)
	assert.ErrorIs(t, s.Cancel(ctx, "nope", subscription.Cancellation{}), subscription.ErrMerchantNotFound)
}

func TestMemoryStoreLedgerKeyedByPaymentID(t *testing.T) {
	s := NewMemoryStore()
	s.AddMerchant("m1")
	ctx := context.Background()
	pay := &models.PaymentEntry{PaymentID: "pay_1", Type: models.PaymentRenewal, Amount: 99}

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Renew(ctx, "m1", subscription.Renewal{Status: models.SubscriptionActive, IsActive: true, Payment: pay}))
	}
	assert.Len(t, s.Payments("m1"), 1)

	sub, ok := s.Subscription("m1")
	require.True(t, ok)
	assert.Equal(t, "pay_1", sub.LastPaymentID)
	assert.NotNil(t, sub.LastRenewalAt)
}

func TestMemoryStoreRenewRefusedAfterCancel(t *testing.T) {
	s := NewMemoryStore()
	s.AddMerchant("m1")
	ctx := context.Background()
	require.NoError(t, s.Cancel(ctx, "m1", subscription.Cancellation{WebhookEvent: "subscription.cancelled", At: time.Now()}))

	err := s.Renew(ctx, "m1", subscription.Renewal{Status: models.SubscriptionActive, IsActive: true})
	assert.ErrorIs(t, err, subscription.ErrSubscriptionCanceled)

	sub, _ := s.Subscription("m1")
	assert.False(t, sub.IsActive)
	assert.Equal(t, models.SubscriptionCancelled, sub.Status)
}
