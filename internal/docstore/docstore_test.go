package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/subscription"
	"github.com/example/quickrun-notify/internal/tracking"
)

func TestOrderPathByCategory(t *testing.T) {
	eat := models.OrderAssignment{CustomerID: "c1", OrderID: "o1", Category: models.EatDriver}
	assert.Equal(t, []string{"Customers", "c1", "currentOrder", "o1"}, OrderPath(eat))

	porter := models.OrderAssignment{CustomerID: "c1", OrderID: "o1", Category: models.PorterDriver}
	assert.Equal(t, []string{"Customer", "c1", "current_order", "o1"}, OrderPath(porter))

	assert.Equal(t, "drivers", DriverCollection(models.EatDriver))
	assert.Equal(t, "QuickRunDrivers", DriverCollection(models.PorterDriver))
}

func TestActivityDay(t *testing.T) {
	assert.Equal(t, "2024-03-09", ActivityDay(time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)))
}

func TestPushToken(t *testing.T) {
	assert.Equal(t, "tok", pushToken(map[string]interface{}{"fcmId": " tok "}))
	assert.Empty(t, pushToken(map[string]interface{}{"fcmId": 12}))
	assert.Empty(t, pushToken(map[string]interface{}{}))
}

// emulatorStore connects to the Firestore emulator when FIRESTORE_EMULATOR_HOST
// is set; the client library routes to it automatically.
func emulatorStore(t *testing.T) (*Store, *firestore.Client) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	fs, err := firestore.NewClient(context.Background(), "quickrun-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return New(fs, nil), fs
}

func TestEmulatorSubscriptionLifecycle(t *testing.T) {
	s, fs := emulatorStore(t)
	ctx := context.Background()
	shopID := "shop-" + uuid.NewString()
	phone := "+91" + uuid.NewString()[:8]
	_, err := fs.Collection(ColShops).Doc(shopID).Set(ctx, map[string]interface{}{
		"activeShop":          true,
		"fcmId":               "shop-token",
		"pendingSubscription": map[string]interface{}{"phone": phone, "initiatedAt": time.Now()},
	})
	require.NoError(t, err)

	id, err := s.FindMerchantByPendingContact(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, shopID, id)

	pay := &models.PaymentEntry{PaymentID: "pay_" + uuid.NewString(), Amount: 99, Type: models.PaymentInitial, Status: "success"}
	act := subscription.Activation{
		Subscription: models.MerchantSubscription{IsActive: true, SubscriptionID: "sub_1", PlanID: "plan_1", Status: models.SubscriptionActive},
		Payment:      pay,
	}
	require.NoError(t, s.Activate(ctx, shopID, act))
	require.NoError(t, s.Activate(ctx, shopID, act))

	pays, err := fs.Collection(ColShops).Doc(shopID).Collection(ColPayments).Documents(ctx).GetAll()
	require.NoError(t, err)
	assert.Len(t, pays, 1)

	snap, err := fs.Collection(ColShops).Doc(shopID).Get(ctx)
	require.NoError(t, err)
	_, err = snap.DataAt("pendingSubscription")
	assert.Error(t, err)

	require.NoError(t, s.Cancel(ctx, shopID, subscription.Cancellation{WebhookEvent: "subscription.cancelled"}))
	err = s.Renew(ctx, shopID, subscription.Renewal{Status: models.SubscriptionActive})
	assert.ErrorIs(t, err, subscription.ErrSubscriptionCanceled)

	assert.ErrorIs(t, s.Activate(ctx, "missing-"+uuid.NewString(), act), subscription.ErrMerchantNotFound)

	tokens, err := s.MerchantTokens(ctx, []string{shopID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"shop-token"}, tokens)
}

func TestEmulatorResolveDriver(t *testing.T) {
	s, fs := emulatorStore(t)
	ctx := context.Background()
	eatID := "eat-" + uuid.NewString()
	_, err := fs.Collection(ColEatDrivers).Doc(eatID).Set(ctx, map[string]interface{}{"name": "E"})
	require.NoError(t, err)

	ref, found, err := s.ResolveDriver(ctx, eatID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tracking.DriverRef{DocID: eatID, Category: models.EatDriver}, ref)

	phone := "+91" + uuid.NewString()[:8]
	doc, _, err := fs.Collection(ColPorterDrivers).Add(ctx, map[string]interface{}{"phone": phone})
	require.NoError(t, err)
	ref, found, err = s.ResolveDriver(ctx, phone)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc.ID, ref.DocID)
	assert.Equal(t, models.PorterDriver, ref.Category)

	_, found, err = s.ResolveDriver(ctx, "nobody-"+uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)
}
