package docstore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/subscription"
)

var _ subscription.Store = (*Store)(nil)

// FindMerchantByPendingContact matches the pending checkout by phone, or by
// email when contact has no leading +.
func (s *Store) FindMerchantByPendingContact(ctx context.Context, contact string) (string, error) {
	field := "pendingSubscription.phone"
	if !strings.HasPrefix(contact, "+") && strings.Contains(contact, "@") {
		field = "pendingSubscription.email"
	}
	docs, err := s.fs.Collection(ColShops).
		Where(field, "==", contact).
		OrderBy("pendingSubscription.initiatedAt", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return "", fmt.Errorf("query pending subscription: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].Ref.ID, nil
}

func (s *Store) Activate(ctx context.Context, merchantID string, a subscription.Activation) error {
	shop := s.fs.Collection(ColShops).Doc(merchantID)
	return s.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := s.loadShop(tx, shop); err != nil {
			return err
		}
		payRef, write, err := s.paymentToWrite(tx, shop, a.Payment)
		if err != nil {
			return err
		}

		sub := a.Subscription
		subMap := map[string]interface{}{
			"isActive":        sub.IsActive,
			"subscriptionId":  sub.SubscriptionID,
			"planId":          sub.PlanID,
			"customerId":      sub.CustomerID,
			"amount":          sub.Amount,
			"currency":        sub.Currency,
			"interval":        sub.Interval,
			"nextBillingDate": sub.NextBillingDate,
			"autoPay":         sub.AutoPay,
			"activatedAt":     firestore.ServerTimestamp,
			"status":          string(sub.Status),
			"webhookEvent":    sub.WebhookEvent,
		}
		if sub.LastPaymentID != "" {
			subMap["lastPaymentId"] = sub.LastPaymentID
		}
		err = tx.Update(shop, []firestore.Update{
			{Path: "subscription", Value: subMap},
			{Path: "pendingSubscription", Value: firestore.Delete},
		})
		if err != nil {
			return err
		}
		if write {
			return tx.Set(payRef, paymentDoc(a.Payment))
		}
		return nil
	})
}

func (s *Store) Renew(ctx context.Context, merchantID string, r subscription.Renewal) error {
	shop := s.fs.Collection(ColShops).Doc(merchantID)
	return s.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := s.loadShop(tx, shop)
		if err != nil {
			return err
		}
		if st, err := snap.DataAt("subscription.status"); err == nil && st == string(models.SubscriptionCancelled) {
			return subscription.ErrSubscriptionCanceled
		}
		payRef, write, err := s.paymentToWrite(tx, shop, r.Payment)
		if err != nil {
			return err
		}

		updates := []firestore.Update{
			{Path: "subscription.subscriptionId", Value: r.SubscriptionID},
			{Path: "subscription.nextBillingDate", Value: r.NextBillingDate},
			{Path: "subscription.lastRenewalAt", Value: firestore.ServerTimestamp},
			{Path: "subscription.isActive", Value: r.IsActive},
			{Path: "subscription.status", Value: string(r.Status)},
			{Path: "subscription.webhookEvent", Value: r.WebhookEvent},
		}
		if r.Payment != nil {
			updates = append(updates, firestore.Update{Path: "subscription.lastPaymentId", Value: r.Payment.PaymentID})
		}
		if err := tx.Update(shop, updates); err != nil {
			return err
		}
		if write {
			return tx.Set(payRef, paymentDoc(r.Payment))
		}
		return nil
	})
}

func (s *Store) Cancel(ctx context.Context, merchantID string, c subscription.Cancellation) error {
	_, err := s.fs.Collection(ColShops).Doc(merchantID).Update(ctx, []firestore.Update{
		{Path: "subscription.isActive", Value: false},
		{Path: "subscription.status", Value: string(models.SubscriptionCancelled)},
		{Path: "subscription.cancelledAt", Value: firestore.ServerTimestamp},
		{Path: "subscription.webhookEvent", Value: c.WebhookEvent},
	})
	if isNotFound(err) {
		return subscription.ErrMerchantNotFound
	}
	return err
}

func (s *Store) loadShop(tx *firestore.Transaction, shop *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	snap, err := tx.Get(shop)
	if isNotFound(err) || (err == nil && !snap.Exists()) {
		return nil, subscription.ErrMerchantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shop: %w", err)
	}
	return snap, nil
}

// paymentToWrite reads the ledger document keyed by payment id. write is false
// when there is no payment or it is already recorded.
func (s *Store) paymentToWrite(tx *firestore.Transaction, shop *firestore.DocumentRef, p *models.PaymentEntry) (*firestore.DocumentRef, bool, error) {
	if p == nil {
		return nil, false, nil
	}
	ref := shop.Collection(ColPayments).Doc(p.PaymentID)
	snap, err := tx.Get(ref)
	switch {
	case isNotFound(err):
		return ref, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("get payment %s: %w", p.PaymentID, err)
	}
	return ref, !snap.Exists(), nil
}

func paymentDoc(p *models.PaymentEntry) map[string]interface{} {
	return map[string]interface{}{
		"paymentId":      p.PaymentID,
		"subscriptionId": p.SubscriptionID,
		"amount":         p.Amount,
		"type":           string(p.Type),
		"status":         p.Status,
		"webhookEvent":   p.WebhookEvent,
		"timestamp":      firestore.ServerTimestamp,
	}
}
