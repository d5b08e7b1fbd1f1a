package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/subscription"
)

type pendingSubscription struct {
	contact     string
	initiatedAt time.Time
}

type merchantRecord struct {
	subscription *models.MerchantSubscription
	pending      *pendingSubscription
	payments     map[string]models.PaymentEntry
}

// MemoryStore keeps merchant subscriptions in process. It backs local runs and
// tests; merchants must be registered before webhooks can touch them.
type MemoryStore struct {
	mu        sync.RWMutex
	merchants map[string]*merchantRecord
}

var _ subscription.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{merchants: make(map[string]*merchantRecord)}
}

// AddMerchant registers a merchant with no subscription.
func (m *MemoryStore) AddMerchant(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id)
}

// SetPending records a checkout the merchant started with contact.
func (m *MemoryStore) SetPending(id, contact string, initiatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).pending = &pendingSubscription{contact: contact, initiatedAt: initiatedAt}
}

func (m *MemoryStore) record(id string) *merchantRecord {
	rec, ok := m.merchants[id]
	if !ok {
		rec = &merchantRecord{payments: make(map[string]models.PaymentEntry)}
		m.merchants[id] = rec
	}
	return rec
}

func (m *MemoryStore) FindMerchantByPendingContact(_ context.Context, contact string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best   string
		bestAt time.Time
	)
	for id, rec := range m.merchants {
		if rec.pending == nil || rec.pending.contact != contact {
			continue
		}
		if best == "" || rec.pending.initiatedAt.After(bestAt) {
			best, bestAt = id, rec.pending.initiatedAt
		}
	}
	return best, nil
}

func (m *MemoryStore) Activate(_ context.Context, merchantID string, a subscription.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.merchants[merchantID]
	if !ok {
		return subscription.ErrMerchantNotFound
	}
	sub := a.Subscription
	rec.subscription = &sub
	rec.pending = nil
	m.appendPayment(rec, a.Payment)
	return nil
}

func (m *MemoryStore) Renew(_ context.Context, merchantID string, r subscription.Renewal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.merchants[merchantID]
	if !ok {
		return subscription.ErrMerchantNotFound
	}
	if rec.subscription == nil {
		rec.subscription = &models.MerchantSubscription{}
	}
	sub := rec.subscription
	if sub.Status == models.SubscriptionCancelled {
		return subscription.ErrSubscriptionCanceled
	}
	at := r.At
	sub.SubscriptionID = r.SubscriptionID
	sub.NextBillingDate = r.NextBillingDate
	sub.IsActive = r.IsActive
	sub.Status = r.Status
	sub.WebhookEvent = r.WebhookEvent
	sub.LastRenewalAt = &at
	if r.Payment != nil {
		sub.LastPaymentID = r.Payment.PaymentID
	}
	m.appendPayment(rec, r.Payment)
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, merchantID string, c subscription.Cancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.merchants[merchantID]
	if !ok {
		return subscription.ErrMerchantNotFound
	}
	if rec.subscription == nil {
		rec.subscription = &models.MerchantSubscription{}
	}
	at := c.At
	rec.subscription.IsActive = false
	rec.subscription.Status = models.SubscriptionCancelled
	rec.subscription.WebhookEvent = c.WebhookEvent
	rec.subscription.CancelledAt = &at
	return nil
}

func (m *MemoryStore) appendPayment(rec *merchantRecord, p *models.PaymentEntry) {
	if p == nil {
		return
	}
	if _, dup := rec.payments[p.PaymentID]; dup {
		return
	}
	rec.payments[p.PaymentID] = *p
}

// Subscription returns a copy of the merchant's subscription.
func (m *MemoryStore) Subscription(merchantID string) (models.MerchantSubscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.merchants[merchantID]
	if !ok || rec.subscription == nil {
		return models.MerchantSubscription{}, false
	}
	return *rec.subscription, true
}

// HasPending reports whether the merchant still carries a pending checkout.
func (m *MemoryStore) HasPending(merchantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.merchants[merchantID]
	return ok && rec.pending != nil
}

// Payments lists the merchant's ledger ordered by timestamp.
func (m *MemoryStore) Payments(merchantID string) []models.PaymentEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.merchants[merchantID]
	if !ok {
		return nil
	}
	out := make([]models.PaymentEntry, 0, len(rec.payments))
	for _, p := range rec.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].PaymentID < out[j].PaymentID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
