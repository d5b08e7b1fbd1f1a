package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Razorpay-Signature"

const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionCharged   = "subscription.charged"
	EventSubscriptionCancelled = "subscription.cancelled"
)

// Sign returns the hex signature Razorpay would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the exact bytes received.
// A missing secret or signature never verifies.
func VerifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// WebhookEvent is the envelope of every Razorpay webhook.
type WebhookEvent struct {
	Event     string          `json:"event"`
	AccountID string          `json:"account_id"`
	CreatedAt int64           `json:"created_at"`
	Payload   WebhookPayload  `json:"payload"`
	Raw       json.RawMessage `json:"-"`
}

type WebhookPayload struct {
	Subscription *SubscriptionWrapper `json:"subscription,omitempty"`
	Payment      *PaymentWrapper      `json:"payment,omitempty"`
}

type SubscriptionWrapper struct {
	Entity  *SubscriptionEntity `json:"entity,omitempty"`
	Payment *PaymentWrapper     `json:"payment,omitempty"`
}

type PaymentWrapper struct {
	Entity *PaymentEntity `json:"entity,omitempty"`
}

type SubscriptionEntity struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
	CurrentEnd int64  `json:"current_end"`
	Notes      Notes  `json:"notes"`
}

type PaymentEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Contact  string `json:"contact"`
	Email    string `json:"email"`
	Notes    Notes  `json:"notes"`
}

// Notes is Razorpay's free-form key/value map. Razorpay sends an empty JSON
// array instead of an object when no notes were set, so decoding tolerates both.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		*n = nil
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Notes, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	*n = out
	return nil
}

// MerchantID returns the merchant reference embedded in notes, if any.
func (n Notes) MerchantID() string {
	for _, k := range []string{"restaurantId", "merchantId"} {
		if v := strings.TrimSpace(n[k]); v != "" {
			return v
		}
	}
	return ""
}

func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, err
	}
	ev.Event = strings.TrimSpace(ev.Event)
	ev.Raw = body
	return ev, nil
}

func (e WebhookEvent) SubscriptionEntity() *SubscriptionEntity {
	if e.Payload.Subscription == nil {
		return nil
	}
	return e.Payload.Subscription.Entity
}

// PaymentEntity prefers the top-level payment block and falls back to the one
// nested under the subscription.
func (e WebhookEvent) PaymentEntity() *PaymentEntity {
	if e.Payload.Payment != nil && e.Payload.Payment.Entity != nil {
		return e.Payload.Payment.Entity
	}
	if s := e.Payload.Subscription; s != nil && s.Payment != nil {
		return s.Payment.Entity
	}
	return nil
}
