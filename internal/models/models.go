package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fix is a location reading and when the device took it.
type Fix struct {
	Coord
	At time.Time `json:"at"`
}

// DriverCategory tells which collection family a driver's documents live in.
type DriverCategory int

const (
	PorterDriver DriverCategory = iota // QuickRunDrivers / Customer/current_order
	EatDriver                          // drivers / Customers/currentOrder
)

func (c DriverCategory) String() string {
	if c == EatDriver {
		return "eat"
	}
	return "porter"
}

// OrderAssignment is the order a driver has accepted on this device.
type OrderAssignment struct {
	CustomerID string         `json:"customerId"`
	OrderID    string         `json:"orderId"`
	Category   DriverCategory `json:"driverCategory"`
}

func (a *OrderAssignment) Valid() bool {
	return a != nil && a.CustomerID != "" && a.OrderID != ""
}

type OverlayMode string

const (
	ModeDriver OverlayMode = "driver"
	ModeSeller OverlayMode = "seller"
)

// OverlayPayload is replaced wholesale on every new-order signal.
type OverlayPayload struct {
	CustomerID string      `json:"customerId"`
	OrderID    string      `json:"orderId"`
	ItemText   string      `json:"itemText"`
	PickupText string      `json:"pickupText"`
	DropText   string      `json:"dropText"`
	Mode       OverlayMode `json:"mode"`
	ShowAccept bool        `json:"showAccept"`
}

// Push data keys shared by the fan-out service and the driver agent.
const (
	PushKeyType       = "type"
	PushKeyMode       = "mode"
	PushKeyOrderID    = "orderId"
	PushKeyCustomerID = "customerId"
	PushKeyItemText   = "itemText"
	PushKeyPickupText = "pickupText"
	PushKeyDropText   = "dropText"
	PushKeyTitle      = "title"
	PushKeyBody       = "body"

	PushTypeNewOrder = "NEW_ORDER"
)

// OrderCreated is the event emitted when a customer order document is created.
type OrderCreated struct {
	CustomerID string         `json:"customerId"`
	OrderID    string         `json:"orderId"`
	Data       map[string]any `json:"data"`
}

type SubscriptionStatus string

const (
	SubscriptionActivated SubscriptionStatus = "activated"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCharged   SubscriptionStatus = "charged"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// MerchantSubscription mirrors the subscription map kept on a merchant record.
type MerchantSubscription struct {
	IsActive        bool               `json:"isActive"`
	SubscriptionID  string             `json:"subscriptionId"`
	PlanID          string             `json:"planId"`
	CustomerID      string             `json:"customerId"`
	Amount          int64              `json:"amount"`
	Currency        string             `json:"currency"`
	Interval        string             `json:"interval"`
	NextBillingDate time.Time          `json:"nextBillingDate"`
	AutoPay         bool               `json:"autoPay"`
	Status          SubscriptionStatus `json:"status"`
	WebhookEvent    string             `json:"webhookEvent"`
	LastPaymentID   string             `json:"lastPaymentId,omitempty"`
	ActivatedAt     *time.Time         `json:"activatedAt,omitempty"`
	LastRenewalAt   *time.Time         `json:"lastRenewalAt,omitempty"`
	CancelledAt     *time.Time         `json:"cancelledAt,omitempty"`
}

type PaymentType string

const (
	PaymentInitial PaymentType = "initial"
	PaymentRenewal PaymentType = "renewal"
)

// PaymentEntry is one row of a merchant's payment ledger, keyed by PaymentID.
type PaymentEntry struct {
	PaymentID      string      `json:"paymentId"`
	SubscriptionID string      `json:"subscriptionId"`
	Amount         int64       `json:"amount"`
	Type           PaymentType `json:"type"`
	Status         string      `json:"status"`
	WebhookEvent   string      `json:"webhookEvent"`
	Timestamp      time.Time   `json:"timestamp"`
}
