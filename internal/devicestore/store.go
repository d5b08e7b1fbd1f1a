// Package devicestore persists the agent's small per-device state (identity,
// accepted order, overlay accept) so it survives restarts.
package devicestore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/example/quickrun-notify/internal/models"
)

// Prefix namespaces every key, matching the keys the driver app writes.
const Prefix = "flutter."

const (
	KeyDriverAuthID          = Prefix + "driverAuthID"
	KeyUserPhone             = Prefix + "user_phone"
	KeyUserType              = Prefix + "userType"
	KeyBDID                  = Prefix + "bdId"
	KeyAcceptedCustomerID    = Prefix + "acceptedOrderCustomerId"
	KeyAcceptedOrderID       = Prefix + "acceptedOrderId"
	KeyIsEatDriver           = Prefix + "isEatDriver"
	KeyOverlayAcceptCustomer = Prefix + "overlayAcceptCustomerId"
	KeyOverlayAcceptOrder    = Prefix + "overlayAcceptOrderId"
)

// Backend is a durable string key-value store.
type Backend interface {
	// Get returns ok=false for a missing key.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Identity is who the device belongs to, as saved by the driver app.
type Identity struct {
	AuthID   string
	UserType string
	BDID     string
	// Category is set once driver resolution has succeeded on this device.
	Category *models.DriverCategory
}

type Store struct {
	b Backend
}

func New(b Backend) *Store { return &Store{b: b} }

func (s *Store) get(ctx context.Context, key string) (string, error) {
	v, ok, err := s.b.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// LoadIdentity reads the auth id, falling back to the saved phone number.
func (s *Store) LoadIdentity(ctx context.Context) (Identity, error) {
	var (
		id   Identity
		errs []error
		err  error
	)
	if id.AuthID, err = s.get(ctx, KeyDriverAuthID); err != nil {
		errs = append(errs, err)
	}
	if id.AuthID == "" {
		if id.AuthID, err = s.get(ctx, KeyUserPhone); err != nil {
			errs = append(errs, err)
		}
	}
	if id.UserType, err = s.get(ctx, KeyUserType); err != nil {
		errs = append(errs, err)
	}
	if id.BDID, err = s.get(ctx, KeyBDID); err != nil {
		errs = append(errs, err)
	}
	eat, err := s.get(ctx, KeyIsEatDriver)
	if err != nil {
		errs = append(errs, err)
	}
	if b, perr := strconv.ParseBool(eat); perr == nil {
		cat := models.PorterDriver
		if b {
			cat = models.EatDriver
		}
		id.Category = &cat
	}
	return id, errors.Join(errs...)
}

func (s *Store) SaveDriverCategory(ctx context.Context, c models.DriverCategory) error {
	return s.b.Set(ctx, KeyIsEatDriver, strconv.FormatBool(c == models.EatDriver))
}

// LoadAssignment returns nil when no complete assignment is saved.
func (s *Store) LoadAssignment(ctx context.Context) (*models.OrderAssignment, error) {
	cid, err := s.get(ctx, KeyAcceptedCustomerID)
	if err != nil {
		return nil, err
	}
	oid, err := s.get(ctx, KeyAcceptedOrderID)
	if err != nil {
		return nil, err
	}
	a := &models.OrderAssignment{CustomerID: cid, OrderID: oid}
	if !a.Valid() {
		return nil, nil
	}
	eat, err := s.get(ctx, KeyIsEatDriver)
	if err != nil {
		return nil, err
	}
	if eat == "true" {
		a.Category = models.EatDriver
	}
	return a, nil
}

func (s *Store) SaveAssignment(ctx context.Context, a models.OrderAssignment) error {
	if err := s.b.Set(ctx, KeyAcceptedCustomerID, a.CustomerID); err != nil {
		return err
	}
	if err := s.b.Set(ctx, KeyAcceptedOrderID, a.OrderID); err != nil {
		return err
	}
	return s.SaveDriverCategory(ctx, a.Category)
}

func (s *Store) ClearAssignment(ctx context.Context) error {
	return s.b.Delete(ctx, KeyAcceptedCustomerID, KeyAcceptedOrderID)
}

// SaveOverlayAccept records the order the driver accepted from the overlay so
// the app can pick it up when it opens.
func (s *Store) SaveOverlayAccept(ctx context.Context, customerID, orderID string) error {
	if err := s.b.Set(ctx, KeyOverlayAcceptCustomer, customerID); err != nil {
		return err
	}
	return s.b.Set(ctx, KeyOverlayAcceptOrder, orderID)
}

// LoadOverlayAccept returns the saved overlay-accept pair, if any.
func (s *Store) LoadOverlayAccept(ctx context.Context) (customerID, orderID string, err error) {
	if customerID, err = s.get(ctx, KeyOverlayAcceptCustomer); err != nil {
		return "", "", err
	}
	orderID, err = s.get(ctx, KeyOverlayAcceptOrder)
	return customerID, orderID, err
}
