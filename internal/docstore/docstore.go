// Package docstore implements the services' storage ports on Firestore.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/quickrun-notify/internal/fanout"
	"github.com/example/quickrun-notify/internal/logging"
)

// Collection names as used by the mobile apps.
const (
	ColPorterDrivers = "QuickRunDrivers"
	ColEatDrivers    = "drivers"
	ColShops         = "Restaurent_shop"
	ColPayments      = "payments"
	ColEatCustomers  = "Customers"
	ColEatOrders     = "currentOrder"
	ColPorterCustom  = "Customer"
	ColPorterOrders  = "current_order"
	ColBDProfiles    = "bd_profiles"
	ColBDActivity    = "locationActivity"
	ColBDEntries     = "entries"
)

type Store struct {
	fs     *firestore.Client
	logger *slog.Logger
}

var _ fanout.Directory = (*Store)(nil)

func New(fs *firestore.Client, logger *slog.Logger) *Store {
	return &Store{fs: fs, logger: logging.Component(logger, "docstore")}
}

// ActiveDriverTokens lists push tokens of porter drivers flagged active.
func (s *Store) ActiveDriverTokens(ctx context.Context) ([]string, error) {
	docs, err := s.fs.Collection(ColPorterDrivers).Where("activeDriver", "==", true).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query active drivers: %w", err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if t := pushToken(d.Data()); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// MerchantTokens reads the given shops in one round trip and keeps the active
// ones that have a push token.
func (s *Store) MerchantTokens(ctx context.Context, ids []string) ([]string, error) {
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, s.fs.Collection(ColShops).Doc(id))
	}
	docs, err := s.fs.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("get shops: %w", err)
	}
	var out []string
	for _, d := range docs {
		if d == nil || !d.Exists() {
			continue
		}
		data := d.Data()
		if active, _ := data["activeShop"].(bool); !active {
			continue
		}
		if t := pushToken(data); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func pushToken(data map[string]interface{}) string {
	t, _ := data["fcmId"].(string)
	return strings.TrimSpace(t)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
