package docstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/tracking"
)

var (
	_ tracking.Writer         = (*Store)(nil)
	_ tracking.DriverResolver = (*Store)(nil)
)

// OrderPath returns the collection path segments of the order document an
// assigned driver writes to.
func OrderPath(a models.OrderAssignment) []string {
	if a.Category == models.EatDriver {
		return []string{ColEatCustomers, a.CustomerID, ColEatOrders, a.OrderID}
	}
	return []string{ColPorterCustom, a.CustomerID, ColPorterOrders, a.OrderID}
}

// DriverCollection returns where a driver's own document lives.
func DriverCollection(c models.DriverCategory) string {
	if c == models.EatDriver {
		return ColEatDrivers
	}
	return ColPorterDrivers
}

// ActivityDay is the per-day document id for BD activity entries.
func ActivityDay(t time.Time) string {
	return t.Format("2006-01-02")
}

func (s *Store) WriteOrderLocation(ctx context.Context, a models.OrderAssignment, c models.Coord) error {
	p := OrderPath(a)
	ref := s.fs.Collection(p[0]).Doc(p[1]).Collection(p[2]).Doc(p[3])
	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "acceptedDriverDetails.driverLatLng", Value: map[string]interface{}{
			"lat":       c.Lat,
			"lng":       c.Lng,
			"timestamp": firestore.ServerTimestamp,
		}},
		{Path: "driverLatLng", Value: firestore.Delete},
		{Path: "driverDetails", Value: firestore.Delete},
	})
	if err != nil {
		return fmt.Errorf("update order %s: %w", a.OrderID, err)
	}
	return nil
}

func (s *Store) WriteDriverLocation(ctx context.Context, d tracking.DriverRef, c models.Coord) error {
	_, err := s.fs.Collection(DriverCollection(d.Category)).Doc(d.DocID).Update(ctx, []firestore.Update{
		{Path: "lat", Value: c.Lat},
		{Path: "lng", Value: c.Lng},
		{Path: "lastUpdated", Value: firestore.ServerTimestamp},
		{Path: "trackingState", Value: "background"},
	})
	if err != nil {
		return fmt.Errorf("update driver %s: %w", d.DocID, err)
	}
	return nil
}

func (s *Store) AppendBDActivity(ctx context.Context, bdID string, f models.Fix) error {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	_, _, err := s.fs.Collection(ColBDProfiles).Doc(bdID).
		Collection(ColBDActivity).Doc(ActivityDay(at)).
		Collection(ColBDEntries).Add(ctx, map[string]interface{}{
		"lat":        f.Lat,
		"lng":        f.Lng,
		"recordedAt": at,
		"timestamp":  firestore.ServerTimestamp,
	})
	return err
}

// ResolveDriver checks the eat-driver document keyed by auth id first, then
// looks for a porter driver whose phone equals it.
func (s *Store) ResolveDriver(ctx context.Context, authID string) (tracking.DriverRef, bool, error) {
	snap, err := s.fs.Collection(ColEatDrivers).Doc(authID).Get(ctx)
	switch {
	case err == nil && snap.Exists():
		return tracking.DriverRef{DocID: authID, Category: models.EatDriver}, true, nil
	case err != nil && !isNotFound(err):
		return tracking.DriverRef{}, false, fmt.Errorf("get driver %s: %w", authID, err)
	}

	docs, err := s.fs.Collection(ColPorterDrivers).Where("phone", "==", authID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return tracking.DriverRef{}, false, fmt.Errorf("query porter driver: %w", err)
	}
	if len(docs) == 0 {
		return tracking.DriverRef{}, false, nil
	}
	return tracking.DriverRef{DocID: docs[0].Ref.ID, Category: models.PorterDriver}, true, nil
}
