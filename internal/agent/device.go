package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/quickrun-notify/internal/devicestore"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/tracking"
)

// Opener brings the driver app to the front with an accepted overlay order.
type Opener interface {
	OpenApp(p models.OverlayPayload) error
}

type overlayLauncher struct {
	ctx    context.Context
	store  *devicestore.Store
	opener Opener
	spawn  func(fn func())
	log    *slog.Logger
}

// Launch saves the accepted pair before asking the opener, so the app finds
// it on start.
func (l *overlayLauncher) Launch(p models.OverlayPayload) {
	l.spawn(func() {
		ctx, cancel := context.WithTimeout(l.ctx, storeTimeout)
		defer cancel()
		if err := l.store.SaveOverlayAccept(ctx, p.CustomerID, p.OrderID); err != nil {
			l.log.Warn("save overlay accept failed", "order_id", p.OrderID, "error", err)
		}
		if l.opener == nil {
			l.log.Info("overlay accepted", "order_id", p.OrderID)
			return
		}
		if err := l.opener.OpenApp(p); err != nil {
			l.log.Warn("open app failed", "order_id", p.OrderID, "error", err)
		}
	})
}

var ErrClipStopped = errors.New("clip stopped")

// ClipPlayer simulates an alert sound of fixed length.
type ClipPlayer struct {
	Clip   time.Duration
	Logger *slog.Logger
}

func (c ClipPlayer) Play(done func(error)) (func(), error) {
	var once sync.Once
	t := time.AfterFunc(c.Clip, func() { once.Do(func() { done(nil) }) })
	logging.Component(c.Logger, "player").Debug("alert clip playing", "clip", c.Clip)
	return func() {
		if t.Stop() {
			once.Do(func() { done(ErrClipStopped) })
		}
	}, nil
}

// LogWaker stands in for the display wake lock on hosts without a screen.
type LogWaker struct{ Logger *slog.Logger }

func (w LogWaker) Wake(d time.Duration) (func(), error) {
	log := logging.Component(w.Logger, "wake")
	log.Debug("wake acquired", "budget", d)
	return func() { log.Debug("wake released") }, nil
}

// LogFocus stands in for audio focus on hosts without an audio manager.
type LogFocus struct{ Logger *slog.Logger }

func (f LogFocus) Acquire() (func(), error) {
	log := logging.Component(f.Logger, "audio")
	log.Debug("audio focus acquired")
	return func() { log.Debug("audio focus released") }, nil
}

// LogView renders presenter states as log lines.
type LogView struct{ Logger *slog.Logger }

func (v LogView) ShowBubble() error {
	logging.Component(v.Logger, "view").Info("bubble shown")
	return nil
}

func (v LogView) ShowOverlay(p models.OverlayPayload) error {
	logging.Component(v.Logger, "view").Info("overlay shown",
		"order_id", p.OrderID, "mode", string(p.Mode), "item", p.ItemText, "show_accept", p.ShowAccept)
	return nil
}

func (v LogView) Hide() error {
	logging.Component(v.Logger, "view").Info("overlay hidden")
	return nil
}

// LogWriter is the location writer used when no document store is configured.
type LogWriter struct{ Logger *slog.Logger }

func (w LogWriter) WriteOrderLocation(_ context.Context, a models.OrderAssignment, c models.Coord) error {
	logging.Component(w.Logger, "location").Info("order location", "order_id", a.OrderID, "lat", c.Lat, "lng", c.Lng)
	return nil
}

func (w LogWriter) WriteDriverLocation(_ context.Context, d tracking.DriverRef, c models.Coord) error {
	logging.Component(w.Logger, "location").Info("driver location", "doc_id", d.DocID, "lat", c.Lat, "lng", c.Lng)
	return nil
}

func (w LogWriter) AppendBDActivity(_ context.Context, bdID string, f models.Fix) error {
	logging.Component(w.Logger, "location").Info("bd activity", "bd_id", bdID, "lat", f.Lat, "lng", f.Lng)
	return nil
}

// IdleSource never delivers fixes. Used when no location feed is configured.
type IdleSource struct{}

type idleSubscription struct{}

func (idleSubscription) Cancel() {}

func (IdleSource) Subscribe(tracking.Request, func(models.Fix)) (tracking.Subscription, error) {
	return idleSubscription{}, nil
}
