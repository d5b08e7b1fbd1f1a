package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/quickrun-notify/internal/alert"
	"github.com/example/quickrun-notify/internal/devicestore"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/overlay"
	"github.com/example/quickrun-notify/internal/presence"
	"github.com/example/quickrun-notify/internal/tracking"
)

const storeTimeout = 5 * time.Second

// Options wires the agent to its device. Store, View, Player and Source are
// required; the rest have working defaults.
type Options struct {
	Store     *devicestore.Store
	View      overlay.View
	Player    alert.Player
	Waker     alert.Waker
	Focus     alert.AudioFocus
	Opener    Opener
	Source    tracking.LocationSource
	Writer    tracking.Writer
	Resolver  tracking.DriverResolver
	Scheduler tracking.Scheduler
	// Spawn runs fn off the loop. Defaults to a new goroutine.
	Spawn  func(fn func())
	Now    func() time.Time
	Logger *slog.Logger
}

// Agent is the driver client. All exported methods may be called from any
// goroutine; they post to the loop and return immediately.
type Agent struct {
	ctx  context.Context
	loop *Loop
	opt  Options
	log  *slog.Logger

	// storeOps orders every device-store read and write issued by the agent.
	storeOps *serialQueue
	// assignGen counts SetAcceptedOrder and ClearAcceptedOrder calls. A
	// restore loaded under an older value does not touch the cadence.
	assignGen atomic.Uint64

	presence  *presence.Tracker
	alerts    *alert.Dispatcher
	presenter *overlay.Presenter
	tracker   *tracking.Controller
}

func New(ctx context.Context, opt Options) *Agent {
	if opt.Spawn == nil {
		opt.Spawn = func(fn func()) { go fn() }
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Waker == nil {
		opt.Waker = LogWaker{Logger: opt.Logger}
	}
	if opt.Focus == nil {
		opt.Focus = LogFocus{Logger: opt.Logger}
	}
	if opt.Writer == nil {
		opt.Writer = LogWriter{Logger: opt.Logger}
	}
	loop := NewLoop(opt.Logger)
	if opt.Scheduler == nil {
		opt.Scheduler = tracking.TickerScheduler{Post: loop.Post}
	}

	a := &Agent{
		ctx:      ctx,
		loop:     loop,
		opt:      opt,
		log:      logging.Component(opt.Logger, "agent"),
		presence: presence.NewTracker(),
		storeOps: newSerialQueue(opt.Spawn),
	}
	a.alerts = alert.NewDispatcher(opt.Player, opt.Waker, opt.Focus, loop.Post, opt.Logger)
	launcher := &overlayLauncher{store: opt.Store, opener: opt.Opener, spawn: a.storeOps.Go, ctx: ctx, log: a.log}
	a.presenter = overlay.NewPresenter(opt.View, a.alerts, launcher, opt.Now, opt.Logger)
	a.tracker = tracking.NewController(ctx, tracking.Options{
		Presence:  a.presence,
		Source:    opt.Source,
		Scheduler: opt.Scheduler,
		Writer:    opt.Writer,
		Resolver:  opt.Resolver,
		Store:     opt.Store,
		Post:      loop.Post,
		Spawn:     opt.Spawn,
		Logger:    opt.Logger,
	})
	return a
}

// Run processes posted work until ctx is done, then releases the alert and
// the location subscription.
func (a *Agent) Run(ctx context.Context) {
	a.loop.Run(ctx)
	a.loop.run(a.shutdown)
}

// Do runs fn on the loop and waits for it. Intended for tests and diagnostics.
func (a *Agent) Do(ctx context.Context, fn func()) error { return a.loop.Do(ctx, fn) }

// Flush waits for queued device-store operations to finish.
func (a *Agent) Flush() { a.storeOps.Wait() }

// Start restores identity and any accepted order from the device store, then
// starts the matching location cadence. The load queues behind earlier writes.
func (a *Agent) Start() {
	gen := a.assignGen.Load()
	a.storeOps.Go(func() {
		ctx, cancel := context.WithTimeout(a.ctx, storeTimeout)
		defer cancel()
		id, err := a.opt.Store.LoadIdentity(ctx)
		if err != nil {
			a.log.Warn("load identity", "error", err)
		}
		assignment, err := a.opt.Store.LoadAssignment(ctx)
		if err != nil {
			a.log.Warn("load assignment", "error", err)
		}
		a.loop.Post(func() { a.restore(id, assignment, gen) })
	})
}

func (a *Agent) restore(id devicestore.Identity, assignment *models.OrderAssignment, gen uint64) {
	a.presence.SetUserType(id.UserType)
	a.tracker.SetIdentity(tracking.Identity{AuthID: id.AuthID, UserType: id.UserType, BDID: id.BDID})
	// Eat driver documents are keyed by auth id; porter documents need a lookup.
	if id.Category != nil && *id.Category == models.EatDriver && id.AuthID != "" {
		a.tracker.SetDriver(tracking.DriverRef{DocID: id.AuthID, Category: models.EatDriver})
	}
	if a.assignGen.Load() != gen {
		// A newer assignment was applied while loading. Re-apply it under
		// the restored identity.
		a.log.Info("assignment changed during start; keeping the newer one")
		a.tracker.Apply(a.tracker.Assignment())
		return
	}
	if assignment != nil {
		a.log.Info("restored accepted order", "order_id", assignment.OrderID, "category", assignment.Category.String())
	}
	a.tracker.Apply(assignment)
}

func (a *Agent) SetForeground(v bool) {
	a.loop.Post(func() { a.setForeground(v) })
}

func (a *Agent) setForeground(v bool) {
	a.presence.SetForeground(v)
	a.presenter.SetForeground(v)
}

func (a *Agent) SetHasNewOrder(v bool) {
	a.loop.Post(func() { a.presenter.SetNewOrder(v) })
}

func (a *Agent) SetOverlayData(p models.OverlayPayload) {
	a.loop.Post(func() { a.presenter.SetPayload(p) })
}

// SetAcceptedOrder persists the assignment and switches to order cadence.
// An incomplete assignment is treated as a clear.
func (a *Agent) SetAcceptedOrder(as models.OrderAssignment) {
	if !as.Valid() {
		a.ClearAcceptedOrder()
		return
	}
	a.assignGen.Add(1)
	a.storeWrite("save assignment", func(ctx context.Context) error { return a.opt.Store.SaveAssignment(ctx, as) })
	a.loop.Post(func() { a.tracker.Apply(&as) })
}

func (a *Agent) ClearAcceptedOrder() {
	a.assignGen.Add(1)
	a.storeWrite("clear assignment", a.opt.Store.ClearAssignment)
	a.loop.Post(func() { a.tracker.Apply(nil) })
}

func (a *Agent) Dismiss() {
	a.loop.Post(a.presenter.Dismiss)
}

func (a *Agent) AcceptOverlay() {
	a.loop.Post(a.presenter.Accept)
}

// HandlePush handles a data message from the push channel. Anything that is
// not an order is ignored.
func (a *Agent) HandlePush(data map[string]string) {
	a.loop.Post(func() { a.handlePush(data) })
}

func (a *Agent) handlePush(data map[string]string) {
	p, ok := OrderPayload(data, a.presence.UserType())
	if !ok {
		a.log.Debug("push ignored", "reason", "not an order")
		return
	}
	a.log.Info("new order push", "order_id", p.OrderID, "mode", string(p.Mode))
	a.presenter.SetPayload(p)
	a.setForeground(false)
	a.presenter.SetNewOrder(true)
}

// Stop silences the alert and stops location reporting. The loop keeps running.
func (a *Agent) Stop() {
	a.loop.Post(a.shutdown)
}

func (a *Agent) shutdown() {
	a.alerts.Stop()
	a.tracker.Stop()
}

func (a *Agent) storeWrite(what string, fn func(ctx context.Context) error) {
	a.storeOps.Go(func() {
		ctx, cancel := context.WithTimeout(a.ctx, storeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.Warn("device store write failed", "what", what, "error", err)
		}
	})
}

// OrderPayload builds an overlay payload from a push data map. A message is an
// order when its type is NEW_ORDER or it carries an order id. Without an
// explicit mode, sellers get the seller overlay and everyone else the driver one.
func OrderPayload(data map[string]string, userType string) (models.OverlayPayload, bool) {
	kind := strings.ToUpper(first(data, models.PushKeyType, models.PushKeyTitle))
	orderID := first(data, models.PushKeyOrderID, "order_id")
	if kind != models.PushTypeNewOrder && orderID == "" {
		return models.OverlayPayload{}, false
	}
	mode := models.ModeDriver
	if userType == presence.UserTypeSeller {
		mode = models.ModeSeller
	}
	if m := strings.ToLower(first(data, models.PushKeyMode)); m != "" {
		mode = models.OverlayMode(m)
	}
	return models.OverlayPayload{
		CustomerID: first(data, models.PushKeyCustomerID, "customer_id"),
		OrderID:    orderID,
		ItemText:   orDefault(first(data, models.PushKeyItemText, "item", models.PushKeyBody), "New Order"),
		PickupText: orDefault(first(data, models.PushKeyPickupText), "Pickup:"),
		DropText:   orDefault(first(data, models.PushKeyDropText), "Drop:"),
		Mode:       mode,
		ShowAccept: mode != models.ModeSeller,
	}, true
}

func first(data map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(data[k]); v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
