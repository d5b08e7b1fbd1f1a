// Package tracking reports the driver's location on one of two cadences:
// into the accepted order every 10s, or into the driver's own record on every
// fix when no order is assigned.
package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/presence"
)

const (
	UpdateInterval = 10 * time.Second
	MinInterval    = 5 * time.Second
	OrderWriteTick = 10 * time.Second
	writeTimeout   = 10 * time.Second

	UserTypeBDExecutive = "BD_executive"
)

// Request describes the location updates wanted from a source.
type Request struct {
	Interval    time.Duration
	MinInterval time.Duration
}

var DefaultRequest = Request{Interval: UpdateInterval, MinInterval: MinInterval}

type Subscription interface {
	Cancel()
}

// LocationSource delivers fixes to cb from its own goroutine until cancelled.
type LocationSource interface {
	Subscribe(req Request, cb func(models.Fix)) (Subscription, error)
}

// Scheduler runs fn every d until stop is called. fn must be delivered on the
// agent loop.
type Scheduler interface {
	Every(d time.Duration, fn func()) (stop func())
}

// Writer persists location updates to the document store.
type Writer interface {
	WriteOrderLocation(ctx context.Context, a models.OrderAssignment, c models.Coord) error
	WriteDriverLocation(ctx context.Context, driver DriverRef, c models.Coord) error
	AppendBDActivity(ctx context.Context, bdID string, f models.Fix) error
}

// DriverRef locates a driver's own document.
type DriverRef struct {
	DocID    string
	Category models.DriverCategory
}

type DriverResolver interface {
	// ResolveDriver returns found=false when no driver document matches.
	ResolveDriver(ctx context.Context, authID string) (ref DriverRef, found bool, err error)
}

// CategoryStore remembers the resolved driver category on the device.
type CategoryStore interface {
	SaveDriverCategory(ctx context.Context, c models.DriverCategory) error
}

type Identity struct {
	AuthID   string
	UserType string
	BDID     string
}

type Options struct {
	Presence  *presence.Tracker
	Source    LocationSource
	Scheduler Scheduler
	Writer    Writer
	Resolver  DriverResolver
	Store     CategoryStore
	// Post runs fn on the agent loop.
	Post func(fn func())
	// Spawn runs fn off the loop. Defaults to a new goroutine.
	Spawn  func(fn func())
	Logger *slog.Logger
}

// Controller is owned by the agent loop. At most one location subscription
// and one periodic write timer are live at any time.
type Controller struct {
	ctx context.Context
	opt Options
	log *slog.Logger

	identity   Identity
	driver     *DriverRef
	resolving  bool
	assignment *models.OrderAssignment

	gen       uint64
	sub       Subscription
	stopTimer func()
}

func NewController(ctx context.Context, opt Options) *Controller {
	if opt.Spawn == nil {
		opt.Spawn = func(fn func()) { go fn() }
	}
	return &Controller{ctx: ctx, opt: opt, log: logging.Component(opt.Logger, "tracking")}
}

func (c *Controller) SetIdentity(id Identity) {
	if id.AuthID != c.identity.AuthID {
		c.driver = nil
	}
	c.identity = id
}

// SetDriver installs an already known driver document.
func (c *Controller) SetDriver(ref DriverRef) {
	c.driver = &ref
}

func (c *Controller) Driver() (DriverRef, bool) {
	if c.driver == nil {
		return DriverRef{}, false
	}
	return *c.driver, true
}

// Assignment returns a copy of the order being tracked, or nil.
func (c *Controller) Assignment() *models.OrderAssignment {
	if c.assignment == nil {
		return nil
	}
	a := *c.assignment
	return &a
}

// Active reports whether a subscription or timer is live.
func (c *Controller) Active() bool { return c.sub != nil || c.stopTimer != nil }

// Apply switches cadence for assignment. The previous subscription and timer
// are cancelled before anything new starts.
func (c *Controller) Apply(assignment *models.OrderAssignment) {
	c.Stop()
	if assignment.Valid() {
		a := *assignment
		c.assignment = &a
	} else {
		c.assignment = nil
	}
	if !c.opt.Presence.TrackingEnabled() {
		c.log.Info("tracking disabled for user type", "user_type", c.opt.Presence.UserType())
		return
	}

	gen := c.gen
	sub, err := c.opt.Source.Subscribe(DefaultRequest, func(f models.Fix) {
		c.opt.Post(func() { c.onFix(gen, f) })
	})
	if err != nil {
		c.log.Error("location subscribe failed", "error", err)
		return
	}
	c.sub = sub

	if c.assignment == nil {
		c.log.Info("tracking driver location")
		return
	}
	c.log.Info("tracking order location", "order_id", c.assignment.OrderID, "category", c.assignment.Category.String())
	c.writeOrder()
	c.stopTimer = c.opt.Scheduler.Every(OrderWriteTick, func() {
		if gen == c.gen {
			c.writeOrder()
		}
	})
}

// Stop cancels the subscription and the periodic write timer.
func (c *Controller) Stop() {
	c.gen++
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
}

func (c *Controller) onFix(gen uint64, f models.Fix) {
	if gen != c.gen {
		return
	}
	c.opt.Presence.RecordLocation(f)

	if c.identity.UserType == UserTypeBDExecutive && c.identity.BDID != "" {
		bdID := c.identity.BDID
		c.spawnWrite("bd activity", func(ctx context.Context) error {
			return c.opt.Writer.AppendBDActivity(ctx, bdID, f)
		})
	}

	if c.assignment != nil {
		return
	}
	if c.driver == nil {
		c.resolve()
		return
	}
	ref := *c.driver
	c.spawnWrite("driver location", func(ctx context.Context) error {
		return c.opt.Writer.WriteDriverLocation(ctx, ref, f.Coord)
	})
}

func (c *Controller) writeOrder() {
	if c.assignment == nil {
		return
	}
	fix, ok := c.opt.Presence.LastLocation()
	if !ok {
		return
	}
	a := *c.assignment
	c.spawnWrite("order location", func(ctx context.Context) error {
		return c.opt.Writer.WriteOrderLocation(ctx, a, fix.Coord)
	})
}

func (c *Controller) resolve() {
	if c.resolving || c.identity.AuthID == "" || c.opt.Resolver == nil {
		return
	}
	c.resolving = true
	authID := c.identity.AuthID
	c.opt.Spawn(func() {
		ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		defer cancel()
		ref, found, err := c.opt.Resolver.ResolveDriver(ctx, authID)
		c.opt.Post(func() {
			c.resolving = false
			switch {
			case err != nil:
				c.log.Warn("driver lookup failed", "error", err)
			case !found:
				c.log.Warn("no driver document for device", "auth_id", authID)
			case authID == c.identity.AuthID:
				c.driver = &ref
				c.log.Info("driver resolved", "doc_id", ref.DocID, "category", ref.Category.String())
				if c.opt.Store != nil {
					cat := ref.Category
					c.spawnWrite("save category", func(ctx context.Context) error {
						return c.opt.Store.SaveDriverCategory(ctx, cat)
					})
				}
			}
		})
	})
}

// spawnWrite runs a store write off the loop and logs its completion.
func (c *Controller) spawnWrite(what string, fn func(ctx context.Context) error) {
	c.opt.Spawn(func() {
		ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warn("write failed", "what", what, "error", err)
			return
		}
		c.log.Debug("write ok", "what", what)
	})
}

// TickerScheduler delivers ticks through post.
type TickerScheduler struct {
	Post func(fn func())
}

func (s TickerScheduler) Every(d time.Duration, fn func()) func() {
	t := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.Post(fn)
			}
		}
	}()
	return func() {
		t.Stop()
		close(done)
	}
}
