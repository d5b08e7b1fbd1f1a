// Package alert rings the device for new orders.
//
// A Dispatcher is owned by the agent loop. Player completions arrive on other
// goroutines and are handed back through the post function before they touch
// dispatcher state.
package alert

import (
	"log/slog"
	"strings"
	"time"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/observability"
)

const (
	DebounceWindowMs = 30_000
	Cycles           = 7
	WakeBudget       = 6 * time.Second
)

// Player plays one cycle of the alert sound. done must be called exactly once,
// after Play has returned, when the cycle ends or fails. stop aborts playback;
// done may still be called afterwards.
type Player interface {
	Play(done func(err error)) (stop func(), err error)
}

// Waker keeps the display on for at most d.
type Waker interface {
	Wake(d time.Duration) (release func(), err error)
}

type AudioFocus interface {
	Acquire() (release func(), err error)
}

type cycle struct {
	remaining    int
	stopPlay     func()
	releaseWake  func()
	releaseFocus func()
	finished     bool
}

type Dispatcher struct {
	lastOrderID   string
	lastFiredAtMs int64

	active *cycle

	player Player
	waker  Waker
	focus  AudioFocus
	post   func(func())
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher. waker and focus may be nil.
func NewDispatcher(player Player, waker Waker, focus AudioFocus, post func(func()), logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		player: player,
		waker:  waker,
		focus:  focus,
		post:   post,
		logger: logging.Component(logger, "alert"),
	}
}

// OnNewOrderSignal fires unless the same order fired less than
// DebounceWindowMs ago. Blank ids always fire.
func (d *Dispatcher) OnNewOrderSignal(orderID string, nowMs int64) bool {
	orderID = strings.TrimSpace(orderID)
	if orderID != "" && orderID == d.lastOrderID && nowMs-d.lastFiredAtMs < DebounceWindowMs {
		observability.AlertsSkipped.Inc()
		d.logger.Debug("alert debounced", "order_id", orderID)
		return false
	}
	d.lastOrderID = orderID
	d.lastFiredAtMs = nowMs
	d.fire()
	observability.AlertsFired.Inc()
	return true
}

// Reset forgets the last fired order so the next signal always rings.
func (d *Dispatcher) Reset() {
	d.lastOrderID = ""
	d.lastFiredAtMs = 0
}

// Stop ends any running alert and releases its resources.
func (d *Dispatcher) Stop() {
	d.finish(d.active)
}

func (d *Dispatcher) Active() bool { return d.active != nil }

func (d *Dispatcher) fire() {
	d.finish(d.active)

	c := &cycle{remaining: Cycles}
	d.active = c

	if d.waker != nil {
		release, err := d.waker.Wake(WakeBudget)
		if err != nil {
			d.logger.Warn("wake failed", "error", err)
		} else {
			c.releaseWake = release
		}
	}
	if d.focus != nil {
		release, err := d.focus.Acquire()
		if err != nil {
			d.logger.Warn("audio focus failed", "error", err)
		} else {
			c.releaseFocus = release
		}
	}
	d.playNext(c)
}

func (d *Dispatcher) playNext(c *cycle) {
	if c != d.active || c.finished {
		return
	}
	if c.remaining == 0 {
		d.finish(c)
		return
	}
	c.remaining--
	stop, err := d.player.Play(func(err error) {
		d.post(func() { d.onCycleDone(c, err) })
	})
	if err != nil {
		d.logger.Warn("alert playback failed", "error", err)
		d.finish(c)
		return
	}
	c.stopPlay = stop
}

func (d *Dispatcher) onCycleDone(c *cycle, err error) {
	if c != d.active || c.finished {
		return
	}
	c.stopPlay = nil
	if err != nil {
		d.logger.Warn("alert cycle error", "error", err)
		d.finish(c)
		return
	}
	d.playNext(c)
}

// finish is the only place alert resources are released.
func (d *Dispatcher) finish(c *cycle) {
	if c == nil || c.finished {
		return
	}
	c.finished = true
	if c.stopPlay != nil {
		c.stopPlay()
		c.stopPlay = nil
	}
	if c.releaseFocus != nil {
		c.releaseFocus()
	}
	if c.releaseWake != nil {
		c.releaseWake()
	}
	if d.active == c {
		d.active = nil
	}
}
