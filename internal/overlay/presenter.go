// Package overlay decides what the floating order UI shows.
package overlay

import (
	"log/slog"
	"strings"
	"time"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
)

type State int

const (
	Hidden State = iota
	BubbleIndicator
	FullOverlay
)

func (s State) String() string {
	switch s {
	case BubbleIndicator:
		return "bubble"
	case FullOverlay:
		return "overlay"
	default:
		return "hidden"
	}
}

// View renders presenter states. Errors are logged and otherwise ignored.
type View interface {
	ShowBubble() error
	ShowOverlay(p models.OverlayPayload) error
	Hide() error
}

// Alerter is the alert dispatcher as seen by the presenter.
type Alerter interface {
	OnNewOrderSignal(orderID string, nowMs int64) bool
	Stop()
	Reset()
}

// Launcher hands an accepted overlay order to the driver app.
type Launcher interface {
	Launch(p models.OverlayPayload)
}

// Presenter is owned by the agent loop and is not safe for concurrent use.
type Presenter struct {
	state       State
	foreground  bool
	hasNewOrder bool
	payload     models.OverlayPayload

	view     View
	alerter  Alerter
	launcher Launcher
	now      func() time.Time
	logger   *slog.Logger
}

func NewPresenter(view View, alerter Alerter, launcher Launcher, now func() time.Time, logger *slog.Logger) *Presenter {
	if now == nil {
		now = time.Now
	}
	return &Presenter{
		view:     view,
		alerter:  alerter,
		launcher: launcher,
		now:      now,
		logger:   logging.Component(logger, "overlay"),
	}
}

func (p *Presenter) State() State { return p.state }

func (p *Presenter) HasNewOrder() bool { return p.hasNewOrder }

func (p *Presenter) Payload() models.OverlayPayload { return p.payload }

// SetForeground hides everything when the app opens. Opening the app also
// silences the alert, forgets the debounce key and drops the new-order flag.
func (p *Presenter) SetForeground(v bool) {
	p.foreground = v
	if v {
		p.hasNewOrder = false
		p.alerter.Stop()
		p.alerter.Reset()
	}
	p.render(false)
}

// SetNewOrder sets the new-order indicator. Raising it rings the alert
// whenever the overlay ends up showing; the alerter debounces repeats.
func (p *Presenter) SetNewOrder(v bool) {
	had := p.hasNewOrder
	p.hasNewOrder = v
	if had && !v {
		p.alerter.Stop()
	}
	p.render(v)
}

// SetPayload replaces the payload wholesale and rebinds a showing overlay.
func (p *Presenter) SetPayload(payload models.OverlayPayload) {
	p.payload = payload
	if p.state == FullOverlay {
		p.logViewErr("rebind overlay", p.view.ShowOverlay(p.payload))
	}
}

// Dismiss collapses the overlay into the bubble.
func (p *Presenter) Dismiss() {
	if p.state != FullOverlay {
		return
	}
	p.hasNewOrder = false
	p.alerter.Stop()
	p.render(false)
}

// Accept hands the shown order to the launcher and then dismisses.
func (p *Presenter) Accept() {
	if p.state != FullOverlay {
		return
	}
	if !p.payload.ShowAccept {
		p.logger.Info("accept ignored", "reason", "accept not offered", "mode", string(p.payload.Mode))
		return
	}
	if strings.TrimSpace(p.payload.CustomerID) == "" || strings.TrimSpace(p.payload.OrderID) == "" {
		p.logger.Warn("accept ignored", "reason", "missing order ids")
		return
	}
	if p.launcher != nil {
		p.launcher.Launch(p.payload)
	}
	p.Dismiss()
}

func (p *Presenter) target() State {
	switch {
	case p.foreground:
		return Hidden
	case p.hasNewOrder:
		return FullOverlay
	default:
		return BubbleIndicator
	}
}

func (p *Presenter) render(signal bool) {
	next := p.target()
	prev := p.state
	if next != prev {
		p.state = next
		switch next {
		case Hidden:
			p.logViewErr("hide", p.view.Hide())
		case BubbleIndicator:
			p.logViewErr("show bubble", p.view.ShowBubble())
		case FullOverlay:
			p.logViewErr("show overlay", p.view.ShowOverlay(p.payload))
		}
		p.logger.Debug("overlay state", "from", prev.String(), "to", next.String())
	}
	if next == FullOverlay && (signal || prev != FullOverlay) {
		p.alerter.OnNewOrderSignal(p.payload.OrderID, p.now().UnixMilli())
	}
}

func (p *Presenter) logViewErr(op string, err error) {
	if err != nil {
		p.logger.Warn("view failed", "op", op, "error", err)
	}
}
