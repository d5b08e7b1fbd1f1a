// Package presence holds what the agent knows about its driver right now.
// A Tracker is owned by the agent loop and is not safe for concurrent use.
package presence

import "github.com/example/quickrun-notify/internal/models"

const UserTypeSeller = "seller"

type Tracker struct {
	inForeground bool
	last         *models.Fix
	userType     string
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) SetForeground(v bool) { t.inForeground = v }

func (t *Tracker) InForeground() bool { return t.inForeground }

func (t *Tracker) RecordLocation(f models.Fix) {
	t.last = &f
}

func (t *Tracker) LastLocation() (models.Fix, bool) {
	if t.last == nil {
		return models.Fix{}, false
	}
	return *t.last, true
}

func (t *Tracker) SetUserType(v string) { t.userType = v }

func (t *Tracker) UserType() string { return t.userType }

// TrackingEnabled is false for sellers; shops do not report location.
func (t *Tracker) TrackingEnabled() bool { return t.userType != UserTypeSeller }
