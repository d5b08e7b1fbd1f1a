package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/quickrun-notify/internal/models"
)

func TestTracker(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.LastLocation()
	assert.False(t, ok)
	assert.True(t, tr.TrackingEnabled())

	at := time.Unix(100, 0)
	tr.RecordLocation(models.Fix{Coord: models.Coord{Lat: 12.9, Lng: 77.6}, At: at})
	fix, ok := tr.LastLocation()
	assert.True(t, ok)
	assert.Equal(t, 12.9, fix.Lat)
	assert.Equal(t, at, fix.At)

	tr.SetForeground(true)
	assert.True(t, tr.InForeground())

	tr.SetUserType(UserTypeSeller)
	assert.False(t, tr.TrackingEnabled())
}
