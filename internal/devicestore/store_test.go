package devicestore

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/quickrun-notify/internal/models"
)

// fakeHash emulates one Redis hash per key.
type fakeHash struct {
	data map[string]map[string]string
	err  error
}

func newFakeHash() *fakeHash { return &fakeHash{data: make(map[string]map[string]string)} }

func (f *fakeHash) HGet(_ context.Context, key, field string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeHash) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	h, ok := f.data[key]
	if !ok {
		h = make(map[string]string)
		f.data[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeHash) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	for _, fl := range fields {
		delete(f.data[key], fl)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func TestAssignmentRoundTrip(t *testing.T) {
	for name, b := range map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  NewRedisBackendWithClient(newFakeHash(), "dev-1"),
	} {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(b)

			a, err := s.LoadAssignment(ctx)
			require.NoError(t, err)
			assert.Nil(t, a)

			want := models.OrderAssignment{CustomerID: "c1", OrderID: "o1", Category: models.EatDriver}
			require.NoError(t, s.SaveAssignment(ctx, want))
			a, err = s.LoadAssignment(ctx)
			require.NoError(t, err)
			require.NotNil(t, a)
			assert.Equal(t, want, *a)

			require.NoError(t, s.ClearAssignment(ctx))
			a, err = s.LoadAssignment(ctx)
			require.NoError(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestPartialAssignmentIsNone(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Set(ctx, KeyAcceptedCustomerID, "c1"))
	require.NoError(t, b.Set(ctx, KeyAcceptedOrderID, "  "))

	a, err := New(b).LoadAssignment(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestLoadIdentity(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := New(b)

	require.NoError(t, b.Set(ctx, KeyUserPhone, "+911234"))
	require.NoError(t, b.Set(ctx, KeyUserType, "BD_executive"))
	require.NoError(t, b.Set(ctx, KeyBDID, "bd-7"))

	id, err := s.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+911234", id.AuthID)
	assert.Equal(t, "BD_executive", id.UserType)
	assert.Equal(t, "bd-7", id.BDID)
	assert.Nil(t, id.Category)

	require.NoError(t, b.Set(ctx, KeyDriverAuthID, "auth-1"))
	require.NoError(t, s.SaveDriverCategory(ctx, models.PorterDriver))
	id, err = s.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auth-1", id.AuthID)
	require.NotNil(t, id.Category)
	assert.Equal(t, models.PorterDriver, *id.Category)
}

func TestOverlayAccept(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	require.NoError(t, s.SaveOverlayAccept(ctx, "c9", "o9"))
	cid, oid, err := s.LoadOverlayAccept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c9", cid)
	assert.Equal(t, "o9", oid)
}

func TestRedisErrorsSurface(t *testing.T) {
	f := newFakeHash()
	f.err = errors.New("conn refused")
	s := New(NewRedisBackendWithClient(f, "dev"))
	_, err := s.LoadAssignment(context.Background())
	assert.ErrorContains(t, err, "conn refused")
	_, err = s.LoadIdentity(context.Background())
	assert.Error(t, err)
}
