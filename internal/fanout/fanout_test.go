package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/quickrun-notify/internal/dispatch"
	"github.com/example/quickrun-notify/internal/models"
)

type fakeDirectory struct {
	drivers     []string
	merchants   map[string]string
	askedFor    []string
	driverCalls int
	err         error
}

func (f *fakeDirectory) ActiveDriverTokens(context.Context) ([]string, error) {
	f.driverCalls++
	return f.drivers, f.err
}

func (f *fakeDirectory) MerchantTokens(_ context.Context, ids []string) ([]string, error) {
	f.askedFor = ids
	var out []string
	for _, id := range ids {
		if t, ok := f.merchants[id]; ok {
			out = append(out, t)
		}
	}
	return out, f.err
}

type fakeSender struct {
	batches [][]string
	data    []map[string]string
	failAt  map[int]bool
}

func (f *fakeSender) SendMulticast(_ context.Context, tokens []string, data map[string]string) (dispatch.BatchResult, error) {
	idx := len(f.batches)
	f.batches = append(f.batches, tokens)
	f.data = append(f.data, data)
	if f.failAt[idx] {
		return dispatch.BatchResult{}, errors.New("transport down")
	}
	return dispatch.BatchResult{SuccessCount: len(tokens)}, nil
}

func order(data map[string]any) models.OrderCreated {
	return models.OrderCreated{CustomerID: "c1", OrderID: "o1", Data: data}
}

func tokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("tok-%04d", i)
	}
	return out
}

func TestClaimedOrdersNeverDispatch(t *testing.T) {
	claimed := []map[string]any{
		{"acceptedBy": "d1"},
		{"driverId": "d2"},
		{"status": "accepted"},
		{"status": " Accepted "},
		{"restaurentAccpetedId": "r1"},
	}
	for _, data := range claimed {
		dir := &fakeDirectory{drivers: []string{"a"}}
		s := &fakeSender{}
		res := NewService(dir, s, nil, nil).OnOrderCreated(context.Background(), order(data))
		require.Len(t, res, 2)
		for _, r := range res {
			assert.Equal(t, "claimed", r.Skipped, "%v", data)
		}
		assert.Empty(t, s.batches)
		assert.Zero(t, dir.driverCalls)
	}

	assert.False(t, IsClaimed(map[string]any{"acceptedBy": "  ", "status": "pending"}))
}

func TestDriversModeBatchesOf500(t *testing.T) {
	dir := &fakeDirectory{drivers: append(tokens(1201), "tok-0000", " ", "")}
	s := &fakeSender{}
	res := NewService(dir, s, []Mode{ModeDrivers}, nil).OnOrderCreated(context.Background(), order(nil))

	require.Len(t, res, 1)
	assert.Equal(t, 1201, res[0].Tokens)
	assert.Equal(t, 3, res[0].Batches)
	require.Len(t, s.batches, 3)
	assert.Len(t, s.batches[0], 500)
	assert.Len(t, s.batches[1], 500)
	assert.Len(t, s.batches[2], 201)

	d := s.data[0]
	assert.Equal(t, "NEW_ORDER", d["type"])
	assert.Equal(t, "o1", d["orderId"])
	assert.Equal(t, "c1", d["customerId"])
	assert.Equal(t, "New Order", d["title"])
	assert.Equal(t, "You have a new order", d["body"])
	_, hasMode := d["mode"]
	assert.False(t, hasMode)
}

func TestBatchFailureDoesNotStopLaterBatches(t *testing.T) {
	dir := &fakeDirectory{drivers: tokens(1100)}
	s := &fakeSender{failAt: map[int]bool{0: true}}
	res := NewService(dir, s, []Mode{ModeDrivers}, nil).OnOrderCreated(context.Background(), order(nil))

	assert.Len(t, s.batches, 3)
	assert.Equal(t, 1, res[0].BatchErrors)
	assert.Equal(t, 500, res[0].Failures)
	assert.Equal(t, 600, res[0].Successes)
}

func TestSellersModeUsesItemMerchants(t *testing.T) {
	dir := &fakeDirectory{merchants: map[string]string{"r1": "shop-1", "r2": "shop-2"}}
	s := &fakeSender{}
	data := map[string]any{"items": []any{
		map[string]any{"restaurentId": " r1 "},
		map[string]any{"restaurantId": "r2"},
		map[string]any{"restaurentId": "r1"},
		map[string]any{"name": "no shop"},
		"garbage",
	}}
	res := NewService(dir, s, []Mode{ModeSellers}, nil).OnOrderCreated(context.Background(), order(data))

	assert.Equal(t, []string{"r1", "r2"}, dir.askedFor)
	require.Len(t, s.batches, 1)
	assert.ElementsMatch(t, []string{"shop-1", "shop-2"}, s.batches[0])
	assert.Equal(t, "seller", s.data[0]["mode"])
	assert.Equal(t, 2, res[0].Successes)
}

func TestNoOpCases(t *testing.T) {
	s := &fakeSender{}

	res := NewService(&fakeDirectory{drivers: []string{"a"}}, s, nil, nil).
		OnOrderCreated(context.Background(), models.OrderCreated{CustomerID: "c1"})
	assert.Equal(t, "missing_order_id", res[0].Skipped)

	res = NewService(&fakeDirectory{}, s, []Mode{ModeSellers}, nil).
		OnOrderCreated(context.Background(), order(map[string]any{"items": []any{}}))
	assert.Equal(t, "no_merchants", res[0].Skipped)

	res = NewService(&fakeDirectory{drivers: []string{" "}}, s, []Mode{ModeDrivers}, nil).
		OnOrderCreated(context.Background(), order(nil))
	assert.Equal(t, "no_tokens", res[0].Skipped)

	res = NewService(&fakeDirectory{err: errors.New("firestore down")}, s, []Mode{ModeDrivers}, nil).
		OnOrderCreated(context.Background(), order(nil))
	assert.Equal(t, "lookup_error", res[0].Skipped)

	assert.Empty(t, s.batches)
}

func TestParseModes(t *testing.T) {
	modes, err := ParseModes([]string{"Drivers", " sellers"})
	require.NoError(t, err)
	assert.Equal(t, []Mode{ModeDrivers, ModeSellers}, modes)

	_, err = ParseModes([]string{"admins"})
	assert.Error(t, err)
}
