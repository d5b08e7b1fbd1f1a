package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMulticast struct {
	got  *messaging.MulticastMessage
	resp *messaging.BatchResponse
	err  error
}

func (f *fakeMulticast) SendEachForMulticast(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.got = m
	return f.resp, f.err
}

type fakeConn struct {
	written []any
	err     error
	closed  bool
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.err != nil {
		return c.err
	}
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Close() error { c.closed = true; return nil }

type recordingSender struct {
	tokens [][]string
	err    error
}

func (r *recordingSender) SendMulticast(_ context.Context, tokens []string, _ map[string]string) (BatchResult, error) {
	r.tokens = append(r.tokens, tokens)
	if r.err != nil {
		return BatchResult{}, r.err
	}
	return BatchResult{SuccessCount: len(tokens)}, nil
}

func TestFCMSenderMapsFailures(t *testing.T) {
	fake := &fakeMulticast{resp: &messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 1,
		Responses: []*messaging.SendResponse{
			{Success: true, MessageID: "m1"},
			{Success: false, Error: errors.New("unregistered")},
		},
	}}
	s := NewFCMSender(fake)
	res, err := s.SendMulticast(context.Background(), []string{"a", "b"}, map[string]string{"type": "NEW_ORDER"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].Token)
	assert.Equal(t, "high", fake.got.Android.Priority)
	assert.Nil(t, fake.got.Notification)
	assert.Equal(t, "NEW_ORDER", fake.got.Data["type"])
}

func TestFCMSenderRejectsOversizedBatch(t *testing.T) {
	s := NewFCMSender(&fakeMulticast{})
	_, err := s.SendMulticast(context.Background(), make([]string, MaxMulticastTokens+1), nil)
	assert.Error(t, err)
}

func TestFCMSenderBatchError(t *testing.T) {
	s := NewFCMSender(&fakeMulticast{err: errors.New("quota")})
	_, err := s.SendMulticast(context.Background(), []string{"a"}, nil)
	assert.ErrorContains(t, err, "quota")
}

func TestRegistryReplacesSessionPerToken(t *testing.T) {
	r := NewWSRegistry(nil)
	first, second := &fakeConn{}, &fakeConn{}
	s1 := r.Add("tok", first)
	r.Add("tok", second)
	assert.True(t, first.closed)

	// Removing the stale session must not drop the live one.
	r.Remove("tok", s1)
	assert.True(t, r.Has("tok"))

	require.NoError(t, r.Send("tok", map[string]string{"orderId": "o1"}))
	require.Len(t, second.written, 1)
	assert.Equal(t, PushMessage{Data: map[string]string{"orderId": "o1"}}, second.written[0])
	assert.ErrorIs(t, r.Send("other", nil), ErrNoSession)
}

func TestRegistryDropsBrokenSession(t *testing.T) {
	r := NewWSRegistry(nil)
	r.Add("tok", &fakeConn{err: errors.New("broken pipe")})
	assert.Error(t, r.Send("tok", nil))
	assert.False(t, r.Has("tok"))
}

func TestPushDispatcherPrefersWebSocket(t *testing.T) {
	ws := NewWSRegistry(nil)
	conn := &fakeConn{}
	ws.Add("online", conn)
	fb := &recordingSender{}
	p := NewPushDispatcher(ws, fb)

	res, err := p.SendMulticast(context.Background(), []string{"online", "off1", "off2"}, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Len(t, conn.written, 1)
	assert.Equal(t, [][]string{{"off1", "off2"}}, fb.tokens)
}

func TestPushDispatcherFallbackError(t *testing.T) {
	ws := NewWSRegistry(nil)
	ws.Add("online", &fakeConn{})
	p := NewPushDispatcher(ws, &recordingSender{err: errors.New("fcm down")})

	res, err := p.SendMulticast(context.Background(), []string{"online", "off"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)

	_, err = p.SendMulticast(context.Background(), []string{"off"}, nil)
	assert.Error(t, err)
}

func TestServeDeliversOverRealSocket(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve("tok", conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return reg.Has("tok") }, time.Second, 10*time.Millisecond)
	require.NoError(t, reg.Send("tok", map[string]string{"orderId": "o9"}))

	var msg PushMessage
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "o9", msg.Data["orderId"])

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.Eventually(t, func() bool { return !reg.Has("tok") }, time.Second, 10*time.Millisecond)
}

func TestRelaySenderReportsUndelivered(t *testing.T) {
	var (
		got   RelayRequest
		token string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Internal-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(RelayResponse{Delivered: []string{"online"}})
	}))
	defer srv.Close()

	res, err := NewRelaySender(srv.URL, "s3cret").SendMulticast(context.Background(), []string{"online", "off"}, map[string]string{"orderId": "o1"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", token)
	assert.Equal(t, []string{"online", "off"}, got.Tokens)
	assert.Equal(t, "o1", got.Data["orderId"])
	assert.Equal(t, 1, res.SuccessCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "off", res.Failures[0].Token)
	assert.ErrorIs(t, res.Failures[0].Err, ErrNoSession)
}

func TestPushDispatcherOverRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RelayResponse{Delivered: []string{"online"}})
	}))
	defer srv.Close()
	fb := &recordingSender{}

	res, err := NewPushDispatcher(NewRelaySender(srv.URL, ""), fb).SendMulticast(context.Background(), []string{"online", "off"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, [][]string{{"off"}}, fb.tokens)
}

func TestPushDispatcherRelayDownFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	fb := &recordingSender{}

	res, err := NewPushDispatcher(NewRelaySender(srv.URL, ""), fb).SendMulticast(context.Background(), []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, [][]string{{"a", "b"}}, fb.tokens)
}
