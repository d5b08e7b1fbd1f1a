package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/quickrun-notify/internal/dispatch"
	"github.com/example/quickrun-notify/internal/logging"
)

const (
	pushMinBackoff = time.Second
	pushMaxBackoff = 30 * time.Second
	pushPingPeriod = 30 * time.Second
)

// PushClient keeps a WebSocket open to the server's push channel and hands
// every data message to Handle.
type PushClient struct {
	URL    string
	Handle func(data map[string]string)
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// PushURL joins the server's WebSocket base and the device push token.
func PushURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.New("push url must use ws or wss")
	}
	u.Path += "/" + url.PathEscape(token)
	return u.String(), nil
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (c *PushClient) Run(ctx context.Context) {
	log := logging.Component(c.Logger, "push_client")
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := pushMinBackoff
	for ctx.Err() == nil {
		conn, _, err := dialer.DialContext(ctx, c.URL, nil)
		if err != nil {
			log.Warn("push dial failed", "url", c.URL, "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > pushMaxBackoff {
				backoff = pushMaxBackoff
			}
			continue
		}
		backoff = pushMinBackoff
		log.Info("push channel connected", "url", c.URL)
		err = c.read(ctx, conn)
		log.Warn("push channel closed", "error", err)
	}
}

func (c *PushClient) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pushPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	for {
		var msg dispatch.PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if len(msg.Data) > 0 {
			c.Handle(msg.Data)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
