package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/quickrun-notify/internal/logging"
)

// MaxMulticastTokens is the largest token list one SendMulticast call accepts.
const MaxMulticastTokens = 500

// Failure records why delivery to one token failed.
type Failure struct {
	Token string
	Err   error
}

type BatchResult struct {
	SuccessCount int
	FailureCount int
	Failures     []Failure
}

func (b *BatchResult) merge(o BatchResult) {
	b.SuccessCount += o.SuccessCount
	b.FailureCount += o.FailureCount
	b.Failures = append(b.Failures, o.Failures...)
}

// Sender delivers one data-only message to a batch of device tokens.
// A non-nil error means the whole batch failed.
type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, data map[string]string) (BatchResult, error)
}

// LogSender only logs what it would send. It stands in for FCM when Firebase
// is not configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l *LogSender) SendMulticast(_ context.Context, tokens []string, data map[string]string) (BatchResult, error) {
	logging.Component(l.Logger, "dispatch").Info("push (log only)",
		"tokens", len(tokens), "type", data["type"], "order_id", data["orderId"], "mode", data["mode"])
	return BatchResult{SuccessCount: len(tokens)}, nil
}
