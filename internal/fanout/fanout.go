// Package fanout turns a newly created customer order into data-only push
// messages for the drivers or shops that may take it.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/quickrun-notify/internal/dispatch"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/observability"
)

type Mode string

const (
	ModeDrivers Mode = "drivers"
	ModeSellers Mode = "sellers"
)

const maxLoggedFailures = 20

// Directory resolves the push tokens of an audience.
type Directory interface {
	// ActiveDriverTokens returns fcm tokens of drivers flagged active.
	ActiveDriverTokens(ctx context.Context) ([]string, error)
	// MerchantTokens returns fcm tokens of the given shops that are active.
	MerchantTokens(ctx context.Context, merchantIDs []string) ([]string, error)
}

// Result summarises one mode's fan-out for a single order.
type Result struct {
	Mode        Mode
	Skipped     string
	Tokens      int
	Batches     int
	Successes   int
	Failures    int
	BatchErrors int
}

type Service struct {
	dir    Directory
	sender dispatch.Sender
	modes  []Mode
	logger *slog.Logger
}

// NewService builds a fan-out over modes. No modes means both audiences.
func NewService(dir Directory, sender dispatch.Sender, modes []Mode, logger *slog.Logger) *Service {
	if len(modes) == 0 {
		modes = []Mode{ModeDrivers, ModeSellers}
	}
	return &Service{dir: dir, sender: sender, modes: modes, logger: logging.Component(logger, "fanout")}
}

// ParseModes converts configured mode names.
func ParseModes(names []string) ([]Mode, error) {
	out := make([]Mode, 0, len(names))
	for _, n := range names {
		switch m := Mode(strings.ToLower(strings.TrimSpace(n))); m {
		case ModeDrivers, ModeSellers:
			out = append(out, m)
		default:
			return nil, fmt.Errorf("unknown fan-out mode %q", n)
		}
	}
	return out, nil
}

// OnOrderCreated runs every configured mode. Failures are logged and counted;
// they never abort the remaining batches or modes.
func (s *Service) OnOrderCreated(ctx context.Context, ev models.OrderCreated) []Result {
	results := make([]Result, 0, len(s.modes))
	for _, m := range s.modes {
		results = append(results, s.run(ctx, m, ev))
	}
	return results
}

func (s *Service) run(ctx context.Context, mode Mode, ev models.OrderCreated) Result {
	log := s.logger.With("mode", string(mode), "order_id", ev.OrderID, "customer_id", ev.CustomerID)
	res := Result{Mode: mode}
	skip := func(reason string) Result {
		res.Skipped = reason
		observability.FanoutSkippedTotal.WithLabelValues(string(mode), reason).Inc()
		log.Info("fan-out skipped", "reason", reason)
		return res
	}

	if strings.TrimSpace(ev.OrderID) == "" {
		return skip("missing_order_id")
	}
	if IsClaimed(ev.Data) {
		return skip("claimed")
	}

	var (
		tokens []string
		err    error
	)
	switch mode {
	case ModeDrivers:
		tokens, err = s.dir.ActiveDriverTokens(ctx)
	case ModeSellers:
		ids := MerchantIDs(ev.Data)
		if len(ids) == 0 {
			return skip("no_merchants")
		}
		tokens, err = s.dir.MerchantTokens(ctx, ids)
	}
	if err != nil {
		log.Error("audience lookup failed", "error", err)
		return skip("lookup_error")
	}
	tokens = uniqueTokens(tokens)
	if len(tokens) == 0 {
		return skip("no_tokens")
	}
	res.Tokens = len(tokens)

	data := Payload(mode, ev)
	for start := 0; start < len(tokens); start += dispatch.MaxMulticastTokens {
		end := min(start+dispatch.MaxMulticastTokens, len(tokens))
		batch := tokens[start:end]
		res.Batches++
		observability.FanoutBatchesTotal.WithLabelValues(string(mode)).Inc()

		br, err := s.sender.SendMulticast(ctx, batch, data)
		if err != nil {
			res.BatchErrors++
			res.Failures += len(batch)
			observability.FanoutPushesTotal.WithLabelValues(string(mode), "failed").Add(float64(len(batch)))
			log.Error("batch send failed", "batch", res.Batches, "size", len(batch), "error", err)
			continue
		}
		res.Successes += br.SuccessCount
		res.Failures += br.FailureCount
		observability.FanoutPushesTotal.WithLabelValues(string(mode), "sent").Add(float64(br.SuccessCount))
		observability.FanoutPushesTotal.WithLabelValues(string(mode), "failed").Add(float64(br.FailureCount))
		if br.FailureCount > 0 {
			log.Warn("batch partially failed", "batch", res.Batches, "success", br.SuccessCount,
				"failure", br.FailureCount, "reasons", failureReasons(br.Failures))
		}
	}
	log.Info("fan-out complete", "tokens", res.Tokens, "batches", res.Batches,
		"success", res.Successes, "failure", res.Failures)
	return res
}

// IsClaimed reports whether someone already took the order.
func IsClaimed(data map[string]any) bool {
	for _, k := range []string{"acceptedBy", "driverId", "restaurentAccpetedId"} {
		if nonBlank(data[k]) {
			return true
		}
	}
	status, _ := data["status"].(string)
	return strings.EqualFold(strings.TrimSpace(status), "accepted")
}

// MerchantIDs collects distinct shop ids from the order's items, accepting
// both spellings of the key.
func MerchantIDs(data map[string]any) []string {
	items, _ := data["items"].([]any)
	seen := make(map[string]struct{})
	var out []string
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		for _, k := range []string{"restaurentId", "restaurantId"} {
			id, _ := m[k].(string)
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
			break
		}
	}
	return out
}

// Payload builds the data map sent for mode.
func Payload(mode Mode, ev models.OrderCreated) map[string]string {
	data := map[string]string{
		models.PushKeyType:       models.PushTypeNewOrder,
		models.PushKeyOrderID:    ev.OrderID,
		models.PushKeyCustomerID: ev.CustomerID,
		models.PushKeyTitle:      "New Order",
		models.PushKeyBody:       "You have a new order",
	}
	if mode == ModeSellers {
		data[models.PushKeyMode] = string(models.ModeSeller)
	}
	return data
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func failureReasons(fs []dispatch.Failure) []string {
	n := min(len(fs), maxLoggedFailures)
	out := make([]string, 0, n)
	for _, f := range fs[:n] {
		if f.Err != nil {
			out = append(out, f.Err.Error())
		}
	}
	return out
}

func nonBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	default:
		return true
	}
}
