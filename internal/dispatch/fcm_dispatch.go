package dispatch

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

// MulticastClient is the slice of *messaging.Client the sender needs.
type MulticastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender pushes data-only messages with high Android priority so the agent
// wakes for them while backgrounded.
type FCMSender struct {
	client MulticastClient
}

func NewFCMSender(client MulticastClient) *FCMSender {
	return &FCMSender{client: client}
}

func (f *FCMSender) SendMulticast(ctx context.Context, tokens []string, data map[string]string) (BatchResult, error) {
	if len(tokens) == 0 {
		return BatchResult{}, nil
	}
	if len(tokens) > MaxMulticastTokens {
		return BatchResult{}, fmt.Errorf("fcm multicast: %d tokens exceeds %d", len(tokens), MaxMulticastTokens)
	}
	resp, err := f.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:  tokens,
		Data:    data,
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("fcm multicast: %w", err)
	}

	res := BatchResult{SuccessCount: resp.SuccessCount, FailureCount: resp.FailureCount}
	for i, r := range resp.Responses {
		if r == nil || r.Success || i >= len(tokens) {
			continue
		}
		e := r.Error
		if e == nil {
			e = errors.New("unknown fcm error")
		}
		res.Failures = append(res.Failures, Failure{Token: tokens[i], Err: e})
	}
	return res, nil
}
