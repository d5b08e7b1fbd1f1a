package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RelayRequest asks the server that holds agent WebSocket sessions to push
// data to tokens.
type RelayRequest struct {
	Tokens []string          `json:"tokens"`
	Data   map[string]string `json:"data"`
}

// RelayResponse lists the tokens that had a live session and took the message.
type RelayResponse struct {
	Delivered []string `json:"delivered"`
}

// RelaySender delivers over the server's WebSocket sessions from a process
// that has none of its own. Tokens the server could not reach come back as
// ErrNoSession failures.
type RelaySender struct {
	URL string
	// Token is sent as X-Internal-Token when set.
	Token  string
	Client *http.Client
}

func NewRelaySender(url, token string) *RelaySender {
	return &RelaySender{URL: url, Token: token, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (r *RelaySender) SendMulticast(ctx context.Context, tokens []string, data map[string]string) (BatchResult, error) {
	body, err := json.Marshal(RelayRequest{Tokens: tokens, Data: data})
	if err != nil {
		return BatchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return BatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("X-Internal-Token", r.Token)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return BatchResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BatchResult{}, fmt.Errorf("push relay: status %d", resp.StatusCode)
	}
	var out RelayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BatchResult{}, fmt.Errorf("push relay: %w", err)
	}

	delivered := make(map[string]bool, len(out.Delivered))
	for _, t := range out.Delivered {
		delivered[t] = true
	}
	var res BatchResult
	for _, t := range tokens {
		if delivered[t] {
			res.SuccessCount++
			continue
		}
		res.FailureCount++
		res.Failures = append(res.Failures, Failure{Token: t, Err: ErrNoSession})
	}
	return res, nil
}
