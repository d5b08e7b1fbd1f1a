package dispatch

import "context"

// PushDispatcher tries live sessions first and sends the tokens they could
// not reach through Fallback in one multicast. Sessions is a *WSRegistry in
// the server process and a *RelaySender elsewhere.
type PushDispatcher struct {
	Sessions Sender
	Fallback Sender
}

func NewPushDispatcher(sessions, fallback Sender) *PushDispatcher {
	return &PushDispatcher{Sessions: sessions, Fallback: fallback}
}

func (p *PushDispatcher) SendMulticast(ctx context.Context, tokens []string, data map[string]string) (BatchResult, error) {
	var res BatchResult
	rest := tokens
	if p.Sessions != nil {
		live, err := p.Sessions.SendMulticast(ctx, tokens, data)
		if err == nil {
			res.SuccessCount = live.SuccessCount
			rest = nil
			for _, f := range live.Failures {
				rest = append(rest, f.Token)
			}
		}
	}
	if len(rest) == 0 {
		return res, nil
	}
	if p.Fallback == nil {
		for _, t := range rest {
			res.FailureCount++
			res.Failures = append(res.Failures, Failure{Token: t, Err: ErrNoSession})
		}
		return res, nil
	}
	fb, err := p.Fallback.SendMulticast(ctx, rest, data)
	if err != nil {
		if res.SuccessCount == 0 {
			return BatchResult{}, err
		}
		res.FailureCount += len(rest)
		for _, t := range rest {
			res.Failures = append(res.Failures, Failure{Token: t, Err: err})
		}
		return res, nil
	}
	res.merge(fb)
	return res, nil
}
