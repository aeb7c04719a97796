// Package collab holds the HTTP clients for the external collaborators: the
// reasoning service that decides what to do with an item, and the webhooks
// that carry out actions.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/faults"
)

const (
	defaultReasonerTimeout = 120 * time.Second
	maxErrorBody           = 4096
)

// Reasoner response statuses.
const (
	StatusComplete          = "complete"
	StatusPropose           = "propose"
	StatusTurnLimitExceeded = "turn_limit_exceeded"
	StatusError             = "error"
)

type ReasonerConfig struct {
	URL           string
	Token         string
	Timeout       time.Duration
	RatePerMinute int
}

// HTTPReasoner posts an item and its turn budget to the reasoning service.
type HTTPReasoner struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPReasoner(cfg ReasonerConfig) (*HTTPReasoner, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("reasoner url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReasonerTimeout
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}
	return &HTTPReasoner{
		url:     cfg.URL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

type reasonRequest struct {
	Item      domain.Item `json:"item"`
	TurnLimit int         `json:"turn_limit"`
}

type reasonResponse struct {
	Status    string          `json:"status"`
	Result    string          `json:"result,omitempty"`
	Action    *domain.Payload `json:"action,omitempty"`
	Error     string          `json:"error,omitempty"`
	Permanent bool            `json:"permanent,omitempty"`
	Turns     int             `json:"turns,omitempty"`
}

var _ engine.Reasoner = (*HTTPReasoner)(nil)

func (r *HTTPReasoner) Reason(ctx context.Context, it domain.Item, turnLimit int) (engine.Proposal, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return engine.Proposal{}, faults.Transient(fmt.Errorf("reasoner rate limit: %w", err))
	}
	data, err := json.Marshal(reasonRequest{Item: it, TurnLimit: turnLimit})
	if err != nil {
		return engine.Proposal{}, faults.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return engine.Proposal{}, faults.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	res, err := r.client.Do(req)
	if err != nil {
		return engine.Proposal{}, faults.Transient(fmt.Errorf("reasoner: %w", err))
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return engine.Proposal{}, faults.FromStatus(res.StatusCode, string(body))
	}

	var out reasonResponse
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return engine.Proposal{}, faults.Transient(fmt.Errorf("decode reasoner response: %w", err))
	}
	if turnLimit > 0 && out.Turns > turnLimit {
		return engine.Proposal{}, fmt.Errorf("%w: used %d of %d", faults.ErrTurnLimitExceeded, out.Turns, turnLimit)
	}
	switch out.Status {
	case StatusComplete:
		return engine.Proposal{Result: out.Result}, nil
	case StatusPropose:
		if out.Action == nil || out.Action.Tool == "" {
			return engine.Proposal{}, faults.Permanent(errors.New("reasoner proposed an action without a tool"))
		}
		return engine.Proposal{Action: out.Action, Result: out.Result}, nil
	case StatusTurnLimitExceeded:
		return engine.Proposal{}, fmt.Errorf("%w: %s", faults.ErrTurnLimitExceeded, out.Error)
	case StatusError:
		err := errors.New("reasoner: " + out.Error)
		if out.Permanent {
			return engine.Proposal{}, faults.Permanent(err)
		}
		return engine.Proposal{}, faults.Transient(err)
	}
	return engine.Proposal{}, faults.Permanent(fmt.Errorf("reasoner: unknown status %q", out.Status))
}
