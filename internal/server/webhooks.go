package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"handoff/internal/collab"
	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/history"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// TransitionHooks streams history entries to the configured webhooks. Each
// hook has a persisted cursor; a hook seen for the first time starts at the
// current end of history.
type TransitionHooks struct {
	engine engine.Engine
	hooks  []config.TransitionHook
	client *http.Client
	log    *slog.Logger
}

func NewTransitionHooks(e engine.Engine, log *slog.Logger) *TransitionHooks {
	if log == nil {
		log = slog.Default()
	}
	return &TransitionHooks{
		engine: e,
		hooks:  e.Config.Server.Webhooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		log:    log.With("component", "webhooks"),
	}
}

// Run delivers pending entries every interval until ctx is done.
func (d *TransitionHooks) Run(ctx context.Context) error {
	if len(d.hooks) == 0 {
		return nil
	}
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *TransitionHooks) DispatchAll(ctx context.Context) {
	for _, hook := range d.hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatch(ctx, hook); err != nil && ctx.Err() == nil {
			d.log.Warn("webhook delivery failed", "hook", hook.ID, "url", hook.URL, "err", err)
		}
	}
}

func (d *TransitionHooks) dispatch(ctx context.Context, hook config.TransitionHook) error {
	r := d.engine.Repo
	cursor, ok, err := r.WebhookCursor(ctx, hook.ID)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if !ok {
		if cursor, err = r.LatestHistoryID(ctx); err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		if err := d.advance(ctx, hook.ID, cursor); err != nil {
			return err
		}
	}
	entries, err := history.Since(ctx, d.engine.DB, cursor, defaultWebhookBatch)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	filter := newStateFilter(hook.ToStates)
	for _, e := range entries {
		if filter.match(e.To) {
			if err := d.post(ctx, hook, e); err != nil {
				return err
			}
		}
		if err := d.advance(ctx, hook.ID, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *TransitionHooks) advance(ctx context.Context, hookID string, cursor int64) error {
	return d.engine.Repo.SetWebhookCursor(ctx, hookID, cursor, domain.FormatTime(time.Now()))
}

type transitionEvent struct {
	ID     int64        `json:"id"`
	Type   string       `json:"type"`
	ItemID string       `json:"item_id"`
	TS     string       `json:"ts"`
	From   domain.State `json:"from,omitempty"`
	To     domain.State `json:"to"`
	Actor  string       `json:"actor"`
	Reason string       `json:"reason,omitempty"`
	Role   domain.Role  `json:"role"`
}

func (d *TransitionHooks) post(ctx context.Context, hook config.TransitionHook, e history.Entry) error {
	data, err := json.Marshal(transitionEvent{
		ID: e.ID, Type: "item.transition", ItemID: e.ItemID, TS: e.TS,
		From: e.From, To: e.To, Actor: e.Actor, Reason: e.Reason, Role: d.engine.Config.Agent.Role,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Handoff-Event", "item.transition")
	req.Header.Set("X-Handoff-Delivery", fmt.Sprintf("%d", e.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Handoff-Signature", collab.Sign(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type stateFilter struct {
	all bool
	set map[domain.State]struct{}
}

func newStateFilter(states []string) stateFilter {
	set := make(map[domain.State]struct{}, len(states))
	for _, s := range states {
		if key := strings.TrimSpace(s); key != "" {
			set[domain.State(key)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return stateFilter{all: true}
	}
	return stateFilter{set: set}
}

func (f stateFilter) match(s domain.State) bool {
	if f.all {
		return true
	}
	_, ok := f.set[s]
	return ok
}
