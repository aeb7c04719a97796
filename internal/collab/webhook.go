package collab

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/faults"
)

const defaultWebhookTimeout = 30 * time.Second

// Webhook executes one tool by posting its arguments to an endpoint.
type Webhook struct {
	Tool   string
	URL    string
	Secret string
	Client *http.Client
}

type webhookRequest struct {
	Tool string       `json:"tool"`
	Args []domain.Arg `json:"args"`
}

type webhookResponse struct {
	Result string `json:"result"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in X-Handoff-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w Webhook) Execute(ctx context.Context, action domain.Payload) (string, error) {
	args := action.Args
	if args == nil {
		args = []domain.Arg{}
	}
	data, err := json.Marshal(webhookRequest{Tool: action.Tool, Args: args})
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("encode %s arguments: %w", action.Tool, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return "", faults.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Handoff-Tool", action.Tool)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Handoff-Signature", Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", faults.Transient(fmt.Errorf("%s: %w", action.Tool, err))
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return "", fmt.Errorf("%s: %w", action.Tool, faults.FromStatus(res.StatusCode, string(body)))
	}
	var out webhookResponse
	if json.Unmarshal(body, &out) == nil && out.Result != "" {
		return out.Result, nil
	}
	return strings.TrimSpace(string(body)), nil
}

// Registry routes each action to the executor registered for its tool.
type Registry struct {
	executors map[string]engine.Executor
}

var _ engine.Executor = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{executors: map[string]engine.Executor{}}
}

// FromConfig registers a Webhook for every entry in collaborators.actions.
func FromConfig(cfg *config.Config) *Registry {
	r := NewRegistry()
	for tool, hook := range cfg.Collaborators.Actions {
		timeout := hook.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		r.Register(tool, Webhook{Tool: tool, URL: hook.URL, Secret: hook.Secret, Client: &http.Client{Timeout: timeout}})
	}
	return r
}

func (r *Registry) Register(tool string, x engine.Executor) {
	r.executors[tool] = x
}

// Tools lists the registered tool names.
func (r *Registry) Tools() []string {
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute fails permanently for tools nobody executes, since retrying cannot help.
func (r *Registry) Execute(ctx context.Context, action domain.Payload) (string, error) {
	x, ok := r.executors[action.Tool]
	if !ok {
		return "", faults.Permanent(errors.New("no executor registered for " + action.Tool))
	}
	return x.Execute(ctx, action)
}
