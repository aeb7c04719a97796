// Package gate decides whether a role may execute an action directly.
//
// A Policy is built once from config and never changes afterwards, so every
// method is a pure function of its arguments.
package gate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"handoff/internal/config"
	"handoff/internal/domain"
)

type Decision int

const (
	Allow Decision = iota
	Downgrade
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Downgrade:
		return "downgrade"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

type rolePolicy struct {
	actions   map[string]struct{}
	draftOnly bool
}

type Policy struct {
	sendClass     map[string]struct{}
	roles         map[domain.Role]rolePolicy
	monetaryLimit float64
	monetaryArgs  []string
}

// New builds the policy from the capabilities and thresholds sections.
func New(cfg *config.Config) *Policy {
	p := &Policy{
		sendClass:     map[string]struct{}{},
		roles:         map[domain.Role]rolePolicy{},
		monetaryLimit: cfg.Thresholds.MonetaryLimit,
		monetaryArgs:  append([]string(nil), cfg.Thresholds.MonetaryArgs...),
	}
	for _, a := range cfg.Capabilities.SendClass {
		p.sendClass[a] = struct{}{}
	}
	for name, rp := range cfg.Capabilities.Roles {
		actions := make(map[string]struct{}, len(rp.Actions))
		for _, a := range rp.Actions {
			actions[a] = struct{}{}
		}
		p.roles[domain.Role(name)] = rolePolicy{actions: actions, draftOnly: rp.DraftOnly}
	}
	return p
}

// Authorize checks a freshly proposed action.
func (p *Policy) Authorize(role domain.Role, action string, args []domain.Arg) Decision {
	if d, ok := p.membership(role, action); !ok {
		return d
	}
	if _, over := p.OverThreshold(args); over {
		return Downgrade
	}
	return p.sendDecision(role, action)
}

// AuthorizeApproved checks a payload a human already reviewed. The monetary
// threshold is skipped; the send-class rule still applies.
func (p *Policy) AuthorizeApproved(role domain.Role, action string, args []domain.Arg) Decision {
	if d, ok := p.membership(role, action); !ok {
		return d
	}
	return p.sendDecision(role, action)
}

func (p *Policy) membership(role domain.Role, action string) (Decision, bool) {
	rp, ok := p.roles[role]
	if !ok {
		return Deny, false
	}
	if _, ok := rp.actions[action]; !ok {
		return Deny, false
	}
	return Allow, true
}

func (p *Policy) sendDecision(role domain.Role, action string) Decision {
	if p.SendClass(action) && p.roles[role].draftOnly {
		return Downgrade
	}
	return Allow
}

// SendClass reports whether action is irreversible.
func (p *Policy) SendClass(action string) bool {
	_, ok := p.sendClass[action]
	return ok
}

// OverThreshold returns the first monetary argument above the limit. An
// argument that cannot be read as a number counts as over the limit.
func (p *Policy) OverThreshold(args []domain.Arg) (string, bool) {
	for _, a := range args {
		if !p.isMonetary(a.Name) || a.Value == nil {
			continue
		}
		amount, ok := Amount(a.Value)
		if !ok || amount > p.monetaryLimit {
			return a.Name, true
		}
	}
	return "", false
}

func (p *Policy) isMonetary(name string) bool {
	for _, m := range p.monetaryArgs {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// Catalogue lists every action known to any role or the send class, sorted.
func (p *Policy) Catalogue() []string {
	seen := map[string]struct{}{}
	for a := range p.sendClass {
		seen[a] = struct{}{}
	}
	for _, rp := range p.roles {
		for a := range rp.actions {
			seen[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Roles lists the configured roles, sorted.
func (p *Policy) Roles() []domain.Role {
	out := make([]domain.Role, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Amount reads a monetary value from a number or a numeric string such as "$1,250.00".
func Amount(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		s := strings.TrimSpace(x)
		s = strings.TrimLeft(s, "$€£¥")
		s = strings.ReplaceAll(s, ",", "")
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
