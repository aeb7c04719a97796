package domain

import (
	"strings"
	"time"
)

// TimeFormat is a fixed-width UTC timestamp so string order equals time order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Role string

const (
	RoleCloud Role = "cloud"
	RoleLocal Role = "local"
)

type State string

const (
	StateDiscovered       State = "discovered"
	StateClaimed          State = "claimed"
	StateActing           State = "acting"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRejected         State = "rejected"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected
}

// Shared locations. Role-scoped locations are built with ClaimedBy, ActingBy and FailedBy.
const (
	LocNeedsAction     = "needs_action"
	LocApproved        = "approved"
	LocPendingApproval = "pending_approval"
	LocDone            = "done"
	LocRejected        = "rejected"

	prefixClaimed = "claimed/"
	prefixActing  = "acting/"
	prefixFailed  = "failed/"
)

func ClaimedBy(r Role) string { return prefixClaimed + string(r) }
func ActingBy(r Role) string  { return prefixActing + string(r) }
func FailedBy(r Role) string  { return prefixFailed + string(r) }

// StateOf derives the lifecycle state from a location.
func StateOf(location string) State {
	switch {
	case location == LocNeedsAction:
		return StateDiscovered
	case location == LocApproved, location == LocPendingApproval:
		return StateAwaitingApproval
	case location == LocDone:
		return StateCompleted
	case location == LocRejected:
		return StateRejected
	case strings.HasPrefix(location, prefixClaimed):
		return StateClaimed
	case strings.HasPrefix(location, prefixActing):
		return StateActing
	case strings.HasPrefix(location, prefixFailed):
		return StateFailed
	}
	return ""
}

// HolderOf returns the role whose claim a location expresses, if any.
func HolderOf(location string) (Role, bool) {
	for _, p := range []string{prefixClaimed, prefixActing, prefixFailed} {
		if strings.HasPrefix(location, p) {
			return Role(strings.TrimPrefix(location, p)), true
		}
	}
	return "", false
}

// Arg is one named action argument. Payload keeps arguments in the order they were drafted.
type Arg struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

type Payload struct {
	Tool string `json:"tool" yaml:"tool"`
	Args []Arg  `json:"args,omitempty" yaml:"args,omitempty"`
}

// Arg returns the value of the named argument.
func (p Payload) Arg(name string) (any, bool) {
	for _, a := range p.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// ArgMap flattens the arguments; the order is lost.
func (p Payload) ArgMap() map[string]any {
	out := make(map[string]any, len(p.Args))
	for _, a := range p.Args {
		out[a.Name] = a.Value
	}
	return out
}

type Item struct {
	ID           string            `json:"id" yaml:"id"`
	Kind         string            `json:"kind" yaml:"kind"`
	Source       string            `json:"source,omitempty" yaml:"source,omitempty"`
	Title        string            `json:"title,omitempty" yaml:"title,omitempty"`
	Body         string            `json:"body,omitempty" yaml:"-"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Location     string            `json:"location" yaml:"location"`
	Owner        Role              `json:"owner,omitempty" yaml:"owner,omitempty"`
	AttemptCount int               `json:"attempt_count" yaml:"attempt_count"`
	Payload      *Payload          `json:"payload,omitempty" yaml:"payload,omitempty"`
	ApprovedBy   string            `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	DuplicateOf  string            `json:"duplicate_of,omitempty" yaml:"duplicate_of,omitempty"`
	CreatedAt    string            `json:"created_at" yaml:"created_at"`
	UpdatedAt    string            `json:"updated_at" yaml:"updated_at"`
}

func (i Item) State() State { return StateOf(i.Location) }

type Transition struct {
	ItemID string `json:"item_id" yaml:"-"`
	TS     string `json:"ts" yaml:"ts"`
	From   State  `json:"from,omitempty" yaml:"from,omitempty"`
	To     State  `json:"to" yaml:"to"`
	Actor  string `json:"actor" yaml:"actor"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Key identifies a transition independently of the store it was read from.
func (t Transition) Key() string {
	return t.TS + "|" + string(t.From) + "|" + string(t.To) + "|" + t.Actor + "|" + t.Reason
}

// ItemRecord is an item with its full history, the unit exchanged between replicas.
type ItemRecord struct {
	Item    Item         `json:"item" yaml:"item"`
	History []Transition `json:"history" yaml:"history"`
}

// Creation returns the first history entry.
func (r ItemRecord) Creation() (Transition, bool) {
	if len(r.History) == 0 {
		return Transition{}, false
	}
	return r.History[0], true
}

// ActingCount counts transitions into Acting.
func ActingCount(history []Transition) int {
	n := 0
	for _, t := range history {
		if t.To == StateActing {
			n++
		}
	}
	return n
}

type AuditResult string

const (
	AuditSuccess          AuditResult = "success"
	AuditFailure          AuditResult = "failure"
	AuditApprovalRequired AuditResult = "approval_required"
	AuditDenied           AuditResult = "denied"
)

type AuditRecord struct {
	ID       int64       `json:"id"`
	TS       string      `json:"ts"`
	ItemID   string      `json:"item_id"`
	Role     Role        `json:"role"`
	Action   string      `json:"action"`
	Input    []Arg       `json:"input,omitempty"`
	Result   AuditResult `json:"result"`
	Detail   string      `json:"detail,omitempty"`
	Attempt  int         `json:"attempt"`
	Terminal bool        `json:"terminal,omitempty"`
}
