package server

import (
	"handoff/internal/domain"
)

// Request payloads

type SubmitItemRequest struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind" minLength:"1"`
	Source   string            `json:"source,omitempty"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	TS     string `json:"ts"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type PayloadResponse struct {
	Tool string       `json:"tool"`
	Args []domain.Arg `json:"args,omitempty"`
}

type ItemResponse struct {
	ID           string               `json:"id"`
	Kind         string               `json:"kind"`
	Source       string               `json:"source,omitempty"`
	Title        string               `json:"title,omitempty"`
	Body         string               `json:"body,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
	Location     string               `json:"location"`
	State        string               `json:"state"`
	Owner        string               `json:"owner,omitempty"`
	AttemptCount int                  `json:"attempt_count"`
	Payload      *PayloadResponse     `json:"payload,omitempty"`
	ApprovedBy   string               `json:"approved_by,omitempty"`
	DuplicateOf  string               `json:"duplicate_of,omitempty"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at"`
	History      []TransitionResponse `json:"history,omitempty"`
}

type ItemListResponse struct {
	Items []ItemResponse `json:"items"`
}

type AuditRecordResponse struct {
	ID       int64        `json:"id"`
	TS       string       `json:"ts"`
	ItemID   string       `json:"item_id"`
	Role     string       `json:"role"`
	Action   string       `json:"action"`
	Input    []domain.Arg `json:"input,omitempty"`
	Result   string       `json:"result"`
	Detail   string       `json:"detail,omitempty"`
	Attempt  int          `json:"attempt"`
	Terminal bool         `json:"terminal"`
}

type AuditListResponse struct {
	Records []AuditRecordResponse `json:"records"`
	NextID  int64                 `json:"next_id"`
}

type HealthResponse struct {
	Status              string         `json:"status"`
	Role                string         `json:"role"`
	HeartbeatAgeSeconds *float64       `json:"heartbeat_age_seconds,omitempty"`
	Beats               int64          `json:"beats"`
	Counts              map[string]int `json:"counts"`
}

func itemResponse(it domain.Item, hist []domain.Transition) ItemResponse {
	out := ItemResponse{
		ID:           it.ID,
		Kind:         it.Kind,
		Source:       it.Source,
		Title:        it.Title,
		Body:         it.Body,
		Metadata:     it.Metadata,
		Location:     it.Location,
		State:        string(it.State()),
		Owner:        string(it.Owner),
		AttemptCount: it.AttemptCount,
		ApprovedBy:   it.ApprovedBy,
		DuplicateOf:  it.DuplicateOf,
		CreatedAt:    it.CreatedAt,
		UpdatedAt:    it.UpdatedAt,
	}
	if it.Payload != nil {
		out.Payload = &PayloadResponse{Tool: it.Payload.Tool, Args: it.Payload.Args}
	}
	for _, t := range hist {
		out.History = append(out.History, TransitionResponse{
			TS: t.TS, From: string(t.From), To: string(t.To), Actor: t.Actor, Reason: t.Reason,
		})
	}
	return out
}

func auditResponse(rec domain.AuditRecord) AuditRecordResponse {
	return AuditRecordResponse{
		ID:       rec.ID,
		TS:       rec.TS,
		ItemID:   rec.ItemID,
		Role:     string(rec.Role),
		Action:   rec.Action,
		Input:    rec.Input,
		Result:   string(rec.Result),
		Detail:   rec.Detail,
		Attempt:  rec.Attempt,
		Terminal: rec.Terminal,
	}
}
