// Package interaction defines permission and question requests raised by the coding agent
// and the helpers used to pull identifiers out of their loosely shaped payloads.
package interaction

import (
	"encoding/json"
	"time"
)

type (
	Type   string
	Status string
	Route  string
)

const (
	PermissionType Type = "permission"
	QuestionType   Type = "question"
)

const (
	PendingStatus  Status = "pending"
	AnsweredStatus Status = "answered"
	RejectedStatus Status = "rejected"
)

const (
	AutoRoute Route = "auto"
	UserRoute Route = "user"
)

type Interaction struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	RequestID  string     `json:"request_id"`
	SessionID  *string    `json:"session_id,omitempty"`
	Payload    string     `json:"payload"`
	Status     Status     `json:"status"`
	Answer     *string    `json:"answer,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NormalizeType maps unknown stored labels to question.
func NormalizeType(raw string) Type {
	if t := Type(raw); t == PermissionType || t == QuestionType {
		return t
	}

	return QuestionType
}

// NormalizeStatus maps unknown stored labels to pending.
func NormalizeStatus(raw string) Status {
	switch s := Status(raw); s {
	case PendingStatus, AnsweredStatus, RejectedStatus:
		return s
	default:
		return PendingStatus
	}
}

func (s Status) IsTerminal() bool {
	return s == AnsweredStatus || s == RejectedStatus
}

// Evaluation is the normalized verdict of the risk classifier for one interaction.
// Lower scores are safer to automate.
type Evaluation struct {
	Score  float64        `json:"score"`
	Reason string         `json:"reason"`
	Route  Route          `json:"route"`
	Reply  *string        `json:"reply,omitempty"`
	Raw    map[string]any `json:"raw,omitempty"`
}

// ReplyText is what gets sent back to the agent on auto-resolution.
func (e Evaluation) ReplyText() string {
	if e.Reply != nil {
		return *e.Reply
	}

	return e.Reason
}

// DecodePayload parses the stored payload, wrapping non-JSON text as {"raw": text}.
func (i *Interaction) DecodePayload() any {
	var out any
	if err := json.Unmarshal([]byte(i.Payload), &out); err != nil {
		return map[string]any{"raw": i.Payload}
	}

	return out
}
