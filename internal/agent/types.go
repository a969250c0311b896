// Package agent is the client side of the coding-agent HTTP service: sessions, prompts,
// messages, and the permission and question request queues.
package agent

import "encoding/json"

type (
	Session struct {
		ID        string `json:"id"`
		Title     string `json:"title,omitempty"`
		ParentID  string `json:"parentID,omitempty"`
		Directory string `json:"directory,omitempty"`
	}

	// SessionStatus is one entry of the status map keyed by session id. Type is "idle",
	// "busy" or "retry"; sessions absent from the map are idle.
	SessionStatus struct {
		Type string `json:"type"`
	}

	Health struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}

	Message struct {
		Info  MessageInfo `json:"info"`
		Parts []Part      `json:"parts"`
	}

	MessageInfo struct {
		ID        string      `json:"id"`
		SessionID string      `json:"sessionID"`
		Role      string      `json:"role"`
		Cost      float64     `json:"cost"`
		Tokens    TokenUsage  `json:"tokens"`
		Time      MessageTime `json:"time"`
	}

	TokenUsage struct {
		Input     int        `json:"input"`
		Output    int        `json:"output"`
		Reasoning int        `json:"reasoning"`
		Cache     CacheUsage `json:"cache"`
	}

	CacheUsage struct {
		Read  int `json:"read"`
		Write int `json:"write"`
	}

	// MessageTime carries unix milliseconds.
	MessageTime struct {
		Created   int64  `json:"created"`
		Completed *int64 `json:"completed,omitempty"`
	}

	Part struct {
		ID        string     `json:"id,omitempty"`
		Type      string     `json:"type"`
		Text      string     `json:"text,omitempty"`
		Synthetic bool       `json:"synthetic,omitempty"`
		Ignored   bool       `json:"ignored,omitempty"`
		Tool      string     `json:"tool,omitempty"`
		State     *ToolState `json:"state,omitempty"`
	}

	ToolState struct {
		Status   string         `json:"status"`
		Title    string         `json:"title,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

const (
	RoleAssistant = "assistant"
	RoleUser      = "user"

	StatusIdle = "idle"
	StatusBusy = "busy"

	PartText = "text"
	PartTool = "tool"

	ToolCompleted = "completed"
	ToolRunning   = "running"
)

// PermissionReply is the verdict sent for a permission request.
type PermissionReply string

const (
	ReplyOnce   PermissionReply = "once"
	ReplyAlways PermissionReply = "always"
	ReplyReject PermissionReply = "reject"
)

// RawRequest is a permission or question entry exactly as the service returned it.
type RawRequest = json.RawMessage
