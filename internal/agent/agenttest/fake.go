// Package agenttest provides a scriptable in-memory agent.Client for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nadmax/overseer/internal/agent"
)

type PermissionReplyCall struct {
	RequestID string
	Reply     agent.PermissionReply
	Message   string
}

type QuestionReplyCall struct {
	RequestID string
	Answers   [][]string
}

type PromptCall struct {
	SessionID string
	Text      string
}

type Fake struct {
	mu sync.Mutex

	Statuses    map[string]agent.SessionStatus
	MessagesBy  map[string][]agent.Message
	Permissions []agent.RawRequest
	Questions   []agent.RawRequest

	HealthErr          error
	CreateSessionErr   error
	PromptErr          error
	StatusErr          error
	MessagesErr        error
	AbortErr           error
	ListPermissionsErr error
	ListQuestionsErr   error
	ReplyErr           error

	HealthCalls     int
	CreatedSessions []string
	Prompts         []PromptCall
	Aborted         []string
	PermReplies     []PermissionReplyCall
	QuestionReplies []QuestionReplyCall
	RejectedQs      []string

	nextSession int
}

var _ agent.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Statuses:   make(map[string]agent.SessionStatus),
		MessagesBy: make(map[string][]agent.Message),
	}
}

// SetStatus marks a session busy or idle in the status map.
func (f *Fake) SetStatus(sessionID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Statuses[sessionID] = agent.SessionStatus{Type: status}
}

// SetAssistantReply makes Messages return one user and one assistant message with the given text.
func (f *Fake) SetAssistantReply(sessionID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.MessagesBy[sessionID] = []agent.Message{
		{Info: agent.MessageInfo{ID: "msg-user", Role: agent.RoleUser}},
		{
			Info:  agent.MessageInfo{ID: "msg-assistant", Role: agent.RoleAssistant, Cost: 0.01},
			Parts: []agent.Part{{Type: agent.PartText, Text: text}},
		},
	}
}

// AddPermission queues a raw permission request; v is marshalled as-is.
func (f *Fake) AddPermission(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Permissions = append(f.Permissions, mustRaw(v))
}

func (f *Fake) AddQuestion(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Questions = append(f.Questions, mustRaw(v))
}

func mustRaw(v any) agent.RawRequest {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}

func (f *Fake) Health(context.Context) (*agent.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.HealthCalls++
	if f.HealthErr != nil {
		return nil, f.HealthErr
	}

	return &agent.Health{Healthy: true, Version: "test"}, nil
}

func (f *Fake) CreateSession(_ context.Context, title string) (*agent.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateSessionErr != nil {
		return nil, f.CreateSessionErr
	}

	f.nextSession++
	id := fmt.Sprintf("ses-%d", f.nextSession)
	f.CreatedSessions = append(f.CreatedSessions, title)

	return &agent.Session{ID: id, Title: title}, nil
}

func (f *Fake) GetSession(_ context.Context, id string) (*agent.Session, error) {
	return &agent.Session{ID: id}, nil
}

func (f *Fake) DeleteSession(context.Context, string) error {
	return nil
}

func (f *Fake) AbortSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Aborted = append(f.Aborted, id)
	return f.AbortErr
}

func (f *Fake) PromptAsync(_ context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PromptErr != nil {
		return f.PromptErr
	}

	f.Prompts = append(f.Prompts, PromptCall{SessionID: sessionID, Text: text})
	return nil
}

func (f *Fake) SessionStatuses(context.Context) (map[string]agent.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return nil, f.StatusErr
	}

	out := make(map[string]agent.SessionStatus, len(f.Statuses))
	for k, v := range f.Statuses {
		out[k] = v
	}

	return out, nil
}

func (f *Fake) Messages(_ context.Context, sessionID string) ([]agent.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MessagesErr != nil {
		return nil, f.MessagesErr
	}

	return append([]agent.Message(nil), f.MessagesBy[sessionID]...), nil
}

func (f *Fake) ListPermissions(context.Context) ([]agent.RawRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListPermissionsErr != nil {
		return nil, f.ListPermissionsErr
	}

	return append([]agent.RawRequest(nil), f.Permissions...), nil
}

func (f *Fake) ReplyPermission(_ context.Context, requestID string, reply agent.PermissionReply, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.PermReplies = append(f.PermReplies, PermissionReplyCall{RequestID: requestID, Reply: reply, Message: message})
	return f.ReplyErr
}

func (f *Fake) ListQuestions(context.Context) ([]agent.RawRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListQuestionsErr != nil {
		return nil, f.ListQuestionsErr
	}

	return append([]agent.RawRequest(nil), f.Questions...), nil
}

func (f *Fake) ReplyQuestion(_ context.Context, requestID string, answers [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.QuestionReplies = append(f.QuestionReplies, QuestionReplyCall{RequestID: requestID, Answers: answers})
	return f.ReplyErr
}

func (f *Fake) RejectQuestion(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RejectedQs = append(f.RejectedQs, requestID)
	return f.ReplyErr
}
