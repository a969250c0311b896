package agent

import "context"

// Client is the subset of the coding-agent service the worker depends on.
type Client interface {
	Health(ctx context.Context) (*Health, error)

	CreateSession(ctx context.Context, title string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	AbortSession(ctx context.Context, id string) error
	PromptAsync(ctx context.Context, sessionID, text string) error
	SessionStatuses(ctx context.Context) (map[string]SessionStatus, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	ListPermissions(ctx context.Context) ([]RawRequest, error)
	ReplyPermission(ctx context.Context, requestID string, reply PermissionReply, message string) error
	ListQuestions(ctx context.Context) ([]RawRequest, error)
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error
	RejectQuestion(ctx context.Context, requestID string) error
}

// LastAssistant returns the newest assistant message, scanning from the end.
func LastAssistant(messages []Message) (*Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role == RoleAssistant {
			return &messages[i], true
		}
	}

	return nil, false
}

// SessionTitle derives a session title from a prompt: its first 80 runes.
func SessionTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= 80 {
		return prompt
	}

	return string(runes[:80])
}
