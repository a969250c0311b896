// Package escalation decides what happens to an interaction that cannot be answered
// automatically: file a report task, spawn a follow-up task, or skip it.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nadmax/overseer/internal/classifier"
	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/task"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type Action string

const (
	ReportAction  Action = "report"
	NewTaskAction Action = "new_task"
	SkipAction    Action = "skip"
)

const (
	SummarySchemaVersion = "escalation_summary.v1"
	// TaskSource marks tasks created from interactions.
	TaskSource         = "interaction"
	ReportPromptHeader = "Escalation report"
)

type Decision struct {
	Action Action         `json:"action"`
	Reason string         `json:"reason"`
	Prompt *string        `json:"prompt"`
	Raw    map[string]any `json:"raw"`
}

type Outcome struct {
	Decision Decision
	Task     *task.Task
}

type Classifier interface {
	Route(ctx context.Context, input string, extra map[string]any) (*classifier.RunResult, error)
}

// Enqueuer creates tasks; *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, prompt, source string, taskType task.TaskType, sessionID *string) (*task.Task, error)
}

type Router struct {
	classifier Classifier
	tasks      Enqueuer
	log        *zap.Logger
}

func NewRouter(c Classifier, tasks Enqueuer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{classifier: c, tasks: tasks, log: logger.Named("escalation")}
}

type interactionRef struct {
	ID        string           `json:"id"`
	Type      interaction.Type `json:"interaction_type"`
	RequestID string           `json:"request_id"`
	SessionID *string          `json:"session_id"`
}

type evaluationRef struct {
	Score  float64           `json:"score"`
	Reason string            `json:"reason"`
	Route  interaction.Route `json:"route"`
}

func refs(i *interaction.Interaction, e *interaction.Evaluation) (interactionRef, evaluationRef) {
	return interactionRef{ID: i.ID, Type: i.Type, RequestID: i.RequestID, SessionID: i.SessionID},
		evaluationRef{Score: e.Score, Reason: e.Reason, Route: e.Route}
}

// BuildSummary is the context handed to the routing classifier.
func BuildSummary(i *interaction.Interaction, e *interaction.Evaluation) (string, error) {
	iref, eref := refs(i, e)
	data, err := json.MarshalIndent(map[string]any{
		"schema_version": SummarySchemaVersion,
		"interaction":    iref,
		"evaluation":     eref,
		"payload":        i.DecodePayload(),
		"output_contract": map[string]any{
			"action": []Action{ReportAction, NewTaskAction, SkipAction},
			"reason": "short justification",
			"prompt": "task prompt, required for new_task",
		},
	}, "", "  ")
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// BuildReportPrompt renders the prompt of a report task filed for manual review.
func BuildReportPrompt(i *interaction.Interaction, e *interaction.Evaluation, reason string) (string, error) {
	iref, eref := refs(i, e)
	data, err := json.MarshalIndent(map[string]any{
		"type":             "interaction_escalation",
		"interaction":      iref,
		"evaluation":       eref,
		"reason":           reason,
		"payload":          i.DecodePayload(),
		"requested_action": "manual_review",
	}, "", "  ")
	if err != nil {
		return "", err
	}

	return ReportPromptHeader + "\n\n" + string(data), nil
}

// ParseDecision normalizes the classifier output. Missing or unusable actions default to
// report for user-routed evaluations and to skip otherwise.
func ParseDecision(rawText string, output map[string]any, e *interaction.Evaluation) Decision {
	if output == nil {
		output = map[string]any{}
	}
	doc := gjson.Parse(rawText)

	fallback := SkipAction
	if e.Route == interaction.UserRoute {
		fallback = ReportAction
	}

	decision := Decision{Action: fallback, Reason: e.Reason, Raw: output}
	if reason := strings.TrimSpace(doc.Get("reason").String()); reason != "" && doc.Get("reason").Type == gjson.String {
		decision.Reason = reason
	}
	if prompt := strings.TrimSpace(doc.Get("prompt").String()); prompt != "" && doc.Get("prompt").Type == gjson.String {
		decision.Prompt = &prompt
	}

	switch action := Action(strings.ToLower(strings.TrimSpace(doc.Get("action").String()))); action {
	case ReportAction, NewTaskAction, SkipAction:
		decision.Action = action
	}

	if decision.Action == NewTaskAction && decision.Prompt == nil {
		decision.Action = ReportAction
	}
	// a user-routed interaction always leaves a task behind
	if decision.Action == SkipAction && e.Route == interaction.UserRoute {
		decision.Action = ReportAction
	}

	return decision
}

// RouteInteraction asks the classifier for a decision and materializes it. Classifier
// errors are returned untouched so the caller can apply its own fallback.
func (r *Router) RouteInteraction(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*Outcome, error) {
	summary, err := BuildSummary(i, e)
	if err != nil {
		return nil, fmt.Errorf("failed to build escalation summary: %w", err)
	}

	result, err := r.classifier.Route(ctx, summary, map[string]any{
		"interactionId": i.ID,
		"route":         string(e.Route),
	})
	if err != nil {
		metrics.RecordClassifierCall(string(classifier.RouteTask), "error")
		return nil, err
	}
	metrics.RecordClassifierCall(string(classifier.RouteTask), "ok")

	decision := ParseDecision(result.RawText, result.Output, e)
	outcome := &Outcome{Decision: decision}

	switch decision.Action {
	case NewTaskAction:
		// Fresh session: the interaction's own session is still blocked on the escalated request.
		outcome.Task, err = r.tasks.Enqueue(ctx, *decision.Prompt, TaskSource, task.OmoRequestType, nil)
	case ReportAction:
		var prompt string
		prompt, err = BuildReportPrompt(i, e, decision.Reason)
		if err == nil {
			outcome.Task, err = r.tasks.Enqueue(ctx, prompt, TaskSource, task.ReportType, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s task: %w", decision.Action, err)
	}

	metrics.RecordEscalationDecision(string(decision.Action))

	fields := []zap.Field{
		zap.String("interaction", task.ShortID(i.ID)),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason),
	}
	if outcome.Task != nil {
		fields = append(fields, zap.String("task_id", task.ShortID(outcome.Task.ID)))
	}
	r.log.Info("escalation_routed", fields...)

	return outcome, nil
}
