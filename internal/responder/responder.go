// Package responder applies an evaluation to an interaction: it either answers the agent
// directly or escalates, and always leaves an audit record on the interaction.
package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/escalation"
	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

const (
	DefaultAutoThreshold = 6.0
	ResultSchemaVersion  = "interaction_result.v1"
	auditSource          = "responder"
)

type Replier interface {
	ReplyPermission(ctx context.Context, requestID string, reply agent.PermissionReply, message string) error
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error
}

type Router interface {
	RouteInteraction(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*escalation.Outcome, error)
}

type Options struct {
	AutoThreshold float64
	// Router is optional; without it every escalation files a report task.
	Router Router
	Now    func() time.Time
}

type Result struct {
	Interaction *interaction.Interaction
	Route       interaction.Route
	ReportTask  *task.Task
}

type Responder struct {
	store     repository.InteractionRepository
	replier   Replier
	tasks     escalation.Enqueuer
	router    Router
	threshold float64
	now       func() time.Time
	log       *zap.Logger

	// unrecorded holds escalations whose task exists but whose interaction update failed,
	// so the retry reuses the task instead of filing another.
	mu         sync.Mutex
	unrecorded map[string]*escalation.Outcome
}

func NewResponder(store repository.InteractionRepository, replier Replier, tasks escalation.Enqueuer, opts Options, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AutoThreshold <= 0 {
		opts.AutoThreshold = DefaultAutoThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Responder{
		store:      store,
		replier:    replier,
		tasks:      tasks,
		router:     opts.Router,
		threshold:  opts.AutoThreshold,
		now:        opts.Now,
		log:        logger.Named("responder"),
		unrecorded: make(map[string]*escalation.Outcome),
	}
}

type auditEvaluation struct {
	Score  float64           `json:"score"`
	Reason string            `json:"reason"`
	Route  interaction.Route `json:"route"`
	Raw    map[string]any    `json:"raw"`
}

type auditRecord struct {
	SchemaVersion      string               `json:"schema_version"`
	Source             string               `json:"source"`
	Route              interaction.Route    `json:"route"`
	Evaluation         auditEvaluation      `json:"evaluation"`
	EscalationDecision *escalation.Decision `json:"escalation_decision,omitempty"`
	ReportTaskID       *string              `json:"report_task_id,omitempty"`
	Reply              *string              `json:"reply,omitempty"`
	Error              string               `json:"error,omitempty"`
}

func newAudit(route interaction.Route, e *interaction.Evaluation) auditRecord {
	raw := e.Raw
	if raw == nil {
		raw = map[string]any{}
	}

	return auditRecord{
		SchemaVersion: ResultSchemaVersion,
		Source:        auditSource,
		Route:         route,
		Evaluation:    auditEvaluation{Score: e.Score, Reason: e.Reason, Route: e.Route, Raw: raw},
	}
}

// ShouldAuto requires both an auto route and a score within the threshold.
func (r *Responder) ShouldAuto(e *interaction.Evaluation) bool {
	return e.Route == interaction.AutoRoute && e.Score <= r.threshold
}

func (r *Responder) Respond(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*Result, error) {
	if !r.ShouldAuto(e) {
		return r.escalate(ctx, i, e)
	}

	return r.autoReply(ctx, i, e)
}

func (r *Responder) escalate(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*Result, error) {
	outcome := r.takeUnrecorded(i.ID)
	var err error

	if outcome == nil && r.router != nil {
		outcome, err = r.router.RouteInteraction(ctx, i, e)
		if err != nil {
			r.log.Warn("escalation_fallback",
				zap.String("interaction", task.ShortID(i.ID)),
				zap.String("request_id", i.RequestID),
				zap.Error(err),
			)
			outcome = nil
		}
	}

	if outcome == nil {
		outcome, err = r.fallbackReport(ctx, i, e)
		if err != nil {
			return nil, err
		}
	}

	audit := newAudit(interaction.UserRoute, e)
	audit.EscalationDecision = &outcome.Decision
	var reportID *string
	if outcome.Task != nil {
		reportID = task.StringPtr(outcome.Task.ID)
	}
	audit.ReportTaskID = reportID

	updated, err := r.finish(ctx, i, interaction.AnsweredStatus, audit)
	if err != nil {
		if outcome.Task != nil {
			r.keepUnrecorded(i.ID, outcome)
			r.log.Error("escalation_unrecorded",
				zap.String("interaction", task.ShortID(i.ID)),
				zap.String("task", task.ShortID(outcome.Task.ID)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	fields := []zap.Field{
		zap.String("interaction", task.ShortID(i.ID)),
		zap.String("request_id", i.RequestID),
		zap.String("route_action", string(outcome.Decision.Action)),
		zap.Float64("score", e.Score),
	}
	if reportID != nil {
		fields = append(fields, zap.String("report_task", task.ShortID(*reportID)))
	}
	r.log.Info("interaction_routed_user", fields...)

	return &Result{Interaction: updated, Route: interaction.UserRoute, ReportTask: outcome.Task}, nil
}

func (r *Responder) takeUnrecorded(id string) *escalation.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := r.unrecorded[id]
	delete(r.unrecorded, id)
	return outcome
}

func (r *Responder) keepUnrecorded(id string, outcome *escalation.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unrecorded[id] = outcome
}

func (r *Responder) fallbackReport(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*escalation.Outcome, error) {
	prompt, err := escalation.BuildReportPrompt(i, e, e.Reason)
	if err != nil {
		return nil, fmt.Errorf("failed to build report prompt: %w", err)
	}

	t, err := r.tasks.Enqueue(ctx, prompt, escalation.TaskSource, task.ReportType, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create report task: %w", err)
	}
	metrics.RecordEscalationDecision(string(escalation.ReportAction))

	return &escalation.Outcome{
		Decision: escalation.Decision{Action: escalation.ReportAction, Reason: e.Reason, Raw: map[string]any{}},
		Task:     t,
	}, nil
}

// autoReply answers the agent. A failed reply is terminal for the interaction; replaying it
// could deliver a stale or duplicate answer.
func (r *Responder) autoReply(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*Result, error) {
	text := e.ReplyText()

	var replyErr error
	if i.Type == interaction.PermissionType {
		replyErr = r.replier.ReplyPermission(ctx, i.RequestID, agent.ReplyOnce, text)
	} else {
		replyErr = r.replier.ReplyQuestion(ctx, i.RequestID, [][]string{{text}})
	}

	audit := newAudit(interaction.AutoRoute, e)
	status := interaction.AnsweredStatus
	if replyErr != nil {
		status = interaction.RejectedStatus
		audit.Error = replyErr.Error()
	} else {
		audit.Reply = e.Reply
	}

	updated, err := r.finish(ctx, i, status, audit)
	if err != nil {
		return nil, err
	}

	if replyErr != nil {
		r.log.Warn("interaction_auto_reply_failed",
			zap.String("interaction", task.ShortID(i.ID)),
			zap.String("request_id", i.RequestID),
			zap.Error(replyErr),
		)
	} else {
		r.log.Info("interaction_replied_auto",
			zap.String("interaction", task.ShortID(i.ID)),
			zap.String("request_id", i.RequestID),
			zap.Float64("score", e.Score),
		)
	}

	return &Result{Interaction: updated, Route: interaction.AutoRoute}, nil
}

func (r *Responder) finish(ctx context.Context, i *interaction.Interaction, status interaction.Status, audit auditRecord) (*interaction.Interaction, error) {
	answer, err := json.Marshal(audit)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit record: %w", err)
	}

	updated, err := r.store.UpdateInteraction(ctx, i.ID, repository.InteractionUpdate{
		Status:        &status,
		Answer:        task.StringPtr(string(answer)),
		SetAnswer:     true,
		AnsweredAt:    task.TimePtr(r.now()),
		SetAnsweredAt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record interaction %s: %w", task.ShortID(i.ID), err)
	}

	metrics.RecordInteractionResolved(string(i.Type), string(audit.Route), string(status))

	return updated, nil
}
