package responder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/agent/agenttest"
	"github.com/nadmax/overseer/internal/classifier"
	"github.com/nadmax/overseer/internal/escalation"
	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/queue"
	"github.com/nadmax/overseer/internal/repository/mocks"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *mocks.Store
	client *agenttest.Fake
	queue  *queue.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := mocks.NewStore()
	store.Now = func() time.Time { return fixedNow }
	client := agenttest.New()

	return &harness{
		store:  store,
		client: client,
		queue:  queue.NewQueue(store, client, queue.DefaultOptions(), nil),
	}
}

func (h *harness) responder(router Router) *Responder {
	return NewResponder(h.store, h.client, h.queue, Options{Router: router, Now: func() time.Time { return fixedNow }}, nil)
}

func (h *harness) addInteraction(t *testing.T, kind interaction.Type, requestID string) *interaction.Interaction {
	t.Helper()
	i, created, err := h.store.UpsertInteraction(context.Background(), kind, requestID, nil, `{"id":"`+requestID+`"}`)
	require.NoError(t, err)
	require.True(t, created)
	return i
}

func (h *harness) tasks(t *testing.T) []*task.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), models.TaskFilter{})
	require.NoError(t, err)
	return tasks
}

func decodeAudit(t *testing.T, i *interaction.Interaction) map[string]any {
	t.Helper()
	require.NotNil(t, i.Answer)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(*i.Answer), &out))
	return out
}

func strPtr(s string) *string { return &s }

func TestShouldAuto(t *testing.T) {
	r := newHarness(t).responder(nil)

	assert.True(t, r.ShouldAuto(&interaction.Evaluation{Score: 6, Route: interaction.AutoRoute}))
	assert.False(t, r.ShouldAuto(&interaction.Evaluation{Score: 7, Route: interaction.AutoRoute}))
	assert.False(t, r.ShouldAuto(&interaction.Evaluation{Score: 1, Route: interaction.UserRoute}))
}

func TestRespond_AutoPermission(t *testing.T) {
	h := newHarness(t)
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 2, Reason: "read only", Route: interaction.AutoRoute, Raw: map[string]any{"score": 2.0}}

	result, err := h.responder(nil).Respond(context.Background(), i, eval)
	require.NoError(t, err)

	assert.Equal(t, interaction.AutoRoute, result.Route)
	assert.Nil(t, result.ReportTask)
	assert.Equal(t, interaction.AnsweredStatus, result.Interaction.Status)
	require.NotNil(t, result.Interaction.AnsweredAt)
	assert.Equal(t, fixedNow, *result.Interaction.AnsweredAt)

	require.Len(t, h.client.PermReplies, 1)
	assert.Equal(t, agenttest.PermissionReplyCall{RequestID: "perm-1", Reply: agent.ReplyOnce, Message: "read only"}, h.client.PermReplies[0])

	audit := decodeAudit(t, result.Interaction)
	assert.Equal(t, ResultSchemaVersion, audit["schema_version"])
	assert.Equal(t, "responder", audit["source"])
	assert.Equal(t, "auto", audit["route"])
	assert.Equal(t, "read only", audit["evaluation"].(map[string]any)["reason"])
	assert.Empty(t, h.tasks(t))
}

func TestRespond_AutoQuestionUsesReply(t *testing.T) {
	h := newHarness(t)
	i := h.addInteraction(t, interaction.QuestionType, "q-1")
	eval := &interaction.Evaluation{Score: 1, Reason: "default branch", Route: interaction.AutoRoute, Reply: strPtr("main")}

	result, err := h.responder(nil).Respond(context.Background(), i, eval)
	require.NoError(t, err)

	require.Len(t, h.client.QuestionReplies, 1)
	assert.Equal(t, [][]string{{"main"}}, h.client.QuestionReplies[0].Answers)
	assert.Equal(t, "main", decodeAudit(t, result.Interaction)["reply"])
}

func TestRespond_AutoReplyFailureRejects(t *testing.T) {
	h := newHarness(t)
	h.client.ReplyErr = errors.New("request already answered")
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 3, Reason: "safe", Route: interaction.AutoRoute}

	result, err := h.responder(nil).Respond(context.Background(), i, eval)
	require.NoError(t, err)

	assert.Equal(t, interaction.RejectedStatus, result.Interaction.Status)
	assert.Equal(t, interaction.AutoRoute, result.Route)
	assert.Equal(t, "request already answered", decodeAudit(t, result.Interaction)["error"])
	assert.Empty(t, h.tasks(t))
}

func TestRespond_EscalatesWithoutRouter(t *testing.T) {
	h := newHarness(t)
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 9, Reason: "destructive", Route: interaction.UserRoute}

	result, err := h.responder(nil).Respond(context.Background(), i, eval)
	require.NoError(t, err)

	assert.Empty(t, h.client.PermReplies)
	assert.Equal(t, interaction.UserRoute, result.Route)
	assert.Equal(t, interaction.AnsweredStatus, result.Interaction.Status)
	require.NotNil(t, result.ReportTask)
	assert.Equal(t, task.ReportType, result.ReportTask.Type)
	assert.Equal(t, escalation.TaskSource, result.ReportTask.Source)
	assert.True(t, strings.HasPrefix(result.ReportTask.Prompt, escalation.ReportPromptHeader))

	audit := decodeAudit(t, result.Interaction)
	assert.Equal(t, "user", audit["route"])
	assert.Equal(t, result.ReportTask.ID, audit["report_task_id"])
	decision := audit["escalation_decision"].(map[string]any)
	assert.Equal(t, "report", decision["action"])
	assert.Equal(t, "destructive", decision["reason"])
	assert.Len(t, h.tasks(t), 1)
}

func TestRespond_HighScoreAutoRouteEscalates(t *testing.T) {
	h := newHarness(t)
	i := h.addInteraction(t, interaction.QuestionType, "q-1")
	eval := &interaction.Evaluation{Score: 8, Reason: "approve but risky", Route: interaction.AutoRoute}

	result, err := h.responder(nil).Respond(context.Background(), i, eval)
	require.NoError(t, err)
	assert.Equal(t, interaction.UserRoute, result.Route)
	assert.Empty(t, h.client.QuestionReplies)
}

func TestRespond_EscalatesThroughRouter(t *testing.T) {
	h := newHarness(t)
	provider := classifier.NewMockProvider(classifier.MockReply{Text: `{"action":"new_task","prompt":"Ask the maintainer first","reason":"policy"}`})
	router := escalation.NewRouter(classifier.NewClient(provider, classifier.Options{}, nil), h.queue, nil)
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 9, Reason: "destructive", Route: interaction.UserRoute}

	result, err := h.responder(router).Respond(context.Background(), i, eval)
	require.NoError(t, err)

	require.NotNil(t, result.ReportTask)
	assert.Equal(t, task.OmoRequestType, result.ReportTask.Type)
	assert.Equal(t, "Ask the maintainer first", result.ReportTask.Prompt)

	decision := decodeAudit(t, result.Interaction)["escalation_decision"].(map[string]any)
	assert.Equal(t, "new_task", decision["action"])
	assert.Equal(t, "policy", decision["reason"])
	assert.Len(t, h.tasks(t), 1)
}

type failingRouter struct{}

func (failingRouter) RouteInteraction(context.Context, *interaction.Interaction, *interaction.Evaluation) (*escalation.Outcome, error) {
	return nil, errors.New("classifier outage")
}

func TestRespond_RouterErrorFallsBackToReport(t *testing.T) {
	h := newHarness(t)
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 9, Reason: "destructive", Route: interaction.UserRoute}

	result, err := h.responder(failingRouter{}).Respond(context.Background(), i, eval)
	require.NoError(t, err)

	require.NotNil(t, result.ReportTask)
	assert.Equal(t, task.ReportType, result.ReportTask.Type)
	assert.Equal(t, interaction.AnsweredStatus, result.Interaction.Status)
	assert.Len(t, h.tasks(t), 1)
}

func TestRespond_ReportTaskFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.store.CreateTaskError = errors.New("db down")
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 9, Reason: "destructive", Route: interaction.UserRoute}

	_, err := h.responder(nil).Respond(context.Background(), i, eval)
	require.Error(t, err)

	got, err := h.store.GetInteraction(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Equal(t, interaction.PendingStatus, got.Status)
}

func TestRespond_UpdateFailureReusesEscalationTask(t *testing.T) {
	h := newHarness(t)
	i := h.addInteraction(t, interaction.PermissionType, "perm-1")
	eval := &interaction.Evaluation{Score: 9, Reason: "destructive", Route: interaction.UserRoute}
	resp := h.responder(nil)

	h.store.UpdateInteractionError = errors.New("db down")
	_, err := resp.Respond(context.Background(), i, eval)
	require.Error(t, err)

	first := h.tasks(t)
	require.Len(t, first, 1)

	got, err := h.store.GetInteraction(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Equal(t, interaction.PendingStatus, got.Status)

	h.store.UpdateInteractionError = nil
	result, err := resp.Respond(context.Background(), got, eval)
	require.NoError(t, err)

	require.Len(t, h.tasks(t), 1)
	require.NotNil(t, result.ReportTask)
	assert.Equal(t, first[0].ID, result.ReportTask.ID)
	assert.Equal(t, first[0].ID, decodeAudit(t, result.Interaction)["report_task_id"])
	assert.Equal(t, interaction.AnsweredStatus, result.Interaction.Status)
}
