package repository

import (
	"testing"
	"time"

	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskUpdateApply(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Minute)
	tk := task.NewTask("p", "cli", task.OmoRequestType, task.StringPtr("ses-1"))
	tk.StartedAt = &started
	tk.CompletedAt = &now

	status := task.PendingStatus
	attempts := 2
	retryAt := now.Add(3 * time.Second)

	TaskUpdate{
		Status:         &status,
		Attempts:       &attempts,
		SetSessionID:   true,
		RetryAt:        &retryAt,
		SetRetryAt:     true,
		SetStartedAt:   true,
		SetCompletedAt: false,
	}.Apply(tk, now)

	assert.Equal(t, task.PendingStatus, tk.Status)
	assert.Equal(t, 2, tk.Attempts)
	assert.Nil(t, tk.SessionID)
	require.NotNil(t, tk.RetryAt)
	assert.Equal(t, retryAt, *tk.RetryAt)
	assert.Nil(t, tk.StartedAt)
	assert.NotNil(t, tk.CompletedAt, "completed_at untouched without the set flag")
	assert.Equal(t, now, tk.UpdatedAt)
}

func TestInteractionUpdateApply(t *testing.T) {
	now := time.Now()
	i := &interaction.Interaction{Status: interaction.PendingStatus}
	status := interaction.AnsweredStatus
	answer := `{"route":"auto"}`

	InteractionUpdate{
		Status:        &status,
		Answer:        &answer,
		SetAnswer:     true,
		AnsweredAt:    &now,
		SetAnsweredAt: true,
	}.Apply(i, now)

	assert.Equal(t, interaction.AnsweredStatus, i.Status)
	require.NotNil(t, i.Answer)
	assert.Equal(t, answer, *i.Answer)
	assert.Equal(t, &now, i.AnsweredAt)
}

func TestRecoveryError(t *testing.T) {
	assert.Equal(t, "[recovery] worker restart", RecoveryError(nil, "worker restart"))
	assert.Equal(t, "[recovery] worker restart", RecoveryError(task.StringPtr(""), "worker restart"))
	assert.Equal(t, "boom\n[recovery] worker restart", RecoveryError(task.StringPtr("boom"), "worker restart"))
}
