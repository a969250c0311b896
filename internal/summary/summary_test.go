package summary

import (
	"strings"
	"testing"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	parts := []agent.Part{
		{Type: agent.PartText, Text: "first"},
		{Type: agent.PartText, Text: "hidden", Synthetic: true},
		{Type: agent.PartText, Text: "skipped", Ignored: true},
		{Type: agent.PartTool, Tool: "bash"},
		{Type: agent.PartText, Text: "second"},
	}

	assert.Equal(t, "first\nsecond", ExtractText(parts, MaxTextLength))
	assert.Equal(t, "fir…", ExtractText(parts, 3))
}

func TestExtractFileChangesAndTools(t *testing.T) {
	parts := []agent.Part{
		{Type: agent.PartTool, Tool: "edit", State: &agent.ToolState{
			Status:   agent.ToolCompleted,
			Title:    "edit main.go",
			Metadata: map[string]any{"file": "main.go", "additions": float64(4), "deletions": float64(1)},
		}},
		{Type: agent.PartTool, Tool: "write", State: &agent.ToolState{
			Status:   "error",
			Title:    "ignored title",
			Metadata: map[string]any{"file": "broken.go"},
		}},
		{Type: agent.PartTool, Tool: "bash", State: &agent.ToolState{Status: agent.ToolRunning, Title: "go test"}},
	}

	files := ExtractFileChanges(parts)
	require.Len(t, files, 1)
	assert.Equal(t, FileChange{File: "main.go", Additions: 4, Deletions: 1}, files[0])

	tools := ExtractTools(parts)
	require.Len(t, tools, 3)
	assert.Equal(t, "edit main.go", tools[0].Title)
	assert.Empty(t, tools[1].Title)
	assert.Equal(t, "go test", tools[2].Title)
}

func TestFormat(t *testing.T) {
	completed := int64(4500)
	msg := agent.Message{
		Info: agent.MessageInfo{
			Role:   agent.RoleAssistant,
			Cost:   0.0123,
			Tokens: agent.TokenUsage{Input: 100, Output: 50},
			Time:   agent.MessageTime{Created: 1000, Completed: &completed},
		},
		Parts: []agent.Part{
			{Type: agent.PartText, Text: "All done."},
			{Type: agent.PartTool, Tool: "edit", State: &agent.ToolState{
				Status:   agent.ToolCompleted,
				Metadata: map[string]any{"file": "a.go", "additions": float64(2)},
			}},
			{Type: agent.PartTool, Tool: "bash", State: &agent.ToolState{Status: "error"}},
		},
	}

	out := Format(Summarize(msg))
	expected := strings.Join([]string{
		"All done.",
		"",
		"Files: 1",
		"  a.go (+2 -0)",
		"",
		"Tools: 1/2 completed",
		"Duration: 3.5s",
		"Cost: $0.0123",
		"Tokens: 100in / 50out",
	}, "\n")

	assert.Equal(t, expected, out)
}

func TestFormat_Minimal(t *testing.T) {
	out := Format(Summarize(agent.Message{}))
	assert.Equal(t, "Cost: $0.0000\nTokens: 0in / 0out", out)
}
