// Package summary condenses the final assistant message of a session into the text stored
// as a task result.
package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/overseer/internal/agent"
)

const MaxTextLength = 2000

type (
	Summary struct {
		Text     string
		Cost     float64
		Tokens   Tokens
		Files    []FileChange
		Tools    []ToolSummary
		Duration *time.Duration
	}

	Tokens struct {
		Input     int
		Output    int
		Reasoning int
	}

	FileChange struct {
		File      string
		Additions int
		Deletions int
	}

	ToolSummary struct {
		Name   string
		Status string
		Title  string
	}
)

func Summarize(msg agent.Message) Summary {
	return Summary{
		Text: ExtractText(msg.Parts, MaxTextLength),
		Cost: msg.Info.Cost,
		Tokens: Tokens{
			Input:     msg.Info.Tokens.Input,
			Output:    msg.Info.Tokens.Output,
			Reasoning: msg.Info.Tokens.Reasoning,
		},
		Files:    ExtractFileChanges(msg.Parts),
		Tools:    ExtractTools(msg.Parts),
		Duration: ExtractDuration(msg.Info),
	}
}

// ExtractText joins visible text parts and truncates to maxLength runes with an ellipsis.
func ExtractText(parts []agent.Part, maxLength int) string {
	var texts []string
	for _, p := range parts {
		if p.Type == agent.PartText && !p.Synthetic && !p.Ignored {
			texts = append(texts, p.Text)
		}
	}

	joined := strings.Join(texts, "\n")
	runes := []rune(joined)
	if len(runes) <= maxLength {
		return joined
	}

	return string(runes[:maxLength]) + "…"
}

// ExtractFileChanges reads file edit metadata from completed tool parts.
func ExtractFileChanges(parts []agent.Part) []FileChange {
	var changes []FileChange
	for _, p := range parts {
		if p.Type != agent.PartTool || p.State == nil || p.State.Status != agent.ToolCompleted {
			continue
		}

		file, ok := p.State.Metadata["file"].(string)
		if !ok || file == "" {
			continue
		}

		changes = append(changes, FileChange{
			File:      file,
			Additions: metaInt(p.State.Metadata, "additions"),
			Deletions: metaInt(p.State.Metadata, "deletions"),
		})
	}

	return changes
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func ExtractTools(parts []agent.Part) []ToolSummary {
	var tools []ToolSummary
	for _, p := range parts {
		if p.Type != agent.PartTool {
			continue
		}

		ts := ToolSummary{Name: p.Tool}
		if p.State != nil {
			ts.Status = p.State.Status
			if p.State.Status == agent.ToolCompleted || p.State.Status == agent.ToolRunning {
				ts.Title = p.State.Title
			}
		}
		tools = append(tools, ts)
	}

	return tools
}

func ExtractDuration(info agent.MessageInfo) *time.Duration {
	if info.Time.Completed == nil {
		return nil
	}

	d := time.Duration(*info.Time.Completed-info.Time.Created) * time.Millisecond
	return &d
}

func Format(s Summary) string {
	var lines []string

	if s.Text != "" {
		lines = append(lines, s.Text, "")
	}

	if len(s.Files) > 0 {
		lines = append(lines, fmt.Sprintf("Files: %d", len(s.Files)))
		for _, f := range s.Files {
			lines = append(lines, fmt.Sprintf("  %s (+%d -%d)", f.File, f.Additions, f.Deletions))
		}
		lines = append(lines, "")
	}

	if len(s.Tools) > 0 {
		done := 0
		for _, t := range s.Tools {
			if t.Status == agent.ToolCompleted {
				done++
			}
		}
		lines = append(lines, fmt.Sprintf("Tools: %d/%d completed", done, len(s.Tools)))
	}

	if s.Duration != nil {
		lines = append(lines, fmt.Sprintf("Duration: %.1fs", s.Duration.Seconds()))
	}

	lines = append(lines,
		fmt.Sprintf("Cost: $%.4f", s.Cost),
		fmt.Sprintf("Tokens: %din / %dout", s.Tokens.Input, s.Tokens.Output),
	)

	return strings.Join(lines, "\n")
}
