// Package evaluator asks the classifier how risky an interaction is and normalizes the
// answer into an interaction.Evaluation.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nadmax/overseer/internal/classifier"
	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/task"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultScore   = 10
	DefaultReason  = "no reason"
	AutoScoreLimit = 6
)

type Classifier interface {
	Evaluate(ctx context.Context, input string, extra map[string]any) (*classifier.RunResult, error)
}

type Evaluator struct {
	classifier Classifier
	log        *zap.Logger
}

func NewEvaluator(c Classifier, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Evaluator{classifier: c, log: logger.Named("evaluator")}
}

type outputContract struct {
	Required []string `json:"required"`
	Route    []string `json:"route"`
	Score    string   `json:"score"`
}

type evaluationPrompt struct {
	InteractionType interaction.Type `json:"interaction_type"`
	RequestID       string           `json:"request_id"`
	SessionID       *string          `json:"session_id"`
	Payload         string           `json:"payload"`
	OutputContract  outputContract   `json:"output_contract"`
}

func BuildPrompt(i *interaction.Interaction) (string, error) {
	data, err := json.MarshalIndent(evaluationPrompt{
		InteractionType: i.Type,
		RequestID:       i.RequestID,
		SessionID:       i.SessionID,
		Payload:         i.Payload,
		OutputContract: outputContract{
			Required: []string{"score", "reason", "route"},
			Route:    []string{string(interaction.AutoRoute), string(interaction.UserRoute)},
			Score:    "0-10 (lower means safer for auto)",
		},
	}, "", "  ")
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Evaluate calls the classifier once; the classifier client owns any retrying.
func (e *Evaluator) Evaluate(ctx context.Context, i *interaction.Interaction) (*interaction.Evaluation, error) {
	prompt, err := BuildPrompt(i)
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation prompt: %w", err)
	}

	result, err := e.classifier.Evaluate(ctx, prompt, map[string]any{
		"interactionType": string(i.Type),
		"requestId":       i.RequestID,
		"sessionId":       i.SessionID,
	})
	if err != nil {
		metrics.RecordClassifierCall(string(classifier.EvaluateTask), "error")
		return nil, fmt.Errorf("failed to evaluate interaction: %w", err)
	}
	metrics.RecordClassifierCall(string(classifier.EvaluateTask), "ok")

	evaluation := Normalize(result.RawText, result.Output)
	e.log.Info("interaction_evaluated",
		zap.String("interaction", task.ShortID(i.ID)),
		zap.String("type", string(i.Type)),
		zap.Float64("score", evaluation.Score),
		zap.String("route", string(evaluation.Route)),
		zap.Int("attempts", result.Attempts),
		zap.String("provider", result.Provider),
	)

	return evaluation, nil
}

// Normalize turns a classifier JSON object into an evaluation, defaulting every missing or
// malformed field towards escalation.
func Normalize(rawText string, output map[string]any) *interaction.Evaluation {
	if output == nil {
		output = map[string]any{}
	}
	doc := gjson.Parse(rawText)

	score, hasScore := toNumber(doc.Get("score"))
	if !hasScore {
		score = DefaultScore
	}

	reason, ok := toText(doc.Get("reason"))
	if !ok {
		reason = DefaultReason
	}

	var reply *string
	if text, ok := toText(doc.Get("reply")); ok {
		reply = &text
	} else if text, ok := toText(doc.Get("answer")); ok {
		reply = &text
	}

	return &interaction.Evaluation{
		Score:  score,
		Reason: reason,
		Route:  pickRoute(doc, score, hasScore),
		Reply:  reply,
		Raw:    output,
	}
}

func pickRoute(doc gjson.Result, score float64, hasScore bool) interaction.Route {
	action, _ := toText(doc.Get("action"))
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "auto", "allow", "approve":
		return interaction.AutoRoute
	case "user", "escalate", "report", "manual":
		return interaction.UserRoute
	}

	route, _ := toText(doc.Get("route"))
	switch interaction.Route(strings.ToLower(strings.TrimSpace(route))) {
	case interaction.AutoRoute:
		return interaction.AutoRoute
	case interaction.UserRoute:
		return interaction.UserRoute
	}

	if hasScore && score <= AutoScoreLimit {
		return interaction.AutoRoute
	}

	return interaction.UserRoute
}

func toNumber(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func toText(v gjson.Result) (string, bool) {
	if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
		return "", false
	}

	return v.Str, true
}
