// Package processor drains pending interactions through the evaluator and the responder.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/overseer/internal/classifier"
	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/responder"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

const DefaultMaxPerTick = 10

type Evaluator interface {
	Evaluate(ctx context.Context, i *interaction.Interaction) (*interaction.Evaluation, error)
}

type Responder interface {
	Respond(ctx context.Context, i *interaction.Interaction, e *interaction.Evaluation) (*responder.Result, error)
}

type Processor struct {
	store     repository.InteractionRepository
	evaluator Evaluator
	responder Responder
	log       *zap.Logger
}

func NewProcessor(store repository.InteractionRepository, evaluator Evaluator, responder Responder, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		store:     store,
		evaluator: evaluator,
		responder: responder,
		log:       logger.Named("processor"),
	}
}

// ProcessNext handles the oldest pending interaction. It returns nil when there is none.
// A malformed classifier response escalates the interaction to the user at once; any other
// evaluation failure leaves it pending for the next tick.
func (p *Processor) ProcessNext(ctx context.Context) (*responder.Result, error) {
	next, err := p.store.NextPendingInteraction(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending interaction: %w", err)
	}
	if next == nil {
		return nil, nil
	}

	p.log.Info("interaction_processing_started",
		zap.String("interaction", task.ShortID(next.ID)),
		zap.String("type", string(next.Type)),
		zap.String("request_id", next.RequestID),
	)

	evaluation, err := p.evaluator.Evaluate(ctx, next)
	if err != nil {
		if !IsMalformed(err) {
			return nil, err
		}

		p.log.Warn("interaction_evaluation_malformed",
			zap.String("interaction", task.ShortID(next.ID)),
			zap.Error(err),
		)
		evaluation = MalformedEvaluation(err)
	}

	result, err := p.responder.Respond(ctx, next, evaluation)
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("interaction", task.ShortID(next.ID)),
		zap.String("route", string(result.Route)),
		zap.String("status", string(result.Interaction.Status)),
	}
	if result.ReportTask != nil {
		fields = append(fields, zap.String("report_task", task.ShortID(result.ReportTask.ID)))
	}
	p.log.Info("interaction_processing_done", fields...)

	return result, nil
}

// ProcessPending handles up to max interactions and stops at the first error.
func (p *Processor) ProcessPending(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = DefaultMaxPerTick
	}

	processed := 0
	for processed < max {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		result, err := p.ProcessNext(ctx)
		if err != nil {
			return processed, err
		}
		if result == nil {
			break
		}
		processed++
	}

	return processed, nil
}

// IsMalformed reports whether err comes from an unusable classifier response. Retrying the
// same interaction would yield the same output.
func IsMalformed(err error) bool {
	return errors.Is(err, classifier.ErrInvalidJSON) || errors.Is(err, classifier.ErrNotObject)
}

// MalformedEvaluation is the safest evaluation: maximum risk, routed to the user.
func MalformedEvaluation(err error) *interaction.Evaluation {
	return &interaction.Evaluation{
		Score:  10,
		Reason: "evaluation failed: " + err.Error(),
		Route:  interaction.UserRoute,
	}
}
