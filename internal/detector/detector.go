// Package detector polls the agent for pending permission and question requests and files
// them in the interaction store, deduplicated by (type, request id).
package detector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source is the subset of the agent client the detector reads from.
type Source interface {
	ListPermissions(ctx context.Context) ([]agent.RawRequest, error)
	ListQuestions(ctx context.Context) ([]agent.RawRequest, error)
}

type PollStats struct {
	Seen      int `json:"seen"`
	Enqueued  int `json:"enqueued"`
	Duplicate int `json:"duplicate"`
	Invalid   int `json:"invalid"`
}

type Detector struct {
	store  repository.InteractionRepository
	source Source
	log    *zap.Logger
}

func NewDetector(store repository.InteractionRepository, source Source, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Detector{
		store:  store,
		source: source,
		log:    logger.Named("detector"),
	}
}

// PollOnce fetches both request lists concurrently and files every well-formed entry.
// A failure of either list aborts the poll before anything is written.
func (d *Detector) PollOnce(ctx context.Context) (PollStats, error) {
	var permissions, questions []agent.RawRequest

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		permissions, err = d.source.ListPermissions(gctx)
		if err != nil {
			return fmt.Errorf("failed to list permissions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		questions, err = d.source.ListQuestions(gctx)
		if err != nil {
			return fmt.Errorf("failed to list questions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return PollStats{}, err
	}

	var stats PollStats
	if err := d.consume(ctx, interaction.PermissionType, permissions, &stats); err != nil {
		return stats, err
	}
	if err := d.consume(ctx, interaction.QuestionType, questions, &stats); err != nil {
		return stats, err
	}

	metrics.RecordInteractionsDetected(stats.Enqueued, stats.Duplicate, stats.Invalid)
	d.log.Info("detector_poll_done",
		zap.Int("seen", stats.Seen),
		zap.Int("enqueued", stats.Enqueued),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("invalid", stats.Invalid),
	)

	return stats, nil
}

func (d *Detector) consume(ctx context.Context, kind interaction.Type, values []agent.RawRequest, stats *PollStats) error {
	for _, raw := range values {
		stats.Seen++

		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			decoded = nil
		}

		record, ok := interaction.AsRecord(decoded)
		if !ok {
			stats.Invalid++
			d.log.Warn("interaction_invalid_payload", zap.String("type", string(kind)), zap.String("reason", "not_object"))
			continue
		}

		requestID, ok := interaction.ExtractRequestID(record)
		if !ok {
			stats.Invalid++
			d.log.Warn("interaction_invalid_payload", zap.String("type", string(kind)), zap.String("reason", "missing_request_id"))
			continue
		}

		var sessionID *string
		if id, ok := interaction.ExtractSessionID(record); ok {
			sessionID = &id
		}

		_, created, err := d.store.UpsertInteraction(ctx, kind, requestID, sessionID, interaction.SerializePayload(record))
		if err != nil {
			return fmt.Errorf("failed to store %s %s: %w", kind, requestID, err)
		}

		if created {
			stats.Enqueued++
			continue
		}
		stats.Duplicate++
	}

	return nil
}
