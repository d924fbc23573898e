package sequencer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fiberlabs/metagraph-indexer/internal/chain/dl1"
	"github.com/fiberlabs/metagraph-indexer/internal/seqcache"
)

// Authority reads and accepts submissions on the transaction layer.
// Satisfied by *dl1.Client.
type Authority interface {
	GetLastReference(ctx context.Context, entityID string) (*dl1.LastReference, error)
	Submit(ctx context.Context, tx *dl1.SignedTransaction) (*dl1.SubmitResponse, error)
}

// Sequencer assigns sequence ordinals to outbound submissions. It combines
// the authority's last-reference read with the process-local optimistic cache
// so rapid-fire submissions against one fiber don't reuse a stale ordinal
// while the authority lags behind.
//
// The call order is load-bearing: NextSequence before submitting, then the
// Submit path advances the cache only on acceptance and resets it on failure
// so a retry re-reads authoritative state instead of compounding a bad guess.
type Sequencer struct {
	authority Authority
	cache     *seqcache.Cache
	logger    *slog.Logger
}

func New(authority Authority, cache *seqcache.Cache, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		authority: authority,
		cache:     cache,
		logger:    logger.With("component", "sequencer"),
	}
}

// NextSequence returns the sequence ordinal to use for the entity's next
// submission: the larger of the authority's reported value and the local
// optimistic view.
func (s *Sequencer) NextSequence(ctx context.Context, entityID string) (int64, error) {
	ref, err := s.authority.GetLastReference(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("get last reference for %s: %w", entityID, err)
	}
	return s.cache.Resolve(entityID, ref.Ordinal), nil
}

// Submit sends tx with a freshly resolved sequence ordinal and maintains the
// cache according to the outcome.
func (s *Sequencer) Submit(ctx context.Context, tx *dl1.SignedTransaction) (*dl1.SubmitResponse, error) {
	seq, err := s.NextSequence(ctx, tx.EntityID)
	if err != nil {
		return nil, err
	}
	tx.Ordinal = seq

	resp, err := s.authority.Submit(ctx, tx)
	if err != nil {
		s.cache.Reset(tx.EntityID)
		s.logger.Warn("submission failed, sequence cache reset",
			"entity_id", tx.EntityID,
			"sequence", seq,
			"error", err,
		)
		return nil, fmt.Errorf("submit for %s at sequence %d: %w", tx.EntityID, seq, err)
	}

	s.cache.Advance(tx.EntityID, seq)
	s.logger.Debug("submission accepted",
		"entity_id", tx.EntityID,
		"sequence", seq,
		"hash", resp.Hash,
	)
	return resp, nil
}
