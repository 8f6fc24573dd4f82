package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/store"
)

// aggregate applies the single card mutation for the run. A fresh analysis
// uses the unconditional upsert so a concurrent delete cannot leave a
// half-written row; a reanalysis requires the card to still exist.
func (o *Orchestrator) aggregate(
	ctx context.Context,
	req model.RunRequest,
	md *model.CardMetadata,
	pricing *model.PricingResult,
	auth *model.AuthenticityResult,
) (*model.Card, error) {
	update := &model.CardUpdate{
		OwnerID:      req.OwnerID,
		CardID:       req.CardID,
		ImageRefs:    req.ImageRefs,
		Metadata:     md,
		Pricing:      pricing,
		Authenticity: auth,
	}

	if req.Reanalyze {
		card, err := o.store.UpdateCardAnalysis(ctx, update)
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(err, "pipeline: reanalysis target no longer exists")
		}
		return card, err
	}
	return o.store.UpsertCardAnalysis(ctx, update)
}

func completionEvent(run *model.AnalysisRun, card *model.Card) model.CompletionEvent {
	ev := model.CompletionEvent{
		OwnerID:     card.OwnerID,
		CardID:      card.CardID,
		RunID:       run.ID,
		Name:        card.Name,
		SetName:     card.SetName,
		CompletedAt: time.Now().UTC(),
	}
	if card.Pricing != nil {
		ev.ValueMedian = card.Pricing.ValueMedian
		ev.CompsCount = card.Pricing.CompsCount
	}
	if card.Authenticity != nil {
		ev.AuthenticityScore = card.Authenticity.AuthenticityScore
		ev.FakeDetected = card.Authenticity.FakeDetected
	}
	return ev
}
