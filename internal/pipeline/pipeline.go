// Package pipeline orchestrates one card analysis run: feature extraction,
// metadata reasoning, the parallel pricing and authenticity branches, and
// the final aggregation write. The run record in the store is the durable
// trace of the state machine; the card row is mutated exactly once, at the
// end, or not at all.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/reasoner"
	"github.com/cardlens/cardlens/internal/resilience"
	"github.com/cardlens/cardlens/internal/store"
	"github.com/cardlens/cardlens/internal/vision"
)

// Pricer is the pricing branch contract. *pricing.Aggregator satisfies it.
type Pricer interface {
	Price(ctx context.Context, q model.PriceQuery) (*model.PricingResult, error)
}

// Scorer is the authenticity branch contract. *authenticity.Scorer
// satisfies it via Evaluate.
type Scorer interface {
	Evaluate(ctx context.Context, features *model.Features, md *model.CardMetadata) (*model.AuthenticityResult, error)
}

// Notifier delivers the completion event. Best-effort.
type Notifier interface {
	NotifyCompletion(ctx context.Context, event model.CompletionEvent)
}

// ImageStore removes uploaded images on the cleanup path. A nil ImageStore
// skips removal.
type ImageStore interface {
	RemoveImages(ctx context.Context, refs []string) error
}

// Config tunes stage execution.
type Config struct {
	// StageTimeout bounds each external capability call.
	StageTimeout time.Duration
	// Retry applies per stage to transient failures.
	Retry resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	return c
}

// Orchestrator sequences the analysis stages for one card at a time.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	extractor vision.Extractor
	reasoner  *reasoner.Reasoner
	pricer    Pricer
	scorer    Scorer
	notifier  Notifier
	images    ImageStore
}

// New creates an Orchestrator with all stage dependencies.
func New(
	cfg Config,
	st store.Store,
	extractor vision.Extractor,
	rs *reasoner.Reasoner,
	pricer Pricer,
	scorer Scorer,
	notifier Notifier,
	images ImageStore,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     st,
		extractor: extractor,
		reasoner:  rs,
		pricer:    pricer,
		scorer:    scorer,
		notifier:  notifier,
		images:    images,
	}
}

// Run executes the full analysis for one card. The returned run carries the
// terminal status; a non-nil error means the run ended failed or rejected.
// A concurrent run for the same card surfaces store.ErrRunActive without
// starting anything.
func (o *Orchestrator) Run(ctx context.Context, req model.RunRequest) (*model.AnalysisRun, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	run, err := o.store.AcquireRun(ctx, req.OwnerID, req.CardID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: acquire run for card %s", req.CardID)
	}

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("card_id", req.CardID),
		zap.String("owner_id", req.OwnerID),
	)
	log.Info("pipeline: run started", zap.Int("images", len(req.ImageRefs)))

	advance := func() error {
		next, err := nextStatus(run.Status)
		if err != nil {
			return err
		}
		if err := o.store.UpdateRunStatus(ctx, run.ID, next); err != nil {
			log.Warn("pipeline: failed to persist run status", zap.Error(err))
		}
		run.Status = next
		return nil
	}

	// trackStage is called from both fan-out branches concurrently.
	var stageMu sync.Mutex
	trackStage := func(name string, attempts int, start time.Time, stageErr error, meta map[string]any) {
		sr := model.StageResult{
			Name:     name,
			Status:   model.StageStatusComplete,
			Attempts: attempts,
			Duration: time.Since(start).Milliseconds(),
			Metadata: meta,
		}
		if stageErr != nil {
			sr.Status = model.StageStatusFailed
			sr.Error = stageErr.Error()
			log.Error("pipeline: stage failed",
				zap.String("stage", name),
				zap.Int("attempts", attempts),
				zap.Int64("duration_ms", sr.Duration),
				zap.Error(stageErr),
			)
		} else {
			log.Info("pipeline: stage complete",
				zap.String("stage", name),
				zap.Int64("duration_ms", sr.Duration),
			)
		}
		stageMu.Lock()
		defer stageMu.Unlock()
		if err := o.store.RecordStage(ctx, run.ID, sr); err != nil {
			log.Warn("pipeline: failed to record stage", zap.String("stage", name), zap.Error(err))
		}
		run.Stages = append(run.Stages, sr)
	}

	fail := func(cause error) (*model.AnalysisRun, error) {
		if err := o.store.FinishRun(ctx, run.ID, model.StatusFailed, cause.Error()); err != nil {
			log.Warn("pipeline: failed to mark run failed", zap.Error(err))
		}
		run.Status = model.StatusFailed
		run.Error = cause.Error()
		return run, cause
	}

	// Stage 1: feature extraction.
	if err := advance(); err != nil {
		return fail(err)
	}
	extractStart := time.Now()
	features, attempts, extractErr := o.extract(ctx, req.ImageRefs)
	trackStage("extract", attempts, extractStart, extractErr, map[string]any{
		"image_count": len(req.ImageRefs),
	})
	if extractErr != nil {
		if vision.IsContentRejected(extractErr) {
			return o.cleanup(ctx, run, req, extractErr)
		}
		return fail(eris.Wrap(extractErr, "pipeline: feature extraction"))
	}

	// Stage 2: metadata reasoning. Never fails; failures inside degrade to
	// the heuristic fallback.
	if err := advance(); err != nil {
		return fail(err)
	}
	reasonStart := time.Now()
	md := o.reasoner.Analyze(ctx, reasoner.Input{
		Blocks: features.OCR,
		Visual: features.Visual,
		Hints:  req.KnownHints,
	})
	trackStage("reason", 1, reasonStart, nil, map[string]any{
		"overall_confidence": md.OverallConfidence,
		"verified_by_ai":     md.VerifiedByAI,
	})

	// Stage 3: fan out pricing and authenticity. Both branches always run
	// to completion; failures are collected at the join, and any branch
	// failure prevents the aggregation write entirely.
	if err := advance(); err != nil {
		return fail(err)
	}
	var (
		pricingRes *model.PricingResult
		authRes    *model.AuthenticityResult
		pricingErr error
		authErr    error
	)

	g := new(errgroup.Group)
	g.Go(func() error {
		start := time.Now()
		var n int
		pricingRes, n, pricingErr = o.price(ctx, md)
		trackStage("pricing", n, start, pricingErr, nil)
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		authRes, authErr = o.scorer.Evaluate(stageCtx, features, md)
		trackStage("authenticity", 1, start, authErr, nil)
		return nil
	})
	_ = g.Wait() // branches report through their stage records

	if pricingErr != nil || authErr != nil {
		return fail(eris.Wrap(joinBranchErrors(pricingErr, authErr), "pipeline: branch failure"))
	}

	// Stage 4: aggregate and persist.
	if err := advance(); err != nil {
		return fail(err)
	}
	aggStart := time.Now()
	card, aggErr := o.aggregate(ctx, req, md, pricingRes, authRes)
	trackStage("aggregate", 1, aggStart, aggErr, nil)
	if aggErr != nil {
		return fail(eris.Wrap(aggErr, "pipeline: aggregate"))
	}

	if err := o.store.FinishRun(ctx, run.ID, model.StatusComplete, ""); err != nil {
		log.Warn("pipeline: failed to mark run complete", zap.Error(err))
	}
	run.Status = model.StatusComplete

	if o.notifier != nil {
		o.notifier.NotifyCompletion(ctx, completionEvent(run, card))
	}

	log.Info("pipeline: run complete",
		zap.String("card_name", card.Name),
		zap.Float64("value_median", pricingRes.ValueMedian),
		zap.Float64("authenticity_score", authRes.AuthenticityScore),
	)
	return run, nil
}

// extract pulls features from each image and merges them. The attempt
// count covers all images for the stage record.
func (o *Orchestrator) extract(ctx context.Context, imageRefs []string) (*model.Features, int, error) {
	attempts := 0
	var all []*model.Features

	for _, ref := range imageRefs {
		cfg := o.cfg.Retry
		cfg.OnRetry = resilience.RetryLogger("extract")

		f, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.Features, error) {
			attempts++
			stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
			defer cancel()
			return o.extractor.ExtractFeatures(stageCtx, ref)
		})
		if err != nil {
			return nil, attempts, err
		}
		all = append(all, f)
	}
	return mergeFeatures(all), attempts, nil
}

// price runs the pricing branch with its own timeout and retry.
func (o *Orchestrator) price(ctx context.Context, md *model.CardMetadata) (*model.PricingResult, int, error) {
	attempts := 0
	cfg := o.cfg.Retry
	cfg.OnRetry = resilience.RetryLogger("pricing")

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.PricingResult, error) {
		attempts++
		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		return o.pricer.Price(stageCtx, priceQuery(md))
	})
	return res, attempts, err
}

// cleanup handles a content-rejected extraction: the card record and its
// images are removed and the run is marked rejected. Nothing of the card
// survives.
func (o *Orchestrator) cleanup(ctx context.Context, run *model.AnalysisRun, req model.RunRequest, cause error) (*model.AnalysisRun, error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("card_id", req.CardID))
	log.Warn("pipeline: content rejected, cleaning up", zap.Error(cause))

	if err := o.store.DeleteCard(ctx, req.OwnerID, req.CardID); err != nil {
		log.Error("pipeline: cleanup failed to delete card", zap.Error(err))
	}
	if o.images != nil {
		if err := o.images.RemoveImages(ctx, req.ImageRefs); err != nil {
			log.Error("pipeline: cleanup failed to remove images", zap.Error(err))
		}
	}
	if err := o.store.FinishRun(ctx, run.ID, model.StatusRejected, cause.Error()); err != nil {
		log.Warn("pipeline: failed to mark run rejected", zap.Error(err))
	}
	run.Status = model.StatusRejected
	run.Error = cause.Error()
	return run, cause
}

func validateRequest(req model.RunRequest) error {
	if req.OwnerID == "" || req.CardID == "" {
		return eris.New("pipeline: owner and card ids are required")
	}
	if len(req.ImageRefs) == 0 || len(req.ImageRefs) > 2 {
		return eris.Errorf("pipeline: expected 1 or 2 image refs, got %d", len(req.ImageRefs))
	}
	return nil
}

// mergeFeatures pools OCR blocks across images and keeps the strongest
// visual signals. The first image is the front of the card; its visual
// context is the baseline.
func mergeFeatures(list []*model.Features) *model.Features {
	merged := &model.Features{Visual: list[0].Visual}
	for _, f := range list {
		merged.OCR = append(merged.OCR, f.OCR...)
		if f.Visual.HoloVariance > merged.Visual.HoloVariance {
			merged.Visual.HoloVariance = f.Visual.HoloVariance
		}
		if f.Visual.ImageQuality.GlareDetected {
			merged.Visual.ImageQuality.GlareDetected = true
		}
	}
	return merged
}

func priceQuery(md *model.CardMetadata) model.PriceQuery {
	q := model.PriceQuery{}
	if md.Name.Value != nil {
		q.CardName = *md.Name.Value
	}
	if v, _ := md.Set.Best(); v != nil {
		q.Set = *v
	}
	if md.CollectorNumber.Value != nil {
		q.Number = *md.CollectorNumber.Value
	}
	return q
}

func joinBranchErrors(pricingErr, authErr error) error {
	var parts []string
	if pricingErr != nil {
		parts = append(parts, "pricing: "+pricingErr.Error())
	}
	if authErr != nil {
		parts = append(parts, "authenticity: "+authErr.Error())
	}
	return eris.New(strings.Join(parts, "; "))
}
