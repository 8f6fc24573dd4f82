package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/reasoner"
	"github.com/cardlens/cardlens/internal/resilience"
	"github.com/cardlens/cardlens/internal/store"
	"github.com/cardlens/cardlens/internal/vision"
	"github.com/cardlens/cardlens/pkg/claude"
)

const reasonerResponse = `{
  "name": {"value": "Charizard", "confidence": 0.95, "rationale": "large title text"},
  "rarity": {"value": "Holo Rare", "confidence": 0.85, "rationale": "star symbol"},
  "setSymbol": {"value": "Base Set", "confidence": 0.8, "rationale": "no set symbol printed"},
  "collectorNumber": {"value": "4/102", "confidence": 0.9, "rationale": "fraction bottom right"},
  "copyright": {"value": "1999 Wizards", "confidence": 0.8, "rationale": "footer text"},
  "illustrator": {"value": "Mitsuhiro Arita", "confidence": 0.8, "rationale": "illus credit"},
  "overallConfidence": 0.88
}`

type stubClaude struct {
	response string
	err      error
}

func (s *stubClaude) CreateMessage(_ context.Context, _ claude.MessageRequest) (*claude.MessageResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &claude.MessageResponse{
		Content: []claude.ContentBlock{{Type: "text", Text: s.response}},
	}, nil
}

type env struct {
	store     *memStore
	extractor *mockExtractor
	pricer    *mockPricer
	scorer    *mockScorer
	notifier  *mockNotifier
	images    *mockImageStore
	orch      *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: newMemStore(),
		extractor: &mockExtractor{features: map[string]*model.Features{
			"img-front": {
				OCR: []model.OCRBlock{
					{Text: "Charizard", Confidence: 0.96, BoundingBox: model.BoundingBox{Top: 0.05}},
					{Text: "4/102  Illus. Mitsuhiro Arita", Confidence: 0.9, BoundingBox: model.BoundingBox{Top: 0.92}},
				},
				Visual: model.VisualContext{HoloVariance: 0.8},
			},
			"img-back": {
				Visual: model.VisualContext{HoloVariance: 0.1},
			},
		}},
		pricer: &mockPricer{res: &model.PricingResult{
			ValueMedian: 220, ValueLow: 150, ValueHigh: 400, CompsCount: 12, Confidence: 0.6,
		}},
		scorer: &mockScorer{res: &model.AuthenticityResult{
			AuthenticityScore: 0.91,
		}},
		notifier: &mockNotifier{},
		images:   &mockImageStore{},
	}
	rs := reasoner.New(&stubClaude{response: reasonerResponse}, reasoner.Config{Model: "test-model"})
	e.orch = New(
		Config{StageTimeout: 5 * time.Second, Retry: resilience.RetryConfig{MaxAttempts: 1}},
		e.store, e.extractor, rs, e.pricer, e.scorer, e.notifier, e.images,
	)
	return e
}

func request() model.RunRequest {
	return model.RunRequest{
		OwnerID:   "owner-1",
		CardID:    "card-1",
		ImageRefs: []string{"img-front", "img-back"},
	}
}

func TestRun_HappyPath(t *testing.T) {
	e := newEnv(t)

	run, err := e.orch.Run(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.StatusComplete, run.Status)

	card, err := e.store.GetCard(context.Background(), "owner-1", "card-1")
	require.NoError(t, err)
	assert.Equal(t, "Charizard", card.Name)
	assert.Equal(t, []string{"img-front", "img-back"}, card.ImageRefs)
	require.NotNil(t, card.Pricing)
	assert.Equal(t, 220.0, card.Pricing.ValueMedian)
	require.NotNil(t, card.Authenticity)
	assert.Equal(t, 0.91, card.Authenticity.AuthenticityScore)
	assert.True(t, card.Metadata.VerifiedByAI)

	assert.Equal(t, 1, e.store.cardWrites)
	assert.Equal(t, 2, e.extractor.calls)
	assert.Equal(t, 1, e.pricer.calls)
	assert.Equal(t, 1, e.scorer.calls)

	require.Len(t, e.notifier.events, 1)
	ev := e.notifier.events[0]
	assert.Equal(t, "card-1", ev.CardID)
	assert.Equal(t, run.ID, ev.RunID)
	assert.Equal(t, 220.0, ev.ValueMedian)
	assert.Equal(t, 12, ev.CompsCount)
	assert.Equal(t, 0.91, ev.AuthenticityScore)
}

func TestRun_StageTrail(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.Run(context.Background(), request())
	require.NoError(t, err)

	stored := e.store.storedRun()
	require.NotNil(t, stored)

	names := make([]string, 0, len(stored.Stages))
	for _, s := range stored.Stages {
		names = append(names, s.Name)
		assert.Equal(t, model.StageStatusComplete, s.Status)
	}
	assert.Contains(t, names, "extract")
	assert.Contains(t, names, "reason")
	assert.Contains(t, names, "pricing")
	assert.Contains(t, names, "authenticity")
	assert.Contains(t, names, "aggregate")
	assert.Equal(t, "extract", names[0])
	assert.Equal(t, "reason", names[1])
	assert.Equal(t, "aggregate", names[len(names)-1])
}

func TestRun_MergesFeaturesAcrossImages(t *testing.T) {
	e := newEnv(t)
	e.extractor.features["img-back"] = &model.Features{
		OCR:    []model.OCRBlock{{Text: "back text", Confidence: 0.5, BoundingBox: model.BoundingBox{Top: 0.5}}},
		Visual: model.VisualContext{HoloVariance: 0.95, ImageQuality: model.ImageQuality{GlareDetected: true}},
	}

	merged := mergeFeatures([]*model.Features{
		e.extractor.features["img-front"],
		e.extractor.features["img-back"],
	})
	assert.Len(t, merged.OCR, 3)
	assert.Equal(t, 0.95, merged.Visual.HoloVariance)
	assert.True(t, merged.Visual.ImageQuality.GlareDetected)
}

func TestRun_SecondRunBlockedWhileActive(t *testing.T) {
	e := newEnv(t)

	_, err := e.store.AcquireRun(context.Background(), "owner-1", "card-1")
	require.NoError(t, err)

	_, err = e.orch.Run(context.Background(), request())
	assert.ErrorIs(t, err, store.ErrRunActive)
	assert.Equal(t, 0, e.extractor.calls)
	assert.Equal(t, 0, e.store.cardWrites)
}

func TestRun_BranchFailureWritesNothing(t *testing.T) {
	e := newEnv(t)
	e.scorer.err = errors.New("scorer blew up")

	run, err := e.orch.Run(context.Background(), request())
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "authenticity")

	// The pricing branch succeeded, but no partial card may be written.
	assert.Equal(t, 1, e.pricer.calls)
	assert.Equal(t, 0, e.store.cardWrites)
	_, err = e.store.GetCard(context.Background(), "owner-1", "card-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, e.notifier.events)
}

func TestRun_BothBranchesRunDespiteOneFailing(t *testing.T) {
	e := newEnv(t)
	e.scorer.err = errors.New("scorer blew up")
	e.pricer.delay = 50 * time.Millisecond

	_, err := e.orch.Run(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, 1, e.pricer.calls)
	assert.Equal(t, 1, e.scorer.calls)

	stored := e.store.storedRun()
	require.NotNil(t, stored)
	var sawPricing, sawAuth bool
	for _, s := range stored.Stages {
		switch s.Name {
		case "pricing":
			sawPricing = true
			assert.Equal(t, model.StageStatusComplete, s.Status)
		case "authenticity":
			sawAuth = true
			assert.Equal(t, model.StageStatusFailed, s.Status)
		}
	}
	assert.True(t, sawPricing)
	assert.True(t, sawAuth)
}

func TestRun_ContentRejectedCleansUp(t *testing.T) {
	e := newEnv(t)
	e.extractor.err = &vision.ContentRejectedError{Reason: "not a trading card"}

	// Simulate the upstream collaborator having created the card row.
	_, err := e.store.UpsertCardAnalysis(context.Background(), &model.CardUpdate{
		OwnerID: "owner-1", CardID: "card-1", ImageRefs: []string{"img-front"},
	})
	require.NoError(t, err)
	e.store.cardWrites = 0

	run, err := e.orch.Run(context.Background(), request())
	require.Error(t, err)
	assert.True(t, vision.IsContentRejected(err))
	require.NotNil(t, run)
	assert.Equal(t, model.StatusRejected, run.Status)

	_, err = e.store.GetCard(context.Background(), "owner-1", "card-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, e.images.removed, 1)
	assert.Equal(t, []string{"img-front", "img-back"}, e.images.removed[0])

	assert.Equal(t, 0, e.pricer.calls)
	assert.Equal(t, 0, e.scorer.calls)
	assert.Equal(t, 0, e.store.cardWrites)
}

func TestRun_ExtractionFailureFailsRun(t *testing.T) {
	e := newEnv(t)
	e.extractor.err = errors.New("vision service down")

	run, err := e.orch.Run(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, 0, e.store.cardWrites)
	assert.Empty(t, e.store.deletes)
}

func TestRun_ReanalyzeRequiresExistingCard(t *testing.T) {
	e := newEnv(t)

	req := request()
	req.Reanalyze = true
	run, err := e.orch.Run(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, model.StatusFailed, run.Status)
}

func TestRun_ReanalyzeUpdatesExistingCard(t *testing.T) {
	e := newEnv(t)

	_, err := e.store.UpsertCardAnalysis(context.Background(), &model.CardUpdate{
		OwnerID: "owner-1", CardID: "card-1",
	})
	require.NoError(t, err)
	e.store.cardWrites = 0

	req := request()
	req.Reanalyze = true
	run, err := e.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, run.Status)
	assert.Equal(t, 1, e.store.cardWrites)

	card, err := e.store.GetCard(context.Background(), "owner-1", "card-1")
	require.NoError(t, err)
	assert.Equal(t, "Charizard", card.Name)
}

func TestRun_PriceQueryFromMetadata(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "Charizard", e.pricer.query.CardName)
	assert.Equal(t, "Base Set", e.pricer.query.Set)
	assert.Equal(t, "4/102", e.pricer.query.Number)
}

func TestRun_FallbackMetadataStillCompletes(t *testing.T) {
	e := newEnv(t)
	rs := reasoner.New(&stubClaude{err: errors.New("capability unavailable")}, reasoner.Config{Model: "test-model"})
	e.orch = New(
		Config{StageTimeout: 5 * time.Second, Retry: resilience.RetryConfig{MaxAttempts: 1}},
		e.store, e.extractor, rs, e.pricer, e.scorer, e.notifier, e.images,
	)

	run, err := e.orch.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, run.Status)

	card, err := e.store.GetCard(context.Background(), "owner-1", "card-1")
	require.NoError(t, err)
	assert.False(t, card.Metadata.VerifiedByAI)
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.RunRequest)
		wantErr bool
	}{
		{"valid", func(*model.RunRequest) {}, false},
		{"missing owner", func(r *model.RunRequest) { r.OwnerID = "" }, true},
		{"missing card", func(r *model.RunRequest) { r.CardID = "" }, true},
		{"no images", func(r *model.RunRequest) { r.ImageRefs = nil }, true},
		{"too many images", func(r *model.RunRequest) { r.ImageRefs = []string{"a", "b", "c"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mutate(&req)
			err := validateRequest(req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextStatus(t *testing.T) {
	got, err := nextStatus(model.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracting, got)

	got, err = nextStatus(model.StatusAggregating)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got)

	_, err = nextStatus(model.StatusComplete)
	assert.Error(t, err)
	_, err = nextStatus(model.RunStatus("bogus"))
	assert.Error(t, err)
}
