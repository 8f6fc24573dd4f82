package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/store"
)

// memStore is an in-memory store.Store for orchestrator tests. It records
// every card write so tests can assert the single-mutation property.
type memStore struct {
	mu sync.Mutex

	cards      map[string]*model.Card
	runs       map[string]*model.AnalysisRun
	nextRunID  int
	cardWrites int
	deletes    []string

	acquireErr error
	upsertErr  error
	updateErr  error
}

func newMemStore() *memStore {
	return &memStore{
		cards: make(map[string]*model.Card),
		runs:  make(map[string]*model.AnalysisRun),
	}
}

func cardKey(ownerID, cardID string) string { return ownerID + "/" + cardID }

func (m *memStore) GetCard(_ context.Context, ownerID, cardID string) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardKey(ownerID, cardID)]
	if !ok || c.Deleted() {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) applyUpdate(update *model.CardUpdate) *model.Card {
	card := &model.Card{
		OwnerID:      update.OwnerID,
		CardID:       update.CardID,
		ImageRefs:    update.ImageRefs,
		Name:         update.DisplayName(),
		Metadata:     update.Metadata,
		Pricing:      update.Pricing,
		Authenticity: update.Authenticity,
		UpdatedAt:    time.Now(),
	}
	m.cards[cardKey(update.OwnerID, update.CardID)] = card
	m.cardWrites++
	return card
}

func (m *memStore) UpsertCardAnalysis(_ context.Context, update *model.CardUpdate) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	return m.applyUpdate(update), nil
}

func (m *memStore) UpdateCardAnalysis(_ context.Context, update *model.CardUpdate) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	c, ok := m.cards[cardKey(update.OwnerID, update.CardID)]
	if !ok || c.Deleted() {
		return nil, store.ErrNotFound
	}
	return m.applyUpdate(update), nil
}

func (m *memStore) DeleteCard(_ context.Context, ownerID, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cards, cardKey(ownerID, cardID))
	m.deletes = append(m.deletes, cardKey(ownerID, cardID))
	return nil
}

func (m *memStore) AcquireRun(_ context.Context, ownerID, cardID string) (*model.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	for _, r := range m.runs {
		if r.OwnerID == ownerID && r.CardID == cardID && !r.Status.Terminal() {
			return nil, store.ErrRunActive
		}
	}
	m.nextRunID++
	run := &model.AnalysisRun{
		ID:        fmt.Sprintf("run-%d", m.nextRunID),
		OwnerID:   ownerID,
		CardID:    cardID,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, runID string, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *memStore) RecordStage(_ context.Context, runID string, stage model.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Stages = append(r.Stages, stage)
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, status model.RunStatus, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.Error = cause
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*model.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AnalysisRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) GetCachedObservations(context.Context, string) ([]model.RawPriceObservation, bool, error) {
	return nil, false, nil
}

func (m *memStore) SetCachedObservations(context.Context, string, []model.RawPriceObservation, time.Duration) error {
	return nil
}

func (m *memStore) GetCachedPricing(context.Context, string) (*model.PricingResult, bool, error) {
	return nil, false, nil
}

func (m *memStore) SetCachedPricing(context.Context, string, *model.PricingResult, time.Duration) error {
	return nil
}

func (m *memStore) DeleteExpiredPriceCache(context.Context) (int, error) { return 0, nil }

func (m *memStore) Migrate(context.Context) error { return nil }

func (m *memStore) Close() error { return nil }

// storedRun returns the single run the store holds; tests create one run.
func (m *memStore) storedRun() *model.AnalysisRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		return r
	}
	return nil
}

type mockExtractor struct {
	mu       sync.Mutex
	calls    int
	features map[string]*model.Features
	err      error
}

func (m *mockExtractor) ExtractFeatures(_ context.Context, imageRef string) (*model.Features, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if f, ok := m.features[imageRef]; ok {
		return f, nil
	}
	return &model.Features{}, nil
}

type mockPricer struct {
	mu    sync.Mutex
	calls int
	res   *model.PricingResult
	err   error
	delay time.Duration
	query model.PriceQuery
}

func (m *mockPricer) Price(_ context.Context, q model.PriceQuery) (*model.PricingResult, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.query = q
	return m.res, m.err
}

type mockScorer struct {
	mu    sync.Mutex
	calls int
	res   *model.AuthenticityResult
	err   error
}

func (m *mockScorer) Evaluate(_ context.Context, _ *model.Features, _ *model.CardMetadata) (*model.AuthenticityResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.res, m.err
}

type mockNotifier struct {
	mu     sync.Mutex
	events []model.CompletionEvent
}

func (m *mockNotifier) NotifyCompletion(_ context.Context, ev model.CompletionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type mockImageStore struct {
	mu      sync.Mutex
	removed [][]string
}

func (m *mockImageStore) RemoveImages(_ context.Context, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, refs)
	return nil
}
