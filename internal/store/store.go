package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cardlens/cardlens/internal/model"
)

// Sentinel errors. Callers branch on these with eris/errors.Is.
var (
	// ErrNotFound is returned for point reads and conditional updates
	// whose target row does not exist or is soft-deleted.
	ErrNotFound = eris.New("store: not found")

	// ErrConflict is returned when a conditional write loses to a
	// concurrent mutation.
	ErrConflict = eris.New("store: conflict")

	// ErrRunActive is returned by AcquireRun when the card already has a
	// non-terminal analysis run.
	ErrRunActive = eris.New("store: run already active for card")
)

// RunFilter specifies criteria for listing analysis runs.
type RunFilter struct {
	Status  model.RunStatus `json:"status,omitempty"`
	OwnerID string          `json:"owner_id,omitempty"`
	CardID  string          `json:"card_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Cards
	GetCard(ctx context.Context, ownerID, cardID string) (*model.Card, error)
	// UpsertCardAnalysis writes the update unconditionally, creating the
	// card row when absent. Used for first-time analysis.
	UpsertCardAnalysis(ctx context.Context, update *model.CardUpdate) (*model.Card, error)
	// UpdateCardAnalysis writes the update only when the card exists and
	// is not soft-deleted. Used for reanalysis.
	UpdateCardAnalysis(ctx context.Context, update *model.CardUpdate) (*model.Card, error)
	// DeleteCard hard-deletes the card row. Cleanup path only.
	DeleteCard(ctx context.Context, ownerID, cardID string) error

	// Runs
	// AcquireRun creates a new queued run iff the card has no active one;
	// otherwise ErrRunActive.
	AcquireRun(ctx context.Context, ownerID, cardID string) (*model.AnalysisRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	RecordStage(ctx context.Context, runID string, stage model.StageResult) error
	// FinishRun moves the run to a terminal status with an optional cause.
	FinishRun(ctx context.Context, runID string, status model.RunStatus, cause string) error
	GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error)

	// Price cache (shared reference data, not user data)
	GetCachedObservations(ctx context.Context, key string) ([]model.RawPriceObservation, bool, error)
	SetCachedObservations(ctx context.Context, key string, obs []model.RawPriceObservation, ttl time.Duration) error
	GetCachedPricing(ctx context.Context, key string) (*model.PricingResult, bool, error)
	SetCachedPricing(ctx context.Context, key string, res *model.PricingResult, ttl time.Duration) error
	DeleteExpiredPriceCache(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
