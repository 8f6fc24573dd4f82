package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardlens/cardlens/internal/authenticity"
	"github.com/cardlens/cardlens/internal/notify"
	"github.com/cardlens/cardlens/internal/pipeline"
	"github.com/cardlens/cardlens/internal/pricing"
	"github.com/cardlens/cardlens/internal/reasoner"
	"github.com/cardlens/cardlens/internal/resilience"
	"github.com/cardlens/cardlens/internal/store"
	"github.com/cardlens/cardlens/internal/vision"
	"github.com/cardlens/cardlens/pkg/claude"
	"github.com/cardlens/cardlens/pkg/pricecharting"
	"github.com/cardlens/cardlens/pkg/tcgplayer"
)

// pipelineEnv holds the initialized store and orchestrator needed by the
// analyze and serve commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "cardlens.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, external capability clients, and the
// orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if cfg.Claude.Key == "" {
		_ = st.Close()
		return nil, eris.New("claude API key is required (CARDLENS_CLAUDE_KEY)")
	}
	if cfg.Vision.Key == "" {
		_ = st.Close()
		return nil, eris.New("vision API key is required (CARDLENS_VISION_KEY)")
	}

	retry := resilience.FromConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)

	extractor := vision.NewHTTPExtractor(
		cfg.Vision.Key,
		cfg.Vision.BaseURL,
		time.Duration(cfg.Vision.TimeoutSecs)*time.Second,
	)

	rs := reasoner.New(claude.NewClient(cfg.Claude.Key), reasoner.Config{
		Model:     cfg.Claude.Model,
		MaxTokens: int64(cfg.Claude.MaxTokens),
		Timeout:   time.Duration(cfg.Claude.TimeoutSecs) * time.Second,
	})

	var sources []pricing.Source
	if pc := cfg.Pricing.PriceCharting; pc.Enabled && pc.Key != "" {
		client := pricecharting.NewClient(pc.Key,
			pricecharting.WithBaseURL(pc.BaseURL),
			pricecharting.WithRateLimit(pc.RatePerSec, 1),
		)
		sources = append(sources, pricing.NewPriceChartingSource(client, retry))
	}
	if tp := cfg.Pricing.TCGPlayer; tp.Enabled && tp.Key != "" {
		client := tcgplayer.NewClient(tp.Key,
			tcgplayer.WithBaseURL(tp.BaseURL),
			tcgplayer.WithRateLimit(tp.RatePerSec, 1),
		)
		sources = append(sources, pricing.NewTCGPlayerSource(client, retry))
	}
	if len(sources) == 0 {
		zap.L().Warn("no pricing sources configured, all cards will price empty")
	}

	aggregator := pricing.NewAggregator(sources, store.NewPriceCache(st), pricing.Config{
		ObservationTTL: time.Duration(cfg.Pricing.ObservationTTLMins) * time.Minute,
		ResultTTL:      time.Duration(cfg.Pricing.ResultTTLMins) * time.Minute,
		WindowDays:     cfg.Pricing.WindowDays,
	})

	scorer := authenticity.NewScorer(cfg.Pipeline.AuthenticityThreshold)
	notifier := notify.NewWebhook(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutSecs)*time.Second)

	orch := pipeline.New(
		pipeline.Config{
			StageTimeout: time.Duration(cfg.Pipeline.StageTimeoutSecs) * time.Second,
			Retry:        retry,
		},
		st, extractor, rs, aggregator, scorer, notifier, nil,
	)

	return &pipelineEnv{Store: st, Orchestrator: orch}, nil
}
