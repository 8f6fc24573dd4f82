// Package reasoner converts raw OCR text blocks and visual signals into
// structured, confidence-scored card metadata. The primary path drives the
// generative reasoning capability; a deterministic fallback takes over when
// that call cannot be completed.
package reasoner

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/pkg/claude"
)

// Input is everything the reasoner needs for one card.
type Input struct {
	Blocks []model.OCRBlock
	Visual model.VisualContext
	Hints  map[string]string
}

// Config controls the primary reasoning path.
type Config struct {
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

// Reasoner runs metadata reasoning over extracted features.
type Reasoner struct {
	client claude.Client
	cfg    Config
}

// New creates a Reasoner around the given reasoning client.
func New(client claude.Client, cfg Config) *Reasoner {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Reasoner{client: client, cfg: cfg}
}

// Reason runs the primary path: prompt the capability, parse the first
// well-formed JSON object out of its response, and validate it against the
// metadata schema. Any failure is returned to the caller, which decides
// whether to fall back; low-confidence success is still success.
func (r *Reasoner) Reason(ctx context.Context, in Input) (*model.CardMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	temp := 0.0
	resp, err := r.client.CreateMessage(ctx, claude.MessageRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		System:      systemPrompt,
		Messages:    []claude.Message{{Role: "user", Content: BuildPrompt(in)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "reasoner: capability call")
	}

	md, err := ParseMetadata(resp.Text())
	if err != nil {
		return nil, err
	}

	md.VerifiedByAI = true
	correctSetName(md)

	zap.L().Debug("reasoner: primary path accepted",
		zap.Float64("overall_confidence", md.OverallConfidence),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)

	return md, nil
}

// Analyze applies the full reasoning policy: zero OCR blocks short-circuit
// to an all-null result without touching the capability; otherwise the
// primary path runs and any error is absorbed into the fallback.
func (r *Reasoner) Analyze(ctx context.Context, in Input) *model.CardMetadata {
	if len(in.Blocks) == 0 {
		return EmptyMetadata()
	}

	md, err := r.Reason(ctx, in)
	if err != nil {
		zap.L().Warn("reasoner: primary path failed, using fallback", zap.Error(err))
		return Fallback(in.Blocks)
	}
	return md
}

// correctSetName snaps a recognized set value onto the reference vocabulary
// and records remaining ambiguity as candidates.
func correctSetName(md *model.CardMetadata) {
	val, conf := md.Set.Best()
	if val == nil || *val == "" {
		return
	}

	m := correctSet(*val)
	if m == nil || m.Value == *val {
		return
	}

	corrected := m.Value
	combined := model.ClampConfidence(conf * m.Confidence)
	md.Set = model.MultiSet(model.MultiCandidateResult{
		Value: &corrected,
		Candidates: []model.SetCandidate{
			{Value: corrected, Confidence: combined},
			{Value: *val, Confidence: combined * 0.5},
		},
		Rationale: "set name corrected against known set vocabulary",
	})
}
