// Package authenticity scores how likely a photographed card is genuine.
// It combines independent visual and textual signals into one weighted
// score, mirroring the signal-pooling approach used for pricing confidence.
package authenticity

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cardlens/cardlens/internal/model"
)

// Signal weights. They sum to 1 so the combined score stays in [0,1].
const (
	weightVisualHash  = 0.15
	weightTextMatch   = 0.30
	weightHoloPattern = 0.20
	weightBorder      = 0.20
	weightFont        = 0.15
)

// DefaultThreshold is the combined score below which a card is eligible to
// be flagged as fake.
const DefaultThreshold = 0.5

// strongNegative marks an individual signal as actively contradicting
// authenticity rather than merely being uninformative.
const strongNegative = 0.3

// Scorer computes authenticity scores from extracted features and reasoned
// metadata. It is stateless and safe for concurrent use.
type Scorer struct {
	threshold float64
}

// NewScorer creates a Scorer flagging fakes below the given threshold.
// Non-positive thresholds fall back to the default.
func NewScorer(threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{threshold: threshold}
}

// Evaluate runs Score under the pipeline's fallible branch contract. The
// scorer itself cannot fail, but the context may already be dead when the
// branch is scheduled.
func (s *Scorer) Evaluate(ctx context.Context, features *model.Features, md *model.CardMetadata) (*model.AuthenticityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Score(features, md), nil
}

// Score combines the individual signals into an AuthenticityResult. A nil
// metadata is treated as fully unidentified (zero text confidence), never
// as an error; authenticity always produces a result.
func (s *Scorer) Score(features *model.Features, md *model.CardMetadata) *model.AuthenticityResult {
	visual := features.Visual

	signals := model.AuthenticitySignals{
		VisualHashConfidence:  visualHashSignal(visual.ImageQuality),
		TextMatchConfidence:   textMatchSignal(md),
		HoloPatternConfidence: holoPatternSignal(visual.HoloVariance, md),
		BorderConsistency:     clamp(visual.BorderSymmetry),
		FontValidation:        fontSignal(features.OCR),
	}

	score := weightVisualHash*signals.VisualHashConfidence +
		weightTextMatch*signals.TextMatchConfidence +
		weightHoloPattern*signals.HoloPatternConfidence +
		weightBorder*signals.BorderConsistency +
		weightFont*signals.FontValidation

	res := &model.AuthenticityResult{
		AuthenticityScore: clamp(score),
		Signals:           signals,
		FakeDetected:      s.fakeDetected(score, signals),
	}

	if res.FakeDetected {
		zap.L().Info("authenticity: fake indicators detected",
			zap.Float64("score", res.AuthenticityScore),
			zap.Float64("border_consistency", signals.BorderConsistency),
			zap.Float64("holo_pattern", signals.HoloPatternConfidence),
		)
	}
	return res
}

// fakeDetected requires both a sub-threshold combined score and at least
// one strongly negative physical signal. A merely blurry, unidentified
// photo scores low without being called a counterfeit.
func (s *Scorer) fakeDetected(score float64, sig model.AuthenticitySignals) bool {
	if score >= s.threshold {
		return false
	}
	return sig.BorderConsistency < strongNegative ||
		sig.HoloPatternConfidence < strongNegative ||
		sig.FontValidation < strongNegative
}

// visualHashSignal estimates how trustworthy the photo itself is as
// evidence. Blur and glare both degrade it.
func visualHashSignal(q model.ImageQuality) float64 {
	sig := 1 - clamp(q.BlurScore)
	if q.GlareDetected {
		sig *= 0.8
	}
	return clamp(sig)
}

// textMatchSignal reads identification strength out of the reasoned
// metadata. An unidentified card contributes nothing.
func textMatchSignal(md *model.CardMetadata) float64 {
	if md == nil {
		return 0
	}
	return clamp(md.OverallConfidence)
}

// holoPatternSignal checks the holographic variance against what the
// card's rarity implies. A claimed holo with a flat surface is the classic
// counterfeit tell; a matching pattern in either direction reads strong.
func holoPatternSignal(holoVariance float64, md *model.CardMetadata) float64 {
	hv := clamp(holoVariance)
	if md == nil || md.Rarity.Value == nil {
		// No rarity claim to check against; mildly informative either way.
		return 0.5 + 0.2*hv
	}

	holoExpected := strings.Contains(strings.ToLower(*md.Rarity.Value), "holo")
	if holoExpected {
		return hv
	}
	return 1 - 0.5*hv
}

// fontSignal uses OCR engine confidence as a proxy for print quality.
// Counterfeit fonts and off-register printing read as low-confidence text.
func fontSignal(blocks []model.OCRBlock) float64 {
	if len(blocks) == 0 {
		return 0.5
	}
	var sum float64
	for _, b := range blocks {
		sum += clamp(b.Confidence)
	}
	return sum / float64(len(blocks))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
