package authenticity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/model"
)

func strptr(s string) *string { return &s }

func goodFeatures() *model.Features {
	return &model.Features{
		OCR: []model.OCRBlock{
			{Text: "Charizard", Confidence: 0.96},
			{Text: "4/102", Confidence: 0.92},
		},
		Visual: model.VisualContext{
			HoloVariance:   0.85,
			BorderSymmetry: 0.93,
			ImageQuality:   model.ImageQuality{BlurScore: 0.1},
		},
	}
}

func holoMetadata(overall float64) *model.CardMetadata {
	return &model.CardMetadata{
		Name:              model.FieldResult{Value: strptr("Charizard"), Confidence: 0.95, Rationale: "top text"},
		Rarity:            model.FieldResult{Value: strptr("Rare Holo"), Confidence: 0.8, Rationale: "star symbol"},
		OverallConfidence: overall,
	}
}

func TestScore_GenuineHolo(t *testing.T) {
	s := NewScorer(0)

	res := s.Score(goodFeatures(), holoMetadata(0.9))

	require.NotNil(t, res)
	assert.False(t, res.FakeDetected)
	assert.Greater(t, res.AuthenticityScore, 0.7)
	assert.LessOrEqual(t, res.AuthenticityScore, 1.0)
	assert.InDelta(t, 0.85, res.Signals.HoloPatternConfidence, 1e-9)
	assert.InDelta(t, 0.93, res.Signals.BorderConsistency, 1e-9)
	assert.InDelta(t, 0.94, res.Signals.FontValidation, 1e-9)
}

func TestScore_FlatHoloIsSuspicious(t *testing.T) {
	// Rarity claims holo but the surface has no holographic variance.
	f := goodFeatures()
	f.Visual.HoloVariance = 0.02
	f.Visual.BorderSymmetry = 0.2
	f.OCR = []model.OCRBlock{{Text: "Charizard", Confidence: 0.4}}

	res := NewScorer(0).Score(f, holoMetadata(0.3))

	assert.True(t, res.FakeDetected)
	assert.Less(t, res.AuthenticityScore, DefaultThreshold)
	assert.Less(t, res.Signals.HoloPatternConfidence, strongNegative)
}

func TestScore_BlurryUnidentifiedIsNotFake(t *testing.T) {
	// A bad photo of an unknown card scores low but has no physical
	// counterfeit tell, so it is not flagged.
	f := &model.Features{
		OCR: nil,
		Visual: model.VisualContext{
			HoloVariance:   0.4,
			BorderSymmetry: 0.75,
			ImageQuality:   model.ImageQuality{BlurScore: 0.9, GlareDetected: true},
		},
	}

	res := NewScorer(0).Score(f, nil)

	assert.Less(t, res.AuthenticityScore, DefaultThreshold)
	assert.False(t, res.FakeDetected)
	assert.Zero(t, res.Signals.TextMatchConfidence)
	assert.InDelta(t, 0.5, res.Signals.FontValidation, 1e-9)
}

func TestScore_NonHoloWithShinySurface(t *testing.T) {
	f := goodFeatures()
	f.Visual.HoloVariance = 0.9
	md := holoMetadata(0.9)
	md.Rarity.Value = strptr("Common")

	res := NewScorer(0).Score(f, md)

	// A non-holo card with heavy surface variance is dampened, not flagged
	// outright.
	assert.InDelta(t, 1-0.5*0.9, res.Signals.HoloPatternConfidence, 1e-9)
	assert.False(t, res.FakeDetected)
}

func TestScore_ThresholdControlsFlagging(t *testing.T) {
	f := goodFeatures()
	f.Visual.BorderSymmetry = 0.1
	f.Visual.HoloVariance = 0.5
	md := holoMetadata(0.45)

	lenient := NewScorer(0.2).Score(f, md)
	strict := NewScorer(0.95).Score(f, md)

	assert.Equal(t, lenient.AuthenticityScore, strict.AuthenticityScore)
	assert.False(t, lenient.FakeDetected)
	assert.True(t, strict.FakeDetected)
}

func TestScore_SignalsStayInRange(t *testing.T) {
	f := &model.Features{
		OCR: []model.OCRBlock{{Text: "x", Confidence: 1.7}},
		Visual: model.VisualContext{
			HoloVariance:   3.0,
			BorderSymmetry: -0.4,
			ImageQuality:   model.ImageQuality{BlurScore: -1},
		},
	}

	res := NewScorer(0).Score(f, holoMetadata(1.5))

	for name, v := range map[string]float64{
		"score":      res.AuthenticityScore,
		"visualHash": res.Signals.VisualHashConfidence,
		"textMatch":  res.Signals.TextMatchConfidence,
		"holo":       res.Signals.HoloPatternConfidence,
		"border":     res.Signals.BorderConsistency,
		"font":       res.Signals.FontValidation,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
}
