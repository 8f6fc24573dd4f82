package reasoner

import (
	"github.com/cardlens/cardlens/internal/model"
)

// Fallback confidence discounts. These are behavioral contracts relied on by
// downstream consumers; do not re-derive them.
const (
	// fallbackOCRDiscount is applied to the OCR confidence of the block
	// promoted to the name field, reflecting its unverified status.
	fallbackOCRDiscount = 0.7
	// fallbackOverallFactor derives the overall confidence from the name
	// confidence.
	fallbackOverallFactor = 0.5
)

const fallbackReason = "reasoning capability unavailable; heuristic extraction from OCR layout"

// Fallback is the deterministic, capability-free substitute for the primary
// reasoning path. The topmost block in the top region becomes the card name
// at a discounted confidence; every other field is null. It is a pure
// function of the OCR blocks.
func Fallback(blocks []model.OCRBlock) *model.CardMetadata {
	md := emptyWithReason(fallbackReason)
	md.ReasoningTrail = fallbackReason

	var name *model.OCRBlock
	for i := range blocks {
		b := &blocks[i]
		if !b.InTopRegion() {
			continue
		}
		if name == nil || b.BoundingBox.Top < name.BoundingBox.Top {
			name = b
		}
	}

	if name != nil {
		value := name.Text
		md.Name = model.FieldResult{
			Value:      &value,
			Confidence: model.ClampConfidence(name.Confidence * fallbackOCRDiscount),
			Rationale:  "topmost text block in the card's top region",
		}
		md.OverallConfidence = model.ClampConfidence(md.Name.Confidence * fallbackOverallFactor)
	}

	return md
}

// EmptyMetadata is the result for images with no recognized text at all.
func EmptyMetadata() *model.CardMetadata {
	md := emptyWithReason("no OCR text detected in image")
	md.ReasoningTrail = "no OCR text detected; nothing to reason over"
	return md
}

func emptyWithReason(reason string) *model.CardMetadata {
	return &model.CardMetadata{
		Name:              model.NullField(reason),
		Rarity:            model.NullField(reason),
		Set:               model.SingleSet(model.NullField(reason)),
		SetSymbol:         model.NullField(reason),
		CollectorNumber:   model.NullField(reason),
		Copyright:         model.NullField(reason),
		Illustrator:       model.NullField(reason),
		OverallConfidence: 0.0,
		VerifiedByAI:      false,
	}
}
