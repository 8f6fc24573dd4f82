package reasoner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cardlens/cardlens/internal/fuzzy"
	"github.com/cardlens/cardlens/internal/model"
)

// correctSet is indirected for tests.
var correctSet = fuzzy.CorrectSet

const systemPrompt = `You identify collectible trading cards from OCR text and visual signals. Respond with a single valid JSON object matching this schema, no other text:
{
  "name": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>"},
  "rarity": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>"},
  "set": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>", "candidates": [{"value": "<string>", "confidence": <0.0-1.0>}]},
  "setSymbol": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>"},
  "collectorNumber": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>"},
  "copyright": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>"},
  "illustrator": {"value": "<string or null>", "confidence": <0.0-1.0>, "rationale": "<why>"},
  "overallConfidence": <0.0-1.0>,
  "reasoningTrail": "<step-by-step summary>"
}
Only include set candidates when the set is genuinely ambiguous. Use null values with low confidence rather than guessing.`

// BuildPrompt renders the OCR blocks grouped by vertical region together
// with the visual context summary and any caller hints.
func BuildPrompt(in Input) string {
	var top, middle, bottom []model.OCRBlock
	for _, b := range in.Blocks {
		switch {
		case b.InTopRegion():
			top = append(top, b)
		case b.InBottomRegion():
			bottom = append(bottom, b)
		default:
			middle = append(middle, b)
		}
	}

	var sb strings.Builder
	sb.WriteString("Identify this trading card from the following OCR text blocks.\n\n")

	writeRegion(&sb, "Top region (usually card name, HP)", top)
	writeRegion(&sb, "Middle region (attacks, abilities, body text)", middle)
	writeRegion(&sb, "Bottom region (set symbol, collector number, copyright, illustrator)", bottom)

	fmt.Fprintf(&sb, "Visual signals:\n")
	fmt.Fprintf(&sb, "- holographic variance: %.3f\n", in.Visual.HoloVariance)
	fmt.Fprintf(&sb, "- border symmetry: %.3f\n", in.Visual.BorderSymmetry)
	fmt.Fprintf(&sb, "- blur score: %.3f\n", in.Visual.ImageQuality.BlurScore)
	fmt.Fprintf(&sb, "- glare detected: %t\n", in.Visual.ImageQuality.GlareDetected)

	if len(in.Hints) > 0 {
		sb.WriteString("\nKnown hints from the uploader:\n")
		keys := make([]string, 0, len(in.Hints))
		for k := range in.Hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, in.Hints[k])
		}
	}

	return sb.String()
}

func writeRegion(sb *strings.Builder, label string, blocks []model.OCRBlock) {
	fmt.Fprintf(sb, "%s:\n", label)
	if len(blocks) == 0 {
		sb.WriteString("- (no text detected)\n\n")
		return
	}
	for _, b := range blocks {
		fmt.Fprintf(sb, "- %q (ocr confidence %.2f, type %s, top %.2f)\n",
			b.Text, b.Confidence, b.Type, b.BoundingBox.Top)
	}
	sb.WriteString("\n")
}
