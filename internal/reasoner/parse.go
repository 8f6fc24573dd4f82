package reasoner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cardlens/cardlens/internal/model"
)

// SchemaError indicates the capability returned output that could not be
// validated against the metadata schema. It is never retried; the caller
// falls back instead.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "reasoner: schema validation: " + e.Reason
}

func schemaErrorf(format string, args ...any) *SchemaError {
	return &SchemaError{Reason: fmt.Sprintf(format, args...)}
}

// wireField mirrors one field object in the capability response.
type wireField struct {
	Value      *string  `json:"value"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

type wireCandidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type wireSet struct {
	Value      *string         `json:"value"`
	Confidence *float64        `json:"confidence"`
	Rationale  string          `json:"rationale"`
	Candidates []wireCandidate `json:"candidates"`
}

type wireMetadata struct {
	Name              *wireField `json:"name"`
	Rarity            *wireField `json:"rarity"`
	Set               *wireSet   `json:"set"`
	SetSymbol         *wireField `json:"setSymbol"`
	CollectorNumber   *wireField `json:"collectorNumber"`
	Copyright         *wireField `json:"copyright"`
	Illustrator       *wireField `json:"illustrator"`
	OverallConfidence *float64   `json:"overallConfidence"`
	ReasoningTrail    string     `json:"reasoningTrail"`
}

// ParseMetadata locates the first well-formed JSON object in the response
// text (tolerating surrounding prose and code fences) and validates it
// against the CardMetadata schema. Missing required fields, out-of-range
// confidences, and malformed JSON all produce a SchemaError.
func ParseMetadata(text string) (*model.CardMetadata, error) {
	cleaned := extractJSON(text)
	if cleaned == "" {
		return nil, schemaErrorf("no JSON object found in response")
	}

	var wire wireMetadata
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, schemaErrorf("malformed JSON: %v", err)
	}

	md := &model.CardMetadata{ReasoningTrail: wire.ReasoningTrail}

	fields := []struct {
		name string
		src  *wireField
		dst  *model.FieldResult
	}{
		{"name", wire.Name, &md.Name},
		{"rarity", wire.Rarity, &md.Rarity},
		{"setSymbol", wire.SetSymbol, &md.SetSymbol},
		{"collectorNumber", wire.CollectorNumber, &md.CollectorNumber},
		{"copyright", wire.Copyright, &md.Copyright},
		{"illustrator", wire.Illustrator, &md.Illustrator},
	}
	for _, f := range fields {
		fr, err := convertField(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = fr
	}

	set, err := convertSet(wire.Set)
	if err != nil {
		return nil, err
	}
	md.Set = set

	if wire.OverallConfidence == nil {
		return nil, schemaErrorf("missing required field overallConfidence")
	}
	if *wire.OverallConfidence < 0 || *wire.OverallConfidence > 1 {
		return nil, schemaErrorf("overallConfidence %f out of range", *wire.OverallConfidence)
	}
	md.OverallConfidence = *wire.OverallConfidence

	if md.ReasoningTrail == "" {
		md.ReasoningTrail = "accepted structured response from reasoning capability"
	}

	return md, nil
}

func convertField(name string, f *wireField) (model.FieldResult, error) {
	if f == nil {
		return model.FieldResult{}, schemaErrorf("missing required field %s", name)
	}
	if f.Confidence == nil {
		return model.FieldResult{}, schemaErrorf("field %s missing confidence", name)
	}
	if *f.Confidence < 0 || *f.Confidence > 1 {
		return model.FieldResult{}, schemaErrorf("field %s confidence %f out of range", name, *f.Confidence)
	}
	rationale := f.Rationale
	if rationale == "" {
		rationale = "no rationale provided by reasoning capability"
	}
	return model.FieldResult{Value: f.Value, Confidence: *f.Confidence, Rationale: rationale}, nil
}

func convertSet(s *wireSet) (model.SetField, error) {
	if s == nil {
		return model.SetField{}, schemaErrorf("missing required field set")
	}
	if s.Confidence == nil {
		return model.SetField{}, schemaErrorf("field set missing confidence")
	}
	if *s.Confidence < 0 || *s.Confidence > 1 {
		return model.SetField{}, schemaErrorf("field set confidence %f out of range", *s.Confidence)
	}
	rationale := s.Rationale
	if rationale == "" {
		rationale = "no rationale provided by reasoning capability"
	}

	if len(s.Candidates) == 0 {
		return model.SingleSet(model.FieldResult{
			Value:      s.Value,
			Confidence: *s.Confidence,
			Rationale:  rationale,
		}), nil
	}

	cands := make([]model.SetCandidate, 0, len(s.Candidates))
	for _, c := range s.Candidates {
		if c.Confidence < 0 || c.Confidence > 1 {
			return model.SetField{}, schemaErrorf("set candidate %q confidence %f out of range", c.Value, c.Confidence)
		}
		cands = append(cands, model.SetCandidate{Value: c.Value, Confidence: c.Confidence})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Confidence > cands[j].Confidence })

	top := cands[0].Value
	return model.MultiSet(model.MultiCandidateResult{
		Value:      &top,
		Candidates: cands,
		Rationale:  rationale,
	}), nil
}

// extractJSON strips code fences and surrounding prose, returning the first
// top-level JSON object in the text, or "".
func extractJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	// Walk braces to find the matching close of the first object, ignoring
	// braces inside string literals.
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
