package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// FieldResult holds one extracted card attribute with its evidentiary trail.
// Confidence is always in [0,1] and Rationale is never empty for a populated
// result.
type FieldResult struct {
	Value      *string `json:"value"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// NewFieldResult builds a FieldResult with confidence clamped to [0,1].
func NewFieldResult(value *string, confidence float64, rationale string) FieldResult {
	return FieldResult{
		Value:      value,
		Confidence: ClampConfidence(confidence),
		Rationale:  rationale,
	}
}

// NullField returns an empty FieldResult carrying only a rationale.
func NullField(rationale string) FieldResult {
	return FieldResult{Value: nil, Confidence: 0.0, Rationale: rationale}
}

// Validate checks the FieldResult invariants.
func (f FieldResult) Validate() error {
	if f.Confidence < 0 || f.Confidence > 1 {
		return eris.Errorf("field confidence %f out of range [0,1]", f.Confidence)
	}
	if f.Rationale == "" {
		return eris.New("field rationale must not be empty")
	}
	return nil
}

// ClampConfidence bounds a confidence score to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// SetCandidate is one plausible value for an ambiguous attribute.
type SetCandidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// MultiCandidateResult holds an attribute whose value is genuinely ambiguous.
// Candidates are sorted descending by confidence; Value equals the top
// candidate when any candidate is present.
type MultiCandidateResult struct {
	Value      *string        `json:"value"`
	Candidates []SetCandidate `json:"candidates"`
	Rationale  string         `json:"rationale"`
}

// Set field variant kinds.
const (
	SetKindSingle = "single"
	SetKindMulti  = "multi"
)

// SetField is a tagged variant for the card's set attribute: either a single
// FieldResult or a MultiCandidateResult when the set is ambiguous. Consumers
// must switch on Kind rather than guessing at the shape.
type SetField struct {
	Kind   string                `json:"kind"`
	Single *FieldResult          `json:"single,omitempty"`
	Multi  *MultiCandidateResult `json:"multi,omitempty"`
}

// SingleSet wraps a FieldResult as an unambiguous set field.
func SingleSet(fr FieldResult) SetField {
	return SetField{Kind: SetKindSingle, Single: &fr}
}

// MultiSet wraps candidate set values as an ambiguous set field.
func MultiSet(mr MultiCandidateResult) SetField {
	return SetField{Kind: SetKindMulti, Multi: &mr}
}

// Best returns the resolved set value and its confidence regardless of
// variant, or (nil, 0) when unresolved.
func (s SetField) Best() (*string, float64) {
	switch s.Kind {
	case SetKindSingle:
		if s.Single != nil {
			return s.Single.Value, s.Single.Confidence
		}
	case SetKindMulti:
		if s.Multi != nil && len(s.Multi.Candidates) > 0 {
			return s.Multi.Value, s.Multi.Candidates[0].Confidence
		}
	}
	return nil, 0
}

// Validate checks the variant invariants: exactly one arm populated and, for
// the multi arm, candidates sorted descending with Value matching the top.
func (s SetField) Validate() error {
	switch s.Kind {
	case SetKindSingle:
		if s.Single == nil || s.Multi != nil {
			return eris.New("set field: single kind must populate only the single arm")
		}
		return s.Single.Validate()
	case SetKindMulti:
		if s.Multi == nil || s.Single != nil {
			return eris.New("set field: multi kind must populate only the multi arm")
		}
		for i := 1; i < len(s.Multi.Candidates); i++ {
			if s.Multi.Candidates[i].Confidence > s.Multi.Candidates[i-1].Confidence {
				return eris.New("set field: candidates must be sorted descending by confidence")
			}
		}
		if len(s.Multi.Candidates) > 0 {
			top := s.Multi.Candidates[0].Value
			if s.Multi.Value == nil || *s.Multi.Value != top {
				return eris.New("set field: value must equal the top candidate")
			}
		}
		return nil
	default:
		return eris.Errorf("set field: unknown kind %q", s.Kind)
	}
}

// CardMetadata aggregates extracted attributes for one card together with an
// overall confidence and the reasoning trail that produced them.
type CardMetadata struct {
	Name              FieldResult `json:"name"`
	Rarity            FieldResult `json:"rarity"`
	Set               SetField    `json:"set"`
	SetSymbol         FieldResult `json:"setSymbol"`
	CollectorNumber   FieldResult `json:"collectorNumber"`
	Copyright         FieldResult `json:"copyright"`
	Illustrator       FieldResult `json:"illustrator"`
	OverallConfidence float64     `json:"overallConfidence"`
	ReasoningTrail    string      `json:"reasoningTrail"`
	VerifiedByAI      bool        `json:"verifiedByAI"`
}

// Fields returns the scalar FieldResults for iteration (set excluded since it
// is a variant).
func (m *CardMetadata) Fields() []FieldResult {
	return []FieldResult{
		m.Name, m.Rarity, m.SetSymbol, m.CollectorNumber, m.Copyright, m.Illustrator,
	}
}

// Validate checks all confidence invariants across the metadata aggregate.
func (m *CardMetadata) Validate() error {
	for _, f := range m.Fields() {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	if err := m.Set.Validate(); err != nil {
		return err
	}
	if m.OverallConfidence < 0 || m.OverallConfidence > 1 {
		return eris.Errorf("overall confidence %f out of range [0,1]", m.OverallConfidence)
	}
	return nil
}

// JSON serializes the metadata for persistence.
func (m *CardMetadata) JSON() ([]byte, error) {
	b, err := json.Marshal(m)
	return b, eris.Wrap(err, "metadata: marshal")
}
