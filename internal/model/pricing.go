package model

import "time"

// RawPriceObservation is one market sale or listing for a card. Immutable
// once fetched; cached by a content key derived from the normalized card
// name and set.
type RawPriceObservation struct {
	Source     string    `json:"source"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	Amount     float64   `json:"amount"` // currency-normalized (USD)
	ObservedAt time.Time `json:"observed_at"`
	Condition  string    `json:"condition"`
}

// PriceQuery identifies the card whose market value is being estimated.
type PriceQuery struct {
	CardName   string `json:"card_name"`
	Set        string `json:"set,omitempty"`
	Number     string `json:"number,omitempty"`
	Condition  string `json:"condition,omitempty"`
	WindowDays int    `json:"window_days,omitempty"`
}

// PricingResult summarizes market price observations for a card. When
// CompsCount is zero all value fields are zero and Message explains why;
// absent pricing data degrades the result, never fails it.
type PricingResult struct {
	ValueLow    float64  `json:"value_low"`
	ValueMedian float64  `json:"value_median"`
	ValueHigh   float64  `json:"value_high"`
	CompsCount  int      `json:"comps_count"`
	Sources     []string `json:"sources"`
	Confidence  float64  `json:"confidence"`
	Message     string   `json:"message,omitempty"`
}

// AuthenticitySignals are the individual signals combined into the
// authenticity score.
type AuthenticitySignals struct {
	VisualHashConfidence  float64 `json:"visual_hash_confidence"`
	TextMatchConfidence   float64 `json:"text_match_confidence"`
	HoloPatternConfidence float64 `json:"holo_pattern_confidence"`
	BorderConsistency     float64 `json:"border_consistency"`
	FontValidation        float64 `json:"font_validation"`
}

// AuthenticityResult is the output of the authenticity scoring branch.
type AuthenticityResult struct {
	AuthenticityScore float64             `json:"authenticity_score"`
	Signals           AuthenticitySignals `json:"signals"`
	FakeDetected      bool                `json:"fake_detected"`
}
