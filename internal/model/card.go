package model

import "time"

// Card is the persisted aggregate for a user's card. It is created by an
// upstream collaborator before analysis runs and mutated exactly once per
// pipeline execution by the aggregation stage. A card belongs exclusively to
// its owner partition; cache entries are shared, cards are not.
type Card struct {
	OwnerID   string   `json:"owner_id"`
	CardID    string   `json:"card_id"`
	ImageRefs []string `json:"image_refs"`

	// Display fields derived from the latest CardMetadata.
	Name            string  `json:"name,omitempty"`
	SetName         string  `json:"set_name,omitempty"`
	Rarity          string  `json:"rarity,omitempty"`
	CollectorNumber string  `json:"collector_number,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	VerifiedByAI    bool    `json:"verified_by_ai,omitempty"`

	Metadata     *CardMetadata       `json:"metadata,omitempty"`
	Pricing      *PricingResult      `json:"pricing,omitempty"`
	Authenticity *AuthenticityResult `json:"authenticity,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the card carries a soft-delete marker.
func (c *Card) Deleted() bool {
	return c.DeletedAt != nil
}

// CardUpdate is the single atomic mutation the aggregation stage applies to a
// Card: metadata display fields plus both branch results, never a partial
// subset.
type CardUpdate struct {
	OwnerID      string              `json:"owner_id"`
	CardID       string              `json:"card_id"`
	ImageRefs    []string            `json:"image_refs,omitempty"`
	Metadata     *CardMetadata       `json:"metadata"`
	Pricing      *PricingResult      `json:"pricing"`
	Authenticity *AuthenticityResult `json:"authenticity"`
}

// DisplayName resolves the card's display name from its metadata, or "".
func (u *CardUpdate) DisplayName() string {
	if u.Metadata == nil || u.Metadata.Name.Value == nil {
		return ""
	}
	return *u.Metadata.Name.Value
}

// CompletionEvent is the minimal payload emitted after a successful
// aggregation write. Notification is at-least-once, best-effort.
type CompletionEvent struct {
	OwnerID           string    `json:"owner_id"`
	CardID            string    `json:"card_id"`
	RunID             string    `json:"run_id"`
	Name              string    `json:"name,omitempty"`
	SetName           string    `json:"set_name,omitempty"`
	ValueMedian       float64   `json:"value_median"`
	CompsCount        int       `json:"comps_count"`
	AuthenticityScore float64   `json:"authenticity_score"`
	FakeDetected      bool      `json:"fake_detected"`
	CompletedAt       time.Time `json:"completed_at"`
}
