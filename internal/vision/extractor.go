// Package vision adapts the external image analysis capability into the
// pipeline's feature extraction stage.
package vision

import (
	"context"
	"errors"
	"fmt"

	"github.com/cardlens/cardlens/internal/model"
)

// Extractor is the feature extraction contract. Implementations return OCR
// blocks plus visual quality, holographic, and border signals for one image.
type Extractor interface {
	ExtractFeatures(ctx context.Context, imageRef string) (*model.Features, error)
}

// ContentRejectedError is returned when the capability refuses the image
// (unsafe or non-card content). The orchestrator never retries it; the run
// routes to the cleanup path instead.
type ContentRejectedError struct {
	ImageRef string
	Reason   string
}

func (e *ContentRejectedError) Error() string {
	return fmt.Sprintf("content rejected for %s: %s", e.ImageRef, e.Reason)
}

// IsContentRejected reports whether the error chain contains a
// ContentRejectedError.
func IsContentRejected(err error) bool {
	var cre *ContentRejectedError
	return errors.As(err, &cre)
}
