package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/resilience"
)

// analyzeResponse is the wire shape of the analysis service response.
type analyzeResponse struct {
	OCR []struct {
		Text        string  `json:"text"`
		Confidence  float64 `json:"confidence"`
		Type        string  `json:"type"`
		BoundingBox struct {
			Top    float64 `json:"top"`
			Left   float64 `json:"left"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"boundingBox"`
	} `json:"ocr"`
	HoloVariance float64 `json:"holoVariance"`
	Borders      struct {
		SymmetryScore float64 `json:"symmetryScore"`
	} `json:"borders"`
	Quality struct {
		BlurScore     float64 `json:"blurScore"`
		GlareDetected bool    `json:"glareDetected"`
	} `json:"quality"`
}

type rejectResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Option configures the HTTP extractor.
type Option func(*HTTPExtractor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *HTTPExtractor) {
		e.http = hc
	}
}

// HTTPExtractor implements Extractor against the image analysis HTTP service.
type HTTPExtractor struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHTTPExtractor creates an extractor for the analysis service at baseURL.
func NewHTTPExtractor(apiKey, baseURL string, timeout time.Duration, opts ...Option) *HTTPExtractor {
	e := &HTTPExtractor{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractFeatures submits the image reference for analysis. A 422 from the
// service means the image failed content validation and maps to
// ContentRejectedError.
func (e *HTTPExtractor) ExtractFeatures(ctx context.Context, imageRef string) (*model.Features, error) {
	payload, err := json.Marshal(map[string]string{"imageRef": imageRef})
	if err != nil {
		return nil, eris.Wrap(err, "vision: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "vision: create request")
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "vision: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "vision: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var rej rejectResponse
		reason := "content validation failed"
		if json.Unmarshal(body, &rej) == nil && rej.Reason != "" {
			reason = rej.Reason
		}
		return nil, &ContentRejectedError{ImageRef: imageRef, Reason: reason}
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("vision: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("vision: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var wire analyzeResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, eris.Wrap(err, "vision: unmarshal response")
	}

	features := &model.Features{
		OCR: make([]model.OCRBlock, 0, len(wire.OCR)),
		Visual: model.VisualContext{
			HoloVariance:   wire.HoloVariance,
			BorderSymmetry: wire.Borders.SymmetryScore,
			ImageQuality: model.ImageQuality{
				BlurScore:     wire.Quality.BlurScore,
				GlareDetected: wire.Quality.GlareDetected,
			},
		},
	}
	for _, b := range wire.OCR {
		features.OCR = append(features.OCR, model.OCRBlock{
			Text:       b.Text,
			Confidence: b.Confidence,
			Type:       b.Type,
			BoundingBox: model.BoundingBox{
				Top:    b.BoundingBox.Top,
				Left:   b.BoundingBox.Left,
				Width:  b.BoundingBox.Width,
				Height: b.BoundingBox.Height,
			},
		})
	}

	return features, nil
}
