package model

// OCR block region thresholds over normalized image height.
const (
	TopRegionMax    = 0.3
	BottomRegionMin = 0.7
)

// BoundingBox positions an OCR block in normalized image coordinates
// (0.0 at the top-left, 1.0 at the bottom-right).
type BoundingBox struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OCRBlock is one recognized text span with position, confidence, and
// classification from the image analysis capability.
type OCRBlock struct {
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"boundingBox"`
	Type        string      `json:"type"`
}

// InTopRegion reports whether the block sits in the top band of the card.
func (b OCRBlock) InTopRegion() bool {
	return b.BoundingBox.Top < TopRegionMax
}

// InBottomRegion reports whether the block sits in the bottom band of the card.
func (b OCRBlock) InBottomRegion() bool {
	return b.BoundingBox.Top > BottomRegionMin
}

// ImageQuality summarizes photo quality signals.
type ImageQuality struct {
	BlurScore     float64 `json:"blurScore"`
	GlareDetected bool    `json:"glareDetected"`
}

// VisualContext carries the non-text visual signals from feature extraction.
type VisualContext struct {
	HoloVariance   float64      `json:"holoVariance"`
	BorderSymmetry float64      `json:"borderSymmetry"`
	ImageQuality   ImageQuality `json:"imageQuality"`
}

// Features is the full output of the image feature extraction stage.
type Features struct {
	OCR    []OCRBlock    `json:"ocr"`
	Visual VisualContext `json:"visual"`
}
