package fuzzy

import (
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed vocab.yaml
var vocabYAML []byte

// Vocabulary is the reference word lists used for OCR correction.
type Vocabulary struct {
	Sets     []string `yaml:"sets"`
	Rarities []string `yaml:"rarities"`
}

var (
	vocabOnce sync.Once
	vocab     Vocabulary
	vocabErr  error
)

// LoadVocabulary parses the embedded reference vocabulary. The result is
// cached; parse failure is returned on every call.
func LoadVocabulary() (Vocabulary, error) {
	vocabOnce.Do(func() {
		vocabErr = yaml.Unmarshal(vocabYAML, &vocab)
	})
	return vocab, vocabErr
}

// CorrectSet matches a raw OCR set name against the known set vocabulary.
// Returns nil when nothing clears the default threshold.
func CorrectSet(raw string) *Match {
	v, err := LoadVocabulary()
	if err != nil {
		return nil
	}
	return BestMatch(raw, v.Sets, DefaultThreshold)
}

// CorrectRarity matches a raw OCR rarity tag against known rarities.
func CorrectRarity(raw string) *Match {
	v, err := LoadVocabulary()
	if err != nil {
		return nil
	}
	return BestMatch(raw, v.Rarities, DefaultThreshold)
}
