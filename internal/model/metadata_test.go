package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestClampConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{1.7, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampConfidence(tt.in))
	}
}

func TestNewFieldResult_Clamps(t *testing.T) {
	fr := NewFieldResult(strptr("Charizard"), 1.4, "title text")
	assert.Equal(t, 1.0, fr.Confidence)

	fr = NewFieldResult(nil, -0.2, "nothing readable")
	assert.Equal(t, 0.0, fr.Confidence)
}

func TestFieldResult_Validate(t *testing.T) {
	assert.NoError(t, FieldResult{Confidence: 0.5, Rationale: "ok"}.Validate())
	assert.Error(t, FieldResult{Confidence: 1.2, Rationale: "ok"}.Validate())
	assert.Error(t, FieldResult{Confidence: 0.5}.Validate())
}

func TestSetField_Best(t *testing.T) {
	single := SingleSet(NewFieldResult(strptr("Jungle"), 0.8, "symbol match"))
	v, conf := single.Best()
	require.NotNil(t, v)
	assert.Equal(t, "Jungle", *v)
	assert.Equal(t, 0.8, conf)

	multi := MultiSet(MultiCandidateResult{
		Value: strptr("Base Set"),
		Candidates: []SetCandidate{
			{Value: "Base Set", Confidence: 0.7},
			{Value: "Base Set 2", Confidence: 0.4},
		},
		Rationale: "ambiguous symbol",
	})
	v, conf = multi.Best()
	require.NotNil(t, v)
	assert.Equal(t, "Base Set", *v)
	assert.Equal(t, 0.7, conf)

	v, conf = (SetField{}).Best()
	assert.Nil(t, v)
	assert.Equal(t, 0.0, conf)
}

func TestSetField_Validate(t *testing.T) {
	valid := MultiSet(MultiCandidateResult{
		Value: strptr("Fossil"),
		Candidates: []SetCandidate{
			{Value: "Fossil", Confidence: 0.9},
			{Value: "Jungle", Confidence: 0.3},
		},
	})
	assert.NoError(t, valid.Validate())

	unsorted := MultiSet(MultiCandidateResult{
		Value: strptr("Jungle"),
		Candidates: []SetCandidate{
			{Value: "Jungle", Confidence: 0.3},
			{Value: "Fossil", Confidence: 0.9},
		},
	})
	assert.Error(t, unsorted.Validate())

	mismatch := MultiSet(MultiCandidateResult{
		Value: strptr("Jungle"),
		Candidates: []SetCandidate{
			{Value: "Fossil", Confidence: 0.9},
		},
	})
	assert.Error(t, mismatch.Validate())

	assert.Error(t, SetField{Kind: "bogus"}.Validate())
	assert.Error(t, SetField{Kind: SetKindSingle}.Validate())

	both := SetField{Kind: SetKindSingle, Single: &FieldResult{Confidence: 0.5, Rationale: "r"}, Multi: &MultiCandidateResult{}}
	assert.Error(t, both.Validate())
}

func TestRunStatus_Terminal(t *testing.T) {
	for _, s := range []RunStatus{StatusComplete, StatusFailed, StatusRejected} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []RunStatus{StatusQueued, StatusExtracting, StatusReasoning, StatusFannedOut, StatusAggregating} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestOCRBlock_Regions(t *testing.T) {
	top := OCRBlock{BoundingBox: BoundingBox{Top: 0.1}}
	mid := OCRBlock{BoundingBox: BoundingBox{Top: 0.5}}
	bottom := OCRBlock{BoundingBox: BoundingBox{Top: 0.85}}

	assert.True(t, top.InTopRegion())
	assert.False(t, mid.InTopRegion())
	assert.False(t, mid.InBottomRegion())
	assert.True(t, bottom.InBottomRegion())

	// Boundary values belong to the middle band.
	edge := OCRBlock{BoundingBox: BoundingBox{Top: 0.3}}
	assert.False(t, edge.InTopRegion())
	edge = OCRBlock{BoundingBox: BoundingBox{Top: 0.7}}
	assert.False(t, edge.InBottomRegion())
}
