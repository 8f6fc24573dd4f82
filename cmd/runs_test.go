package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cardlens/cardlens/internal/model"
)

func TestComputeRunStats(t *testing.T) {
	runs := []model.AnalysisRun{
		{Status: model.StatusComplete},
		{Status: model.StatusComplete},
		{Status: model.StatusFailed},
		{Status: model.StatusRejected},
		{Status: model.StatusExtracting},
		{Status: model.StatusQueued},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 2, s.Complete)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 2, s.Active)
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 0, s.Active)
}

func TestFormatRunsList(t *testing.T) {
	runs := []model.AnalysisRun{
		{
			ID:        "run-1",
			OwnerID:   "owner-1",
			CardID:    "card-1",
			Status:    model.StatusComplete,
			Stages:    []model.StageResult{{Name: "extract"}, {Name: "reason"}},
			CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "2026-03-14 09:30:00")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{Total: 3, Complete: 2, Failed: 1})

	out := buf.String()
	assert.Contains(t, out, "Total")
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "Complete")
}
