package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyModelLongestMatchWins(t *testing.T) {
	family, pricing := ClassifyModel("gpt-4o-mini-2024-07-18")
	assert.Equal(t, "gpt-4o-mini", family)
	assert.Equal(t, 0.15, pricing.BaseInput)

	family, _ = ClassifyModel("gpt-4o-2024-08-06")
	assert.Equal(t, "gpt-4o", family)
}

func TestClassifyModelUnknownFallsBackToSonnet(t *testing.T) {
	family, pricing := ClassifyModel("mystery-model-9000")
	assert.Equal(t, "unknown", family)
	assert.Equal(t, fallbackPricing, pricing)

	family, _ = ClassifyModel("")
	assert.Equal(t, "unknown", family)
}

func TestComputeSessionCost(t *testing.T) {
	// Haiku: 1.0 in, 1.25 cache-write, 0.10 cache-hit, 5.0 out ($/MTok).
	cost := ComputeSessionCost(1_000_000, 1_000_000, 1_000_000, 1_000_000, "claude-haiku-4")
	assert.InDelta(t, 1.0+5.0+0.10+1.25, cost, 1e-9)
}

func TestFormatModelShort(t *testing.T) {
	cases := map[string]string{
		"claude-opus-4-6-20260114":             "Opus 4.6",
		"claude-sonnet-4-20250514":             "Sonnet 4",
		"claude-haiku-4-20250514":              "Haiku 4",
		"sonnet":                               "Sonnet",
		"gpt-4o-2024-08-06":                    "GPT-4o",
		"gpt-4o-mini":                          "GPT-4o mini",
		"":                                     "Unknown",
		"some-long-unknown-model-name-1234567": "some-long-unknown-mo",
	}
	for model, want := range cases {
		assert.Equal(t, want, FormatModelShort(model), "model %q", model)
	}
}

func TestExtractModelVersionOnlyForAnthropic(t *testing.T) {
	assert.Equal(t, "4.6", extractModelVersion("claude-sonnet-4-6-20260114", "sonnet"))
	assert.Equal(t, "4", extractModelVersion("claude-opus-4-20251101", "opus"))
	assert.Equal(t, "", extractModelVersion("sonnet", "sonnet"))
	assert.Equal(t, "", extractModelVersion("gpt-4o-2024-08-06", "gpt-4o"))
}
