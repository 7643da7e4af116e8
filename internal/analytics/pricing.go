package analytics

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Pricing is one model family's rates in $/MTok.
type Pricing struct {
	BaseInput    float64
	CacheWrite5m float64
	CacheHit     float64
	Output       float64
}

// haikuBaseUnit normalizes tool economics: 1 unit = the cost of one
// Haiku base input token, in $/MTok.
const haikuBaseUnit = 1.0

var modelPricing = map[string]Pricing{
	"opus":   {BaseInput: 5.0, CacheWrite5m: 6.25, CacheHit: 0.50, Output: 25.0},
	"sonnet": {BaseInput: 3.0, CacheWrite5m: 3.75, CacheHit: 0.30, Output: 15.0},
	"haiku":  {BaseInput: 1.0, CacheWrite5m: 1.25, CacheHit: 0.10, Output: 5.0},

	// OpenAI families: cache_write at base input; cache_hit at half
	// base input (OpenAI's cached-input pricing).
	"gpt-4o":      {BaseInput: 2.50, CacheWrite5m: 2.50, CacheHit: 1.25, Output: 10.0},
	"gpt-4o-mini": {BaseInput: 0.15, CacheWrite5m: 0.15, CacheHit: 0.075, Output: 0.60},
	"o1":          {BaseInput: 15.0, CacheWrite5m: 15.0, CacheHit: 7.50, Output: 60.0},
	"o1-mini":     {BaseInput: 3.0, CacheWrite5m: 3.0, CacheHit: 1.50, Output: 12.0},
	"o3-mini":     {BaseInput: 1.10, CacheWrite5m: 1.10, CacheHit: 0.55, Output: 4.40},
}

var fallbackPricing = modelPricing["sonnet"]

// pricingFamiliesByLength lists family keys longest-first so substring
// matching never hits "gpt-4o" before "gpt-4o-mini".
var pricingFamiliesByLength = func() []string {
	keys := make([]string, 0, len(modelPricing))
	for k := range modelPricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// ClassifyModel maps a full model string to its (family key, pricing),
// matching on substring longest key first. Unknown models fall back to
// sonnet pricing under the "unknown" family.
func ClassifyModel(model string) (string, Pricing) {
	if model == "" {
		return "unknown", fallbackPricing
	}
	lower := strings.ToLower(model)
	for _, family := range pricingFamiliesByLength {
		if strings.Contains(lower, family) {
			return family, modelPricing[family]
		}
	}
	return "unknown", fallbackPricing
}

// ComputeSessionCost estimates the USD cost of a token breakdown under
// the given model's pricing. Rates are $/MTok, so per-token cost is
// rate/1e6.
func ComputeSessionCost(inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int, model string) float64 {
	_, p := ClassifyModel(model)
	return float64(inputTokens)*p.BaseInput/1e6 +
		float64(cacheCreationTokens)*p.CacheWrite5m/1e6 +
		float64(cacheReadTokens)*p.CacheHit/1e6 +
		float64(outputTokens)*p.Output/1e6
}

var familyDisplay = map[string]string{
	"opus":        "Opus",
	"sonnet":      "Sonnet",
	"haiku":       "Haiku",
	"gpt-4o":      "GPT-4o",
	"gpt-4o-mini": "GPT-4o mini",
	"o1":          "o1",
	"o1-mini":     "o1-mini",
	"o3-mini":     "o3-mini",
}

// anthropicFamilies are the families whose model-id suffix is a version
// number worth surfacing; OpenAI suffixes are dates, not versions.
var anthropicFamilies = map[string]bool{"opus": true, "sonnet": true, "haiku": true}

// FormatModelShort renders a model id as a short display label:
// "claude-opus-4-6-20260114" → "Opus 4.6", "claude-sonnet-4-20250514"
// → "Sonnet 4", unknown ids are truncated to 20 characters.
func FormatModelShort(model string) string {
	if model == "" {
		return "Unknown"
	}
	family, _ := ClassifyModel(model)
	display, ok := familyDisplay[family]
	if !ok {
		if len(model) > 20 {
			return model[:20]
		}
		return model
	}
	if version := extractModelVersion(model, family); version != "" {
		return display + " " + version
	}
	return display
}

func extractModelVersion(model, family string) string {
	if model == "" || family == "" || family == "unknown" || !anthropicFamilies[family] {
		return ""
	}
	pattern := regexp.MustCompile(regexp.QuoteMeta(family) + `-(\d+)(?:-(\d{1,2}))?(?:-|$)`)
	m := pattern.FindStringSubmatch(strings.ToLower(model))
	if m == nil {
		return ""
	}
	major, _ := strconv.Atoi(m[1])
	if m[2] != "" {
		minor, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%d.%d", major, minor)
	}
	return strconv.Itoa(major)
}
