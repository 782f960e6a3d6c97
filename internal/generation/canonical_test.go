package generation

import (
	"testing"

	"renderforge/internal/models"
)

func TestCanonicalizeLiftsNestedFields(t *testing.T) {
	params := map[string]any{
		"generation_config": map[string]any{
			"prompt":        "dusk over the bay",
			"duration":      map[string]any{"target": 8, "max": 12},
			"constraints":   map[string]any{"rating": "sfw"},
			"style":         map[string]any{"pacing": "slow", "pixverse": map[string]any{"model": "v4"}},
			"cacheStrategy": "once",
		},
		"scene_context": map[string]any{"fromSceneId": "s1"},
	}

	canonical := canonicalize("pixverse", params)

	if canonical["prompt"] != "dusk over the bay" {
		t.Fatalf("prompt not carried: %#v", canonical["prompt"])
	}
	if canonical["duration"] != 8 {
		t.Fatalf("duration.target not lifted: %#v", canonical["duration"])
	}
	if canonical["rating"] != "sfw" {
		t.Fatalf("constraints.rating not lifted: %#v", canonical["rating"])
	}
	if canonical["pacing"] != "slow" {
		t.Fatalf("style.pacing not lifted: %#v", canonical["pacing"])
	}
	if canonical["model"] != "v4" {
		t.Fatalf("provider style block not lifted: %#v", canonical["model"])
	}
	if _, ok := canonical["cacheStrategy"]; ok {
		t.Fatal("cacheStrategy must not reach the canonical record")
	}
	if _, ok := canonical["style"]; ok {
		t.Fatal("raw style block must not reach the canonical record")
	}
	if _, ok := canonical["scene_context"]; !ok {
		t.Fatal("scene_context should be carried forward")
	}
}

func TestCanonicalizeIgnoresOtherProviderStyle(t *testing.T) {
	params := map[string]any{
		"generation_config": map[string]any{
			"prompt": "x",
			"style":  map[string]any{"sora": map[string]any{"model": "turbo"}},
		},
	}
	canonical := canonicalize("pixverse", params)
	if _, ok := canonical["model"]; ok {
		t.Fatal("style block of a different provider must not be lifted")
	}
}

func TestReproducibleHashStableAndSensitive(t *testing.T) {
	canonical := map[string]any{"prompt": "a", "duration": 5}
	inputs := []models.InputRef{{Kind: "scene", Ref: "s1"}}

	first, err := reproducibleHash(canonical, inputs)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := reproducibleHash(map[string]any{"duration": 5, "prompt": "a"}, inputs)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatal("map ordering must not change the hash")
	}

	changed, _ := reproducibleHash(canonical, []models.InputRef{{Kind: "scene", Ref: "s2"}})
	if changed == first {
		t.Fatal("different inputs must change the hash")
	}
	reordered, _ := reproducibleHash(canonical, []models.InputRef{{Kind: "scene", Ref: "s1"}, {Kind: "scene", Ref: "s2"}})
	if reordered == first {
		t.Fatal("input order is significant")
	}
}

func TestClampRatingRewritesSection(t *testing.T) {
	params := map[string]any{
		"social_context": map[string]any{"contentRating": string(models.RatingRestricted)},
	}
	result, err := clampRating(params, models.RatingRomantic, models.RatingRestricted)
	if err != nil {
		t.Fatalf("clampRating: %v", err)
	}
	if !result.Clamped || result.Effective != models.RatingRomantic {
		t.Fatalf("clamp result = %#v", result)
	}
	social := params["social_context"].(map[string]any)
	if social["contentRating"] != string(models.RatingRomantic) {
		t.Fatalf("section not rewritten: %#v", social)
	}
	if social["_originalRating"] != string(models.RatingRestricted) {
		t.Fatalf("original rating not recorded: %#v", social)
	}
}

func TestClampRatingDefaultsToSFW(t *testing.T) {
	params := map[string]any{}
	result, err := clampRating(params, models.RatingRestricted, models.RatingRestricted)
	if err != nil {
		t.Fatalf("clampRating: %v", err)
	}
	if result.Clamped || result.Effective != models.RatingSFW {
		t.Fatalf("absent rating should default to sfw: %#v", result)
	}
}

func TestNormalizePromptCollapsesWhitespace(t *testing.T) {
	if got := normalizePrompt("  a   foggy\nharbor\t"); got != "a foggy harbor" {
		t.Fatalf("normalizePrompt = %q", got)
	}
	a := promptVersionID(normalizePrompt("a  b"))
	b := promptVersionID(normalizePrompt("a b"))
	if a != b {
		t.Fatal("whitespace variants must share one prompt version")
	}
}
