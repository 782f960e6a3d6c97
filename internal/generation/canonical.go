package generation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"renderforge/internal/models"
)

// Structured request sections. generation_config is mandatory; the context
// sections are optional but must be objects when present.
const (
	sectionGenerationConfig = "generation_config"
	sectionSceneContext     = "scene_context"
	sectionPlayerContext    = "player_context"
	sectionSocialContext    = "social_context"
)

// Fields that only ever appear inside generation_config. Finding one at the
// top level marks a legacy flat payload, which is rejected outright.
var flatPayloadMarkers = []string{
	"prompt", "prompts", "image_url", "image_urls", "video_url",
	"model", "quality", "duration", "seed", "style",
}

func validateStructure(params map[string]any) error {
	if len(params) == 0 {
		return &ValidationError{Field: "params", Message: "structured params are required"}
	}
	for _, marker := range flatPayloadMarkers {
		if _, ok := params[marker]; ok {
			return &ValidationError{Field: "params", Message: fmt.Sprintf("flat payloads are not accepted; move %q into generation_config", marker)}
		}
	}
	if _, ok := params[sectionGenerationConfig]; !ok {
		return &ValidationError{Field: sectionGenerationConfig, Message: "section is required"}
	}
	for _, section := range []string{sectionGenerationConfig, sectionSceneContext, sectionPlayerContext, sectionSocialContext} {
		raw, ok := params[section]
		if !ok {
			continue
		}
		if _, ok := raw.(map[string]any); !ok {
			return &ValidationError{Field: section, Message: "section must be an object"}
		}
	}
	return nil
}

func sectionMap(params map[string]any, name string) map[string]any {
	section, _ := params[name].(map[string]any)
	return section
}

func validateOperationFields(op models.OperationType, config map[string]any) error {
	prompt, _ := config["prompt"].(string)
	switch op {
	case models.OperationTextToVideo, models.OperationTextToImage:
		if strings.TrimSpace(prompt) == "" {
			return &ValidationError{Field: "generation_config.prompt", Message: "prompt is required"}
		}
	case models.OperationImageToVideo:
		if strings.TrimSpace(prompt) == "" {
			return &ValidationError{Field: "generation_config.prompt", Message: "prompt is required"}
		}
		if stringField(config, "image_url") == "" {
			return &ValidationError{Field: "generation_config.image_url", Message: "image_url is required"}
		}
	case models.OperationImageToImage:
		if strings.TrimSpace(prompt) == "" {
			return &ValidationError{Field: "generation_config.prompt", Message: "prompt is required"}
		}
		if len(stringList(config, "image_urls")) == 0 && stringField(config, "image_url") == "" {
			return &ValidationError{Field: "generation_config.image_urls", Message: "image_urls or image_url is required"}
		}
	case models.OperationVideoExtend:
		if stringField(config, "video_url") == "" && stringField(config, "original_video_id") == "" {
			return &ValidationError{Field: "generation_config.video_url", Message: "video_url or original_video_id is required"}
		}
	case models.OperationVideoTransition:
		images := stringList(config, "image_urls")
		if len(images) < 2 {
			return &ValidationError{Field: "generation_config.image_urls", Message: "at least two image_urls are required"}
		}
		prompts := stringList(config, "prompts")
		if len(prompts) != len(images)-1 {
			return &ValidationError{Field: "generation_config.prompts", Message: fmt.Sprintf("expected %d prompts for %d images", len(images)-1, len(images))}
		}
	}
	return nil
}

// clampResult reports what the content-rating step did to the request.
type clampResult struct {
	Clamped   bool
	Original  models.ContentRating
	Effective models.ContentRating
}

// clampRating enforces effective_max = min(world, user) on
// social_context.contentRating, rewriting the section in place. An absent
// rating defaults to sfw; unknown strings are rejected.
func clampRating(params map[string]any, worldMax, userMax models.ContentRating) (clampResult, error) {
	social := sectionMap(params, sectionSocialContext)
	if social == nil {
		social = make(map[string]any)
		params[sectionSocialContext] = social
	}
	requested := models.RatingSFW
	if raw, ok := social["contentRating"].(string); ok && strings.TrimSpace(raw) != "" {
		requested = models.ContentRating(raw)
	}
	requestedIdx, err := models.RatingIndex(requested)
	if err != nil {
		return clampResult{}, &ValidationError{Field: "social_context.contentRating", Message: err.Error()}
	}
	effective, err := models.MinRating(worldMax, userMax)
	if err != nil {
		return clampResult{}, err
	}
	effectiveIdx, _ := models.RatingIndex(effective)
	if requestedIdx <= effectiveIdx {
		social["contentRating"] = string(requested)
		return clampResult{Original: requested, Effective: requested}, nil
	}
	social["contentRating"] = string(effective)
	social["_ratingClamped"] = true
	social["_originalRating"] = string(requested)
	return clampResult{Clamped: true, Original: requested, Effective: effective}, nil
}

// canonicalize flattens generation_config into the provider-facing value
// record: provider-agnostic nested fields (duration.target,
// constraints.rating, style.pacing) and the provider's own style block are
// lifted to the top level, and the context sections are carried forward.
func canonicalize(providerID string, params map[string]any) map[string]any {
	config := sectionMap(params, sectionGenerationConfig)
	canonical := make(map[string]any, len(config)+4)
	for key, value := range config {
		switch key {
		case "duration", "constraints", "style", "cacheStrategy":
			continue
		}
		canonical[key] = value
	}
	if duration, ok := sectionMap(config, "duration")["target"]; ok {
		canonical["duration"] = duration
	}
	if rating, ok := sectionMap(config, "constraints")["rating"]; ok {
		canonical["rating"] = rating
	}
	style := sectionMap(config, "style")
	if pacing, ok := style["pacing"]; ok {
		canonical["pacing"] = pacing
	}
	for key, value := range sectionMap(style, providerID) {
		canonical[key] = value
	}
	for _, section := range []string{sectionSceneContext, sectionPlayerContext, sectionSocialContext} {
		if ctx := sectionMap(params, section); ctx != nil {
			canonical[section] = ctx
		}
	}
	return canonical
}

// extractInputs derives the ordered input references from scene_context.
func extractInputs(scene map[string]any) []models.InputRef {
	var inputs []models.InputRef
	if from := stringField(scene, "fromSceneId"); from != "" {
		inputs = append(inputs, models.InputRef{Kind: "scene", Ref: from})
	}
	if to := stringField(scene, "toSceneId"); to != "" {
		inputs = append(inputs, models.InputRef{Kind: "scene", Ref: to})
	}
	return inputs
}

// reproducibleHash digests the canonical params and inputs. json.Marshal
// emits map keys in sorted order, so equal values produce equal digests.
func reproducibleHash(canonical map[string]any, inputs []models.InputRef) (string, error) {
	envelope := struct {
		Params map[string]any    `json:"params"`
		Inputs []models.InputRef `json:"inputs"`
	}{Params: canonical, Inputs: inputs}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode canonical params: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// normalizePrompt collapses whitespace so formatting differences share one
// prompt version.
func normalizePrompt(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func promptVersionID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// deepCopyParams snapshots the caller's payload so the clamp and
// canonicalization steps never alias request memory.
func deepCopyParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("copy params: %w", err)
	}
	var copied map[string]any
	if err := json.Unmarshal(encoded, &copied); err != nil {
		return nil, fmt.Errorf("copy params: %w", err)
	}
	return copied, nil
}

func stringField(section map[string]any, key string) string {
	if section == nil {
		return ""
	}
	value, _ := section[key].(string)
	return strings.TrimSpace(value)
}

func stringList(section map[string]any, key string) []string {
	if section == nil {
		return nil
	}
	var out []string
	switch raw := section[key].(type) {
	case []string:
		out = append(out, raw...)
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
