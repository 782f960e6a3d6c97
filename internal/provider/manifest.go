package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Kind describes what a provider plugin produces.
type Kind string

const (
	KindVideo     Kind = "video"
	KindLLM       Kind = "llm"
	KindEmbedding Kind = "embedding"
	KindBoth      Kind = "both"
)

// Manifest describes one provider plugin. Manifests live as JSON files in the
// manifest directory; the registry binds each enabled manifest to a compiled
// adapter constructor by id.
type Manifest struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Kind                Kind     `json:"kind"`
	Enabled             bool     `json:"enabled"`
	RequiresCredentials bool     `json:"requiresCredentials"`
	Domains             []string `json:"domains,omitempty"`
	CreditTypes         []string `json:"creditTypes,omitempty"`
}

// Validate checks the fields the registry depends on.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	switch m.Kind {
	case KindVideo, KindLLM, KindEmbedding, KindBoth:
	default:
		return fmt.Errorf("manifest %s: unknown kind %q", m.ID, m.Kind)
	}
	return nil
}

// LoadManifests reads every *.json manifest under dir, sorted by id. Files
// that fail to parse or validate are returned as errors; the caller decides
// whether to skip or abort.
func LoadManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	manifests := make([]Manifest, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", entry.Name(), err)
		}
		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", entry.Name(), err)
		}
		if err := manifest.Validate(); err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID < manifests[j].ID
	})
	return manifests, nil
}
