package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSpecsParsesAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	payload := `[
		{"providerId": "pixverse", "label": "pool-1", "credentials": {"api_key": "k"}, "credits": {"video": 500}, "maxConcurrent": 5},
		{"providerId": "sora", "disabled": true}
	]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	specs, err := loadSpecs(path)
	if err != nil {
		t.Fatalf("loadSpecs returned error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].ProviderID != "pixverse" || specs[0].Credits["video"] != 500 {
		t.Fatalf("unexpected first spec: %#v", specs[0])
	}
	if !specs[1].Disabled {
		t.Fatal("expected second spec disabled")
	}
}

func TestLoadSpecsRejectsMissingProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte(`[{"label": "orphan"}]`), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := loadSpecs(path); err == nil {
		t.Fatal("expected error for missing providerId")
	}
}
