// Command seed-accounts loads provider accounts from a JSON file into the
// datastore. Operators run it once per environment to stock the account pool
// before the first generation is submitted.
//
// The input file is a JSON array:
//
//	[
//	  {
//	    "providerId": "pixverse",
//	    "label": "pool-1",
//	    "credentials": {"api_key": "..."},
//	    "credits": {"video": 10000},
//	    "maxConcurrent": 5
//	  }
//	]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/storage"
)

type accountSpec struct {
	ProviderID    string            `json:"providerId"`
	Label         string            `json:"label"`
	Credentials   map[string]string `json:"credentials"`
	Credits       map[string]int64  `json:"credits"`
	MaxConcurrent int               `json:"maxConcurrent"`
	Disabled      bool              `json:"disabled"`
}

func main() {
	file := flag.String("file", "", "path to the JSON account list (required)")
	dataPath := flag.String("data", "", "path to the JSON datastore (default data/store.json)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (overrides -data)")
	dryRun := flag.Bool("dry-run", false, "validate the file without writing accounts")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "seed-accounts: -file is required")
		flag.Usage()
		os.Exit(2)
	}

	specs, err := loadSpecs(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed-accounts: %v\n", err)
		os.Exit(1)
	}
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "seed-accounts: no accounts in file")
		os.Exit(1)
	}
	if *dryRun {
		fmt.Printf("validated %d account(s)\n", len(specs))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, *postgresDSN, *dataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed-accounts: %v\n", err)
		os.Exit(1)
	}
	defer closeStore(ctx, store)

	for i, spec := range specs {
		account := models.ProviderAccount{
			ProviderID:    spec.ProviderID,
			Label:         spec.Label,
			Credentials:   spec.Credentials,
			Credits:       spec.Credits,
			MaxConcurrent: spec.MaxConcurrent,
			Enabled:       !spec.Disabled,
		}
		created, err := store.CreateAccount(ctx, account)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed-accounts: account %d (%s): %v\n", i+1, spec.ProviderID, err)
			os.Exit(1)
		}
		fmt.Printf("created account %s provider=%s label=%q\n", created.ID, created.ProviderID, created.Label)
	}
}

func loadSpecs(path string) ([]accountSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var specs []accountSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, spec := range specs {
		if strings.TrimSpace(spec.ProviderID) == "" {
			return nil, fmt.Errorf("account %d: providerId is required", i+1)
		}
		if spec.MaxConcurrent < 0 {
			return nil, fmt.Errorf("account %d: maxConcurrent must not be negative", i+1)
		}
	}
	return specs, nil
}

func openStore(ctx context.Context, dsn, dataPath string) (storage.Repository, error) {
	dsn = strings.TrimSpace(firstNonEmpty(dsn, os.Getenv("RENDERFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	if dsn != "" {
		return storage.NewPostgresRepository(ctx, dsn)
	}
	path := firstNonEmpty(dataPath, os.Getenv("RENDERFORGE_DATA"), "data/store.json")
	return storage.NewStorage(path)
}

func closeStore(ctx context.Context, store storage.Repository) {
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		_ = closer.Close(ctx)
		return
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
