package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// providerkey rotates the api_key of one provider config row without going
// through the admin UI.
func main() {
	var (
		configID int64
		keyFlag  string
	)
	flag.Int64Var(&configID, "config", 0, "api_configs row id to update")
	flag.StringVar(&keyFlag, "key", "", "API key value (falls back to PROVIDER_API_KEY)")
	flag.Parse()

	_ = godotenv.Load()

	if configID <= 0 {
		fmt.Fprintln(os.Stderr, "-config is required")
		os.Exit(1)
	}
	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("PROVIDER_API_KEY"))
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "API key is required via -key or PROVIDER_API_KEY")
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	tag, err := pool.Exec(ctx, `
UPDATE api_configs
SET api_key = $2,
    updated_at = NOW()
WHERE id = $1;
`, configID, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to update api key: %v\n", err)
		os.Exit(1)
	}
	if tag.RowsAffected() == 0 {
		fmt.Fprintf(os.Stderr, "no api_configs row with id %d\n", configID)
		os.Exit(1)
	}

	fmt.Printf("api key updated for config %d\n", configID)
}
