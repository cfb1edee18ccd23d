// Command sweep runs one retention pass against the configured store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"duet/internal/bootstrap"
	"duet/internal/config"
)

func main() {
	at := flag.String("now", "", "Sweep as of this RFC 3339 time instead of the current time")
	flag.Parse()

	now := time.Now()
	if *at != "" {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			log.Fatalf("Invalid -now: %v", err)
		}
		now = parsed
	}
	os.Exit(run(now))
}

func run(now time.Time) int {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	ctx := context.Background()
	rt, err := bootstrap.InitRuntime(ctx, cfg)
	if err != nil {
		log.Printf("Failed to initialize runtime: %v", err)
		return 1
	}
	defer func() {
		if err := rt.Close(ctx); err != nil {
			log.Printf("Close error: %v", err)
		}
	}()

	result := rt.Sweeper.RunOnce(ctx, now)
	_ = json.NewEncoder(os.Stdout).Encode(result)
	if result.Failed > 0 {
		return 1
	}
	return 0
}
