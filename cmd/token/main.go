// Command token mints a bearer token for a participant, for local
// development and manual testing.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"duet/internal/config"
	"duet/internal/middleware"
)

func main() {
	participant := flag.String("participant", "frontend1", "Participant id (token subject)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("Refusing to mint tokens with a production configuration")
	}

	tok, err := middleware.IssueToken(cfg.JWTSecret, *participant, *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(tok)
}
