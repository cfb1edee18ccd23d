// Command seed populates the configured store with demo conversations.
package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"duet/internal/bootstrap"
	"duet/internal/config"
	"duet/internal/seed"
)

func main() {
	defaults := seed.DefaultOptions()
	numPosts := flag.Int("posts", defaults.Posts, "Number of posts to create")
	participants := flag.String("participants", strings.Join(defaults.Participants, ","), "Comma-separated participant ids")
	maxComments := flag.Int("max-comments", defaults.MaxComments, "Maximum comments per post")
	maxReplies := flag.Int("max-replies", defaults.MaxReplies, "Maximum replies per comment")
	randSeed := flag.Int64("seed", 0, "Random seed (0 picks one)")
	fixture := flag.String("fixture", "", "Load posts from a YAML fixture instead of generating them")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	rt, err := bootstrap.InitRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer func() {
		if err := rt.Close(ctx); err != nil {
			log.Printf("Close error: %v", err)
		}
	}()

	var sum seed.Summary
	if *fixture != "" {
		fx, err := seed.LoadFixtureFile(*fixture)
		if err != nil {
			log.Printf("Failed to load fixture: %v", err)
			return
		}
		sum, err = fx.Apply(ctx, rt.Posts)
		if err != nil {
			log.Printf("Fixture seeding failed: %v", err)
			return
		}
	} else {
		opts := defaults
		opts.Posts = *numPosts
		opts.Participants = strings.Split(*participants, ",")
		opts.MaxComments = *maxComments
		opts.MaxReplies = *maxReplies
		opts.Seed = *randSeed

		f, err := seed.NewFactory(rt.Posts, opts)
		if err != nil {
			log.Printf("Invalid options: %v", err)
			return
		}
		sum, err = f.Run(ctx)
		if err != nil {
			log.Printf("Seeding failed: %v", err)
			return
		}
	}

	log.Printf("Seeded %d posts, %d comments, %d replies, %d likes", sum.Posts, sum.Comments, sum.Replies, sum.Likes)
}
