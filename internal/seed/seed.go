// Package seed populates demo posts, comments, replies and likes. Every
// write goes through the mutation engine so seeded data carries real
// versions and produces change records.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"duet/internal/identity"
	"duet/internal/models"
	"duet/internal/observability"
	"duet/internal/service"

	"github.com/brianvoe/gofakeit/v6"
)

// Posts is the subset of the post service used by the seeder.
type Posts interface {
	CreatePost(ctx context.Context, actor identity.Actor, in service.CreatePostInput) (*models.Post, error)
	LikePost(ctx context.Context, actor identity.Actor, postID string) (*models.Post, error)
	AddComment(ctx context.Context, actor identity.Actor, postID, text string) (*models.Comment, error)
	LikeComment(ctx context.Context, actor identity.Actor, postID, commentID string) (*models.Comment, error)
	AddReply(ctx context.Context, actor identity.Actor, postID, commentID, text string) (*models.Reply, error)
	LikeReply(ctx context.Context, actor identity.Actor, postID, commentID, replyID string) (*models.Reply, error)
}

// SeedOptions controls generated content.
type SeedOptions struct {
	Participants     []string
	Posts            int
	MaxComments      int
	MaxReplies       int
	LikeProbability  float64
	MediaProbability float64
	Seed             int64
}

// DefaultOptions seeds a small conversation between the two default
// participants.
func DefaultOptions() SeedOptions {
	return SeedOptions{
		Participants:     []string{"frontend1", "frontend2"},
		Posts:            20,
		MaxComments:      4,
		MaxReplies:       3,
		LikeProbability:  0.5,
		MediaProbability: 0.2,
	}
}

// Summary counts what a seeding run created.
type Summary struct {
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
	Replies  int `json:"replies"`
	Likes    int `json:"likes"`
}

// Factory builds random content and writes it through Posts.
type Factory struct {
	posts  Posts
	opts   SeedOptions
	faker  *gofakeit.Faker
	rng    *rand.Rand
	actors []identity.Actor
	logger *slog.Logger
}

// NewFactory validates the participants and creates a Factory. A zero
// opts.Seed draws a random seed.
func NewFactory(posts Posts, opts SeedOptions) (*Factory, error) {
	if len(opts.Participants) == 0 {
		opts.Participants = DefaultOptions().Participants
	}
	actors := make([]identity.Actor, 0, len(opts.Participants))
	for _, id := range opts.Participants {
		a, err := identity.New(id)
		if err != nil {
			return nil, fmt.Errorf("participant %q: %w", id, err)
		}
		actors = append(actors, a)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int64()
	}
	return &Factory{
		posts:  posts,
		opts:   opts,
		faker:  gofakeit.New(seed),
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1))),
		actors: actors,
		logger: observability.GlobalLogger.Logger,
	}, nil
}

// BuildPostInput returns random post content without storing it.
func (f *Factory) BuildPostInput() service.CreatePostInput {
	in := service.CreatePostInput{Text: f.faker.Sentence(f.rng.IntN(12) + 3)}
	if f.rng.Float64() < f.opts.MediaProbability {
		in.Media = []models.MediaRef{{
			Kind: models.MediaImage,
			URL:  fmt.Sprintf("https://picsum.photos/seed/%s/800/800", f.faker.UUID()),
		}}
	}
	return in
}

// Run creates opts.Posts posts with a random discussion under each.
func (f *Factory) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for i := 0; i < f.opts.Posts; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		post, err := f.posts.CreatePost(ctx, f.pick(), f.BuildPostInput())
		if err != nil {
			return sum, fmt.Errorf("create post: %w", err)
		}
		sum.Posts++
		if err := f.discuss(ctx, post.ID, &sum); err != nil {
			return sum, err
		}
	}
	f.logger.Info("seeded posts",
		slog.Int("posts", sum.Posts),
		slog.Int("comments", sum.Comments),
		slog.Int("replies", sum.Replies),
		slog.Int("likes", sum.Likes),
	)
	return sum, nil
}

func (f *Factory) discuss(ctx context.Context, postID string, sum *Summary) error {
	for _, a := range f.likers() {
		if _, err := f.posts.LikePost(ctx, a, postID); err != nil {
			return fmt.Errorf("like post: %w", err)
		}
		sum.Likes++
	}

	for range f.upTo(f.opts.MaxComments) {
		c, err := f.posts.AddComment(ctx, f.pick(), postID, f.faker.Sentence(f.rng.IntN(8)+2))
		if err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
		sum.Comments++
		for _, a := range f.likers() {
			if _, err := f.posts.LikeComment(ctx, a, postID, c.ID); err != nil {
				return fmt.Errorf("like comment: %w", err)
			}
			sum.Likes++
		}

		for range f.upTo(f.opts.MaxReplies) {
			r, err := f.posts.AddReply(ctx, f.pick(), postID, c.ID, f.faker.Sentence(f.rng.IntN(6)+2))
			if err != nil {
				return fmt.Errorf("add reply: %w", err)
			}
			sum.Replies++
			for _, a := range f.likers() {
				if _, err := f.posts.LikeReply(ctx, a, postID, c.ID, r.ID); err != nil {
					return fmt.Errorf("like reply: %w", err)
				}
				sum.Likes++
			}
		}
	}
	return nil
}

func (f *Factory) pick() identity.Actor {
	return f.actors[f.rng.IntN(len(f.actors))]
}

func (f *Factory) upTo(n int) int {
	if n <= 0 {
		return 0
	}
	return f.rng.IntN(n + 1)
}

// likers draws each participant independently.
func (f *Factory) likers() []identity.Actor {
	var out []identity.Actor
	for _, a := range f.actors {
		if f.rng.Float64() < f.opts.LikeProbability {
			out = append(out, a)
		}
	}
	return out
}
