package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"duet/internal/identity"
	"duet/internal/models"
	"duet/internal/service"

	"gopkg.in/yaml.v3"
)

// Fixture is a hand-written conversation loaded from YAML:
//
//	posts:
//	  - author: frontend1
//	    text: hello
//	    likes: [frontend2]
//	    comments:
//	      - author: frontend2
//	        text: hi
//	        replies:
//	          - author: frontend1
//	            text: hey
type Fixture struct {
	Posts []FixturePost `yaml:"posts"`
}

type FixturePost struct {
	Author   string            `yaml:"author"`
	Text     string            `yaml:"text"`
	Media    []models.MediaRef `yaml:"media"`
	Likes    []string          `yaml:"likes"`
	Comments []FixtureComment  `yaml:"comments"`
}

type FixtureComment struct {
	Author  string         `yaml:"author"`
	Text    string         `yaml:"text"`
	Likes   []string       `yaml:"likes"`
	Replies []FixtureReply `yaml:"replies"`
}

type FixtureReply struct {
	Author string   `yaml:"author"`
	Text   string   `yaml:"text"`
	Likes  []string `yaml:"likes"`
}

// DecodeFixture parses a YAML fixture, rejecting unknown fields.
func DecodeFixture(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		if err == io.EOF {
			return &fx, nil
		}
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &fx, nil
}

// LoadFixtureFile reads and decodes the fixture at path.
func LoadFixtureFile(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return DecodeFixture(f)
}

// Apply writes the fixture through posts in document order.
func (fx *Fixture) Apply(ctx context.Context, posts Posts) (Summary, error) {
	var sum Summary
	for i, fp := range fx.Posts {
		author, err := identity.New(fp.Author)
		if err != nil {
			return sum, fmt.Errorf("posts[%d].author: %w", i, err)
		}
		post, err := posts.CreatePost(ctx, author, service.CreatePostInput{Text: fp.Text, Media: fp.Media})
		if err != nil {
			return sum, fmt.Errorf("posts[%d]: %w", i, err)
		}
		sum.Posts++

		n, err := applyLikes(fp.Likes, func(a identity.Actor) error {
			_, err := posts.LikePost(ctx, a, post.ID)
			return err
		})
		sum.Likes += n
		if err != nil {
			return sum, fmt.Errorf("posts[%d].likes: %w", i, err)
		}

		for j, fc := range fp.Comments {
			commenter, err := identity.New(fc.Author)
			if err != nil {
				return sum, fmt.Errorf("posts[%d].comments[%d].author: %w", i, j, err)
			}
			c, err := posts.AddComment(ctx, commenter, post.ID, fc.Text)
			if err != nil {
				return sum, fmt.Errorf("posts[%d].comments[%d]: %w", i, j, err)
			}
			sum.Comments++

			n, err := applyLikes(fc.Likes, func(a identity.Actor) error {
				_, err := posts.LikeComment(ctx, a, post.ID, c.ID)
				return err
			})
			sum.Likes += n
			if err != nil {
				return sum, fmt.Errorf("posts[%d].comments[%d].likes: %w", i, j, err)
			}

			for k, fr := range fc.Replies {
				replier, err := identity.New(fr.Author)
				if err != nil {
					return sum, fmt.Errorf("posts[%d].comments[%d].replies[%d].author: %w", i, j, k, err)
				}
				r, err := posts.AddReply(ctx, replier, post.ID, c.ID, fr.Text)
				if err != nil {
					return sum, fmt.Errorf("posts[%d].comments[%d].replies[%d]: %w", i, j, k, err)
				}
				sum.Replies++

				n, err := applyLikes(fr.Likes, func(a identity.Actor) error {
					_, err := posts.LikeReply(ctx, a, post.ID, c.ID, r.ID)
					return err
				})
				sum.Likes += n
				if err != nil {
					return sum, fmt.Errorf("posts[%d].comments[%d].replies[%d].likes: %w", i, j, k, err)
				}
			}
		}
	}
	return sum, nil
}

func applyLikes(ids []string, like func(identity.Actor) error) (int, error) {
	n := 0
	for _, id := range ids {
		a, err := identity.New(id)
		if err != nil {
			return n, err
		}
		if err := like(a); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
