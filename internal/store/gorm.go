package store

import (
	"context"
	"errors"
	"strings"

	"duet/internal/models"
	"duet/internal/observability"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Gorm stores each aggregate as a row of post_documents. It runs on any
// gorm dialect; PostgreSQL and SQLite are wired by the database package.
type Gorm struct {
	db      *gorm.DB
	backend string
	log     *observability.StoreLogger
}

// NewGorm wraps an open gorm connection. The post_documents table must exist.
func NewGorm(db *gorm.DB) *Gorm {
	backend := "sql"
	if db.Dialector != nil {
		backend = db.Dialector.Name()
	}
	return &Gorm{db: db, backend: backend, log: observability.NewStoreLogger(backend)}
}

func (s *Gorm) Get(ctx context.Context, postID string) (*models.Post, error) {
	defer observability.TrackStore(s.backend, "get")()

	var doc models.PostDocument
	err := s.db.WithContext(ctx).Where("id = ?", postID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(postID)
	}
	if err != nil {
		return nil, s.fail(ctx, "get", err)
	}
	return s.fromDocument(&doc)
}

func (s *Gorm) Put(ctx context.Context, post *models.Post, expectedVersion uint64) (uint64, error) {
	defer observability.TrackStore(s.backend, "put")()
	if err := validatePut(post); err != nil {
		return 0, err
	}

	next := post.Clone()
	next.Version = expectedVersion + 1
	body, err := encode(next)
	if err != nil {
		return 0, err
	}

	if expectedVersion == 0 {
		doc := models.PostDocument{
			ID:        next.ID,
			AuthorID:  next.AuthorID,
			CreatedAt: next.CreatedAt,
			Version:   next.Version,
			Body:      body,
		}
		if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
			if isUniqueViolation(err) {
				s.log.LogConflict(ctx, next.ID, expectedVersion)
				return 0, conflict(next.ID)
			}
			return 0, s.fail(ctx, "create", err)
		}
		s.log.LogPut(ctx, next.ID, next.Version)
		return next.Version, nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.PostDocument{}).
		Where("id = ? AND version = ?", next.ID, expectedVersion).
		Updates(map[string]any{"version": next.Version, "body": body})
	if res.Error != nil {
		return 0, s.fail(ctx, "update", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, s.missingOrConflict(ctx, next.ID, expectedVersion)
	}
	s.log.LogPut(ctx, next.ID, next.Version)
	return next.Version, nil
}

func (s *Gorm) Delete(ctx context.Context, postID string, expectedVersion uint64) error {
	defer observability.TrackStore(s.backend, "delete")()

	res := s.db.WithContext(ctx).
		Where("id = ? AND version = ?", postID, expectedVersion).
		Delete(&models.PostDocument{})
	if res.Error != nil {
		return s.fail(ctx, "delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrConflict(ctx, postID, expectedVersion)
	}
	s.log.LogDelete(ctx, postID, expectedVersion)
	return nil
}

func (s *Gorm) List(ctx context.Context) ([]*models.Post, error) {
	defer observability.TrackStore(s.backend, "list")()

	var docs []models.PostDocument
	if err := s.db.WithContext(ctx).Order("created_at desc, id desc").Find(&docs).Error; err != nil {
		return nil, s.fail(ctx, "list", err)
	}

	out := make([]*models.Post, 0, len(docs))
	for i := range docs {
		post, err := s.fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Gorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Gorm) fromDocument(doc *models.PostDocument) (*models.Post, error) {
	post, err := decode(doc.Body)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	post.Version = doc.Version
	return post, nil
}

// missingOrConflict tells a lost race apart from a vanished row after a
// conditional write matched nothing.
func (s *Gorm) missingOrConflict(ctx context.Context, postID string, expectedVersion uint64) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.PostDocument{}).Where("id = ?", postID).Count(&n).Error; err != nil {
		return s.fail(ctx, "count", err)
	}
	if n == 0 {
		return notFound(postID)
	}
	s.log.LogConflict(ctx, postID, expectedVersion)
	return conflict(postID)
}

func (s *Gorm) fail(ctx context.Context, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.log.LogError(ctx, err, operation)
	return unavailable(s.backend, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
