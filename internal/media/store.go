// Package media stores uploaded attachments for posts.
package media

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"duet/internal/models"
	"duet/internal/observability"

	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	DefaultDir             = "media"
	DefaultMaxUploadSizeMB = 10
	URLPrefix              = "/media/"
	maxImagePixels         = 50_000_000
	sniffLen               = 512
	defaultFileExtension   = ".bin"
)

// UploadInput is one uploaded file.
type UploadInput struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// Store persists media and returns references that posts can carry.
type Store interface {
	Upload(ctx context.Context, in UploadInput) (models.MediaRef, error)
}

// DiskStore writes content-addressed files under a directory:
// {dir}/{kind}/{blake2b-256 hex}{ext}. Identical uploads share one file.
type DiskStore struct {
	dir      string
	maxBytes int64
}

// NewDiskStore creates a DiskStore. Zero arguments select the defaults.
func NewDiskStore(dir string, maxBytes int64) *DiskStore {
	if dir == "" {
		dir = DefaultDir
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadSizeMB * 1024 * 1024
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes}
}

// Dir returns the root directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Upload classifies and stores the content.
func (s *DiskStore) Upload(ctx context.Context, in UploadInput) (models.MediaRef, error) {
	if err := ctx.Err(); err != nil {
		return models.MediaRef{}, err
	}
	if in.Content == nil {
		return models.MediaRef{}, models.NewValidationError("No file uploaded")
	}
	data, err := io.ReadAll(io.LimitReader(in.Content, s.maxBytes+1))
	if err != nil {
		return models.MediaRef{}, models.NewInternalError(fmt.Errorf("read upload: %w", err))
	}
	if len(data) == 0 {
		return models.MediaRef{}, models.NewValidationError("No file uploaded")
	}
	if int64(len(data)) > s.maxBytes {
		return models.MediaRef{}, models.NewValidationError(fmt.Sprintf("File too large (max %dMB)", s.maxBytes/(1024*1024)))
	}

	contentType := sniff(data)
	kind := classify(contentType, normalizeContentType(in.ContentType))
	ref := models.MediaRef{Kind: kind, ContentType: contentType, Size: int64(len(data))}

	if kind == models.MediaImage {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return models.MediaRef{}, models.NewValidationError("Invalid image file")
		}
		if cfg.Width*cfg.Height > maxImagePixels {
			return models.MediaRef{}, models.NewValidationError("Image dimensions too large")
		}
		ref.Width, ref.Height = cfg.Width, cfg.Height
	}
	if kind == models.MediaVoice && strings.HasPrefix(contentType, "video/") {
		// Browser recorders produce audio-only WebM containers.
		ref.ContentType = "audio/webm"
	}

	sum := blake2b.Sum256(data)
	rel := filepath.ToSlash(filepath.Join(string(kind), hex.EncodeToString(sum[:])+extensionFor(ref.ContentType)))
	if err := writeOnce(filepath.Join(s.dir, filepath.FromSlash(rel)), data); err != nil {
		return models.MediaRef{}, models.NewUnavailableError("media", err)
	}

	ref.URL = URLPrefix + rel
	observability.MediaUploads.WithLabelValues(string(kind)).Inc()
	return ref, nil
}

// Resolve maps a stored relative path (the part of the URL after /media/)
// to a file on disk.
func (s *DiskStore) Resolve(rel string) (string, error) {
	kind, name, ok := strings.Cut(strings.TrimPrefix(rel, "/"), "/")
	if !ok || !models.MediaKind(kind).Valid() || !isValidName(name) {
		return "", models.NewNotFoundError("media", rel)
	}
	full := filepath.Join(s.dir, kind, name)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return "", models.NewNotFoundError("media", rel)
		}
		return "", models.NewUnavailableError("media", err)
	}
	return full, nil
}

// isValidName accepts "{lowercase hex}{.ext}" only, which rules out path
// traversal.
func isValidName(name string) bool {
	hash, ext, _ := strings.Cut(name, ".")
	if len(hash) != 2*blake2b.Size256 || strings.Contains(ext, ".") || len(ext) > 8 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	for _, c := range ext {
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

func sniff(data []byte) string {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return normalizeContentType(http.DetectContentType(head))
}

func normalizeContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// classify trusts the sniffed type; the declared type only disambiguates
// WebM, which may hold audio or video.
func classify(sniffed, declared string) models.MediaKind {
	switch {
	case strings.HasPrefix(sniffed, "image/"):
		return models.MediaImage
	case strings.HasPrefix(sniffed, "audio/"), sniffed == "application/ogg":
		return models.MediaVoice
	case sniffed == "video/webm" && strings.HasPrefix(declared, "audio/"):
		return models.MediaVoice
	}
	return models.MediaFile
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"audio/mpeg":      ".mp3",
	"audio/wave":      ".wav",
	"audio/aiff":      ".aiff",
	"audio/webm":      ".webm",
	"application/ogg": ".ogg",
	"video/webm":      ".webm",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"text/plain":      ".txt",
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return defaultFileExtension
}

// writeOnce writes data to path through a temporary file unless the file
// already exists.
func writeOnce(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
