package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	_ "golang.org/x/image/webp"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

const defaultMaxUploadSize = 20 * datasize.MB

var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// Upload is a stored source file.
type Upload struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// UploadService stores user-supplied images (video sources) and hands back the
// public URL that goes into job payloads.
type UploadService struct {
	storage ObjectStorage
	prefix  string
	maxSize int64
}

// NewUploadService creates an UploadService over storage.
// Parameters:
//   - storage: bucket the files are written to.
//   - cfg: storage configuration providing the key prefix and size limit.
// Returns:
//   - *UploadService: ready to accept files.
func NewUploadService(storage ObjectStorage, cfg *config.StorageConfig) *UploadService {
	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = int64(defaultMaxUploadSize.Bytes())
	}
	return &UploadService{
		storage: storage,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		maxSize: maxSize,
	}
}

// MaxSize returns the largest accepted file in bytes.
func (s *UploadService) MaxSize() int64 {
	return s.maxSize
}

// Upload validates r as an image and stores it under a content-addressed key,
// so the same file uploaded twice by one owner is written once.
// Parameters:
//   - ctx: request context.
//   - ownerID: uploading user.
//   - r: file contents.
// Returns:
//   - *Upload: key, public URL and image metadata.
//   - error: *domain.ValidationError for oversized or non-image input, or a storage error.
func (s *UploadService) Upload(ctx context.Context, ownerID string, r io.Reader) (*Upload, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrUnauthenticated
	}
	start := time.Now()

	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, &domain.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("exceeds maximum size of %s", datasize.ByteSize(s.maxSize).HR()),
		}
	}
	if len(data) == 0 {
		return nil, &domain.ValidationError{Field: "file", Message: "must not be empty"}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &domain.ValidationError{Field: "file", Message: "not a supported image (jpeg, png, gif, webp)"}
	}
	contentType, ok := contentTypes[format]
	if !ok {
		return nil, &domain.ValidationError{Field: "file", Message: fmt.Sprintf("unsupported image format %q", format)}
	}

	hash := md5.Sum(data)
	sum := hex.EncodeToString(hash[:])
	key := fmt.Sprintf("%s/%s.%s", sum[:2], sum, format)
	key = strings.TrimPrefix(s.prefix+"/"+ownerID+"/"+key, "/")

	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Existence check failed, uploading anyway")
	}
	if !exists {
		if err := s.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			return nil, err
		}
	}

	logger.Since(start).With(logger.Fields{
		logger.FieldSize: len(data),
		"key":            key,
		"deduplicated":   exists,
	}).Info(ctx, "Upload stored")

	return &Upload{
		Key:         key,
		URL:         s.storage.GetURL(key),
		ContentType: contentType,
		Size:        int64(len(data)),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}
