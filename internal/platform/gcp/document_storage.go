package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/urlcache"
)

// DocumentStorage stores uploaded PDFs and hands out time-limited read URLs.
type DocumentStorage interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	// SignedURL returns a cached URL while it has at least a safety margin
	// of validity left.
	SignedURL(ctx context.Context, path string) (string, error)
}

type signFunc func(path string, expires time.Time) (string, error)

type documentStorage struct {
	log    *logger.Logger
	client *storage.Client
	cfg    ObjectStorageConfig
	cache  urlcache.Cache
	clock  urlcache.Clock
	sign   signFunc
}

func NewDocumentStorage(ctx context.Context, log *logger.Logger, cfg ObjectStorageConfig, cache urlcache.Cache, clock urlcache.Clock) (DocumentStorage, error) {
	if err := ValidateObjectStorageConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	if clock == nil {
		clock = urlcache.SystemClock{}
	}
	if cache == nil {
		cache = urlcache.NewMemoryCache(clock)
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}

	client, err := newStorageClientForMode(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	s := &documentStorage{
		log:    log.With("service", "DocumentStorage"),
		client: client,
		cfg:    cfg,
		cache:  cache,
		clock:  clock,
	}
	if cfg.IsEmulatorMode() {
		s.sign = s.emulatorURL
	} else {
		s.sign = s.gcsSignedURL
	}

	s.log.Info("Object storage initialized",
		"mode", cfg.Mode,
		"mode_source", cfg.ModeSource(),
		"emulator_host", cfg.EmulatorHost,
		"bucket", cfg.Bucket,
		"signed_url_ttl", cfg.SignedURLTTL.String(),
	)
	return s, nil
}

func newStorageClientForMode(ctx context.Context, cfg ObjectStorageConfig) (*storage.Client, error) {
	switch cfg.Mode {
	case ObjectStorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Mode: string(cfg.Mode)}
	}
}

func (s *documentStorage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty storage path")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.cfg.Bucket).Object(path).NewWriter(ctx)
	if contentType == "" {
		contentType = "application/pdf"
	}
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (s *documentStorage) Read(ctx context.Context, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty storage path")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := s.client.Bucket(s.cfg.Bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %q: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %q: %w", path, err)
	}
	return data, nil
}

func (s *documentStorage) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.client.Bucket(s.cfg.Bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %q: %w", path, err)
	}
	return nil
}

func (s *documentStorage) SignedURL(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty storage path")
	}
	if u, ok := s.cache.Get(ctx, path); ok {
		return u, nil
	}
	now := s.clock.Now()
	expires := now.Add(s.cfg.SignedURLTTL)
	u, err := s.sign(path, expires)
	if err != nil {
		return "", err
	}
	s.cache.Set(ctx, path, u, expires.Add(-safetyMargin(s.cfg.SignedURLTTL)))
	return u, nil
}

// safetyMargin keeps a cached URL from being served right before it expires.
func safetyMargin(ttl time.Duration) time.Duration {
	m := ttl / 10
	if m > time.Minute {
		m = time.Minute
	}
	return m
}

func (s *documentStorage) gcsSignedURL(path string, expires time.Time) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	}
	if s.cfg.SignerEmail != "" {
		opts.GoogleAccessID = s.cfg.SignerEmail
	}
	u, err := s.client.Bucket(s.cfg.Bucket).SignedURL(path, opts)
	if err != nil {
		return "", fmt.Errorf("sign %q: %w", path, err)
	}
	return u, nil
}

func (s *documentStorage) emulatorURL(path string, _ time.Time) (string, error) {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
		strings.TrimRight(strings.TrimSpace(s.cfg.EmulatorHost), "/"),
		url.PathEscape(s.cfg.Bucket),
		url.PathEscape(path),
	), nil
}
