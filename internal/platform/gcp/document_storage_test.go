package gcp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/urlcache"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func newEmulatorStorage(t *testing.T, clock urlcache.Clock, ttl time.Duration) *documentStorage {
	t.Helper()
	s, err := NewDocumentStorage(context.Background(), logger.Nop(), ObjectStorageConfig{
		Mode:         ObjectStorageModeGCSEmulator,
		EmulatorHost: "http://127.0.0.1:4443",
		Bucket:       "docs",
		SignedURLTTL: ttl,
	}, nil, clock)
	require.NoError(t, err)
	return s.(*documentStorage)
}

func TestSignedURLIsCachedUntilSafetyMargin(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newEmulatorStorage(t, clock, 10*time.Minute)

	calls := 0
	s.sign = func(path string, expires time.Time) (string, error) {
		calls++
		return fmt.Sprintf("https://signed/%s?exp=%d", path, expires.Unix()), nil
	}

	ctx := context.Background()
	first, err := s.SignedURL(ctx, "u/doc.pdf")
	require.NoError(t, err)
	clock.now = clock.now.Add(8 * time.Minute)
	second, err := s.SignedURL(ctx, "u/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	// 10m TTL minus the 1m margin.
	clock.now = clock.now.Add(time.Minute)
	third, err := s.SignedURL(ctx, "u/doc.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 2, calls)
}

func TestEmulatorURLEscapesPath(t *testing.T) {
	s := newEmulatorStorage(t, nil, time.Hour)
	u, err := s.SignedURL(context.Background(), "user/a b.pdf")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4443/storage/v1/b/docs/o/user%2Fa%20b.pdf?alt=media", u)
}

func TestSafetyMargin(t *testing.T) {
	assert.Equal(t, time.Minute, safetyMargin(time.Hour))
	assert.Equal(t, 3*time.Second, safetyMargin(30*time.Second))
}
