package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

func TestDocumentStorageEmulatorUploadAndRead(t *testing.T) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RUN_GCS_EMULATOR_INTEGRATION")), "true") {
		t.Skip("set RUN_GCS_EMULATOR_INTEGRATION=true to run emulator integration tests")
	}
	host := strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/")
	if host == "" {
		host = "http://127.0.0.1:4443"
	}
	if !isEmulatorReachable(host) {
		t.Skipf("storage emulator not reachable at %s", host)
	}

	bucket := fmt.Sprintf("askpdf-it-%d", time.Now().UnixNano())
	createBucketIfMissing(t, host, bucket)

	ctx := context.Background()
	s, err := NewDocumentStorage(ctx, logger.Nop(), ObjectStorageConfig{
		Mode:         ObjectStorageModeGCSEmulator,
		EmulatorHost: host,
		Bucket:       bucket,
		SignedURLTTL: time.Hour,
	}, nil, nil)
	require.NoError(t, err)

	path := "owner/doc.pdf"
	require.NoError(t, s.Upload(ctx, path, []byte("%PDF-1.7 body"), "application/pdf"))

	u, err := s.SignedURL(ctx, path)
	require.NoError(t, err)

	var body []byte
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(u)
		if err == nil {
			body, _ = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("object never became readable at %s", u)
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Equal(t, "%PDF-1.7 body", string(body))

	got, err := s.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(got))

	require.NoError(t, s.Delete(ctx, path))
	require.NoError(t, s.Delete(ctx, path))
}

func isEmulatorReachable(host string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(host + "/storage/v1/b?project=local-dev")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func createBucketIfMissing(t *testing.T, host, bucket string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"name": bucket})
	require.NoError(t, err)

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPost, host+"/storage/v1/b?project=local-dev", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return
	}
	b, _ := io.ReadAll(resp.Body)
	t.Fatalf("create bucket %q failed: status=%d body=%s", bucket, resp.StatusCode, strings.TrimSpace(string(b)))
}
