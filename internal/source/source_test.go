package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/fetch"
	"github.com/seediso/seediso/internal/release"
	"github.com/seediso/seediso/internal/source"
)

var testDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testClient() *fetch.Client {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return fetch.New(logger)
}

func jammy(t *testing.T) *release.Release {
	rel := release.NewDefault().Lookup("jammy")
	require.NotNil(t, rel)
	return rel
}

func TestAcquireExplicitPath(t *testing.T) {
	iso := filepath.Join(t.TempDir(), "local.iso")
	require.NoError(t, os.WriteFile(iso, []byte("iso"), 0644))

	opts := &buildconfig.Options{
		SourcePath:  iso,
		CacheDir:    t.TempDir(),
		DailyMirror: "https://cdimage.invalid", // any network use would fail loudly
		RunDate:     testDate,
	}

	resolved, err := source.New(testClient(), opts, jammy(t)).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, iso, resolved.ImagePath)
	assert.Equal(t, "https://cdimage.invalid/ubuntu-server/jammy/daily-live/current/SHA256SUMS", resolved.ManifestURL)
	assert.Equal(t, "https://cdimage.invalid/ubuntu-server/jammy/daily-live/current/SHA256SUMS.gpg", resolved.SignatureURL)
	assert.Equal(t, "20240301", resolved.CacheSuffix)
}

func TestAcquireDailyDownload(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/ubuntu-server/jammy/daily-live/current/jammy-live-server-amd64.iso", r.URL.Path)
		_, err := w.Write([]byte("daily image bits"))
		assert.NoError(t, err)
	}))
	defer srv.Close()

	opts := &buildconfig.Options{
		CacheDir:    t.TempDir(),
		DailyMirror: srv.URL,
		RunDate:     testDate,
	}

	resolved, err := source.New(testClient(), opts, jammy(t)).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, filepath.Join(opts.CacheDir, "jammy-live-server-amd64.iso"), resolved.ImagePath)

	content, err := os.ReadFile(resolved.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "daily image bits", string(content))

	// second acquire hits the cache, not the server
	resolved2, err := source.New(testClient(), opts, jammy(t)).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, resolved.ImagePath, resolved2.ImagePath)
	assert.Equal(t, 1, hits)
}

func TestAcquireReleaseListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jammy/", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`<a href="ubuntu-22.04.4-live-server-amd64.iso">link</a>`))
		assert.NoError(t, err)
	})
	mux.HandleFunc("/jammy/ubuntu-22.04.4-live-server-amd64.iso", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte("release image bits"))
		assert.NoError(t, err)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := &buildconfig.Options{
		UseReleaseISO: true,
		CacheDir:      t.TempDir(),
		ReleaseMirror: srv.URL,
		RunDate:       testDate,
	}

	resolved, err := source.New(testClient(), opts, jammy(t)).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(opts.CacheDir, "ubuntu-22.04.4-live-server-amd64.iso"), resolved.ImagePath)
	assert.Equal(t, srv.URL+"/jammy/SHA256SUMS", resolved.ManifestURL)
	assert.Equal(t, "22.04", resolved.CacheSuffix)

	content, err := os.ReadFile(resolved.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "release image bits", string(content))
}

func TestAcquireReleaseNoArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`<a href="ubuntu-22.04.4-live-server-amd64.iso">link</a>`))
		assert.NoError(t, err)
	}))
	defer srv.Close()

	opts := &buildconfig.Options{
		UseReleaseISO: true,
		ReleaseType:   "netboot",
		CacheDir:      t.TempDir(),
		ReleaseMirror: srv.URL,
		RunDate:       testDate,
	}

	_, err := source.New(testClient(), opts, jammy(t)).Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.InputValidation, fault.KindOf(err))
}

func TestAcquireDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	opts := &buildconfig.Options{
		CacheDir:    t.TempDir(),
		DailyMirror: srv.URL,
		RunDate:     testDate,
	}

	_, err := source.New(testClient(), opts, jammy(t)).Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.NetworkFailure, fault.KindOf(err))

	entries, readErr := os.ReadDir(opts.CacheDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "failed download must not leave cache entries")
}

func TestCachedManifestPaths(t *testing.T) {
	resolved := &source.Resolved{CacheSuffix: "22.04"}
	manifest, signature := resolved.CachedManifestPaths("/cache")
	assert.Equal(t, "/cache/SHA256SUMS-22.04", manifest)
	assert.Equal(t, "/cache/SHA256SUMS-22.04.gpg", signature)
}
