package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/fetch"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/SHA256SUMS", r.URL.Path)
		_, err := w.Write([]byte("deadbeef *ubuntu.iso\n"))
		assert.NoError(t, err)
	}))
	defer srv.Close()

	body, err := fetch.New(quietLogger()).Get(context.Background(), srv.URL+"/SHA256SUMS")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef *ubuntu.iso\n", string(body))
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := fetch.New(quietLogger()).Get(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Equal(t, fault.NetworkFailure, fault.KindOf(err))
}

func TestDownload(t *testing.T) {
	payload := []byte("pretend this is an iso")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write(payload)
		assert.NoError(t, err)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ubuntu.iso")
	require.NoError(t, fetch.New(quietLogger()).Download(context.Background(), srv.URL+"/ubuntu.iso", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// the staging file must be gone after a successful transfer
	_, err = os.Stat(dest + ".partial")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadNotFoundLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ubuntu.iso")
	err := fetch.New(quietLogger()).Download(context.Background(), srv.URL+"/gone.iso", dest)
	require.Error(t, err)
	assert.Equal(t, fault.NetworkFailure, fault.KindOf(err))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".partial")
	assert.True(t, os.IsNotExist(statErr))
}
