package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressRecorder struct {
	mu     sync.Mutex
	values []int
}

func (r *progressRecorder) record(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p)
}

func (r *progressRecorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

// chunkedServer serves size bytes in chunks, flushing after each one.
func chunkedServer(t *testing.T, size, chunk int, pause time.Duration) *httptest.Server {
	t.Helper()
	payload := bytes.Repeat([]byte("x"), size)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		flusher := w.(http.Flusher)
		for off := 0; off < size; off += chunk {
			end := min(off+chunk, size)
			if _, err := w.Write(payload[off:end]); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(pause):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownload_Success(t *testing.T) {
	srv := chunkedServer(t, 64*1024, 1024, 0)
	dir := t.TempDir()
	rec := &progressRecorder{}

	file, err := New().WithProgressInterval(0).Download(context.Background(), srv.URL+"/releases/app-arm64.pkg", dir, rec.record)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "app-arm64.pkg"), file)
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), info.Size())
	assert.NoFileExists(t, file+partialSuffix)

	values := rec.get()
	require.NotEmpty(t, values)
	for i, v := range values {
		assert.GreaterOrEqual(t, v, 0)
		assert.LessOrEqual(t, v, 100)
		if i > 0 {
			assert.Greater(t, v, values[i-1], "progress must strictly increase between emissions")
		}
	}
	assert.Equal(t, 100, values[len(values)-1])
}

func TestDownload_ProgressIsRateLimited(t *testing.T) {
	srv := chunkedServer(t, 100*1024, 1024, time.Millisecond)
	rec := &progressRecorder{}

	start := time.Now()
	_, err := New().WithProgressInterval(50*time.Millisecond).Download(context.Background(), srv.URL+"/app.pkg", t.TempDir(), rec.record)
	require.NoError(t, err)
	elapsed := time.Since(start)

	maxEmissions := int(elapsed/(50*time.Millisecond)) + 1
	assert.LessOrEqual(t, len(rec.get()), maxEmissions)
	assert.Less(t, len(rec.get()), 100, "one callback per chunk means the limiter is not applied")
}

func TestDownload_UnsuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := New().Download(context.Background(), srv.URL+"/app.pkg", dir, nil)

	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, UnsuccessfulResponse, dlErr.Kind)
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
	assert.False(t, errors.Is(err, ErrCancelled))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file must be discarded")
}

func TestDownload_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New().Download(context.Background(), url+"/app.pkg", t.TempDir(), nil)

	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, Transport, dlErr.Kind)
}

func TestDownload_Cancelled(t *testing.T) {
	srv := chunkedServer(t, 1024*1024, 1024, 5*time.Millisecond)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	onProgress := func(int) { once.Do(func() { close(started) }) }

	errCh := make(chan error, 1)
	go func() {
		_, err := New().WithProgressInterval(0).Download(ctx, srv.URL+"/app.pkg", dir, onProgress)
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
		var dlErr *Error
		assert.False(t, errors.As(err, &dlErr), "cancellation is not a download error")
	case <-time.After(2 * time.Second):
		t.Fatal("download did not stop after cancellation")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownload_InvalidURL(t *testing.T) {
	_, err := New().Download(context.Background(), "https://example.com/", t.TempDir(), nil)
	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, Transport, dlErr.Kind)
}

func TestProgress_UnknownSize(t *testing.T) {
	var calls int
	p := newProgress(-1, 0, func(int) { calls++ })
	_, _ = p.Write(make([]byte, 100))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, p.Percent())
	assert.Equal(t, int64(100), p.BytesRead)
}

func TestDownloadToMemory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	data, err := New().DownloadToMemory(context.Background(), srv.URL+"/sig", 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))

	_, err = New().DownloadToMemory(context.Background(), srv.URL+"/missing", 4)
	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
}
