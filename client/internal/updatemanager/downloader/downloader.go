package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shelfapp/shelf/version"
)

const (
	DefaultProgressInterval = 200 * time.Millisecond
	partialSuffix           = ".part"
)

// ErrCancelled is returned when the context is cancelled during a download. It
// is deliberately not an *Error.
var ErrCancelled = errors.New("download cancelled")

// Kind classifies a failed download.
type Kind int

const (
	UnsuccessfulResponse Kind = iota
	Transport
)

func (k Kind) String() string {
	if k == UnsuccessfulResponse {
		return "unsuccessful-response"
	}
	return "transport"
}

// Error is a download failure that is not a cancellation.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == UnsuccessfulResponse {
		return fmt.Sprintf("unexpected HTTP status: %d", e.StatusCode)
	}
	return fmt.Sprintf("download transport: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProgressFunc receives the download percentage in [0, 100].
type ProgressFunc func(percent int)

// Downloader streams a package to local storage.
type Downloader struct {
	httpClient       *http.Client
	progressInterval time.Duration
}

// New creates a Downloader with the default HTTP client.
func New() *Downloader {
	return &Downloader{
		httpClient:       http.DefaultClient,
		progressInterval: DefaultProgressInterval,
	}
}

// WithHTTPClient replaces the client used for package requests.
func (d *Downloader) WithHTTPClient(client *http.Client) *Downloader {
	d.httpClient = client
	return d
}

// WithProgressInterval sets the minimum time between two progress callbacks.
func (d *Downloader) WithProgressInterval(interval time.Duration) *Downloader {
	d.progressInterval = interval
	return d
}

// Download streams fileURL into dstDir and returns the path of the finished
// file. The body is written to a partial file which is renamed only after the
// whole body was received; on any failure it is removed.
func (d *Downloader) Download(ctx context.Context, fileURL, dstDir string, onProgress ProgressFunc) (string, error) {
	log.Debugf("starting download from %s", fileURL)

	fileName, err := fileNameFromURL(fileURL)
	if err != nil {
		return "", &Error{Kind: Transport, Err: err}
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", &Error{Kind: Transport, Err: fmt.Errorf("create download dir: %w", err)}
	}

	dstFile := filepath.Join(dstDir, fileName)
	partFile := dstFile + partialSuffix

	out, err := os.Create(partFile)
	if err != nil {
		return "", &Error{Kind: Transport, Err: fmt.Errorf("create destination file %q: %w", partFile, err)}
	}

	var success bool
	defer func() {
		if success {
			return
		}
		if err := os.Remove(partFile); err != nil && !os.IsNotExist(err) {
			log.Warnf("failed to remove partial download %s: %v", partFile, err)
		}
	}()

	written, err := d.downloadToFile(ctx, fileURL, out, onProgress)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = &Error{Kind: Transport, Err: fmt.Errorf("close %q: %w", partFile, cerr)}
	}
	if err != nil {
		return "", err
	}

	if err := os.Rename(partFile, dstFile); err != nil {
		return "", &Error{Kind: Transport, Err: fmt.Errorf("finalize download: %w", err)}
	}
	success = true

	log.Infof("successfully downloaded %d bytes to %s", written, dstFile)
	return dstFile, nil
}

func (d *Downloader) downloadToFile(ctx context.Context, fileURL string, out *os.File, onProgress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, &Error{Kind: Transport, Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, d.classify(ctx, fmt.Errorf("perform HTTP request: %w", err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debugf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &Error{Kind: UnsuccessfulResponse, StatusCode: resp.StatusCode}
	}

	progress := newProgress(resp.ContentLength, d.progressInterval, onProgress)
	written, err := io.Copy(io.MultiWriter(out, progress), resp.Body)
	if err != nil {
		return written, d.classify(ctx, fmt.Errorf("write response body to file: %w", err))
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, &Error{Kind: Transport, Err: fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)}
	}

	return written, nil
}

func (d *Downloader) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	return &Error{Kind: Transport, Err: err}
}

func fileNameFromURL(fileURL string) (string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("parse download URL: %w", err)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("invalid file URL: %s", fileURL)
	}
	return name, nil
}

// DownloadToMemory fetches a small file such as a signature. At most limit
// bytes are read.
func (d *Downloader) DownloadToMemory(ctx context.Context, fileURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, d.classify(ctx, fmt.Errorf("perform HTTP request: %w", err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debugf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: UnsuccessfulResponse, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, d.classify(ctx, fmt.Errorf("read response body: %w", err))
	}
	return data, nil
}
