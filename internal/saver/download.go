package saver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	defaultDownloadTimeout  = 60 * time.Second
	defaultDownloadAttempts = 3
	defaultRetryDelay       = 200 * time.Millisecond
)

// DownloadEvents are optional lifecycle hooks. Total is -1 when the server
// does not announce a length. OnStart fires once per Download. A retried
// attempt rewrites the file, so OnProgress counts restart from zero.
type DownloadEvents struct {
	OnStart    func(total int64)
	OnProgress func(written, total int64)
}

// StatusError is returned for non-2xx download responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

type HTTPDownloaderConfig struct {
	Client     *http.Client
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// HTTPDownloader fetches a URL into a file, retrying transport errors and 5xx
// responses.
type HTTPDownloader struct {
	client     *http.Client
	timeout    time.Duration
	attempts   uint
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewHTTPDownloader(cfg HTTPDownloaderConfig) *HTTPDownloader {
	d := &HTTPDownloader{
		client:     cfg.Client,
		timeout:    cfg.Timeout,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = defaultDownloadTimeout
	}
	if d.attempts == 0 {
		d.attempts = defaultDownloadAttempts
	}
	if d.retryDelay <= 0 {
		d.retryDelay = defaultRetryDelay
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

func (d *HTTPDownloader) Download(ctx context.Context, url, dest string, events DownloadEvents) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if onStart := events.OnStart; onStart != nil {
		started := false
		events.OnStart = func(total int64) {
			if !started {
				started = true
				onStart(total)
			}
		}
	}

	return retry.Do(
		func() error { return d.fetch(ctx, url, dest, events) },
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableDownload),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Debug("retrying download", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

func (d *HTTPDownloader) fetch(ctx context.Context, url, dest string, events DownloadEvents) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode}
	}

	total := resp.ContentLength
	if events.OnStart != nil {
		events.OnStart(total)
	}

	f, err := os.Create(dest)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create %s: %w", dest, err))
	}
	written, err := io.Copy(f, &progressReader{r: resp.Body, total: total, onProgress: events.OnProgress})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	d.logger.Debug("download complete", zap.String("size", humanize.Bytes(uint64(written))))
	return nil
}

func retryableDownload(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode >= 500 || status.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type progressReader struct {
	r          io.Reader
	written    int64
	total      int64
	onProgress func(written, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.written, p.total)
		}
	}
	return n, err
}
