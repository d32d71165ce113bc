package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/njdatalab/go-scrape-redfin/config"
	"github.com/njdatalab/go-scrape-redfin/models"
)

// Exporter downloads a window's CSV export straight over HTTP and writes
// it to the county data directory. This replaces the hand-off to an
// external browser the site's own export flow assumes: the file lands on
// a path this program controls.
type Exporter struct {
	cfg     *config.Config
	client  *http.Client
	metrics *Metrics
}

// NewExporter builds an exporter sharing the scraper's transport.
func NewExporter(cfg *config.Config, rt http.RoundTripper, metrics *Metrics) *Exporter {
	return &Exporter{
		cfg: cfg,
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout,
		},
		metrics: metrics,
	}
}

// WithTransport replaces the underlying HTTP transport.
func (e *Exporter) WithTransport(rt http.RoundTripper) {
	e.client = &http.Client{
		Transport: rt,
		Timeout:   e.cfg.Timeout,
	}
}

// Download fetches exportURL and writes the body to
// <dataDir>/<county>/<min>-<max>.csv, creating directories as needed.
// Retries are bounded; a 429 waits out the configured rate-limit pause.
func (e *Exporter) Download(ctx context.Context, exportURL string, w models.PriceWindow) (string, error) {
	dir := e.cfg.CountyDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create county directory %q: %w", dir, err)
	}

	var body []byte
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.IncRetries()
		}

		body, lastErr = e.fetch(ctx, exportURL)
		if lastErr == nil {
			break
		}
		e.metrics.IncError(errorTypeLabel(lastErr))

		if attempt == e.cfg.MaxRetries {
			return "", fmt.Errorf("download export %s: %w", exportURL, lastErr)
		}

		wait := e.backoff(attempt + 1)
		var rateLimited ErrRateLimited
		if errors.As(lastErr, &rateLimited) {
			e.metrics.IncRateLimitWait()
			wait = e.cfg.RateLimitWait
			slog.Warn("export rate limited, backing off", slog.Duration("wait", wait))
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return "", fmt.Errorf("download export %s: %w", exportURL, lastErr)
		}
	}

	if err := validateCSVBody(body); err != nil {
		return "", fmt.Errorf("export for window %d-%d: %w", w.Min, w.Max, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d-%d.csv", w.Min, w.Max))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write export file %q: %w", path, err)
	}

	slog.Debug("export saved", slog.String("path", path), slog.Int("bytes", len(body)))
	return path, nil
}

func (e *Exporter) fetch(ctx context.Context, exportURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exportURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent())
	req.Header.Set("Accept", "text/csv,*/*")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyError(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(fmt.Errorf("http status %d", resp.StatusCode), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export body: %w", err)
	}
	return body, nil
}

// validateCSVBody rejects responses that are not CSV, typically an HTML
// error or challenge page served with a 200.
func validateCSVBody(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("export body is empty")
	}
	if trimmed[0] == '<' {
		return fmt.Errorf("export body is HTML, not CSV")
	}
	firstLine, _, _ := bytes.Cut(trimmed, []byte("\n"))
	if !bytes.ContainsRune(firstLine, ',') {
		return fmt.Errorf("export body has no CSV header row")
	}
	return nil
}

func (e *Exporter) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := e.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * time.Duration(1<<(attempt-1))
	if max := e.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (e *Exporter) userAgent() string {
	agents := e.cfg.UserAgents
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.IntN(len(agents))]
}
