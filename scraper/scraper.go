// Package scraper implements the county price-window sweep against the
// listing site.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/njdatalab/go-scrape-redfin/config"
	"github.com/njdatalab/go-scrape-redfin/models"
	"github.com/njdatalab/go-scrape-redfin/parser"
	"github.com/njdatalab/go-scrape-redfin/pipeline"
)

// Scraper walks a county's price range window by window, streams parsed
// listings into the pipeline, and downloads the per-window CSV exports.
//
// The sweep is sequential: each window's listing count decides the next
// window's width, so there is nothing to parallelize at this level.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	exporter  *Exporter
	transport http.RoundTripper
	regionID  int
	Metrics   *Metrics
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	regionID, err := RegionID(cfg.County, cfg.Counties)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgents[0]),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true

	s := &Scraper{
		cfg:       cfg,
		collector: collector,
		transport: transport,
		regionID:  regionID,
		Metrics:   NewMetrics(),
	}
	s.exporter = NewExporter(cfg, transport, s.Metrics)
	return s, nil
}

// WithTransport replaces the HTTP transport used by page fetches and
// export downloads. Used by tests to inject a mock transport.
func (s *Scraper) WithTransport(rt http.RoundTripper) {
	s.transport = rt
	s.exporter.WithTransport(rt)
}

// Run executes the sweep and streams parsed listings through the pipeline.
// Window-level failures are recorded on the result and do not abort the
// run; ctx cancellation stops the sweep between requests.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.SweepResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.SweepResult{
		County:       s.cfg.County,
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	minPrice := s.cfg.MinPrice
	increment := s.cfg.Increment

	for minPrice < s.cfg.MaxPrice {
		if ctx.Err() != nil {
			slog.Info("sweep cancelled", slog.Int("at_price", minPrice))
			break
		}

		window := models.PriceWindow{Min: minPrice, Max: minPrice + increment}
		result.Windows++

		count, err := s.fetchWindow(ctx, window, p, result)
		if err != nil {
			s.recordError(result, err)
			result.FailedWindows = append(result.FailedWindows, window)
			s.Metrics.IncWindow("failed")
			slog.Error("window fetch failed",
				slog.Int("min", window.Min),
				slog.Int("max", window.Max),
				slog.Any("error", err),
			)
			// Advancing past a broken window keeps the sweep finite.
			minPrice += increment
			continue
		}

		slog.Info("window scanned",
			slog.Int("min", window.Min),
			slog.Int("max", window.Max),
			slog.Int("listings", count),
		)

		if count < ExportRowCap || increment == 1 {
			exportURL := ExportURL(s.cfg.BaseURL, s.regionID, window, s.cfg.Sold)
			path, err := s.exporter.Download(ctx, exportURL, window)
			if err != nil {
				s.recordError(result, err)
				result.FailedWindows = append(result.FailedWindows, window)
				slog.Error("export download failed",
					slog.Int("min", window.Min),
					slog.Int("max", window.Max),
					slog.Any("error", err),
				)
			} else {
				result.ExportFiles = append(result.ExportFiles, path)
				s.Metrics.IncExport()
			}
			s.Metrics.IncWindow("exported")
			minPrice += increment
		} else {
			s.Metrics.IncWindow("narrowed")
		}

		increment = NextIncrement(count, increment, s.cfg.MaxIncrement)

		if minPrice < s.cfg.MaxPrice {
			if err := sleepCtx(ctx, s.cfg.Delay); err != nil {
				break
			}
		}
	}

	result.EndTime = time.Now()
	return result, nil
}

// pageResult is what one fetched results page yields.
type pageResult struct {
	listings []*models.Listing
	count    int
	countOK  bool
	hasNext  bool
	nextURL  string
}

// fetchWindow pulls every results page of one window and returns the
// window's total listing count. Failures past the first page are reported
// and truncate the window instead of failing it.
func (s *Scraper) fetchWindow(ctx context.Context, w models.PriceWindow, p *pipeline.Pipeline, result *models.SweepResult) (int, error) {
	pageURL := SearchURL(s.cfg.BaseURL, s.regionID, s.cfg.County, w, s.cfg.Sold, 1)
	count := -1
	seen := 0

	for page := 1; page <= s.cfg.MaxPagesPerWindow; page++ {
		res, err := s.fetchPage(ctx, pageURL, result)
		if err != nil {
			if page == 1 {
				return count, err
			}
			s.recordError(result, err)
			slog.Error("page fetch failed, truncating window",
				slog.String("url", pageURL),
				slog.Any("error", err),
			)
			break
		}
		result.PageCount++

		if page == 1 && res.countOK {
			count = res.count
		}

		if len(res.listings) == 0 {
			slog.Warn("no listings parsed from page", slog.String("url", pageURL))
		} else {
			seen += len(res.listings)
			s.Metrics.AddListings(len(res.listings))
			result.TotalListings += len(res.listings)
			if err := p.Process(res.listings); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
		}

		if !res.hasNext {
			break
		}
		if res.nextURL != "" {
			pageURL = res.nextURL
		} else {
			pageURL = SearchURL(s.cfg.BaseURL, s.regionID, s.cfg.County, w, s.cfg.Sold, page+1)
		}
		if err := sleepCtx(ctx, s.cfg.Delay); err != nil {
			break
		}
	}

	if count < 0 {
		count = seen
	}
	return count, nil
}

// fetchPage fetches one URL with bounded retries. A 429 response triggers
// the configured rate-limit pause before the next attempt; other transient
// errors back off exponentially.
func (s *Scraper) fetchPage(ctx context.Context, pageURL string, result *models.SweepResult) (*pageResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			result.RetryCount++
			s.Metrics.IncRetries()
		}
		result.RequestCount++

		res, err := s.visit(pageURL)
		if err == nil {
			return res, nil
		}
		lastErr = err
		s.Metrics.IncError(errorTypeLabel(err))

		if attempt == s.cfg.MaxRetries {
			break
		}

		var rateLimited ErrRateLimited
		if errors.As(err, &rateLimited) {
			result.RateLimitHits++
			s.Metrics.IncRateLimitWait()
			slog.Warn("rate limited, backing off",
				slog.String("url", pageURL),
				slog.Duration("wait", s.cfg.RateLimitWait),
			)
			if err := sleepCtx(ctx, s.cfg.RateLimitWait); err != nil {
				return nil, lastErr
			}
			continue
		}

		if err := sleepCtx(ctx, s.backoff(attempt+1)); err != nil {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", pageURL, lastErr)
}

// visit issues a single request through a collector clone and collects the
// page's listings, result count, and next-page link.
func (s *Scraper) visit(pageURL string) (*pageResult, error) {
	c := s.collector.Clone()
	if s.transport != nil {
		c.WithTransport(s.transport)
	}

	res := &pageResult{}
	var fetchErr error
	var statusCode int

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", s.userAgent())
		r.Ctx.Put("start", time.Now())
		s.Metrics.IncRequest("started")
	})
	c.OnResponse(func(r *colly.Response) {
		if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
			s.Metrics.ObserveDuration(time.Since(start))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})
	c.OnHTML(parser.SelectorSummary, func(e *colly.HTMLElement) {
		if count, err := parser.CountFromSummary(e.Text); err == nil {
			res.count = count
			res.countOK = true
		}
	})
	c.OnHTML(parser.SelectorCard, func(e *colly.HTMLElement) {
		if l := parser.ExtractListing(e.DOM, e.Request.AbsoluteURL); l != nil {
			res.listings = append(res.listings, l)
		}
	})
	c.OnHTML(parser.SelectorNext, func(e *colly.HTMLElement) {
		res.hasNext = true
		res.nextURL = e.Request.AbsoluteURL(e.Attr("href"))
	})

	if err := c.Visit(pageURL); err != nil {
		if fetchErr != nil {
			err = fetchErr
		}
		return nil, classifyError(err, statusCode)
	}
	c.Wait()
	return res, nil
}

func (s *Scraper) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := s.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * time.Duration(1<<(attempt-1))
	if max := s.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (s *Scraper) userAgent() string {
	agents := s.cfg.UserAgents
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.IntN(len(agents))]
}

func (s *Scraper) recordError(result *models.SweepResult, err error) {
	result.ErrorCount++
	result.ErrorsByType[errorTypeLabel(err)]++
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
