package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/njdatalab/go-scrape-redfin/config"
	"github.com/njdatalab/go-scrape-redfin/models"
	"github.com/njdatalab/go-scrape-redfin/pipeline"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.County = "Sussex"
	cfg.MinPrice = 0
	cfg.MaxPrice = 20000
	cfg.Increment = 10000
	cfg.MaxIncrement = 50000
	cfg.Delay = 0
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	cfg.RateLimitWait = 10 * time.Millisecond
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	if delay := s.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

type collectingWriter struct {
	mu       sync.Mutex
	listings []*models.Listing
}

func (cw *collectingWriter) Write(listings []*models.Listing) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.listings = append(cw.listings, listings...)
	return nil
}

func (cw *collectingWriter) Close() error    { return nil }
func (cw *collectingWriter) Validate() error { return nil }

func (cw *collectingWriter) All() []*models.Listing {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.Listing, len(cw.listings))
	copy(out, cw.listings)
	return out
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func buildResultsPage(total, cards, startID int, nextHref string) string {
	var b strings.Builder
	b.WriteString(`<html><body>`)
	fmt.Fprintf(&b, `<div class="homes summary">Showing %d of %d homes</div>`, cards, total)

	for i := 0; i < cards; i++ {
		id := startID + i
		fmt.Fprintf(&b, `<div class="HomeCardContainer" data-mls-id="MLS%d">`, id)
		fmt.Fprintf(&b, `<a href="/NJ/Newton/home/%d">`, id)
		fmt.Fprintf(&b, `<span class="homecardV2Price">$%d</span>`, id*100)
		fmt.Fprintf(&b, `<div class="homeAddressV2">%d Main St, Newton, NJ 07860</div>`, id)
		b.WriteString(`<span class="propertyType">Single Family</span>`)
		b.WriteString(`</a></div>`)
	}

	if nextHref != "" {
		fmt.Fprintf(&b, `<a rel="next" href="%s">next</a>`, nextHref)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func exportResponder() httpmock.Responder {
	resp := httpmock.NewStringResponse(200, "ADDRESS,PRICE\n12 Main St,5000\n")
	resp.Header.Set("Content-Type", "text/csv")
	return httpmock.ResponderFromResponse(resp)
}

func TestSweepIntegration(t *testing.T) {
	cfg := testConfig(t)

	window1 := models.PriceWindow{Min: 0, Max: 10000}
	window2 := models.PriceWindow{Min: 10000, Max: 30000}

	window1Page1 := SearchURL(cfg.BaseURL, 1909, cfg.County, window1, false, 1)
	window1Page2 := SearchURL(cfg.BaseURL, 1909, cfg.County, window1, false, 2)
	window2Page1 := SearchURL(cfg.BaseURL, 1909, cfg.County, window2, false, 1)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", window1Page1,
		htmlResponder(buildResultsPage(40, 20, 1, window1Page2)))
	transport.RegisterResponder("GET", window1Page2,
		htmlResponder(buildResultsPage(40, 20, 21, "")))
	transport.RegisterResponder("GET", window2Page1,
		htmlResponder(buildResultsPage(15, 15, 41, "")))
	transport.RegisterResponder("GET", ExportURL(cfg.BaseURL, 1909, window1, false), exportResponder())
	transport.RegisterResponder("GET", ExportURL(cfg.BaseURL, 1909, window2, false), exportResponder())

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.Windows != 2 {
		t.Errorf("windows = %d, want 2", result.Windows)
	}
	if result.PageCount != 3 {
		t.Errorf("pages = %d, want 3", result.PageCount)
	}
	if result.TotalListings != 55 {
		t.Errorf("listings scraped = %d, want 55", result.TotalListings)
	}
	if len(result.ExportFiles) != 2 {
		t.Fatalf("exports = %d, want 2 (errors: %v)", len(result.ExportFiles), result.ErrorsByType)
	}
	for _, path := range result.ExportFiles {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("export file missing: %v", err)
		}
	}
	if len(result.FailedWindows) != 0 {
		t.Errorf("failed windows = %v, want none", result.FailedWindows)
	}

	// Pagination terminated: each page fetched exactly once.
	for url, count := range transport.GetCallCountInfo() {
		if strings.Contains(url, "/filter/") && count != 1 {
			t.Errorf("page %s fetched %d times, want 1", url, count)
		}
	}

	listings := writer.All()
	if len(listings) != 55 {
		t.Fatalf("processed listings = %d, want 55", len(listings))
	}
	for _, l := range listings {
		if l.Price < float64(cfg.MinPrice) || l.Price > float64(cfg.MaxPrice) {
			t.Errorf("listing price %v outside [%d, %d]", l.Price, cfg.MinPrice, cfg.MaxPrice)
		}
		if l.SaleStatus != models.StatusActive {
			t.Errorf("sale status = %q, want active", l.SaleStatus)
		}
	}
}

func TestSweepNarrowsOverfullWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPrice = 5000
	cfg.Increment = 10000

	wide := models.PriceWindow{Min: 0, Max: 10000}
	narrow := models.PriceWindow{Min: 0, Max: 5000}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", SearchURL(cfg.BaseURL, 1909, cfg.County, wide, false, 1),
		htmlResponder(buildResultsPage(400, 20, 1, "")))
	transport.RegisterResponder("GET", SearchURL(cfg.BaseURL, 1909, cfg.County, narrow, false, 1),
		htmlResponder(buildResultsPage(120, 20, 1, "")))
	transport.RegisterResponder("GET", ExportURL(cfg.BaseURL, 1909, narrow, false), exportResponder())

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	// The 400-listing window must not be exported; the halved window is.
	if len(result.ExportFiles) != 1 {
		t.Fatalf("exports = %d, want 1", len(result.ExportFiles))
	}
	if !strings.Contains(result.ExportFiles[0], "0-5000.csv") {
		t.Errorf("export file = %q, want the narrowed window", result.ExportFiles[0])
	}
}

func TestFetchRecoversAfterRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPrice = 10000

	window := models.PriceWindow{Min: 0, Max: 10000}
	pageURL := SearchURL(cfg.BaseURL, 1909, cfg.County, window, false, 1)

	transport := httpmock.NewMockTransport()
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusTooManyRequests, "slow down"), nil
		}
		resp := httpmock.NewStringResponse(200, buildResultsPage(10, 10, 1, ""))
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})
	transport.RegisterResponder("GET", ExportURL(cfg.BaseURL, 1909, window, false), exportResponder())

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if calls != 2 {
		t.Errorf("page fetched %d times, want 2 (one 429, one success)", calls)
	}
	if result.RateLimitHits != 1 {
		t.Errorf("rate limit pauses = %d, want exactly 1", result.RateLimitHits)
	}
	if len(result.FailedWindows) != 0 {
		t.Errorf("failed windows = %v, want none", result.FailedWindows)
	}
	if len(writer.All()) != 10 {
		t.Errorf("processed listings = %d, want 10", len(writer.All()))
	}
}

func TestPersistentFailureSurfacedAndSweepContinues(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 1

	window1 := models.PriceWindow{Min: 0, Max: 10000}
	window2 := models.PriceWindow{Min: 10000, Max: 20000}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", SearchURL(cfg.BaseURL, 1909, cfg.County, window1, false, 1),
		httpmock.NewStringResponder(http.StatusForbidden, "blocked"))
	transport.RegisterResponder("GET", SearchURL(cfg.BaseURL, 1909, cfg.County, window2, false, 1),
		htmlResponder(buildResultsPage(10, 10, 1, "")))
	transport.RegisterResponder("GET", ExportURL(cfg.BaseURL, 1909, window2, false), exportResponder())

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if len(result.FailedWindows) != 1 || result.FailedWindows[0] != window1 {
		t.Errorf("failed windows = %v, want [%v]", result.FailedWindows, window1)
	}
	if result.ErrorsByType["forbidden"] == 0 {
		t.Errorf("expected forbidden error recorded, got %v", result.ErrorsByType)
	}
	// The second window still completes.
	if len(result.ExportFiles) != 1 {
		t.Errorf("exports = %d, want 1", len(result.ExportFiles))
	}
}

func TestExporterRejectsHTMLBody(t *testing.T) {
	cfg := testConfig(t)
	window := models.PriceWindow{Min: 0, Max: 10000}
	exportURL := ExportURL(cfg.BaseURL, 1909, window, false)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", exportURL,
		httpmock.NewStringResponder(200, "<html><body>Are you a robot?</body></html>"))

	exporter := NewExporter(cfg, transport, NewMetrics())
	if _, err := exporter.Download(context.Background(), exportURL, window); err == nil {
		t.Fatalf("expected error for HTML export body")
	}
}

func TestSweepCancellation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPrice = 1000000
	cfg.Delay = 10 * time.Millisecond

	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(htmlResponder(buildResultsPage(10, 10, 1, "")))
	transport.RegisterResponder("GET", `=~gis-csv`, exportResponder())

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.WithTransport(transport)

	ctx, cancel := context.WithCancel(context.Background())
	writer := &collectingWriter{}
	p := pipeline.NewPipeline(ctx, writer, cfg)
	p.Start(1)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Run(ctx, p); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweep did not stop after cancellation")
	}
}
