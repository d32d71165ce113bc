package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/njdatalab/go-scrape-redfin/config"
	"github.com/njdatalab/go-scrape-redfin/models"
)

type mockWriter struct {
	mu      sync.Mutex
	batches [][]*models.Listing
	failOn  error
}

func (m *mockWriter) Write(listings []*models.Listing) error {
	if m.failOn != nil {
		return m.failOn
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]*models.Listing, len(listings))
	copy(batch, listings)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockWriter) Close() error    { return nil }
func (m *mockWriter) Validate() error { return nil }

func (m *mockWriter) all() []*models.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Listing
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func (m *mockWriter) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.batches))
	for i, b := range m.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func pipelineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MinPrice = 0
	cfg.MaxPrice = 20000
	return cfg
}

func makeListing(id int, rawPrice string) *models.Listing {
	return &models.Listing{
		RawPrice: rawPrice,
		Address:  fmt.Sprintf("%d  Main St,  Newton, NJ 07860", id),
		URL:      fmt.Sprintf("https://example.test/NJ/Newton/home/%d", id),
	}
}

func TestPipelineProcessesValidListings(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, pipelineConfig())
	p.Start(2)

	listings := []*models.Listing{
		makeListing(1, "$5,000"),
		makeListing(2, "$19,999+"),
		nil, // ignored
	}
	if err := p.Process(listings); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	written := writer.all()
	if len(written) != 2 {
		t.Fatalf("written = %d, want 2", len(written))
	}
	for _, l := range written {
		if l.Price == 0 {
			t.Errorf("price not normalized for %s", l.URL)
		}
		if l.SaleStatus != models.StatusActive {
			t.Errorf("sale status = %q, want %q", l.SaleStatus, models.StatusActive)
		}
	}

	metrics := p.GetMetrics()
	if processed := metrics["processed_listings"].(int64); processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}
}

func TestPipelineNormalizesAddresses(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, pipelineConfig())
	p.Start(1)

	if err := p.Process([]*models.Listing{makeListing(1, "$5,000")}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	written := writer.all()
	if len(written) != 1 {
		t.Fatalf("written = %d, want 1", len(written))
	}
	if got, want := written[0].Address, "1 Main St, Newton, NJ 07860"; got != want {
		t.Errorf("address = %q, want %q", got, want)
	}
}

func TestPipelineDropsBadRecords(t *testing.T) {
	missingAddress := makeListing(1, "$5,000")
	missingAddress.Address = ""

	tests := []struct {
		name    string
		listing *models.Listing
		reason  string
	}{
		{name: "missing address", listing: missingAddress, reason: "invalid_record"},
		{name: "unparsable price", listing: makeListing(2, "Call for price"), reason: "invalid_price"},
		{name: "negative price", listing: makeListing(3, "$-100"), reason: "invalid_price"},
		{name: "above window", listing: makeListing(4, "$1,500,000"), reason: "out_of_bounds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &mockWriter{}
			p := NewPipeline(context.Background(), writer, pipelineConfig())
			p.Start(1)

			if err := p.Process([]*models.Listing{tt.listing}); err != nil {
				t.Fatalf("process: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			if got := len(writer.all()); got != 0 {
				t.Fatalf("written = %d, want 0", got)
			}
			dropped := p.GetMetrics()["dropped"].(map[string]int)
			if dropped[tt.reason] != 1 {
				t.Errorf("dropped = %v, want one %q", dropped, tt.reason)
			}
		})
	}
}

func TestPipelineDeduplicatesByURL(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, pipelineConfig())
	p.Start(1)

	first := makeListing(1, "$5,000")
	second := makeListing(1, "$5,100") // same URL, repeated card
	third := makeListing(2, "$6,000")

	if err := p.Process([]*models.Listing{first, second, third}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(writer.all()); got != 2 {
		t.Fatalf("written = %d, want 2", got)
	}
	dropped := p.GetMetrics()["dropped"].(map[string]int)
	if dropped["duplicate_url"] != 1 {
		t.Errorf("dropped = %v, want one duplicate_url", dropped)
	}
}

func TestPipelineFlushesInBatches(t *testing.T) {
	cfg := pipelineConfig()
	cfg.BatchSize = 2

	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	listings := make([]*models.Listing, 5)
	for i := range listings {
		listings[i] = makeListing(i+1, "$5,000")
	}
	if err := p.Process(listings); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sizes := writer.batchSizes()
	if len(sizes) != 3 {
		t.Fatalf("batches = %v, want 3", sizes)
	}
	for i, size := range sizes {
		if size > cfg.BatchSize {
			t.Errorf("batch %d has %d listings, cap is %d", i, size, cfg.BatchSize)
		}
	}
	if got := len(writer.all()); got != 5 {
		t.Errorf("written = %d, want 5", got)
	}
}

func TestPipelineRejectsAfterClose(t *testing.T) {
	p := NewPipeline(context.Background(), &mockWriter{}, pipelineConfig())
	p.Start(1)

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Process([]*models.Listing{makeListing(1, "$5,000")}); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("process after close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineRejectsAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(ctx, &mockWriter{}, pipelineConfig())
	p.Start(1)
	cancel()

	// Cancellation races the channel send, so feed until the context
	// branch wins.
	var err error
	for i := 0; i < 100; i++ {
		err = p.Process([]*models.Listing{makeListing(i, "$5,000")})
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("process after cancel = %v, want ErrPipelineClosed", err)
	}
	p.Close()
}

func TestPipelineSurfacesWriterError(t *testing.T) {
	writeErr := errors.New("disk full")
	writer := &mockWriter{failOn: writeErr}

	cfg := pipelineConfig()
	cfg.BatchSize = 1

	p := NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	// The first flush fails and shuts the pipeline down; later calls may
	// hit the closed channel, which is fine here.
	p.Process([]*models.Listing{makeListing(1, "$5,000")})

	if err := p.Close(); !errors.Is(err, writeErr) {
		t.Fatalf("close = %v, want wrapped %v", err, writeErr)
	}
}
