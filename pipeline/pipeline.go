// Package pipeline coordinates validation, normalization, de-duplication,
// price filtering, and output writing for scraped listings.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/njdatalab/go-scrape-redfin/config"
	"github.com/njdatalab/go-scrape-redfin/models"
	"github.com/njdatalab/go-scrape-redfin/parser"
)

// ErrPipelineClosed is returned when Process is called after shutdown.
var ErrPipelineClosed = errors.New("pipeline: closed")

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(listings []*models.Listing) error
	Close() error
	Validate() error
}

// Pipeline fans parsed listings out to worker goroutines that validate,
// normalize, and batch-write them.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	listingCh chan *models.Listing
	batchSize int

	minPrice float64
	maxPrice float64

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	metrics counters

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline writing through writer. The dedupe cache
// is bounded by cfg.DedupeMaxSize so an unexpectedly large run cannot grow
// memory without limit.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
	if err != nil {
		// Only fails on a non-positive size, which Validate rejects.
		panic(fmt.Sprintf("pipeline: dedupe cache: %v", err))
	}
	return &Pipeline{
		ctx:       ctx,
		writer:    writer,
		listingCh: make(chan *models.Listing, cfg.PipelineBufferSize),
		batchSize: cfg.BatchSize,
		minPrice:  float64(cfg.MinPrice),
		maxPrice:  float64(cfg.MaxPrice),
		seen:      seen,
		metrics:   counters{dropped: make(map[string]int)},
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues listings for downstream processing.
func (p *Pipeline) Process(listings []*models.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, listing := range listings {
		if listing == nil {
			continue
		}
		if err := p.enqueue(listing); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.listingCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_listings"].(int64)
				dropped := metrics["dropped"].(map[string]int)
				slog.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Any("dropped", dropped),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.Listing, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for listing := range p.listingCh {
		prepared := p.prepare(listing)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

// prepare validates and normalizes one listing. A nil return means the
// listing was dropped; the reason lands in the counters.
func (p *Pipeline) prepare(listing *models.Listing) *models.Listing {
	if err := parser.ValidateListing(listing); err != nil {
		p.metrics.addDropped("invalid_record")
		return nil
	}

	price, err := parser.NormalizePrice(listing.RawPrice)
	if err != nil || price <= 0 {
		p.metrics.addDropped("invalid_price")
		return nil
	}
	listing.Price = price

	// The county filter promises every output row inside [min, max]. Cards
	// can stray outside the window when the site pads thin result sets.
	if price < p.minPrice || price > p.maxPrice {
		p.metrics.addDropped("out_of_bounds")
		return nil
	}

	if dup, _ := p.seen.ContainsOrAdd(listing.URL, struct{}{}); dup {
		p.metrics.addDropped("duplicate_url")
		return nil
	}

	listing.Address = parser.NormalizeAddress(listing.Address)
	if listing.SaleStatus == "" {
		listing.SaleStatus = models.StatusActive
	}

	p.metrics.incrementProcessed()
	return listing
}

func (p *Pipeline) enqueue(listing *models.Listing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-p.ctx.Done():
		return ErrPipelineClosed
	case p.listingCh <- listing:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.listingCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type counters struct {
	mu        sync.Mutex
	processed int64
	dropped   map[string]int
}

func (c *counters) incrementProcessed() {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

func (c *counters) addDropped(kind string) {
	c.mu.Lock()
	c.dropped[kind]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	copyDropped := make(map[string]int, len(c.dropped))
	for k, v := range c.dropped {
		copyDropped[k] = v
	}

	return map[string]interface{}{
		"processed_listings": c.processed,
		"dropped":            copyDropped,
	}
}
