package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njdatalab/go-scrape-redfin/config"
	"github.com/njdatalab/go-scrape-redfin/merge"
	"github.com/njdatalab/go-scrape-redfin/models"
	"github.com/njdatalab/go-scrape-redfin/pipeline"
	"github.com/njdatalab/go-scrape-redfin/report"
	"github.com/njdatalab/go-scrape-redfin/scraper"
)

func main() {
	// A missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	county := flag.String("county", cfg.County, "County to sweep")
	minPrice := flag.Int("min-price", cfg.MinPrice, "Minimum listing price")
	maxPrice := flag.Int("max-price", cfg.MaxPrice, "Maximum listing price")
	increment := flag.Int("increment", cfg.Increment, "Starting price window width")
	maxIncrement := flag.Int("max-increment", cfg.MaxIncrement, "Maximum price window width")
	sold := flag.Bool("sold", cfg.Sold, "Include sold listings (past 5 years) instead of active ones")
	baseURL := flag.String("base-url", cfg.BaseURL, "Base URL of the listing site")
	delayMs := flag.Int("delay", int(cfg.Delay/time.Millisecond), "Delay between requests (milliseconds)")
	maxRetries := flag.Int("max-retries", cfg.MaxRetries, "Maximum retry attempts per request")
	rateLimitWaitSec := flag.Int("rate-limit-wait", int(cfg.RateLimitWait/time.Second), "Pause after a rate-limit response (seconds)")
	pagesPerWindow := flag.Int("pages-per-window", cfg.MaxPagesPerWindow, "Maximum result pages fetched per price window")
	dataDir := flag.String("data-dir", cfg.DataDir, "Directory for per-window exports and outputs")
	outputFile := flag.String("output", "", "Processed-listings output path (defaults inside the county directory)")
	outputFormat := flag.String("format", cfg.OutputFormat, "Processed-listings output format: csv, json, dual, or sqlite")
	mergedFile := flag.String("merged", "", "Merged county CSV path (defaults to <county dir>/<county>.csv)")
	reportFile := flag.String("report", "", "Markdown report path (defaults inside the county directory)")
	configFile := flag.String("config", "", "Optional YAML config file")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	mergeOnly := flag.Bool("merge-only", false, "Skip scraping and merge existing exports for the county")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	applyFlags(cfg, map[string]func(){
		"county":          func() { cfg.County = *county },
		"min-price":       func() { cfg.MinPrice = *minPrice },
		"max-price":       func() { cfg.MaxPrice = *maxPrice },
		"increment":       func() { cfg.Increment = *increment },
		"max-increment":   func() { cfg.MaxIncrement = *maxIncrement },
		"sold":            func() { cfg.Sold = *sold },
		"base-url":        func() { cfg.BaseURL = *baseURL },
		"delay":           func() { cfg.Delay = time.Duration(*delayMs) * time.Millisecond },
		"max-retries":     func() { cfg.MaxRetries = *maxRetries },
		"rate-limit-wait": func() { cfg.RateLimitWait = time.Duration(*rateLimitWaitSec) * time.Second },
		"pages-per-window": func() {
			cfg.MaxPagesPerWindow = *pagesPerWindow
		},
		"data-dir":     func() { cfg.DataDir = *dataDir },
		"output":       func() { cfg.OutputFile = *outputFile },
		"format":       func() { cfg.OutputFormat = strings.ToLower(*outputFormat) },
		"report":       func() { cfg.ReportFile = *reportFile },
		"metrics-addr": func() { cfg.MetricsAddr = *metricsAddr },
		"v":            func() { cfg.Verbose = *verbose },
	})

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	countyDir := cfg.CountyDir()
	if cfg.OutputFile == "" {
		cfg.OutputFile = filepath.Join(countyDir, cfg.County+"-listings."+outputExt(cfg.OutputFormat))
	}
	if cfg.ReportFile == "" {
		cfg.ReportFile = filepath.Join(countyDir, cfg.County+"-report.md")
	}
	mergedPath := *mergedFile
	if mergedPath == "" {
		mergedPath = filepath.Join(countyDir, cfg.County+".csv")
	}

	if *mergeOnly {
		runMerge(countyDir, mergedPath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing in-flight work")
	}()

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}
	tee := &teeWriter{inner: writer}
	defer func() {
		if err := tee.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting sweep",
		slog.String("county", cfg.County),
		slog.Int("min_price", cfg.MinPrice),
		slog.Int("max_price", cfg.MaxPrice),
		slog.Bool("sold", cfg.Sold),
	)

	p := pipeline.NewPipeline(ctx, tee, cfg)
	p.Start(cfg.Workers)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, err := s.Run(ctx, p)
	if err != nil {
		slog.Error("sweep failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := tee.Validate(); err != nil {
		slog.Warn("output validation", slog.Any("error", err))
	}

	var mergeStats *merge.Stats
	if len(result.ExportFiles) > 0 {
		mergeStats, err = merge.Files(result.ExportFiles, mergedPath)
		if err != nil {
			slog.Error("merging exports failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("exports merged",
			slog.String("output", mergedPath),
			slog.Int("files", mergeStats.Files),
			slog.Int("rows", mergeStats.Rows),
			slog.Int("duplicates_dropped", mergeStats.Duplicates),
		)
	} else {
		slog.Warn("no exports downloaded, skipping merge")
	}

	insights := report.Build(cfg.County, tee.Listings())
	if err := report.WriteMarkdownFile(cfg.ReportFile, insights, result); err != nil {
		slog.Error("writing report failed", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, p.GetMetrics(), mergeStats, mergedPath)
}

func applyEnv(cfg *config.Config) error {
	if value, ok := config.EnvString("SCRAPER_COUNTY"); ok {
		cfg.County = value
	}
	if value, ok, err := config.EnvInt("SCRAPER_MIN_PRICE"); err != nil {
		return err
	} else if ok {
		cfg.MinPrice = value
	}
	if value, ok, err := config.EnvInt("SCRAPER_MAX_PRICE"); err != nil {
		return err
	} else if ok {
		cfg.MaxPrice = value
	}
	if value, ok, err := config.EnvBool("SCRAPER_SOLD"); err != nil {
		return err
	} else if ok {
		cfg.Sold = value
	}
	if value, ok := config.EnvString("SCRAPER_DATA_DIR"); ok {
		cfg.DataDir = value
	}
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	return nil
}

// applyFlags applies only the flags the user set explicitly, so the YAML
// overlay keeps its values for everything else.
func applyFlags(cfg *config.Config, setters map[string]func()) {
	flag.Visit(func(f *flag.Flag) {
		if apply, ok := setters[f.Name]; ok {
			apply()
		}
	})
}

func runMerge(countyDir, mergedPath string) {
	stats, err := merge.Dir(countyDir, mergedPath)
	if err != nil {
		slog.Error("merge failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("exports merged",
		slog.String("output", mergedPath),
		slog.Int("files", stats.Files),
		slog.Int("rows", stats.Rows),
		slog.Int("duplicates_dropped", stats.Duplicates),
	)
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "sqlite":
		return pipeline.NewSQLiteWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func outputExt(format string) string {
	switch format {
	case "json":
		return "json"
	case "sqlite":
		return "db"
	default:
		return "csv"
	}
}

// teeWriter keeps processed listings in memory for the insights report
// while forwarding them to the configured output.
type teeWriter struct {
	inner pipeline.OutputWriter

	mu       sync.Mutex
	listings []*models.Listing
}

func (t *teeWriter) Write(listings []*models.Listing) error {
	t.mu.Lock()
	t.listings = append(t.listings, listings...)
	t.mu.Unlock()
	return t.inner.Write(listings)
}

func (t *teeWriter) Close() error {
	return t.inner.Close()
}

func (t *teeWriter) Validate() error {
	return t.inner.Validate()
}

func (t *teeWriter) Listings() []*models.Listing {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Listing, len(t.listings))
	copy(out, t.listings)
	return out
}

func printSummary(result *models.SweepResult, metrics map[string]interface{}, mergeStats *merge.Stats, mergedPath string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Sweep complete for %s County\n", result.County)

	processed := int64(0)
	if value, ok := metrics["processed_listings"].(int64); ok {
		processed = value
	}

	fmt.Printf("  Windows:        %d (%d failed)\n", result.Windows, len(result.FailedWindows))
	fmt.Printf("  Pages fetched:  %d\n", result.PageCount)
	fmt.Printf("  Listings:       %d scraped, %d processed\n", result.TotalListings, processed)
	fmt.Printf("  Exports:        %d\n", len(result.ExportFiles))
	fmt.Printf("  Errors:         %d\n", result.ErrorCount)
	fmt.Printf("  Retries:        %d\n", result.RetryCount)
	fmt.Printf("  Rate limits:    %d\n", result.RateLimitHits)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:    %v\n", result.ErrorsByType)
	}
	if dropped, ok := metrics["dropped"].(map[string]int); ok && len(dropped) > 0 {
		fmt.Printf("  Dropped:        %v\n", dropped)
	}
	if mergeStats != nil {
		fmt.Printf("  Merged file:    %s (%d rows, %d duplicates dropped)\n", mergedPath, mergeStats.Rows, mergeStats.Duplicates)
	}
	fmt.Printf("  Duration:       %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
