// Package config holds run configuration for the county scraper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config holds scraper configuration. One Config describes a single county
// sweep and is treated as immutable once validated.
type Config struct {
	BaseURL string
	County  string

	// Price sweep bounds. The sweep walks [MinPrice, MaxPrice] in windows,
	// starting Increment wide and adapting between 1 and MaxIncrement.
	MinPrice     int
	MaxPrice     int
	Increment    int
	MaxIncrement int
	Sold         bool

	// Extra county name -> region id entries, merged over the built-in
	// registry.
	Counties map[string]int

	MaxPagesPerWindow int
	Delay             time.Duration
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	RateLimitWait     time.Duration

	DataDir      string
	OutputFile   string
	OutputFormat string // csv, json, dual, or sqlite
	ReportFile   string

	UserAgents []string

	Workers            int
	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int

	Verbose     bool
	MetricsAddr string
}

// DefaultConfig returns conservative defaults for a county sweep.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://www.redfin.com",
		County:            "Burlington",
		MinPrice:          0,
		MaxPrice:          300000,
		Increment:         10000,
		MaxIncrement:      50000,
		Sold:              false,
		MaxPagesPerWindow: 9,
		Delay:             2 * time.Second,
		Timeout:           15 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
		RetryBackoffMax:   5 * time.Second,
		RateLimitWait:     60 * time.Second,
		DataDir:           filepath.Join(xdg.DataHome, "go-scrape-redfin"),
		OutputFormat:      "csv",
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Workers:            4,
		PipelineBufferSize: 512,
		BatchSize:          64,
		DedupeMaxSize:      100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.County == "" {
		return fmt.Errorf("county cannot be empty")
	}
	if c.MinPrice < 0 {
		return fmt.Errorf("min price cannot be negative")
	}
	if c.MaxPrice <= c.MinPrice {
		return fmt.Errorf("max price (%d) must exceed min price (%d)", c.MaxPrice, c.MinPrice)
	}
	if c.Increment <= 0 {
		return fmt.Errorf("price increment must be positive")
	}
	if c.MaxIncrement < c.Increment {
		return fmt.Errorf("max increment (%d) cannot be below increment (%d)", c.MaxIncrement, c.Increment)
	}
	if c.MaxPagesPerWindow <= 0 {
		return fmt.Errorf("max pages per window must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RateLimitWait <= 0 {
		return fmt.Errorf("rate limit wait must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "sqlite":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or sqlite")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("at least one user agent is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	return nil
}

// CountyDir returns the directory window exports are written to.
func (c *Config) CountyDir() string {
	return filepath.Join(c.DataDir, c.County)
}

// fileConfig mirrors the YAML overlay file. Absent keys leave the
// corresponding Config field untouched.
type fileConfig struct {
	BaseURL           string         `yaml:"base_url"`
	County            string         `yaml:"county"`
	MinPrice          *int           `yaml:"min_price"`
	MaxPrice          *int           `yaml:"max_price"`
	Increment         *int           `yaml:"increment"`
	MaxIncrement      *int           `yaml:"max_increment"`
	Sold              *bool          `yaml:"sold"`
	Counties          map[string]int `yaml:"counties"`
	MaxPagesPerWindow *int           `yaml:"max_pages_per_window"`
	DelayMs           *int           `yaml:"delay_ms"`
	TimeoutMs         *int           `yaml:"timeout_ms"`
	MaxRetries        *int           `yaml:"max_retries"`
	RateLimitWaitSec  *int           `yaml:"rate_limit_wait_sec"`
	DataDir           string         `yaml:"data_dir"`
	OutputFormat      string         `yaml:"output_format"`
	UserAgents        []string       `yaml:"user_agents"`
	MetricsAddr       string         `yaml:"metrics_addr"`
}

// LoadFile overlays c with values from a YAML config file.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.BaseURL != "" {
		c.BaseURL = fc.BaseURL
	}
	if fc.County != "" {
		c.County = fc.County
	}
	if fc.MinPrice != nil {
		c.MinPrice = *fc.MinPrice
	}
	if fc.MaxPrice != nil {
		c.MaxPrice = *fc.MaxPrice
	}
	if fc.Increment != nil {
		c.Increment = *fc.Increment
	}
	if fc.MaxIncrement != nil {
		c.MaxIncrement = *fc.MaxIncrement
	}
	if fc.Sold != nil {
		c.Sold = *fc.Sold
	}
	if len(fc.Counties) > 0 {
		if c.Counties == nil {
			c.Counties = make(map[string]int, len(fc.Counties))
		}
		for name, id := range fc.Counties {
			c.Counties[name] = id
		}
	}
	if fc.MaxPagesPerWindow != nil {
		c.MaxPagesPerWindow = *fc.MaxPagesPerWindow
	}
	if fc.DelayMs != nil {
		c.Delay = time.Duration(*fc.DelayMs) * time.Millisecond
	}
	if fc.TimeoutMs != nil {
		c.Timeout = time.Duration(*fc.TimeoutMs) * time.Millisecond
	}
	if fc.MaxRetries != nil {
		c.MaxRetries = *fc.MaxRetries
	}
	if fc.RateLimitWaitSec != nil {
		c.RateLimitWait = time.Duration(*fc.RateLimitWaitSec) * time.Second
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.OutputFormat != "" {
		c.OutputFormat = fc.OutputFormat
	}
	if len(fc.UserAgents) > 0 {
		c.UserAgents = fc.UserAgents
	}
	if fc.MetricsAddr != "" {
		c.MetricsAddr = fc.MetricsAddr
	}
	return nil
}

// EnvString reads a string from the environment.
func EnvString(key string) (string, bool) {
	value := os.Getenv(key)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer from the environment.
func EnvInt(key string) (int, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, true, nil
}

// EnvBool reads a boolean from the environment.
func EnvBool(key string) (bool, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return parsed, true, nil
}
