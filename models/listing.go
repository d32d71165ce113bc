// Package models defines data structures for the scraper.
package models

import "time"

// Sale status values carried on a Listing.
const (
	StatusActive = "active"
	StatusSold   = "sold"
)

// Listing represents one property record scraped from a search results page.
// RawPrice holds the text as it appeared on the card; Price is filled in by
// the pipeline after normalization.
type Listing struct {
	RawPrice     string    `csv:"raw_price" json:"raw_price"`
	Price        float64   `csv:"price" json:"price"`
	Address      string    `csv:"address" json:"address"`
	Location     string    `csv:"location" json:"location"`
	PropertyType string    `csv:"property_type" json:"property_type"`
	SaleStatus   string    `csv:"sale_status" json:"sale_status"`
	Beds         string    `csv:"beds" json:"beds"`
	Baths        string    `csv:"baths" json:"baths"`
	URL          string    `csv:"url" json:"url"`
	MLS          string    `csv:"mls" json:"mls"`
	ScrapedAt    time.Time `csv:"scraped_at" json:"scraped_at"`
}

// PriceWindow is one [Min, Max] slice of the sweep.
type PriceWindow struct {
	Min int
	Max int
}

// SweepResult holds the overall result of one county sweep.
type SweepResult struct {
	County        string
	StartTime     time.Time
	EndTime       time.Time
	Windows       int
	RequestCount  int
	PageCount     int
	ErrorCount    int
	RetryCount    int
	RateLimitHits int
	ExportFiles   []string
	FailedWindows []PriceWindow
	ErrorsByType  map[string]int
	TotalListings int
}
