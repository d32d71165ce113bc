// Package parser extracts Listing records from search result markup and
// normalizes the raw field values.
//
// The CSS selectors here encode the target site's current card layout.
// They are the single place to touch when the markup drifts.
package parser

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/njdatalab/go-scrape-redfin/models"
)

// Selectors for the search results page.
const (
	SelectorCard    = "div.HomeCardContainer"
	SelectorSummary = "div.homes.summary, div.descriptionSummary"
	SelectorNext    = "a[rel='next']"

	selectorPrice   = ".homecardV2Price"
	selectorAddress = ".homeAddressV2"
	selectorStats   = ".HomeStatsV2 .stats"
	selectorSash    = ".HomeSash"
	selectorLink    = "a[href]"
)

var countPattern = regexp.MustCompile(`of\s+([\d,]+)`)

// ParsePage parses a whole results page and returns the listings found on
// it. A page with a recognizable layout but zero cards yields an error so
// the caller can report it and move on.
func ParsePage(r io.Reader, resolve func(string) string) ([]*models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse page markup: %w", err)
	}

	var listings []*models.Listing
	doc.Find(SelectorCard).Each(func(_ int, sel *goquery.Selection) {
		if l := ExtractListing(sel, resolve); l != nil {
			listings = append(listings, l)
		}
	})
	if len(listings) == 0 {
		return nil, fmt.Errorf("no listing cards found in page markup")
	}
	return listings, nil
}

// ExtractListing builds a Listing from one card selection. resolve turns a
// relative href into an absolute URL; pass nil to keep hrefs as-is.
// Returns nil when the card is missing its essential fields.
func ExtractListing(sel *goquery.Selection, resolve func(string) string) *models.Listing {
	price := strings.TrimSpace(sel.Find(selectorPrice).First().Text())
	if price == "" {
		return nil
	}

	href, _ := sel.Find(selectorLink).First().Attr("href")
	if href == "" {
		return nil
	}
	if resolve != nil {
		href = resolve(href)
	}

	address := NormalizeAddress(sel.Find(selectorAddress).First().Text())

	// Property type is optional on cards; absence is an empty value, not a
	// parse failure.
	propertyType := strings.TrimSpace(sel.Find(".propertyType").First().Text())

	beds, baths := "", ""
	sel.Find(selectorStats).Each(func(_ int, stat *goquery.Selection) {
		text := strings.TrimSpace(stat.Text())
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "bed"):
			beds = strings.Fields(text)[0]
		case strings.Contains(lower, "bath"):
			baths = strings.Fields(text)[0]
		}
	})

	mls, _ := sel.Attr("data-mls-id")

	return &models.Listing{
		RawPrice:     price,
		Address:      address,
		Location:     LocationFromAddress(address),
		PropertyType: propertyType,
		SaleStatus:   ParseSaleStatus(sel.Find(selectorSash).First().Text()),
		Beds:         beds,
		Baths:        baths,
		URL:          href,
		MLS:          strings.TrimSpace(mls),
		ScrapedAt:    time.Now(),
	}
}

// ParseListingCount reads the total result count from the page summary,
// e.g. "Showing 1-40 of 1,234 homes".
func ParseListingCount(doc *goquery.Document) (int, error) {
	text := strings.TrimSpace(doc.Find(SelectorSummary).First().Text())
	if text == "" {
		return 0, fmt.Errorf("result summary not found in page")
	}
	return CountFromSummary(text)
}

// CountFromSummary extracts the total count from summary text.
func CountFromSummary(text string) (int, error) {
	match := countPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("no listing count in summary %q", text)
	}
	count, err := strconv.Atoi(strings.ReplaceAll(match[1], ",", ""))
	if err != nil {
		return 0, fmt.Errorf("listing count in summary %q: %w", text, err)
	}
	return count, nil
}

// NormalizePrice converts card price text like "$1,250,000+" to a number.
func NormalizePrice(price string) (float64, error) {
	cleaned := strings.TrimSpace(price)
	cleaned = strings.TrimSuffix(cleaned, "+")
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, fmt.Errorf("empty price text")
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q is not numeric: %w", price, err)
	}
	return value, nil
}

// NormalizeAddress collapses runs of whitespace inside the address text.
func NormalizeAddress(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// LocationFromAddress pulls the city out of a "street, city, state zip"
// address. Returns an empty string when the shape does not match.
func LocationFromAddress(address string) string {
	parts := strings.Split(address, ",")
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-2])
}

// ParseSaleStatus maps the card sash text to a sale status. Cards without
// a sash are active listings.
func ParseSaleStatus(sash string) string {
	if strings.Contains(strings.ToUpper(sash), "SOLD") {
		return models.StatusSold
	}
	return models.StatusActive
}

// ValidateListing ensures the scraper captured the required fields.
func ValidateListing(l *models.Listing) error {
	if l == nil {
		return fmt.Errorf("listing is nil")
	}
	if strings.TrimSpace(l.RawPrice) == "" {
		return fmt.Errorf("listing missing price")
	}
	if strings.TrimSpace(l.Address) == "" {
		return fmt.Errorf("listing missing address for %s", l.URL)
	}
	if strings.TrimSpace(l.URL) == "" {
		return fmt.Errorf("listing missing URL for %s", l.Address)
	}
	return nil
}
