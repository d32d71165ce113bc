// Package report computes run insights and renders them to Markdown.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/nao1215/markdown"

	"github.com/njdatalab/go-scrape-redfin/models"
)

// Insights aggregates the listings a run produced.
type Insights struct {
	County         string
	TotalListings  int
	SoldListings   int
	AveragePrice   float64
	MinPrice       float64
	MaxPrice       float64
	MostExpensive  *models.Listing
	ByPropertyType map[string]int
	ByLocation     map[string]int
}

// Build computes insights from a slice of processed listings.
func Build(county string, listings []*models.Listing) *Insights {
	insights := &Insights{
		County:         county,
		ByPropertyType: make(map[string]int),
		ByLocation:     make(map[string]int),
	}
	if len(listings) == 0 {
		return insights
	}

	var total float64
	insights.MinPrice = listings[0].Price
	insights.MaxPrice = listings[0].Price

	for _, l := range listings {
		insights.TotalListings++
		if l.SaleStatus == models.StatusSold {
			insights.SoldListings++
		}

		total += l.Price
		if l.Price < insights.MinPrice {
			insights.MinPrice = l.Price
		}
		if l.Price > insights.MaxPrice {
			insights.MaxPrice = l.Price
			insights.MostExpensive = l
		}

		propertyType := l.PropertyType
		if propertyType == "" {
			propertyType = "unknown"
		}
		insights.ByPropertyType[propertyType]++

		if l.Location != "" {
			insights.ByLocation[l.Location]++
		}
	}

	insights.AveragePrice = total / float64(insights.TotalListings)
	if insights.MostExpensive == nil {
		insights.MostExpensive = listings[0]
	}
	return insights
}

// WriteMarkdown renders the insights and sweep summary to w.
func WriteMarkdown(w io.Writer, insights *Insights, result *models.SweepResult) error {
	md := markdown.NewMarkdown(w)

	md.H1(fmt.Sprintf("%s County Listings Report", insights.County))
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Windows swept", strconv.Itoa(result.Windows)},
			{"Pages fetched", strconv.Itoa(result.PageCount)},
			{"Exports downloaded", strconv.Itoa(len(result.ExportFiles))},
			{"Failed windows", strconv.Itoa(len(result.FailedWindows))},
			{"Retries", strconv.Itoa(result.RetryCount)},
			{"Rate-limit pauses", strconv.Itoa(result.RateLimitHits)},
			{"Duration", result.EndTime.Sub(result.StartTime).Round(1e9).String()},
		},
	})
	md.PlainText("")

	md.H2("Listings")
	md.PlainText("")
	if insights.TotalListings == 0 {
		md.PlainText("No listings passed the pipeline.")
		md.PlainText("")
		return md.Build()
	}

	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Value"},
		Rows: [][]string{
			{"Total", strconv.Itoa(insights.TotalListings)},
			{"Sold", strconv.Itoa(insights.SoldListings)},
			{"Average price", formatPrice(insights.AveragePrice)},
			{"Lowest price", formatPrice(insights.MinPrice)},
			{"Highest price", formatPrice(insights.MaxPrice)},
		},
	})
	md.PlainText("")

	if insights.MostExpensive != nil {
		md.PlainTextf("Most expensive: %s (%s)",
			insights.MostExpensive.Address,
			formatPrice(insights.MostExpensive.Price),
		)
		md.PlainText("")
	}

	md.H2("By Property Type")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Type", "Count"},
		Rows:   sortedCountRows(insights.ByPropertyType),
	})
	md.PlainText("")

	if len(insights.ByLocation) > 0 {
		md.H2("By Location")
		md.PlainText("")
		md.Table(markdown.TableSet{
			Header: []string{"Location", "Count"},
			Rows:   sortedCountRows(insights.ByLocation),
		})
		md.PlainText("")
	}

	return md.Build()
}

// WriteMarkdownFile renders the report to a file, creating parent
// directories as needed.
func WriteMarkdownFile(path string, insights *Insights, result *models.SweepResult) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory %q: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file %q: %w", path, err)
	}
	defer f.Close()

	if err := WriteMarkdown(f, insights, result); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// sortedCountRows orders by count descending, then name, for stable output.
func sortedCountRows(counts map[string]int) [][]string {
	type entry struct {
		name  string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{e.name, strconv.Itoa(e.count)}
	}
	return rows
}

func formatPrice(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 0, 64)
}
