package scraper

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/njdatalab/go-scrape-redfin/models"
)

// The site caps CSV exports at this many rows per request. Windows with
// more listings than this have to be narrowed before exporting.
const ExportRowCap = 350

// Fixed query parameters of the gis-csv export endpoint, taken from the
// download links the site itself generates.
const (
	exportPath       = "/stingray/api/gis-csv"
	exportAccessLvl  = "3"
	exportMarket     = "newjersey"
	exportRegionType = "5"     // county search
	exportPropTypes  = "1,5"   // house or land
	soldWithinDays   = "1825"  // past sales within 5 years
	stateCode        = "NJ"
)

// counties maps New Jersey county names to the site's region ids.
var counties = map[string]int{
	"Burlington": 1893,
	"Camden":     1894,
	"Essex":      1897,
	"Bergen":     1892,
	"Hudson":     1899,
	"Union":      1910,
	"Sussex":     1909,
	"Passaic":    1906,
	"Morris":     1904,
	"Somerset":   1908,
	"Middlesex":  1902,
	"Mercer":     1901,
	"Monmouth":   1903,
}

// RegionID resolves a county name to a region id. extra entries (from the
// config file) take precedence over the built-in registry. The lookup is
// case-insensitive on the county name.
func RegionID(county string, extra map[string]int) (int, error) {
	for name, id := range extra {
		if strings.EqualFold(name, county) {
			return id, nil
		}
	}
	for name, id := range counties {
		if strings.EqualFold(name, county) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown county %q (known: %s)", county, strings.Join(KnownCounties(extra), ", "))
}

// KnownCounties lists resolvable county names, sorted.
func KnownCounties(extra map[string]int) []string {
	names := make([]string, 0, len(counties)+len(extra))
	seen := make(map[string]struct{}, len(counties)+len(extra))
	for name := range counties {
		names = append(names, name)
		seen[strings.ToLower(name)] = struct{}{}
	}
	for name := range extra {
		if _, ok := seen[strings.ToLower(name)]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SearchURL builds the filter-page URL for one price window. page numbers
// start at 1; pages past the first append a /page-N segment.
func SearchURL(baseURL string, regionID int, county string, w models.PriceWindow, sold bool, page int) string {
	filters := []string{
		"property-type=house+land",
		fmt.Sprintf("min-price=%d", w.Min),
		fmt.Sprintf("max-price=%d", w.Max),
	}
	if sold {
		filters = append(filters, "include=sold-5yr")
	}

	u := fmt.Sprintf("%s/county/%d/%s/%s/filter/%s",
		strings.TrimSuffix(baseURL, "/"),
		regionID,
		stateCode,
		countySlug(county),
		strings.Join(filters, ","),
	)
	if page > 1 {
		u += fmt.Sprintf("/page-%d", page)
	}
	return u
}

// ExportURL builds the direct CSV export URL for one price window.
func ExportURL(baseURL string, regionID int, w models.PriceWindow, sold bool) string {
	q := url.Values{}
	q.Set("al", exportAccessLvl)
	q.Set("market", exportMarket)
	q.Set("region_id", strconv.Itoa(regionID))
	q.Set("region_type", exportRegionType)
	q.Set("uipt", exportPropTypes)
	q.Set("min_price", strconv.Itoa(w.Min))
	q.Set("max_price", strconv.Itoa(w.Max))
	if sold {
		q.Set("sold_within_days", soldWithinDays)
	}
	return strings.TrimSuffix(baseURL, "/") + exportPath + "?" + q.Encode()
}

// NextIncrement adapts the window width from the current window's listing
// count: widen (doubling, capped) while counts stay under the export cap,
// narrow (halving, floor 1) when a window overflows it.
func NextIncrement(count, increment, maxIncrement int) int {
	if count < ExportRowCap {
		doubled := increment * 2
		if doubled > maxIncrement {
			return maxIncrement
		}
		return doubled
	}
	halved := increment / 2
	if halved < 1 {
		return 1
	}
	return halved
}

func countySlug(county string) string {
	cleaned := strings.Join(strings.Fields(county), "-")
	return cleaned + "-County"
}
