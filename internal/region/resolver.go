// Package region maps the free-form geolocation strings reported by
// GPU marketplaces onto concrete CPU-cloud zones, so a standby VM can
// be placed near the GPU it shadows. Resolution is total: there is
// always an answer, at worst a generic regional fallback.
package region

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// FallbackUS is returned when nothing better is known
	FallbackUS   = "us-central1-a"
	FallbackEU   = "europe-west1-a"
	FallbackAsia = "asia-east1-a"

	// maxZoneDistanceKM bounds how far a geolocated IP may be from a
	// zone before the match is rejected
	maxZoneDistanceKM = 500

	geoAPIBaseURL = "http://ip-api.com/json"
)

// staticTable maps lowercase city/state/country phrases seen in
// marketplace geolocation strings to target zones. Checked by substring,
// longest phrases first, so "North Carolina" wins over "US".
var staticTable = []struct {
	phrase string
	zone   string
}{
	{"quebec", "northamerica-northeast1-a"},
	{"montreal", "northamerica-northeast1-a"},
	{"toronto", "northamerica-northeast2-a"},
	{"ontario", "northamerica-northeast2-a"},
	{"north carolina", "us-east1-b"},
	{"south carolina", "us-east1-b"},
	{"virginia", "us-east4-a"},
	{"new york", "us-east4-a"},
	{"new jersey", "us-east4-a"},
	{"georgia", "us-east1-b"},
	{"florida", "us-east1-b"},
	{"texas", "us-south1-a"},
	{"california", "us-west1-a"},
	{"oregon", "us-west1-a"},
	{"washington", "us-west1-a"},
	{"nevada", "us-west4-a"},
	{"arizona", "us-west4-a"},
	{"utah", "us-west3-a"},
	{"iowa", "us-central1-a"},
	{"illinois", "us-central1-a"},
	{"ohio", "us-central1-a"},
	{"netherlands", "europe-west4-a"},
	{"germany", "europe-west3-a"},
	{"belgium", "europe-west1-b"},
	{"france", "europe-west9-a"},
	{"united kingdom", "europe-west2-a"},
	{"england", "europe-west2-a"},
	{"spain", "europe-southwest1-a"},
	{"portugal", "europe-southwest1-a"},
	{"italy", "europe-west8-a"},
	{"poland", "europe-central2-a"},
	{"czech", "europe-west3-a"},
	{"sweden", "europe-north1-a"},
	{"norway", "europe-north1-a"},
	{"finland", "europe-north1-a"},
	{"switzerland", "europe-west6-a"},
	{"austria", "europe-west3-a"},
	{"romania", "europe-central2-a"},
	{"bulgaria", "europe-central2-a"},
	{"ukraine", "europe-central2-a"},
	{"taiwan", "asia-east1-a"},
	{"japan", "asia-northeast1-a"},
	{"korea", "asia-northeast3-a"},
	{"hong kong", "asia-east2-a"},
	{"singapore", "asia-southeast1-a"},
	{"india", "asia-south1-a"},
	{"australia", "australia-southeast1-a"},
	{"brazil", "southamerica-east1-a"},
	{"chile", "southamerica-west1-a"},
	{"israel", "me-west1-a"},
	{"canada", "northamerica-northeast1-a"},
	{", ca", "northamerica-northeast1-a"},
	{", us", FallbackUS},
	{"united states", FallbackUS},
	{"usa", FallbackUS},
	{"europe", FallbackEU},
	{"asia", FallbackAsia},
}

// zoneCoords holds representative coordinates per zone for the
// geolocation tier's nearest-neighbor search
var zoneCoords = map[string][2]float64{
	"northamerica-northeast1-a": {45.50, -73.57},  // Montreal
	"northamerica-northeast2-a": {43.65, -79.38},  // Toronto
	"us-central1-a":             {41.26, -95.86},  // Council Bluffs
	"us-east1-b":                {33.20, -80.01},  // South Carolina
	"us-east4-a":                {39.03, -77.47},  // Northern Virginia
	"us-south1-a":               {32.78, -96.80},  // Dallas
	"us-west1-a":                {45.60, -121.18}, // The Dalles
	"us-west3-a":                {40.76, -111.89}, // Salt Lake City
	"us-west4-a":                {36.17, -115.14}, // Las Vegas
	"europe-west1-b":            {50.45, 3.82},    // St. Ghislain
	"europe-west2-a":            {51.51, -0.13},   // London
	"europe-west3-a":            {50.11, 8.68},    // Frankfurt
	"europe-west4-a":            {53.44, 6.84},    // Eemshaven
	"europe-west6-a":            {47.38, 8.54},    // Zurich
	"europe-west8-a":            {45.46, 9.19},    // Milan
	"europe-west9-a":            {48.86, 2.35},    // Paris
	"europe-central2-a":         {52.23, 21.01},   // Warsaw
	"europe-north1-a":           {60.57, 27.19},   // Hamina
	"europe-southwest1-a":       {40.42, -3.70},   // Madrid
	"asia-east1-a":              {24.05, 120.52},  // Changhua
	"asia-east2-a":              {22.32, 114.17},  // Hong Kong
	"asia-northeast1-a":         {35.69, 139.69},  // Tokyo
	"asia-northeast3-a":         {37.57, 126.98},  // Seoul
	"asia-south1-a":             {19.08, 72.88},   // Mumbai
	"asia-southeast1-a":         {1.35, 103.82},   // Singapore
	"australia-southeast1-a":    {-33.87, 151.21}, // Sydney
	"southamerica-east1-a":      {-23.55, -46.63}, // Sao Paulo
	"southamerica-west1-a":      {-33.45, -70.67}, // Santiago
	"me-west1-a":                {32.08, 34.78},   // Tel Aviv
}

// geoResponse is the subset of the ip-api.com JSON answer we use
type geoResponse struct {
	Status  string  `json:"status"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

// Resolver maps marketplace region strings to CPU-cloud zones
type Resolver struct {
	httpClient *http.Client
	geoBaseURL string

	mu    sync.Mutex
	cache map[string]string // ip -> zone ("" means lookup failed)
}

// ResolverOption configures the Resolver
type ResolverOption func(*Resolver)

// WithGeoBaseURL sets a custom geolocation endpoint (for testing)
func WithGeoBaseURL(url string) ResolverOption {
	return func(r *Resolver) {
		r.geoBaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.httpClient = client
	}
}

// NewResolver creates a resolver with an empty geolocation cache
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		geoBaseURL: geoAPIBaseURL,
		cache:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveZone maps a marketplace region string, optionally refined by
// the machine's public IP, to a CPU-cloud zone. It never fails: when
// nothing matches it falls back to a generic regional zone.
func (r *Resolver) ResolveZone(ctx context.Context, marketplaceRegion, ip string) string {
	zone, generic := staticLookup(marketplaceRegion)

	// The static answer is good enough unless it was a generic guess
	// and we have an IP to sharpen it with.
	if !generic || ip == "" {
		return zone
	}

	if geoZone := r.zoneFromIP(ctx, ip); geoZone != "" {
		return geoZone
	}
	return zone
}

// staticLookup scans the phrase table; generic reports whether the
// result was a broad region guess rather than a specific match
func staticLookup(marketplaceRegion string) (zone string, generic bool) {
	region := strings.ToLower(strings.TrimSpace(marketplaceRegion))
	if region == "" {
		return FallbackUS, true
	}

	for _, entry := range staticTable {
		if strings.Contains(region, entry.phrase) {
			switch entry.zone {
			case FallbackUS, FallbackEU, FallbackAsia:
				return entry.zone, true
			default:
				return entry.zone, false
			}
		}
	}

	// Bare two-letter country codes ("US", "DE") that the phrase table
	// missed still deserve a continental guess.
	switch region {
	case "us", "um":
		return FallbackUS, true
	case "de", "fr", "nl", "gb", "uk", "es", "it", "pl", "se", "no", "fi", "ch", "at", "be", "pt", "cz", "ro", "bg", "ua":
		return FallbackEU, true
	case "tw", "jp", "kr", "hk", "sg", "in", "cn", "th", "vn", "id", "my":
		return FallbackAsia, true
	}

	return FallbackUS, true
}

// zoneFromIP geolocates an IP and picks the nearest zone within the
// acceptance radius. Results, including failures, are cached for the
// process lifetime.
func (r *Resolver) zoneFromIP(ctx context.Context, ip string) string {
	r.mu.Lock()
	if zone, ok := r.cache[ip]; ok {
		r.mu.Unlock()
		return zone
	}
	r.mu.Unlock()

	zone := ""
	if lat, lon, err := r.geolocate(ctx, ip); err == nil {
		zone = nearestZone(lat, lon)
	} else {
		slog.Debug("ip geolocation failed",
			slog.String("ip", ip),
			slog.String("error", err.Error()))
	}

	r.mu.Lock()
	r.cache[ip] = zone
	r.mu.Unlock()
	return zone
}

func (r *Resolver) geolocate(ctx context.Context, ip string) (lat, lon float64, err error) {
	url := fmt.Sprintf("%s/%s?fields=status,lat,lon,country", r.geoBaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geolocation returned status %d", resp.StatusCode)
	}

	var geo geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&geo); err != nil {
		return 0, 0, fmt.Errorf("failed to decode geolocation response: %w", err)
	}
	if geo.Status != "success" {
		return 0, 0, fmt.Errorf("geolocation lookup failed for %s", ip)
	}
	return geo.Lat, geo.Lon, nil
}

// nearestZone returns the closest zone within maxZoneDistanceKM, or ""
func nearestZone(lat, lon float64) string {
	best := ""
	bestDist := math.MaxFloat64
	for zone, coords := range zoneCoords {
		d := haversineKM(lat, lon, coords[0], coords[1])
		if d < bestDist {
			best, bestDist = zone, d
		}
	}
	if bestDist > maxZoneDistanceKM {
		return ""
	}
	return best
}

// haversineKM computes the great-circle distance between two points
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0

	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// RegionOf strips the zone suffix: "us-central1-a" -> "us-central1"
func RegionOf(zone string) string {
	if idx := strings.LastIndex(zone, "-"); idx > 0 {
		return zone[:idx]
	}
	return zone
}
