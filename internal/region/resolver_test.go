package region

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveZone_StaticTable(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	tests := []struct {
		region string
		want   string
	}{
		{"Quebec", "northamerica-northeast1-a"},
		{"Quebec, CA", "northamerica-northeast1-a"},
		{"Texas, US", "us-south1-a"},
		{"North Carolina, US", "us-east1-b"},
		{"Bavaria, Germany", "europe-west3-a"},
		{"Taiwan", "asia-east1-a"},
		{"Tokyo, Japan", "asia-northeast1-a"},
	}

	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ResolveZone(ctx, tt.region, ""))
		})
	}
}

func TestResolveZone_UnknownFallsBack(t *testing.T) {
	r := NewResolver()

	zone := r.ResolveZone(context.Background(), "Nowhereland", "")
	assert.Contains(t, []string{FallbackUS, FallbackEU, FallbackAsia}, zone)
}

func TestResolveZone_EmptyRegion(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, FallbackUS, r.ResolveZone(context.Background(), "", ""))
}

func TestResolveZone_CountryCodes(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	assert.Equal(t, FallbackUS, r.ResolveZone(ctx, "US", ""))
	assert.Equal(t, FallbackEU, r.ResolveZone(ctx, "DE", ""))
	assert.Equal(t, FallbackAsia, r.ResolveZone(ctx, "JP", ""))
}

func TestResolveZone_GeolocationRefinesGeneric(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Coordinates near Council Bluffs, Iowa
		w.Write([]byte(`{"status":"success","lat":41.3,"lon":-95.9,"country":"United States"}`))
	}))
	defer server.Close()

	r := NewResolver(WithGeoBaseURL(server.URL))
	zone := r.ResolveZone(context.Background(), "US", "8.8.8.8")
	assert.Equal(t, "us-central1-a", zone)
}

func TestResolveZone_GeolocationTooFarFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Middle of the Pacific, no zone within 500 km
		w.Write([]byte(`{"status":"success","lat":0.0,"lon":-150.0,"country":"Kiribati"}`))
	}))
	defer server.Close()

	r := NewResolver(WithGeoBaseURL(server.URL))
	zone := r.ResolveZone(context.Background(), "US", "1.2.3.4")
	assert.Equal(t, FallbackUS, zone)
}

func TestResolveZone_StaticMatchSkipsGeolocation(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"success","lat":45.5,"lon":-73.6,"country":"Canada"}`))
	}))
	defer server.Close()

	r := NewResolver(WithGeoBaseURL(server.URL))
	zone := r.ResolveZone(context.Background(), "Quebec, CA", "5.6.7.8")

	assert.Equal(t, "northamerica-northeast1-a", zone)
	assert.Equal(t, int32(0), calls.Load())
}

func TestResolveZone_GeolocationCached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"success","lat":50.1,"lon":8.7,"country":"Germany"}`))
	}))
	defer server.Close()

	r := NewResolver(WithGeoBaseURL(server.URL))
	ctx := context.Background()

	first := r.ResolveZone(ctx, "Europe", "9.9.9.9")
	second := r.ResolveZone(ctx, "Europe", "9.9.9.9")

	assert.Equal(t, "europe-west3-a", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveZone_GeolocationFailureFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"fail"}`))
	}))
	defer server.Close()

	r := NewResolver(WithGeoBaseURL(server.URL))
	zone := r.ResolveZone(context.Background(), "Asia", "10.0.0.1")
	assert.Equal(t, FallbackAsia, zone)
}

func TestHaversineKM(t *testing.T) {
	// Montreal to Toronto, roughly 500 km
	d := haversineKM(45.50, -73.57, 43.65, -79.38)
	assert.InDelta(t, 505, d, 20)

	assert.InDelta(t, 0, haversineKM(45.5, -73.6, 45.5, -73.6), 0.001)
}

func TestNearestZone(t *testing.T) {
	assert.Equal(t, "asia-northeast1-a", nearestZone(35.7, 139.7))
	assert.Equal(t, "", nearestZone(0, -150))
}

func TestRegionOf(t *testing.T) {
	assert.Equal(t, "us-central1", RegionOf("us-central1-a"))
	assert.Equal(t, "northamerica-northeast1", RegionOf("northamerica-northeast1-a"))
	assert.Equal(t, "zone", RegionOf("zone"))
}
