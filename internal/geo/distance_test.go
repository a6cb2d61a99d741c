package geo

import (
	"math"
	"testing"

	"github.com/gigboard/project/internal/contracts"
)

func TestDistanceKm_ZeroForSamePoint(t *testing.T) {
	if got := DistanceKm(47.61, -122.33, 47.61, -122.33); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	pairs := [][4]float64{
		{0, 0, 1, 1},
		{47.61, -122.33, 45.52, -122.68},
		{-33.86, 151.2, 51.5, -0.12},
	}
	for _, p := range pairs {
		ab := DistanceKm(p[0], p[1], p[2], p[3])
		ba := DistanceKm(p[2], p[3], p[0], p[1])
		if math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("not symmetric for %v: %v vs %v", p, ab, ba)
		}
	}
}

func TestDistanceKm_OneDegreeLatitude(t *testing.T) {
	got := DistanceKm(0, 0, 1, 0)
	if math.Abs(got-111.19) > 0.1 {
		t.Fatalf("expected ~111.19km, got %v", got)
	}
}

func TestBetween_MissingLocationUsesSentinel(t *testing.T) {
	loc := &contracts.Location{Latitude: 10, Longitude: 10}
	if got := Between(nil, loc); got != SentinelKm {
		t.Fatalf("expected sentinel, got %v", got)
	}
	if got := Between(loc, nil); got != SentinelKm {
		t.Fatalf("expected sentinel, got %v", got)
	}
	if got := Between(loc, &contracts.Location{Latitude: 200}); got != SentinelKm {
		t.Fatalf("expected sentinel for out of range latitude, got %v", got)
	}
	if Matches(SentinelKm) {
		t.Fatal("sentinel distance must not match")
	}
}

func TestMatches_Threshold(t *testing.T) {
	if !Matches(99.9) {
		t.Fatal("99.9km should match")
	}
	if Matches(100) {
		t.Fatal("threshold is exclusive")
	}
}
