package main

import (
	"math"
	"math/rand"
	"time"
)

const (
	metersPerDegree = 111320.0 // meters per degree of latitude
	speedJitterFrac = 0.2      // fraction of the speed envelope perturbed per tick
	minCosLat       = 0.01     // keeps longitude displacement finite near the poles
)

// Fish is one tracked entity's kinematic state
type Fish struct {
	ID        string
	Lat       float64 // degrees, [-90, 90]
	Lon       float64 // degrees, [-180, 180]
	Speed     float64 // m/s, within the configured envelope
	Heading   float64 // compass degrees, [0, 360)
	UpdatedAt time.Time
}

// NewFish spawns a fish at a random position inside the configured spawn area
func NewFish(id string, rng *rand.Rand, cfg *Config) *Fish {
	return &Fish{
		ID:        id,
		Lat:       Clamp(cfg.OriginLat+rng.Float64()*cfg.SpawnSpread, -90, 90),
		Lon:       WrapLongitude(cfg.OriginLon + rng.Float64()*cfg.SpawnSpread),
		Speed:     cfg.MinSpeed + rng.Float64()*(cfg.MaxSpeed-cfg.MinSpeed),
		Heading:   rng.Float64() * 360,
		UpdatedAt: time.Now().UTC(),
	}
}

// Advance moves the fish one tick (dt in seconds). Heading performs a bounded
// random walk, speed stays inside the configured envelope, and the position
// advances along the heading. Out-of-range results are clamped or wrapped,
// never returned as errors.
func (f *Fish) Advance(rng *rand.Rand, dt float64, cfg *Config, now time.Time) {
	f.Heading = WrapHeading(f.Heading + (rng.Float64()*2-1)*cfg.HeadingJitter)

	envelope := cfg.MaxSpeed - cfg.MinSpeed
	f.Speed = Clamp(f.Speed+(rng.Float64()*2-1)*speedJitterFrac*envelope, cfg.MinSpeed, cfg.MaxSpeed)

	// Planar displacement: compass heading, 0 = north, clockwise
	dist := f.Speed * dt
	rad := f.Heading * math.Pi / 180
	dLat := dist * math.Cos(rad) / metersPerDegree
	cosLat := math.Cos(f.Lat * math.Pi / 180)
	if math.Abs(cosLat) < minCosLat {
		cosLat = math.Copysign(minCosLat, cosLat)
	}
	dLon := dist * math.Sin(rad) / (metersPerDegree * cosLat)

	f.Lat = Clamp(f.Lat+dLat, -90, 90)
	f.Lon = WrapLongitude(f.Lon + dLon)

	// Timestamps must strictly increase per update
	if !now.After(f.UpdatedAt) {
		now = f.UpdatedAt.Add(time.Millisecond)
	}
	f.UpdatedAt = now
}

// ToState converts to the protocol record
func (f *Fish) ToState() FishState {
	return FishState{
		ID:      f.ID,
		Lat:     f.Lat,
		Lon:     f.Lon,
		Speed:   f.Speed,
		Heading: f.Heading,
		TS:      f.UpdatedAt.UnixMilli(),
	}
}
