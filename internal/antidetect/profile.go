// Package antidetect builds per-session browser fingerprints and humanized
// timing for the scrape collector. A fresh profile is generated for every
// session; nothing is shared across sessions.
package antidetect

import (
	"math"
	"math/rand"
	"time"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

var viewports = []Viewport{
	{1920, 1080},
	{1680, 1050},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

// Phoenix city center; sessions jitter around it.
const (
	metroLat  = 33.4484
	metroLon  = -112.0740
	geoJitter = 0.15
)

// maxHumanDelay caps the exponential pacing component.
const maxHumanDelay = 15 * time.Second

// Viewport is a browser window size.
type Viewport struct {
	Width  int
	Height int
}

// Box is a screen-space rectangle a humanized move targets.
type Box struct {
	X, Y, Width, Height float64
}

// MoveStep is one interpolated cursor position with its dwell time.
type MoveStep struct {
	X, Y  float64
	Pause time.Duration
}

// Profile is one session's randomized browser identity.
type Profile struct {
	UserAgent string
	Viewport  Viewport
	Timezone  string
	Latitude  float64
	Longitude float64
	Languages []string

	rng *rand.Rand
}

// NewProfile generates a fresh session profile.
func NewProfile() *Profile {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Profile{
		UserAgent: userAgents[rng.Intn(len(userAgents))],
		Viewport:  viewports[rng.Intn(len(viewports))],
		Timezone:  "America/Phoenix",
		Latitude:  metroLat + (rng.Float64()*2-1)*geoJitter,
		Longitude: metroLon + (rng.Float64()*2-1)*geoJitter,
		Languages: []string{"en-US", "en"},
		rng:       rng,
	}
}

// HumanizedDelay returns a pacing delay: uniform in [min,max] plus an
// exponentially distributed tail capped at 15s.
func (p *Profile) HumanizedDelay(min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	base := min
	if max > min {
		base += time.Duration(p.rng.Int63n(int64(max - min)))
	}
	// Exponential tail, mean 1s, to break strictly bounded patterns.
	tail := time.Duration(p.rng.ExpFloat64() * float64(time.Second))
	if tail > maxHumanDelay {
		tail = maxHumanDelay
	}
	d := base + tail
	if d > maxHumanDelay {
		d = maxHumanDelay
	}
	return d
}

// HumanizedMove interpolates 3-5 cursor steps toward a point inside the
// target box, each with 10-50ms of jitter.
func (p *Profile) HumanizedMove(target Box) []MoveStep {
	steps := 3 + p.rng.Intn(3)
	destX := target.X + target.Width*(0.25+p.rng.Float64()*0.5)
	destY := target.Y + target.Height*(0.25+p.rng.Float64()*0.5)

	startX := destX - 100 - p.rng.Float64()*200
	startY := destY - 100 - p.rng.Float64()*200

	out := make([]MoveStep, steps)
	for i := 0; i < steps; i++ {
		t := float64(i+1) / float64(steps)
		// Slight curve so the path is not a straight line.
		curve := math.Sin(t*math.Pi) * (p.rng.Float64()*10 - 5)
		out[i] = MoveStep{
			X:     startX + (destX-startX)*t + curve,
			Y:     startY + (destY-startY)*t + curve,
			Pause: time.Duration(10+p.rng.Intn(41)) * time.Millisecond,
		}
	}
	out[steps-1].X = destX
	out[steps-1].Y = destY
	return out
}

// HumanizedType returns per-character delays for typing text, 50-150ms
// per character.
func (p *Profile) HumanizedType(text string) []time.Duration {
	out := make([]time.Duration, 0, len(text))
	for range text {
		out = append(out, time.Duration(50+p.rng.Intn(101))*time.Millisecond)
	}
	return out
}
