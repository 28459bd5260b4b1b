package service

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mobilecontrol/config"
	"mobilecontrol/models"
)

const defaultGestureMs = 300

// ModeSwitch holds the controller-wide execution mode. The engine reads it
// once per command, so toggling it never affects a command already planned.
type ModeSwitch struct {
	shadow atomic.Bool
}

// Set changes the mode and reports whether it actually changed.
func (m *ModeSwitch) Set(shadow bool) bool {
	return m.shadow.Swap(shadow) != shadow
}

func (m *ModeSwitch) Shadow() bool {
	return m.shadow.Load()
}

func (m *ModeSwitch) Mode() models.ExecutionMode {
	if m.Shadow() {
		return models.ModeShadow
	}
	return models.ModeVisible
}

// Emulator decides timing and pointer motion for a command. In visible mode
// it passes the request through; in shadow mode it adds bounded randomness.
type Emulator struct {
	variance     float64
	jitterRadius float64
	swipePoints  int
	width        int
	height       int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEmulator(cfg config.BehaviorConfig, screenWidth, screenHeight int) *Emulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	points := cfg.SwipePoints
	if points < 3 {
		points = 3
	}
	return &Emulator{
		variance:     cfg.DelayVariance,
		jitterRadius: float64(cfg.JitterRadiusPx),
		swipePoints:  points,
		width:        screenWidth,
		height:       screenHeight,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// Plan computes the execution plan for cmd under mode. Pointer actions get a
// path; the rest only get timing.
func (e *Emulator) Plan(cmd *models.Command, mode models.ExecutionMode) models.ExecutionPlan {
	plan := models.ExecutionPlan{
		Mode:       mode,
		PreDelayMs: e.Delay(cmd.DelayMs, mode),
		DurationMs: cmd.DurationMs,
	}

	switch a := cmd.Action.(type) {
	case models.Tap:
		plan.Path = e.Touch(models.Point{X: a.X, Y: a.Y}, mode)
	case models.Swipe:
		if plan.DurationMs == 0 {
			plan.DurationMs = defaultGestureMs
		}
		plan.Path = e.Stroke(a.From, a.To, mode)
	case models.Scroll:
		if plan.DurationMs == 0 {
			plan.DurationMs = defaultGestureMs
		}
	}
	return plan
}

// Delay returns the wait before dispatch. Shadow mode draws from a normal
// distribution around delayMs, clamped to delayMs*(1±variance).
func (e *Emulator) Delay(delayMs int, mode models.ExecutionMode) int {
	if mode != models.ModeShadow || delayMs <= 0 || e.variance <= 0 {
		return delayMs
	}
	base := float64(delayMs)
	lo := int(math.Ceil(base * (1 - e.variance)))
	hi := int(math.Floor(base * (1 + e.variance)))

	e.mu.Lock()
	n := e.rng.NormFloat64()
	e.mu.Unlock()

	// Two standard deviations span the allowed range.
	d := int(math.Round(base + n*base*e.variance/2))
	return clampInt(d, lo, hi)
}

// Touch returns the pointer path for a tap at p. Shadow mode produces a short
// micro-movement that never leaves the jitter radius around p.
func (e *Emulator) Touch(p models.Point, mode models.ExecutionMode) []models.Point {
	if mode != models.ModeShadow || e.jitterRadius <= 0 {
		return []models.Point{p}
	}
	center := vec(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 3 + e.rng.Intn(4)
	path := make([]models.Point, 0, n)
	pos := e.gaussianLocked(e.jitterRadius / 3).Limit(e.jitterRadius)
	for i := 0; i < n; i++ {
		path = append(path, center.Add(pos).Point(e.width, e.height))
		pos = pos.Add(e.gaussianLocked(e.jitterRadius / 4)).Limit(e.jitterRadius)
	}
	return path
}

// Stroke returns the pointer path from one point to another. Shadow mode
// bends it into a cubic Bezier curve with per-point noise; the endpoints
// are always the requested ones.
func (e *Emulator) Stroke(from, to models.Point, mode models.ExecutionMode) []models.Point {
	if mode != models.ModeShadow {
		return []models.Point{from, to}
	}
	p0, p3 := vec(from), vec(to)
	span := p3.Sub(p0)
	dist := span.Mag()
	normal := span.Normalize().Perp()

	e.mu.Lock()
	defer e.mu.Unlock()

	side := 1.0
	if e.rng.Intn(2) == 0 {
		side = -1.0
	}
	bend1 := side * dist * (0.04 + e.rng.Float64()*0.08)
	bend2 := side * dist * (0.02 + e.rng.Float64()*0.06)
	p1 := p0.Add(span.Mul(1.0 / 3.0)).Add(normal.Mul(bend1))
	p2 := p0.Add(span.Mul(2.0 / 3.0)).Add(normal.Mul(bend2))

	path := make([]models.Point, e.swipePoints)
	path[0] = from
	path[len(path)-1] = to
	for i := 1; i < len(path)-1; i++ {
		t := float64(i) / float64(len(path)-1)
		q := cubicBezier(p0, p1, p2, p3, t)
		noise := e.gaussianLocked(e.jitterRadius / 3).Limit(e.jitterRadius)
		path[i] = q.Add(noise).Point(e.width, e.height)
	}
	return path
}

func (e *Emulator) gaussianLocked(stdDev float64) Vector2D {
	return Vector2D{X: e.rng.NormFloat64() * stdDev, Y: e.rng.NormFloat64() * stdDev}
}
