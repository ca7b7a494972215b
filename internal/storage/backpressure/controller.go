// Package backpressure throttles sample submission when the ingestion
// queues fill up faster than the shard workers drain them.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/logging"
)

var log = logging.Component("backpressure")

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - queues are draining.
	LevelNormal Level = iota

	// LevelWarning - elevated backlog, submissions are slowed slightly.
	LevelWarning

	// LevelCritical - high backlog, submissions are slowed noticeably.
	LevelCritical

	// LevelEmergency - queues nearly full, submissions are refused.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// UsageSource reports how full the ingestion queues are, from 0 to 1.
type UsageSource interface {
	UsageRatio() float64
}

// UsageFunc adapts a function to UsageSource.
type UsageFunc func() float64

// UsageRatio implements UsageSource.
func (f UsageFunc) UsageRatio() float64 { return f() }

// Config holds the thresholds of the controller.
type Config struct {
	Enabled bool

	// Usage ratios at which each level starts.
	Warning   float64
	Critical  float64
	Emergency float64

	// Hysteresis is how far usage must fall below a threshold before the
	// level steps down.
	Hysteresis float64

	// Cooldown is the minimum time between two level evaluations.
	Cooldown time.Duration

	// MaxDelay is the delay applied to a submission at emergency level if
	// it were admitted. Lower levels use a fraction of it.
	MaxDelay time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Warning:    0.70,
		Critical:   0.85,
		Emergency:  0.95,
		Hysteresis: 0.05,
		Cooldown:   100 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
	}
}

// Validate checks that the thresholds are ordered and within (0, 1].
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !(c.Warning > 0 && c.Warning < c.Critical && c.Critical < c.Emergency && c.Emergency <= 1) {
		return errors.NewValidation("backpressure thresholds",
			fmt.Sprintf("need 0 < warning < critical < emergency <= 1, got %.2f/%.2f/%.2f", c.Warning, c.Critical, c.Emergency))
	}
	if c.Hysteresis < 0 || c.Hysteresis >= c.Warning {
		return errors.NewValidation("backpressure.hysteresis", "must be in [0, warning)")
	}
	return nil
}

// Controller tracks the backpressure level of one UsageSource.
type Controller struct {
	mu sync.RWMutex

	config Config
	source UsageSource

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats Stats

	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	SamplesRejected int64
	ThrottleSeconds float64
}

// New creates a controller over source.
func New(cfg Config, source UsageSource) *Controller {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Controller{
		config: cfg,
		source: source,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates the current usage and updates the level. Calls inside
// the cooldown return the previous level.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.config.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.source.UsageRatio())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

func (c *Controller) determineLevel(usage float64) Level {
	cfg := c.config

	if usage >= cfg.Emergency {
		return LevelEmergency
	}
	if usage >= cfg.Critical {
		if c.lastLevel == LevelEmergency && usage >= cfg.Emergency-cfg.Hysteresis {
			return LevelEmergency
		}
		return LevelCritical
	}
	if usage >= cfg.Warning {
		if c.lastLevel >= LevelCritical && usage >= cfg.Critical-cfg.Hysteresis {
			return LevelCritical
		}
		return LevelWarning
	}

	// Below every threshold: step down one level at a time.
	switch c.lastLevel {
	case LevelEmergency, LevelCritical:
		return LevelWarning
	case LevelWarning:
		if usage < cfg.Warning-cfg.Hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel must be called with c.mu held.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if newLevel > oldLevel {
		log.Warn("backpressure raised", "from", oldLevel.String(), "to", newLevel.String())
	} else {
		log.Info("backpressure lowered", "from", oldLevel.String(), "to", newLevel.String())
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject reports whether submissions are refused.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ThrottleDelay returns the delay applied to a submission at the current
// level.
func (c *Controller) ThrottleDelay() time.Duration {
	switch c.CurrentLevel() {
	case LevelWarning:
		return c.config.MaxDelay / 10
	case LevelCritical:
		return c.config.MaxDelay / 2
	case LevelEmergency:
		return c.config.MaxDelay
	default:
		return 0
	}
}

// Admit gates one submission. At emergency level it fails with
// ErrBackpressure; at warning and critical it sleeps for ThrottleDelay or
// until ctx is done.
func (c *Controller) Admit(ctx context.Context) error {
	if c == nil || !c.IsEnabled() {
		return nil
	}

	c.Check()
	if c.ShouldReject() {
		c.mu.Lock()
		c.stats.SamplesRejected++
		c.mu.Unlock()
		return fmt.Errorf("queue usage %.0f%%: %w", c.source.UsageRatio()*100, errors.ErrBackpressure)
	}

	delay := c.ThrottleDelay()
	if delay <= 0 {
		return nil
	}

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		SamplesRejected: c.stats.SamplesRejected,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		QueueUsage:      c.source.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	SamplesRejected int64
	ThrottleSeconds float64
	QueueUsage      float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
