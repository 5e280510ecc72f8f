package delay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/listing-crawler/internal/entity"
)

func defaultConfig() Config {
	return Config{
		MinDelay:             15 * time.Second,
		MaxDelay:             30 * time.Second,
		BackoffFloor:         60 * time.Second,
		BackoffCap:           10 * time.Minute,
		BackoffMultiplier:    8,
		BackoffJitter:        0.2,
		ThinkTimeProbability: 0.2,
		ThinkTimeMin:         5 * time.Second,
		ThinkTimeMax:         15 * time.Second,
	}
}

func newScheduler(t *testing.T, cfg Config, seed int64) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, defaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min over max", func(c *Config) { c.MinDelay = time.Minute }},
		{"floor over cap", func(c *Config) { c.BackoffFloor = time.Hour }},
		{"zero multiplier", func(c *Config) { c.BackoffMultiplier = 0 }},
		{"jitter too large", func(c *Config) { c.BackoffJitter = 1 }},
		{"probability over one", func(c *Config) { c.ThinkTimeProbability = 1.5 }},
		{"think range inverted", func(c *Config) { c.ThinkTimeMin = time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := NewScheduler(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestConfigValidate_ZeroCapMeansUncapped(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackoffCap = 0
	assert.NoError(t, cfg.Validate())
}

// OK verdicts stay inside [MinDelay, MaxDelay]; detections never drop below BackoffFloor.
func TestNextDelay_Bounds(t *testing.T) {
	cfg := defaultConfig()
	for seed := int64(0); seed < 100; seed++ {
		s := newScheduler(t, cfg, seed)
		for page := 0; page < 8; page++ {
			for global := 0; global < 8; global++ {
				ok := s.NextDelay(Input{PageIndexInLane: page, LastVerdict: entity.VerdictOK, GlobalDetections: global})
				assert.GreaterOrEqual(t, ok.Duration, cfg.MinDelay)
				assert.LessOrEqual(t, ok.Duration, cfg.MaxDelay)
				assert.NotEqual(t, entity.DelayBackoff, ok.Tag)

				for _, v := range []entity.Verdict{entity.VerdictChallenge, entity.VerdictBlocked} {
					d := s.NextDelay(Input{PageIndexInLane: page, LastVerdict: v, GlobalDetections: global})
					assert.GreaterOrEqual(t, d.Duration, cfg.BackoffFloor)
					assert.LessOrEqual(t, d.Duration, cfg.BackoffCap)
					assert.Equal(t, entity.DelayBackoff, d.Tag)
				}
			}
		}
	}
}

func TestNextDelay_TiersGrowOverLaneLife(t *testing.T) {
	cfg := defaultConfig()
	cfg.ThinkTimeProbability = 0
	s := newScheduler(t, cfg, 1)

	third := (cfg.MaxDelay - cfg.MinDelay) / 3
	for i := 0; i < 50; i++ {
		early := s.NextDelay(Input{PageIndexInLane: 0, LastVerdict: entity.VerdictOK}).Duration
		assert.LessOrEqual(t, early, cfg.MinDelay+third)

		middle := s.NextDelay(Input{PageIndexInLane: 2, LastVerdict: entity.VerdictOK}).Duration
		assert.GreaterOrEqual(t, middle, cfg.MinDelay+third)
		assert.LessOrEqual(t, middle, cfg.MinDelay+2*third)

		late := s.NextDelay(Input{PageIndexInLane: 5, LastVerdict: entity.VerdictOK}).Duration
		assert.GreaterOrEqual(t, late, cfg.MinDelay+2*third)
	}
}

func TestNextDelay_ThinkTimeAlways(t *testing.T) {
	cfg := defaultConfig()
	cfg.ThinkTimeProbability = 1
	s := newScheduler(t, cfg, 3)

	for i := 0; i < 20; i++ {
		d := s.NextDelay(Input{PageIndexInLane: 0, LastVerdict: entity.VerdictOK})
		assert.Equal(t, entity.DelayThinkTime, d.Tag)
		assert.GreaterOrEqual(t, d.Duration, cfg.MinDelay+cfg.ThinkTimeMin)
		assert.LessOrEqual(t, d.Duration, cfg.MaxDelay)
	}
}

func TestNextDelay_ThinkTimeNever(t *testing.T) {
	cfg := defaultConfig()
	cfg.ThinkTimeProbability = 0
	s := newScheduler(t, cfg, 3)
	for i := 0; i < 20; i++ {
		assert.Equal(t, entity.DelayNormal, s.NextDelay(Input{LastVerdict: entity.VerdictOK}).Tag)
	}
}

func TestNextDelay_BackoffEscalatesWithGlobalDetections(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackoffJitter = 0
	cfg.BackoffCap = 0
	s := newScheduler(t, cfg, 1)

	// late tier midpoint is 27.5s, times 8
	first := s.NextDelay(Input{LastVerdict: entity.VerdictBlocked, GlobalDetections: 1}).Duration
	assert.Equal(t, 220*time.Second, first)

	second := s.NextDelay(Input{LastVerdict: entity.VerdictBlocked, GlobalDetections: 2}).Duration
	assert.Equal(t, 2*first, second)

	capped := s.NextDelay(Input{LastVerdict: entity.VerdictBlocked, GlobalDetections: 50}).Duration
	assert.Equal(t, 16*first, capped)
}

func TestNextDelay_BackoffCapAndFloor(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackoffCap = 90 * time.Second
	s := newScheduler(t, cfg, 1)
	d := s.NextDelay(Input{LastVerdict: entity.VerdictChallenge, GlobalDetections: 10})
	assert.Equal(t, 90*time.Second, d.Duration)

	cfg = defaultConfig()
	cfg.MinDelay, cfg.MaxDelay = 0, 0
	s = newScheduler(t, cfg, 1)
	d = s.NextDelay(Input{LastVerdict: entity.VerdictRateLimited})
	assert.Equal(t, cfg.BackoffFloor, d.Duration)
	assert.Equal(t, entity.DelayBackoff, d.Tag)
}

func TestNextDelay_ReproducibleWithSeed(t *testing.T) {
	a := newScheduler(t, defaultConfig(), 99)
	b := newScheduler(t, defaultConfig(), 99)
	for i := 0; i < 30; i++ {
		in := Input{PageIndexInLane: i % 5, LastVerdict: entity.VerdictOK}
		assert.Equal(t, a.NextDelay(in), b.NextDelay(in))
	}
}
