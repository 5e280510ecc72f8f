package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/user/listing-crawler/pkg/utils"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	PostgresURL   string `mapstructure:"POSTGRES_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	TargetQuery       string `mapstructure:"TARGET_QUERY"`
	TargetLocation    string `mapstructure:"TARGET_LOCATION"`
	SearchURLTemplate string `mapstructure:"SEARCH_URL_TEMPLATE"`
	PageOffsetStep    int    `mapstructure:"PAGE_OFFSET_STEP"`
	MaxPages          int    `mapstructure:"MAX_PAGES"`
	MaxResults        int    `mapstructure:"MAX_RESULTS"`

	MaxPagesPerLane          int `mapstructure:"MAX_PAGES_PER_LANE"`
	DetectionThreshold       int `mapstructure:"DETECTION_THRESHOLD"`
	FailureThreshold         int `mapstructure:"FAILURE_THRESHOLD"`
	MaxConsecutiveDetections int `mapstructure:"MAX_CONSECUTIVE_DETECTIONS"`
	MaxRetries               int `mapstructure:"MAX_RETRIES"`

	MinDelay             time.Duration `mapstructure:"MIN_DELAY"`
	MaxDelay             time.Duration `mapstructure:"MAX_DELAY"`
	BackoffFloor         time.Duration `mapstructure:"BACKOFF_FLOOR"`
	BackoffCap           time.Duration `mapstructure:"BACKOFF_CAP"`
	BackoffMultiplier    float64       `mapstructure:"BACKOFF_MULTIPLIER"`
	BackoffJitter        float64       `mapstructure:"BACKOFF_JITTER"`
	ThinkTimeProbability float64       `mapstructure:"THINK_TIME_PROBABILITY"`
	ThinkTimeMin         time.Duration `mapstructure:"THINK_TIME_MIN"`
	ThinkTimeMax         time.Duration `mapstructure:"THINK_TIME_MAX"`

	WorkerCount   int           `mapstructure:"WORKER_COUNT"`
	ProxyList     []string      `mapstructure:"PROXY_LIST"`
	AllowDirect   bool          `mapstructure:"ALLOW_DIRECT"`
	ProxyCooldown time.Duration `mapstructure:"PROXY_COOLDOWN"`
	RunTimeout    time.Duration `mapstructure:"RUN_TIMEOUT"`
	FetchTimeout  time.Duration `mapstructure:"FETCH_TIMEOUT"`
	GlobalRate    float64       `mapstructure:"GLOBAL_RATE"`

	ChallengeMarkers  []string `mapstructure:"CHALLENGE_MARKERS"`
	ChallengePatterns []string `mapstructure:"CHALLENGE_PATTERNS"`
	ListingSelector   string   `mapstructure:"LISTING_SELECTOR"`
	ListingMarkers    []string `mapstructure:"LISTING_MARKERS"`

	Fetcher    string   `mapstructure:"FETCHER"`
	Headless   bool     `mapstructure:"HEADLESS"`
	UserAgents []string `mapstructure:"USER_AGENTS"`
	Locales    []string `mapstructure:"LOCALES"`

	ExtractionMode string `mapstructure:"EXTRACTION_MODE"`
	RecordSelector string `mapstructure:"RECORD_SELECTOR"`
	RecordFields   string `mapstructure:"RECORD_FIELDS"`
	DedupeKey      string `mapstructure:"DEDUPE_KEY"`

	HealthTTL time.Duration `mapstructure:"HEALTH_TTL"`
}

const (
	FetcherChromedp = "chromedp"
	FetcherHTTP     = "http"

	ExtractionCSS  = "css"
	ExtractionText = "text"
)

const defaultCardSelector = "div.job_seen_beacon, div[data-testid='job-card']"

var defaults = map[string]any{
	"SERVER_PORT":                "8080",
	"LOG_LEVEL":                  "info",
	"POSTGRES_URL":               "",
	"REDIS_ADDR":                 "",
	"REDIS_PASSWORD":             "",
	"REDIS_DB":                   0,
	"TARGET_QUERY":               "",
	"TARGET_LOCATION":            "",
	"SEARCH_URL_TEMPLATE":        "https://www.indeed.com/jobs",
	"PAGE_OFFSET_STEP":           10,
	"MAX_PAGES":                  10,
	"MAX_RESULTS":                50,
	"MAX_PAGES_PER_LANE":         5,
	"DETECTION_THRESHOLD":        2,
	"FAILURE_THRESHOLD":          3,
	"MAX_CONSECUTIVE_DETECTIONS": 0,
	"MAX_RETRIES":                3,
	"MIN_DELAY":                  "15s",
	"MAX_DELAY":                  "30s",
	"BACKOFF_FLOOR":              "60s",
	"BACKOFF_CAP":                "10m",
	"BACKOFF_MULTIPLIER":         8.0,
	"BACKOFF_JITTER":             0.2,
	"THINK_TIME_PROBABILITY":     0.2,
	"THINK_TIME_MIN":             "5s",
	"THINK_TIME_MAX":             "15s",
	"WORKER_COUNT":               1,
	"PROXY_LIST":                 []string{},
	"ALLOW_DIRECT":               false,
	"PROXY_COOLDOWN":             "0s",
	"RUN_TIMEOUT":                "30m",
	"FETCH_TIMEOUT":              "60s",
	"GLOBAL_RATE":                0.0,
	"CHALLENGE_MARKERS":          []string{"challenges.cloudflare.com", "verify you are human", "just a moment", "cf-challenge"},
	"CHALLENGE_PATTERNS":         []string{},
	"LISTING_SELECTOR":           defaultCardSelector,
	"LISTING_MARKERS":            []string{},
	"FETCHER":                    FetcherChromedp,
	"HEADLESS":                   true,
	"USER_AGENTS":                []string{},
	"LOCALES":                    []string{},
	"EXTRACTION_MODE":            ExtractionCSS,
	"RECORD_SELECTOR":            defaultCardSelector,
	"RECORD_FIELDS":              "title=h2.jobTitle a, h2.jobTitle span;company=span[data-testid='company-name'], span.companyName;location=div[data-testid='text-location'], div.companyLocation;job_key=a[data-jk]@data-jk;url=h2.jobTitle a@href",
	"DEDUPE_KEY":                 "job_key",
	"HEALTH_TTL":                 "24h",
}

// ConfigurationError reports one invalid setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables win over the file. An empty path means ".env".
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present.
	// Production deployments configure purely through the environment.
	_ = v.ReadInConfig()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.ProxyList = trimList(cfg.ProxyList)
	cfg.ChallengeMarkers = trimList(cfg.ChallengeMarkers)
	cfg.ChallengePatterns = trimList(cfg.ChallengePatterns)
	cfg.ListingMarkers = trimList(cfg.ListingMarkers)
	cfg.UserAgents = trimList(cfg.UserAgents)
	cfg.Locales = trimList(cfg.Locales)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AbortThreshold is the run-wide consecutive detection limit; zero falls back
// to the per-lane detection threshold.
func (c *Config) AbortThreshold() int {
	if c.MaxConsecutiveDetections > 0 {
		return c.MaxConsecutiveDetections
	}
	return c.DetectionThreshold
}

// Validate fails fast on bounds the crawl cannot honour. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.MinDelay < 0 {
		add("MIN_DELAY", "must not be negative")
	}
	if c.MinDelay > c.MaxDelay {
		add("MIN_DELAY", "%s exceeds MAX_DELAY %s", c.MinDelay, c.MaxDelay)
	}
	if c.BackoffFloor < 0 {
		add("BACKOFF_FLOOR", "must not be negative")
	}
	if c.BackoffCap > 0 && c.BackoffFloor > c.BackoffCap {
		add("BACKOFF_FLOOR", "%s exceeds BACKOFF_CAP %s", c.BackoffFloor, c.BackoffCap)
	}
	if c.BackoffMultiplier <= 0 {
		add("BACKOFF_MULTIPLIER", "must be positive")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		add("BACKOFF_JITTER", "must be in [0,1)")
	}
	if c.ThinkTimeProbability < 0 || c.ThinkTimeProbability > 1 {
		add("THINK_TIME_PROBABILITY", "must be in [0,1]")
	}
	if c.ThinkTimeMin < 0 || c.ThinkTimeMin > c.ThinkTimeMax {
		add("THINK_TIME_MIN", "range [%s, %s] is invalid", c.ThinkTimeMin, c.ThinkTimeMax)
	}
	for field, value := range map[string]int{
		"MAX_PAGES_PER_LANE":  c.MaxPagesPerLane,
		"DETECTION_THRESHOLD": c.DetectionThreshold,
		"FAILURE_THRESHOLD":   c.FailureThreshold,
		"WORKER_COUNT":        c.WorkerCount,
		"MAX_RESULTS":         c.MaxResults,
		"MAX_PAGES":           c.MaxPages,
		"PAGE_OFFSET_STEP":    c.PageOffsetStep,
	} {
		if value < 1 {
			add(field, "must be at least 1, got %d", value)
		}
	}
	if c.MaxConsecutiveDetections < 0 {
		add("MAX_CONSECUTIVE_DETECTIONS", "must not be negative")
	}
	if c.MaxRetries < 0 {
		add("MAX_RETRIES", "must not be negative")
	}
	if c.RunTimeout < 0 {
		add("RUN_TIMEOUT", "must not be negative")
	}
	if c.FetchTimeout <= 0 {
		add("FETCH_TIMEOUT", "must be positive")
	}
	if c.ProxyCooldown < 0 {
		add("PROXY_COOLDOWN", "must not be negative")
	}
	if c.GlobalRate < 0 {
		add("GLOBAL_RATE", "must not be negative")
	}
	if c.HealthTTL < 0 {
		add("HEALTH_TTL", "must not be negative")
	}
	switch c.Fetcher {
	case FetcherChromedp, FetcherHTTP:
	default:
		add("FETCHER", "unknown fetcher %q", c.Fetcher)
	}
	switch c.ExtractionMode {
	case ExtractionCSS, ExtractionText:
	default:
		add("EXTRACTION_MODE", "unknown extraction mode %q", c.ExtractionMode)
	}
	if len(c.ProxyList) == 0 && !c.AllowDirect {
		add("PROXY_LIST", "is empty and ALLOW_DIRECT is false")
	}
	for _, raw := range c.ProxyList {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || u.Scheme == "" {
			add("PROXY_LIST", "entry %q is not a proxy url", utils.MaskProxy(raw))
		}
	}
	if _, err := url.ParseRequestURI(c.SearchURLTemplate); err != nil {
		add("SEARCH_URL_TEMPLATE", "is not a url")
	}
	return errors.Join(errs...)
}

// trimList drops the blanks left by "a, b," style comma lists.
func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
