package proxypool

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrNoHealthyProxy is returned by Next when every endpoint is degraded and
	// a direct connection is not permitted.
	ErrNoHealthyProxy = errors.New("no healthy proxy available")
	ErrUnknownProxy   = errors.New("proxy is not registered in this pool")
)

// DirectID identifies the fallback "no proxy" endpoint.
const DirectID = "direct"

// Endpoint is a registered network egress. Its counters are guarded by the
// owning Pool; read them through Pool.Snapshot.
type Endpoint struct {
	id  string
	url string

	state               entity.HealthState
	consecutiveFailures int
	successes           int
	failures            int
	degradedAt          time.Time
}

// ID is the masked identity of the endpoint, safe to log.
func (e *Endpoint) ID() string { return e.id }

// URL is the raw proxy URL including credentials. Empty for the direct endpoint.
func (e *Endpoint) URL() string { return e.url }

// IsDirect reports whether this is the "no proxy" fallback.
func (e *Endpoint) IsDirect() bool { return e.url == "" }

// Config controls selection and health transitions.
type Config struct {
	// FailureThreshold is the consecutive-failure count at which an endpoint degrades.
	FailureThreshold int
	// AllowDirect returns a direct endpoint instead of ErrNoHealthyProxy.
	AllowDirect bool
	// Cooldown resets a degraded endpoint after this long. Zero means only an
	// explicit Reset brings it back.
	Cooldown time.Duration
}

// Pool tracks health of proxy endpoints and hands them out round-robin.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	endpoints []*Endpoint
	byID      map[string]*Endpoint
	cursor    int
	direct    *Endpoint
}

// New creates an empty pool.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("failure threshold must be at least 1, got %d", cfg.FailureThreshold)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must not be negative, got %s", cfg.Cooldown)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ProxyPool")),
		now:    time.Now,
		byID:   make(map[string]*Endpoint),
		direct: &Endpoint{id: DirectID},
	}, nil
}

// Register adds endpoints in order. Duplicates are ignored.
func (p *Pool) Register(rawURLs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, raw := range rawURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid proxy url %q", utils.MaskProxy(raw))
		}
		id := utils.MaskProxy(raw)
		if _, exists := p.byID[id]; exists {
			p.logger.Debug("Proxy already registered, skipping", zap.String("proxy", id))
			continue
		}
		e := &Endpoint{id: id, url: raw}
		p.endpoints = append(p.endpoints, e)
		p.byID[id] = e
	}
	p.logger.Info("Proxies registered", zap.Int("count", len(p.endpoints)))
	return nil
}

// Next returns the next healthy endpoint in registration order.
func (p *Pool) Next() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireCooldownsLocked()

	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		e := p.endpoints[p.cursor]
		p.cursor = (p.cursor + 1) % n
		if e.state == entity.HealthHealthy {
			return e, nil
		}
	}

	if p.cfg.AllowDirect {
		if n > 0 {
			p.logger.Warn("All proxies degraded, falling back to direct connection")
		}
		return p.direct, nil
	}
	return nil, ErrNoHealthyProxy
}

// MarkSuccess clears the consecutive-failure counter. A degraded endpoint
// stays degraded until Reset or its cooldown expires.
func (p *Pool) MarkSuccess(e *Endpoint) {
	if e == nil || e.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e.successes++
	e.consecutiveFailures = 0
}

// MarkFailure counts a failure and degrades the endpoint at the threshold.
func (p *Pool) MarkFailure(e *Endpoint) {
	if e == nil || e.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e.failures++
	e.consecutiveFailures++
	if e.state == entity.HealthHealthy && e.consecutiveFailures >= p.cfg.FailureThreshold {
		e.state = entity.HealthDegraded
		e.degradedAt = p.now()
		p.logger.Warn("Proxy degraded",
			zap.String("proxy", e.id),
			zap.Int("consecutive_failures", e.consecutiveFailures),
		)
		return
	}
	p.logger.Debug("Proxy failure recorded",
		zap.String("proxy", e.id),
		zap.Int("consecutive_failures", e.consecutiveFailures),
		zap.Int("threshold", p.cfg.FailureThreshold),
	)
}

// Reset returns an endpoint to HEALTHY with a zero failure streak.
func (p *Pool) Reset(e *Endpoint) error {
	if e == nil || e.IsDirect() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.byID[e.id] != e {
		return ErrUnknownProxy
	}
	p.resetLocked(e)
	return nil
}

// IsDegraded reports whether the endpoint is currently excluded from selection.
func (p *Pool) IsDegraded(e *Endpoint) bool {
	if e == nil || e.IsDirect() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.state == entity.HealthDegraded
}

// Len returns the number of registered endpoints.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// HealthyCount returns the number of endpoints Next could hand out right now.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireCooldownsLocked()
	count := 0
	for _, e := range p.endpoints {
		if e.state == entity.HealthHealthy {
			count++
		}
	}
	return count
}

// IDs returns the masked identities in registration order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		ids = append(ids, e.id)
	}
	return ids
}

// Snapshot copies the health of every endpoint in registration order.
func (p *Pool) Snapshot() []entity.ProxySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snaps := make([]entity.ProxySnapshot, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		s := entity.ProxySnapshot{
			ID:                  e.id,
			State:               e.state,
			ConsecutiveFailures: e.consecutiveFailures,
			Successes:           e.successes,
			Failures:            e.failures,
		}
		if e.state == entity.HealthDegraded {
			at := e.degradedAt
			s.DegradedAt = &at
		}
		snaps = append(snaps, s)
	}
	return snaps
}

// Restore applies previously saved health to registered endpoints.
// Snapshots for unknown IDs are ignored.
func (p *Pool) Restore(snaps []entity.ProxySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	restored := 0
	for _, s := range snaps {
		e, ok := p.byID[s.ID]
		if !ok {
			continue
		}
		e.state = s.State
		e.consecutiveFailures = s.ConsecutiveFailures
		e.successes = s.Successes
		e.failures = s.Failures
		e.degradedAt = time.Time{}
		if s.DegradedAt != nil {
			e.degradedAt = *s.DegradedAt
		}
		restored++
	}
	p.expireCooldownsLocked()
	p.logger.Info("Proxy health restored", zap.Int("restored", restored))
}

// expireCooldownsLocked must be called with p.mu held.
func (p *Pool) expireCooldownsLocked() {
	if p.cfg.Cooldown == 0 {
		return
	}
	now := p.now()
	for _, e := range p.endpoints {
		if e.state == entity.HealthDegraded && !now.Before(e.degradedAt.Add(p.cfg.Cooldown)) {
			p.logger.Info("Proxy cooldown expired, resetting", zap.String("proxy", e.id))
			p.resetLocked(e)
		}
	}
}

func (p *Pool) resetLocked(e *Endpoint) {
	e.state = entity.HealthHealthy
	e.consecutiveFailures = 0
	e.degradedAt = time.Time{}
}
