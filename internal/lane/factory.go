package lane

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/proxypool"
	"github.com/user/listing-crawler/internal/repository"
	"go.uber.org/zap"
)

// ProxySource hands out the egress for a new lane.
type ProxySource interface {
	Next() (*proxypool.Endpoint, error)
}

// FingerprintSource hands out the browser identity for a new lane.
type FingerprintSource interface {
	Next() entity.Fingerprint
}

// SessionOpenError reports that a lane's proxy could not be bound to a session.
type SessionOpenError struct {
	Proxy *proxypool.Endpoint
	Err   error
}

func (e *SessionOpenError) Error() string {
	return fmt.Sprintf("open session via %s: %v", e.Proxy.ID(), e.Err)
}

func (e *SessionOpenError) Unwrap() error { return e.Err }

// Factory constructs fresh lanes: next proxy, new fingerprint, new session.
type Factory struct {
	proxies      ProxySource
	fingerprints FingerprintSource
	sessions     repository.SessionFactory
	limits       Limits
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// NewFactory validates the limits once so no lane is built with a broken rule.
func NewFactory(proxies ProxySource, fingerprints FingerprintSource, sessions repository.SessionFactory, limits Limits, fetchTimeout time.Duration, logger *zap.Logger) (*Factory, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		proxies:      proxies,
		fingerprints: fingerprints,
		sessions:     sessions,
		limits:       limits,
		fetchTimeout: fetchTimeout,
		logger:       logger.With(zap.String("component", "LaneFactory")),
	}, nil
}

// NewLane returns a WARM lane. Proxy exhaustion is returned unwrapped so
// callers can match proxypool.ErrNoHealthyProxy; session failures come back
// as *SessionOpenError.
func (f *Factory) NewLane(ctx context.Context) (*Lane, error) {
	proxy, err := f.proxies.Next()
	if err != nil {
		return nil, err
	}
	fp := f.fingerprints.Next()
	l := newLane(uuid.NewString(), fp, proxy, f.limits, f.fetchTimeout, f.logger)

	session, err := f.sessions.Open(ctx, entity.Identity{
		LaneID:      l.id,
		Fingerprint: fp,
		ProxyURL:    proxy.URL(),
	})
	if err != nil {
		l.Retire()
		return nil, &SessionOpenError{Proxy: proxy, Err: err}
	}
	l.bind(session)

	f.logger.Info("Lane created",
		zap.String("lane", l.id),
		zap.String("proxy", proxy.ID()),
		zap.String("user_agent", fp.UserAgent),
		zap.Stringer("fingerprint", fp),
	)
	return l, nil
}
