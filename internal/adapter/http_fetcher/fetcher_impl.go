package http_fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/repository"
	"github.com/user/listing-crawler/pkg/utils"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 8 << 20

// Options controls the HTTP sessions.
type Options struct {
	// MaxBodyBytes caps how much of a response body is read. Zero uses 8 MiB.
	MaxBodyBytes int64
	// DialTimeout bounds connection setup through the proxy.
	DialTimeout time.Duration
}

// SessionFactory opens one cookie-keeping HTTP client per lane.
type SessionFactory struct {
	opts   Options
	logger *zap.Logger
}

// NewSessionFactory creates a session factory backed by net/http.
func NewSessionFactory(opts Options, logger *zap.Logger) *SessionFactory {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionFactory{opts: opts, logger: logger.With(zap.String("component", "HTTPFetcher"))}
}

// Open builds a client that routes through the lane's proxy and presents its fingerprint.
func (f *SessionFactory) Open(_ context.Context, identity entity.Identity) (repository.Session, error) {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   f.opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   f.opts.DialTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if identity.ProxyURL != "" {
		proxyURL, err := url.Parse(identity.ProxyURL)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", utils.MaskProxy(identity.ProxyURL))
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Session{
		client: &http.Client{
			Transport: tr,
			Jar:       jar,
		},
		transport: tr,
		headers:   utils.BrowserHeaders(identity.Fingerprint.UserAgent, identity.Fingerprint.Locale),
		maxBody:   f.opts.MaxBodyBytes,
		logger:    f.logger.With(zap.String("lane_id", identity.LaneID)),
	}, nil
}

// Session is an HTTP client bound to one lane. Cookies persist across its fetches.
type Session struct {
	client    *http.Client
	transport *http.Transport
	headers   map[string]string
	maxBody   int64
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Fetch issues a GET for the job URL and returns the status, headers, and body.
func (s *Session) Fetch(ctx context.Context, job entity.FetchJob) (entity.RawFetchResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return entity.RawFetchResult{}, repository.ErrSessionClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return entity.RawFetchResult{}, fmt.Errorf("%w: %v", repository.ErrNavigationFailed, err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return entity.RawFetchResult{}, fmt.Errorf("get %s: %w", job.URL, ctxErr)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return entity.RawFetchResult{}, fmt.Errorf("%w: %v", repository.ErrFetchTimeout, err)
		}
		return entity.RawFetchResult{}, fmt.Errorf("%w: %v", repository.ErrNavigationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return entity.RawFetchResult{}, fmt.Errorf("read body of %s: %w", job.URL, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	s.logger.Debug("Fetched page",
		zap.Int("page_index", job.PageIndex),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)

	return entity.RawFetchResult{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Headers:    headers,
		FinalURL:   resp.Request.URL.String(),
		Duration:   time.Since(start),
	}, nil
}

// Close drops idle connections. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.transport.CloseIdleConnections()
	return nil
}
