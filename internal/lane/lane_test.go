package lane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/proxypool"
	"github.com/user/listing-crawler/internal/repository"
)

type fakeSession struct {
	mu     sync.Mutex
	fetch  func(ctx context.Context, job entity.FetchJob) (entity.RawFetchResult, error)
	closed int
}

func (s *fakeSession) Fetch(ctx context.Context, job entity.FetchJob) (entity.RawFetchResult, error) {
	if s.fetch != nil {
		return s.fetch(ctx, job)
	}
	return entity.RawFetchResult{StatusCode: 200, Body: "ok"}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeSessionFactory struct {
	mu         sync.Mutex
	identities []entity.Identity
	session    *fakeSession
	err        error
}

func (f *fakeSessionFactory) Open(_ context.Context, id entity.Identity) (repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities = append(f.identities, id)
	if f.err != nil {
		return nil, f.err
	}
	if f.session != nil {
		return f.session, nil
	}
	return &fakeSession{}, nil
}

func newTestFactory(t *testing.T, limits Limits, sessions repository.SessionFactory, proxies ...string) (*Factory, *proxypool.Pool) {
	t.Helper()
	pool, err := proxypool.New(proxypool.Config{FailureThreshold: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Register(proxies...))
	f, err := NewFactory(pool, NewFingerprintGenerator(1, nil, nil), sessions, limits, time.Second, nil)
	require.NoError(t, err)
	return f, pool
}

func newTestLane(t *testing.T, limits Limits, session *fakeSession) *Lane {
	t.Helper()
	f, _ := newTestFactory(t, limits, &fakeSessionFactory{session: session}, "http://a.example.com:8000")
	l, err := f.NewLane(context.Background())
	require.NoError(t, err)
	return l
}

func TestNewFactory_RejectsInvalidLimits(t *testing.T) {
	_, err := NewFactory(nil, nil, nil, Limits{MaxPages: 0, DetectionThreshold: 1}, 0, nil)
	assert.Error(t, err)
	_, err = NewFactory(nil, nil, nil, Limits{MaxPages: 1, DetectionThreshold: 0}, 0, nil)
	assert.Error(t, err)
}

func TestFactory_NewLaneBindsProxyAndFingerprint(t *testing.T) {
	sessions := &fakeSessionFactory{}
	f, _ := newTestFactory(t, Limits{MaxPages: 5, DetectionThreshold: 2}, sessions,
		"http://u:p@a.example.com:8000", "http://u:p@b.example.com:8000")

	l1, err := f.NewLane(context.Background())
	require.NoError(t, err)
	l2, err := f.NewLane(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, l1.ID(), l2.ID())
	assert.Equal(t, "http://u:p@a.example.com:8000", l1.Proxy().URL())
	assert.Equal(t, "http://u:p@b.example.com:8000", l2.Proxy().URL())
	assert.Equal(t, StateWarm, l1.Stats().State)

	require.Len(t, sessions.identities, 2)
	assert.Equal(t, l1.ID(), sessions.identities[0].LaneID)
	assert.Equal(t, l1.Proxy().URL(), sessions.identities[0].ProxyURL)
	assert.Equal(t, l1.Fingerprint(), sessions.identities[0].Fingerprint)
}

func TestFactory_NoHealthyProxy(t *testing.T) {
	f, _ := newTestFactory(t, Limits{MaxPages: 5, DetectionThreshold: 2}, &fakeSessionFactory{})
	_, err := f.NewLane(context.Background())
	assert.ErrorIs(t, err, proxypool.ErrNoHealthyProxy)
}

func TestFactory_SessionOpenError(t *testing.T) {
	boom := errors.New("browser failed to start")
	f, _ := newTestFactory(t, Limits{MaxPages: 5, DetectionThreshold: 2}, &fakeSessionFactory{err: boom}, "http://a.example.com:8000")

	_, err := f.NewLane(context.Background())
	var openErr *SessionOpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "http://a.example.com:8000", openErr.Proxy.URL())
}

func TestAcquire_ExclusiveUse(t *testing.T) {
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, &fakeSession{})

	h, err := l.Acquire()
	require.NoError(t, err)
	assert.Equal(t, StateActive, l.Stats().State)

	_, err = l.Acquire()
	assert.ErrorIs(t, err, ErrLaneBusy)

	h.Release()
	h.Release()
	assert.Equal(t, StateWarm, l.Stats().State)

	h2, err := l.Acquire()
	require.NoError(t, err)
	h2.Release()
}

func TestHandle_ExecuteAfterRelease(t *testing.T) {
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, &fakeSession{})
	h, err := l.Acquire()
	require.NoError(t, err)
	h.Release()

	_, err = h.Execute(context.Background(), entity.FetchJob{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrHandleReleased)
}

func TestHandle_ExecuteTimeout(t *testing.T) {
	session := &fakeSession{fetch: func(ctx context.Context, _ entity.FetchJob) (entity.RawFetchResult, error) {
		<-ctx.Done()
		return entity.RawFetchResult{}, ctx.Err()
	}}
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, session)
	l.fetchTimeout = 10 * time.Millisecond

	err := WithLane(context.Background(), l, func(h *Handle) error {
		_, err := h.Execute(context.Background(), entity.FetchJob{URL: "https://example.com"})
		return err
	})
	assert.ErrorIs(t, err, repository.ErrFetchTimeout)
}

func TestHandle_ExecuteCallerCancelIsNotTimeout(t *testing.T) {
	session := &fakeSession{fetch: func(ctx context.Context, _ entity.FetchJob) (entity.RawFetchResult, error) {
		<-ctx.Done()
		return entity.RawFetchResult{}, ctx.Err()
	}}
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, session)

	ctx, cancel := context.WithCancel(context.Background())
	err := WithLane(ctx, l, func(h *Handle) error {
		cancel()
		_, err := h.Execute(ctx, entity.FetchJob{URL: "https://example.com"})
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, repository.ErrFetchTimeout)
}

func TestWithLane_ReleasesOnErrorAndPanic(t *testing.T) {
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, &fakeSession{})

	boom := errors.New("boom")
	err := WithLane(context.Background(), l, func(*Handle) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateWarm, l.Stats().State)

	assert.Panics(t, func() {
		_ = WithLane(context.Background(), l, func(*Handle) error { panic("fetch blew up") })
	})
	assert.Equal(t, StateWarm, l.Stats().State)
}

func TestWithLane_CancelledContext(t *testing.T) {
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, &fakeSession{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := WithLane(ctx, l, func(*Handle) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, StateWarm, l.Stats().State)
}

func TestRecordOutcome_Counters(t *testing.T) {
	l := newTestLane(t, Limits{MaxPages: 10, DetectionThreshold: 3}, &fakeSession{})

	l.RecordOutcome(entity.VerdictChallenge)
	l.RecordOutcome(entity.VerdictBlocked)
	s := l.Stats()
	assert.Equal(t, 2, s.PagesServed)
	assert.Equal(t, 2, s.ConsecutiveDetections)

	l.RecordOutcome(entity.VerdictRateLimited)
	l.RecordOutcome(entity.VerdictTransientError)
	s = l.Stats()
	assert.Equal(t, 3, s.PagesServed)
	assert.Equal(t, 2, s.ConsecutiveDetections)

	l.RecordOutcome(entity.VerdictOK)
	s = l.Stats()
	assert.Equal(t, 4, s.PagesServed)
	assert.Equal(t, 0, s.ConsecutiveDetections)
}

func TestShouldRotate_MaxPages(t *testing.T) {
	l := newTestLane(t, Limits{MaxPages: 2, DetectionThreshold: 5}, &fakeSession{})
	l.RecordOutcome(entity.VerdictOK)
	assert.False(t, l.ShouldRotate())
	l.RecordOutcome(entity.VerdictOK)
	assert.True(t, l.ShouldRotate())
}

// A lane reports rotation exactly when it has served MaxPages or hit
// DetectionThreshold consecutive detections.
func TestShouldRotate_MatchesRetirementRule(t *testing.T) {
	verdicts := []entity.Verdict{
		entity.VerdictOK,
		entity.VerdictChallenge,
		entity.VerdictBlocked,
		entity.VerdictRateLimited,
		entity.VerdictTransientError,
	}
	limits := Limits{MaxPages: 4, DetectionThreshold: 2}

	for a := range verdicts {
		for b := range verdicts {
			for c := range verdicts {
				l := newTestLane(t, limits, &fakeSession{})
				pages, streak := 0, 0
				for _, v := range []entity.Verdict{verdicts[a], verdicts[b], verdicts[c]} {
					l.RecordOutcome(v)
					switch v {
					case entity.VerdictOK:
						pages++
						streak = 0
					case entity.VerdictChallenge, entity.VerdictBlocked:
						pages++
						streak++
					case entity.VerdictRateLimited:
						pages++
					}
					want := pages >= limits.MaxPages || streak >= limits.DetectionThreshold
					assert.Equal(t, want, l.ShouldRotate(), "after %v", v)
				}
			}
		}
	}
}

func TestRetireAndClose(t *testing.T) {
	session := &fakeSession{}
	l := newTestLane(t, Limits{MaxPages: 5, DetectionThreshold: 2}, session)

	h, err := l.Acquire()
	require.NoError(t, err)
	assert.ErrorIs(t, l.Close(), ErrLaneBusy)
	h.Release()

	l.Retire()
	assert.True(t, l.ShouldRotate())
	_, err = l.Acquire()
	assert.ErrorIs(t, err, ErrLaneRetired)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, 1, session.closed)
	assert.Equal(t, StateClosed, l.Stats().State)

	l.Retire()
	assert.Equal(t, StateClosed, l.Stats().State)
}

func TestFingerprintGenerator_Deterministic(t *testing.T) {
	a := NewFingerprintGenerator(42, nil, nil)
	b := NewFingerprintGenerator(42, nil, nil)
	for i := 0; i < 10; i++ {
		fa, fb := a.Next(), b.Next()
		assert.Equal(t, fa, fb)
		assert.Contains(t, defaultUserAgents, fa.UserAgent)
		assert.Contains(t, defaultLocales, fa.Locale)
		assert.InDelta(t, 1500, fa.ViewportWidth, 1100)
		assert.Greater(t, fa.ViewportHeight, 700)
	}
}

func TestFingerprintGenerator_CustomPools(t *testing.T) {
	g := NewFingerprintGenerator(7, []string{"agent/1.0"}, []string{"de-DE"})
	fp := g.Next()
	assert.Equal(t, "agent/1.0", fp.UserAgent)
	assert.Equal(t, "de-DE", fp.Locale)
}
