package chromedp_fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/repository"
	"github.com/user/listing-crawler/pkg/utils"
	"go.uber.org/zap"
)

// Options controls how browser sessions are launched.
type Options struct {
	Headless bool
	// ExecPath overrides the Chrome binary. Empty uses chromedp's lookup.
	ExecPath string
}

// SessionFactory opens one headless Chrome profile per lane.
type SessionFactory struct {
	opts   Options
	logger *zap.Logger

	// run is chromedp.Run; tests swap it to open sessions without Chrome.
	run func(ctx context.Context, actions ...chromedp.Action) error
}

// NewSessionFactory creates a session factory backed by chromedp.
func NewSessionFactory(opts Options, logger *zap.Logger) *SessionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionFactory{
		opts:   opts,
		logger: logger.With(zap.String("component", "ChromedpFetcher")),
		run:    chromedp.Run,
	}
}

// allocatorOptions builds the Chrome flags for one lane identity.
func (f *SessionFactory) allocatorOptions(identity entity.Identity) ([]chromedp.ExecAllocatorOption, *url.Userinfo, error) {
	fp := identity.Fingerprint
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", fp.Locale),
		chromedp.UserAgent(fp.UserAgent),
		chromedp.WindowSize(fp.ViewportWidth, fp.ViewportHeight),
	)
	if f.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.opts.ExecPath))
	}

	var creds *url.Userinfo
	if identity.ProxyURL != "" {
		u, err := url.Parse(identity.ProxyURL)
		if err != nil || u.Host == "" {
			return nil, nil, fmt.Errorf("invalid proxy url %q", utils.MaskProxy(identity.ProxyURL))
		}
		// Chrome ignores credentials in --proxy-server; they are answered on auth challenges.
		creds = u.User
		opts = append(opts, chromedp.ProxyServer(u.Scheme+"://"+u.Host))
	}
	return opts, creds, nil
}

// Open launches a browser for the identity and applies the stealth script and locale.
func (f *SessionFactory) Open(ctx context.Context, identity entity.Identity) (repository.Session, error) {
	opts, creds, err := f.allocatorOptions(identity)
	if err != nil {
		return nil, err
	}

	// The browser outlives the Open call; its lifetime is bound to Session.Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(f.logger.Sugar().Debugf))

	// chromedp's cancel blocks if called twice on a context that never allocated.
	var once sync.Once
	s := &Session{
		laneID: identity.LaneID,
		ctx:    browserCtx,
		cancel: func() {
			once.Do(func() {
				browserCancel()
				allocCancel()
			})
		},
		logger: f.logger.With(zap.String("lane_id", identity.LaneID)),
	}
	chromedp.ListenTarget(browserCtx, s.listen(creds))

	setup := chromedp.Tasks{
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": utils.AcceptLanguage(identity.Fingerprint.Locale)}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetLocaleOverride().WithLocale(identity.Fingerprint.Locale).Do(ctx)
		}),
	}
	if tz := identity.Fingerprint.Timezone; tz != "" {
		setup = append(setup, emulation.SetTimezoneOverride(tz))
	}
	if creds != nil {
		setup = append(setup, fetch.Enable().WithHandleAuthRequests(true))
	}

	// chromedp binds Chrome to the context of the first Run, so the launch
	// must run on browserCtx and never on a context that ends with this call.
	if err := f.launch(browserCtx, ctx, s.cancel); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	runCtx, stop := withCaller(browserCtx, ctx)
	defer stop()
	if err := f.run(runCtx, setup); err != nil {
		s.cancel()
		return nil, fmt.Errorf("configure browser: %w", err)
	}

	s.logger.Debug("Browser session opened", zap.String("fingerprint", identity.Fingerprint.String()))
	return s, nil
}

// launch starts Chrome and its first tab on browserCtx. A caller that gives up
// first tears the browser down through kill.
func (f *SessionFactory) launch(browserCtx, caller context.Context, kill func()) error {
	done := make(chan error, 1)
	go func() { done <- f.run(browserCtx) }()
	select {
	case err := <-done:
		return err
	case <-caller.Done():
		kill()
		<-done
		return context.Cause(caller)
	}
}

// Session is one browser tab bound to a lane.
type Session struct {
	laneID string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	document *network.Response
}

// listen records the first document response of each navigation and answers proxy auth challenges.
func (s *Session) listen(creds *url.Userinfo) func(ev interface{}) {
	return func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			if ev.Type != network.ResourceTypeDocument {
				return
			}
			s.mu.Lock()
			if s.document == nil {
				s.document = ev.Response
			}
			s.mu.Unlock()
		case *fetch.EventRequestPaused:
			go s.do(fetch.ContinueRequest(ev.RequestID))
		case *fetch.EventAuthRequired:
			resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
			if creds != nil && ev.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
				pw, _ := creds.Password()
				resp = &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: creds.Username(),
					Password: pw,
				}
			}
			go s.do(fetch.ContinueWithAuth(ev.RequestID, resp))
		}
	}
}

// do runs a CDP command from an event handler, which must not block the event loop.
func (s *Session) do(action chromedp.Action) {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return
	}
	if err := action.Do(cdp.WithExecutor(s.ctx, c.Target)); err != nil {
		s.logger.Debug("CDP event reply failed", zap.Error(err))
	}
}

// Fetch navigates the tab to the job URL and returns the document status, headers, and rendered HTML.
func (s *Session) Fetch(ctx context.Context, job entity.FetchJob) (entity.RawFetchResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entity.RawFetchResult{}, repository.ErrSessionClosed
	}
	s.document = nil
	s.mu.Unlock()

	runCtx, stop := withCaller(s.ctx, ctx)
	defer stop()

	var (
		html     string
		finalURL string
	)
	start := time.Now()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(job.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return entity.RawFetchResult{}, fmt.Errorf("navigate %s: %w", job.URL, ctxErr)
		}
		return entity.RawFetchResult{}, fmt.Errorf("%w: %s: %v", repository.ErrNavigationFailed, job.URL, err)
	}

	s.mu.Lock()
	doc := s.document
	s.mu.Unlock()

	res := entity.RawFetchResult{
		Body:     html,
		FinalURL: finalURL,
		Duration: elapsed,
		Headers:  map[string]string{},
	}
	if doc == nil {
		// A page served from cache or a blocked navigation reports no document response.
		return entity.RawFetchResult{}, fmt.Errorf("%w: no document response for %s", repository.ErrNavigationFailed, job.URL)
	}
	res.StatusCode = int(doc.Status)
	for k, v := range doc.Headers {
		res.Headers[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return res, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.logger != nil {
		s.logger.Debug("Browser session closed")
	}
	return nil
}

// withCaller derives a context from the browser context that also ends when the caller's context does.
func withCaller(browserCtx, caller context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancelCause(browserCtx)
	if dl, ok := caller.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func(cause error) {
			cancelDeadline()
			prev(cause)
		}
	}
	stop := context.AfterFunc(caller, func() {
		cancel(context.Cause(caller))
	})
	return runCtx, func() {
		stop()
		cancel(errors.New("fetch finished"))
	}
}
