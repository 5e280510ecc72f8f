package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/pkg/config"
)

func testConfig(searchURL string) *config.Config {
	return &config.Config{
		TargetQuery:        "golang",
		SearchURLTemplate:  searchURL,
		PageOffsetStep:     10,
		MaxPages:           2,
		MaxResults:         10,
		MaxPagesPerLane:    5,
		DetectionThreshold: 2,
		FailureThreshold:   3,
		MaxRetries:         1,
		MaxDelay:           time.Millisecond,
		BackoffFloor:       time.Millisecond,
		BackoffCap:         5 * time.Millisecond,
		BackoffMultiplier:  2,
		WorkerCount:        1,
		AllowDirect:        true,
		RunTimeout:         30 * time.Second,
		FetchTimeout:       5 * time.Second,
		ListingSelector:    "div.job_seen_beacon",
		Fetcher:            config.FetcherHTTP,
		ExtractionMode:     config.ExtractionCSS,
		RecordSelector:     "div.job_seen_beacon",
		RecordFields:       "title=h2.jobTitle a;job_key=a[data-jk]@data-jk;url=h2.jobTitle a@href",
		DedupeKey:          "job_key",
	}
}

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 0; i < 2; i++ {
			fmt.Fprintf(&b,
				`<div class="job_seen_beacon"><h2 class="jobTitle"><a data-jk="%s-%d" href="/view?jk=%s-%d">Job %s-%d</a></h2></div>`,
				start, i, start, i, start, i)
		}
		b.WriteString("</body></html>")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(b.String()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_WithoutStores(t *testing.T) {
	a, err := New(context.Background(), testConfig("https://example.com/jobs"), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Persistent())
	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.NotNil(t, a.Crawler)

	_, err = a.RunManager()
	assert.ErrorIs(t, err, ErrStoresRequired)

	checks := a.HealthChecks()
	require.Contains(t, checks, "proxies")
	assert.NotContains(t, checks, "postgres")
	assert.NoError(t, checks["proxies"](context.Background()))

	assert.NoError(t, a.StartRun(context.Background(), "run-0", entity.RunRequest{}))
}

func TestNew_RejectsBadExtraction(t *testing.T) {
	cfg := testConfig("https://example.com/jobs")
	cfg.RecordFields = "title=h2[[["

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "extraction")
}

func TestNew_RejectsBadChallengePattern(t *testing.T) {
	cfg := testConfig("https://example.com/jobs")
	cfg.ChallengePatterns = []string{"("}

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "classifier")
}

func TestCrawl_EndToEndOverHTTP(t *testing.T) {
	srv := listingServer(t)
	a, err := New(context.Background(), testConfig(srv.URL+"/jobs"), nil)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Crawler.Crawl(context.Background(), "run-1", entity.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStoppedComplete, res.Outcome.Status)
	require.Len(t, res.Outcome.Pages, 2)
	assert.Equal(t, 0, res.Outcome.Pages[0].PageIndex)
	assert.Equal(t, 1, res.Outcome.Pages[1].PageIndex)

	require.Len(t, res.Records, 4)
	assert.Equal(t, "0-0", res.Records[0].Fields["job_key"])
	assert.Equal(t, "10-1", res.Records[3].Fields["job_key"])
	assert.Equal(t, srv.URL+"/view?jk=0-0", res.Records[0].Fields["url"])
}

func TestCrawl_PerRunLimit(t *testing.T) {
	srv := listingServer(t)
	a, err := New(context.Background(), testConfig(srv.URL+"/jobs"), nil)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Crawler.Crawl(context.Background(), "run-2", entity.RunRequest{MaxPages: 3, MaxResults: 1})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStoppedLimit, res.Outcome.Status)
	assert.Len(t, res.Outcome.Pages, 1)
	assert.Len(t, res.Records, 2)
}
