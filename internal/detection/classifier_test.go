package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/listing-crawler/internal/entity"
)

const listingPage = `<html><body><div class="results"><div class="job_seen_beacon">Go Engineer</div></div></body></html>`

func mustClassifier(t *testing.T, cfg Config) *Classifier {
	t.Helper()
	c, err := NewClassifier(cfg)
	require.NoError(t, err)
	return c
}

func TestClassify_StatusCodes(t *testing.T) {
	c := mustClassifier(t, Config{})

	tests := []struct {
		name   string
		status int
		want   entity.Verdict
	}{
		{"forbidden", 403, entity.VerdictBlocked},
		{"too many requests", 429, entity.VerdictRateLimited},
		{"internal error", 500, entity.VerdictTransientError},
		{"bad gateway", 502, entity.VerdictTransientError},
		{"not found", 404, entity.VerdictTransientError},
		{"redirect", 302, entity.VerdictTransientError},
		{"ok", 200, entity.VerdictOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(entity.RawFetchResult{StatusCode: tt.status, Body: listingPage})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_ChallengeMarkers(t *testing.T) {
	c := mustClassifier(t, Config{})

	bodies := []string{
		`<title>Just a moment...</title>`,
		`<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>`,
		`<p>Please VERIFY YOU ARE HUMAN by completing the action below.</p>`,
		`<div id="cf-challenge-running"></div>`,
	}
	for _, body := range bodies {
		res := c.Explain(entity.RawFetchResult{StatusCode: 200, Body: body})
		assert.Equal(t, entity.VerdictChallenge, res.Verdict, body)
		assert.Contains(t, res.Reason, "challenge marker")
	}
}

func TestClassify_ChallengePattern(t *testing.T) {
	c := mustClassifier(t, Config{ChallengeMarkers: []string{"unused marker"}, ChallengePatterns: []string{`(?i)captcha-\d+`}})
	assert.Equal(t, entity.VerdictChallenge, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: "<div>CAPTCHA-42</div>"}))
	assert.Equal(t, entity.VerdictOK, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: "just a moment"}))
}

func TestNewClassifier_InvalidPattern(t *testing.T) {
	_, err := NewClassifier(Config{ChallengePatterns: []string{"("}})
	assert.Error(t, err)
}

func TestClassify_MitigatedHeader(t *testing.T) {
	c := mustClassifier(t, Config{})
	res := entity.RawFetchResult{
		StatusCode: 200,
		Body:       listingPage,
		Headers:    map[string]string{"cf-mitigated": "challenge"},
	}
	assert.Equal(t, entity.VerdictChallenge, c.Classify(res))
}

func TestClassify_AmbiguousContentIsTransient(t *testing.T) {
	c := mustClassifier(t, Config{ListingSelector: "div.job_seen_beacon"})

	assert.Equal(t, entity.VerdictTransientError, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: ""}))
	assert.Equal(t, entity.VerdictTransientError, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: "<html><body>nothing here</body></html>"}))
	assert.Equal(t, entity.VerdictOK, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: listingPage}))
}

func TestClassify_EmptyBodyWithoutStructureCheck(t *testing.T) {
	c := mustClassifier(t, Config{})
	assert.Equal(t, entity.VerdictTransientError, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: "   "}))
}

func TestClassify_ListingMarkers(t *testing.T) {
	c := mustClassifier(t, Config{ListingMarkers: []string{"jobsearch-ResultsList"}})
	assert.Equal(t, entity.VerdictOK, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: `<ul class="jobsearch-resultslist"></ul>`}))
	assert.Equal(t, entity.VerdictTransientError, c.Classify(entity.RawFetchResult{StatusCode: 200, Body: `<ul></ul>`}))
}

func TestClassify_Deterministic(t *testing.T) {
	c := mustClassifier(t, Config{ListingSelector: "div.job_seen_beacon", ChallengePatterns: []string{`turnstile`}})

	inputs := []entity.RawFetchResult{
		{StatusCode: 200, Body: listingPage},
		{StatusCode: 200, Body: "just a moment"},
		{StatusCode: 200, Body: "turnstile"},
		{StatusCode: 200, Body: ""},
		{StatusCode: 403},
		{StatusCode: 429},
		{StatusCode: 503, Body: listingPage},
		{StatusCode: 200, Body: listingPage, Headers: map[string]string{"cf-mitigated": "challenge"}},
	}
	for _, in := range inputs {
		first := c.Explain(in)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, c.Explain(in))
		}
	}
}
