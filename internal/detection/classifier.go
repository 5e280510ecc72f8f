package detection

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/user/listing-crawler/internal/entity"
)

// DefaultChallengeMarkers are interstitial texts served by Cloudflare-style bot walls.
var DefaultChallengeMarkers = []string{
	"challenges.cloudflare.com",
	"verify you are human",
	"just a moment",
	"cf-challenge",
}

const (
	mitigatedHeader    = "cf-mitigated"
	mitigatedChallenge = "challenge"
)

// Config selects what counts as a challenge page and what counts as a real listing.
type Config struct {
	// ChallengeMarkers are matched case-insensitively as substrings of the body.
	ChallengeMarkers []string
	// ChallengePatterns are regular expressions matched against the body.
	ChallengePatterns []string
	// ListingSelector is a CSS selector that must match at least one element.
	ListingSelector string
	// ListingMarkers are substrings, any one of which proves a listing page.
	ListingMarkers []string
}

// Result is a verdict with a short human-readable reason.
type Result struct {
	Verdict entity.Verdict
	Reason  string
}

// Classifier maps raw fetch results to verdicts. It holds no mutable state and
// is safe for concurrent use.
type Classifier struct {
	markers        []string
	patterns       []*regexp.Regexp
	selector       string
	listingMarkers []string
}

// NewClassifier compiles the configured patterns. Empty marker lists fall back
// to DefaultChallengeMarkers.
func NewClassifier(cfg Config) (*Classifier, error) {
	markers := cfg.ChallengeMarkers
	if len(markers) == 0 {
		markers = DefaultChallengeMarkers
	}
	c := &Classifier{selector: strings.TrimSpace(cfg.ListingSelector)}
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			c.markers = append(c.markers, strings.ToLower(m))
		}
	}
	for _, p := range cfg.ChallengePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid challenge pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	for _, m := range cfg.ListingMarkers {
		if m = strings.TrimSpace(m); m != "" {
			c.listingMarkers = append(c.listingMarkers, strings.ToLower(m))
		}
	}
	return c, nil
}

// Classify returns the verdict for one fetch attempt.
func (c *Classifier) Classify(r entity.RawFetchResult) entity.Verdict {
	return c.Explain(r).Verdict
}

// Explain is Classify plus the reason behind the verdict.
func (c *Classifier) Explain(r entity.RawFetchResult) Result {
	switch {
	case r.StatusCode == http.StatusForbidden:
		return Result{entity.VerdictBlocked, "status 403"}
	case r.StatusCode == http.StatusTooManyRequests:
		return Result{entity.VerdictRateLimited, "status 429"}
	case r.StatusCode >= 500 && r.StatusCode <= 599:
		return Result{entity.VerdictTransientError, fmt.Sprintf("status %d", r.StatusCode)}
	case r.StatusCode < 200 || r.StatusCode > 299:
		return Result{entity.VerdictTransientError, fmt.Sprintf("unexpected status %d", r.StatusCode)}
	}

	if strings.EqualFold(strings.TrimSpace(r.Header(mitigatedHeader)), mitigatedChallenge) {
		return Result{entity.VerdictChallenge, "cf-mitigated header"}
	}

	body := strings.ToLower(r.Body)
	for _, m := range c.markers {
		if strings.Contains(body, m) {
			return Result{entity.VerdictChallenge, fmt.Sprintf("challenge marker %q", m)}
		}
	}
	for _, re := range c.patterns {
		if re.MatchString(r.Body) {
			return Result{entity.VerdictChallenge, fmt.Sprintf("challenge pattern %q", re.String())}
		}
	}

	if !c.hasListing(r.Body, body) {
		return Result{entity.VerdictTransientError, "no listing structure"}
	}
	return Result{entity.VerdictOK, "ok"}
}

// hasListing fails safe: an empty page or a page without the expected structure
// is not a success.
func (c *Classifier) hasListing(raw, lower string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	if c.selector == "" && len(c.listingMarkers) == 0 {
		return true
	}
	for _, m := range c.listingMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if c.selector != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err != nil {
			return false
		}
		return doc.Find(c.selector).Length() > 0
	}
	return false
}
