package lane

import (
	"math/rand"
	"sync"
	"time"

	"github.com/user/listing-crawler/internal/entity"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

type viewport struct{ w, h int }

var defaultViewports = []viewport{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{2560, 1440},
}

var defaultLocales = []string{"en-US", "en-GB", "en-CA"}

const viewportJitter = 20

// FingerprintGenerator produces a fresh browser fingerprint for every new lane.
type FingerprintGenerator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	userAgents []string
	locales    []string
}

// NewFingerprintGenerator uses the given seed; pass time.Now().UnixNano() in production.
func NewFingerprintGenerator(seed int64, userAgents, locales []string) *FingerprintGenerator {
	if len(userAgents) == 0 {
		userAgents = defaultUserAgents
	}
	if len(locales) == 0 {
		locales = defaultLocales
	}
	return &FingerprintGenerator{
		rng:        rand.New(rand.NewSource(seed)),
		userAgents: userAgents,
		locales:    locales,
	}
}

// NewDefaultFingerprintGenerator seeds from the clock with the built-in pools.
func NewDefaultFingerprintGenerator() *FingerprintGenerator {
	return NewFingerprintGenerator(time.Now().UnixNano(), nil, nil)
}

// Next returns a random user agent, a common viewport with a small jitter, and a locale.
func (g *FingerprintGenerator) Next() entity.Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	vp := defaultViewports[g.rng.Intn(len(defaultViewports))]
	return entity.Fingerprint{
		UserAgent:      g.userAgents[g.rng.Intn(len(g.userAgents))],
		ViewportWidth:  vp.w + g.rng.Intn(2*viewportJitter+1) - viewportJitter,
		ViewportHeight: vp.h + g.rng.Intn(2*viewportJitter+1) - viewportJitter,
		Locale:         g.locales[g.rng.Intn(len(g.locales))],
	}
}
