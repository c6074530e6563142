package shipper

import (
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

// backoff computes the exponential-with-jitter delay for attempt n (0-based),
// per spec.md §4.5: base 1s, multiplier 2, cap 60s, full jitter.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(cap) {
		d = float64(cap)
	}
	// Full jitter: uniform in [0, d].
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// apiKeyTierPattern matches API keys of the shape sk_t<n>_<rest>, where <n>
// is a small integer tier encoding the caller's allotted requests-per-second
// (spec.md §4.5's rate-limiting scheme, derived from original_source's
// per-tenant throttling constants).
var apiKeyTierPattern = regexp.MustCompile(`^sk_t(\d+)_`)

// tierRatesPerSecond maps tier -> allowed requests/sec. Tier 0 (unrecognized
// key shape) gets the conservative default.
var tierRatesPerSecond = map[int]float64{
	0: 2,
	1: 5,
	2: 20,
	3: 100,
}

// RateForAPIKey extracts the tier from an API key and returns its configured
// rate. Keys that don't match the sk_t<n>_ shape are treated as tier 0.
func RateForAPIKey(apiKey string) float64 {
	m := apiKeyTierPattern.FindStringSubmatch(apiKey)
	if m == nil {
		return tierRatesPerSecond[0]
	}
	tier, err := strconv.Atoi(m[1])
	if err != nil {
		return tierRatesPerSecond[0]
	}
	if rate, ok := tierRatesPerSecond[tier]; ok {
		return rate
	}
	return tierRatesPerSecond[0]
}

// limiter is a minimal token-bucket rate limiter sized from the API key's
// tier. Grounded on the teacher's db/cache.go SETNX-style gating, reexpressed
// here as an in-process bucket since shipment rate limiting is local to this
// agent, not shared across instances.
type limiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newLimiter(ratePerSecond float64) *limiter {
	return &limiter{
		tokens:     ratePerSecond,
		maxTokens:  ratePerSecond,
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
	}
}

// wait blocks (via sleep) until a token is available, honoring the limiter's
// configured rate. Call sites pass a done channel only through context
// cancellation at a higher level; this limiter itself is non-blocking on
// cancellation since shipment batches are small and bounded.
func (l *limiter) wait() {
	for {
		now := time.Now()
		elapsed := now.Sub(l.lastRefill).Seconds()
		l.lastRefill = now
		l.tokens += elapsed * l.refillRate
		if l.tokens > l.maxTokens {
			l.tokens = l.maxTokens
		}
		if l.tokens >= 1 {
			l.tokens--
			return
		}
		sleepFor := time.Duration((1 - l.tokens) / l.refillRate * float64(time.Second))
		if sleepFor < time.Millisecond {
			sleepFor = time.Millisecond
		}
		time.Sleep(sleepFor)
	}
}
