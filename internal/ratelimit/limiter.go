package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultEntryTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed is a token bucket per key, pruned once a key goes quiet.
type Keyed struct {
	mu       sync.Mutex
	entries  map[string]*entry
	limit    rate.Limit
	burst    int
	entryTTL time.Duration
	now      func() time.Time
}

// PerMinute allows rpm events per minute per key with the given burst.
// A non-positive rpm disables limiting.
func PerMinute(rpm, burst int) *Keyed {
	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Every(time.Minute / time.Duration(rpm))
	}
	if burst < 1 {
		burst = 1
	}
	return &Keyed{
		entries:  make(map[string]*entry),
		limit:    limit,
		burst:    burst,
		entryTTL: defaultEntryTTL,
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (k *Keyed) WithClock(fn func() time.Time) *Keyed {
	k.now = fn
	return k
}

func (k *Keyed) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.prune(now)

	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len reports how many keys are tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) prune(now time.Time) {
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > k.entryTTL {
			delete(k.entries, key)
		}
	}
}
