package api

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexus-im/supportdesk/internal/auth"
)

// limiterIdle is how long an actor's bucket survives without sends. A bucket
// idle this long has refilled, so dropping it loses nothing.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per actor for message sends.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*limiterEntry)
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	rps := p.rps
	if rps <= 0 {
		rps = 2
	}
	burst := p.burst
	if burst <= 0 {
		burst = 5
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = &limiterEntry{lim: l, lastSeen: now}
	return l
}

func (p *limiterPool) Allow(key string, now time.Time) bool {
	return p.get(key, now).AllowN(now, 1)
}

// prune drops buckets not used since before.
func (p *limiterPool) prune(before time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, e := range p.m {
		if e.lastSeen.Before(before) {
			delete(p.m, key)
			n++
		}
	}
	return n
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func limiterKey(actor auth.Actor) string {
	return string(actor.Role) + ":" + strconv.FormatInt(actor.ID, 10)
}
