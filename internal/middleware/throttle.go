package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

const (
	// DefaultInvalidKeysPerMinute is the default number of unknown API keys a
	// single client may present per minute before being refused.
	DefaultInvalidKeysPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of clients tracked at once.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InvalidKeyThrottle tracks per-IP requests that carried no usable API key.
// Clients that keep guessing keys are refused once their budget runs out.
type InvalidKeyThrottle struct {
	mu           sync.Mutex
	entries      *lru.Cache
	maxPerMinute int
	cancel       context.CancelFunc
}

// NewInvalidKeyThrottle creates a throttle allowing maxPerMinute invalid-key
// requests per IP. Pass 0 to use DefaultInvalidKeysPerMinute.
func NewInvalidKeyThrottle(ctx context.Context, maxPerMinute int) *InvalidKeyThrottle {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultInvalidKeysPerMinute
	}
	entries, err := lru.New(DefaultMaxTrackedIPs)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &InvalidKeyThrottle{
		entries:      entries,
		maxPerMinute: maxPerMinute,
		cancel:       cancel,
	}
	go t.cleanup(ctx)
	return t
}

// RecordFailureAndAllow records an invalid-key request for ip and returns
// whether the client is still within its budget.
func (t *InvalidKeyThrottle) RecordFailureAndAllow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var e *ipEntry
	if v, ok := t.entries.Get(ip); ok {
		e = v.(*ipEntry)
	} else {
		e = &ipEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(t.maxPerMinute)/60.0), t.maxPerMinute),
		}
		t.entries.Add(ip, e)
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of clients currently tracked.
func (t *InvalidKeyThrottle) Tracked() int {
	return t.entries.Len()
}

// Stop cancels the background cleanup goroutine.
func (t *InvalidKeyThrottle) Stop() {
	t.cancel()
}

func (t *InvalidKeyThrottle) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.removeStale(time.Now())
		}
	}
}

func (t *InvalidKeyThrottle) removeStale(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.entries.Keys() {
		v, ok := t.entries.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(*ipEntry).lastSeen) > staleThreshold {
			t.entries.Remove(k)
		}
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
