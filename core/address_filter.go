package core

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdmissionError is a local resource decision (address filter count/rate,
// connection table full after LRU eviction of a more-valuable peer): the
// caller closes immediately and is not told the peer misbehaved.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return fmt.Sprintf("admission: %s", e.Reason) }

var (
	// ErrCountExceeded is returned when the per-origin open-connection
	// count limit is hit.
	ErrCountExceeded = &AdmissionError{Reason: "CountExceeded"}
	// ErrRateExceeded is returned when the per-origin connection-open
	// rate limit is hit within the trailing window.
	ErrRateExceeded = &AdmissionError{Reason: "RateExceeded"}
	// ErrAnomalousOpenPattern is returned when an address's connection-open
	// interval is a statistical outlier against its own history, per
	// AddressFilterConfig.AnomalyZScoreLimit.
	ErrAnomalousOpenPattern = &AdmissionError{Reason: "AnomalousOpenPattern"}
)

type addressBucket struct {
	openCount int
	limiter   *rate.Limiter // rolling connection-open rate, bursting up to MaxConnectionFrequency
	lastOpen  time.Time
	intervals *AnomalyDetector // z-score over inter-open intervals, for burst detection
}

// AddressFilterConfig bounds per-origin connection counts and rates.
type AddressFilterConfig struct {
	MaxConnectionsPerIP4   int
	MaxConnectionsPerIP6   int
	IP6PrefixLength        int // bits, e.g. 56
	MaxConnectionFrequency int // per rolling minute
	RateWindow             time.Duration
	// AnomalyZScoreLimit rejects a connection open whose inter-open
	// interval z-score (relative to that address's own history) exceeds
	// this many standard deviations. Zero disables anomaly rejection,
	// leaving only the hard count/rate caps above.
	AnomalyZScoreLimit float64
}

// DefaultAddressFilterConfig matches the illustrative defaults.
func DefaultAddressFilterConfig() AddressFilterConfig {
	return AddressFilterConfig{
		MaxConnectionsPerIP4:   8,
		MaxConnectionsPerIP6:   8,
		IP6PrefixLength:        56,
		MaxConnectionFrequency: 128,
		RateWindow:             time.Minute,
		AnomalyZScoreLimit:     6,
	}
}

// AddressFilter tracks, per IPv4 address and per IPv6 prefix, the number
// of currently-open connections and a sliding rate window of opens.
type AddressFilter struct {
	cfg     AddressFilterConfig
	mu      sync.Mutex
	buckets map[string]*addressBucket
	now     func() time.Time
}

// NewAddressFilter builds an address filter with the given configuration.
func NewAddressFilter(cfg AddressFilterConfig) *AddressFilter {
	return &AddressFilter{cfg: cfg, buckets: make(map[string]*addressBucket), now: time.Now}
}

func (f *AddressFilter) keyFor(ip net.IP) (string, int) {
	if v4 := ip.To4(); v4 != nil {
		return v4.String(), f.cfg.MaxConnectionsPerIP4
	}
	mask := net.CIDRMask(f.cfg.IP6PrefixLength, 128)
	prefix := ip.Mask(mask)
	return prefix.String(), f.cfg.MaxConnectionsPerIP6
}

// newBucketLocked builds a bucket whose limiter allows MaxConnectionFrequency
// opens per RateWindow, bursting up to that same count so a quiet address
// isn't penalized for opening several connections at once.
func (f *AddressFilter) newBucketLocked() *addressBucket {
	perSecond := float64(f.cfg.MaxConnectionFrequency) / f.cfg.RateWindow.Seconds()
	return &addressBucket{
		limiter:   rate.NewLimiter(rate.Limit(perSecond), f.cfg.MaxConnectionFrequency),
		intervals: NewAnomalyDetector(),
	}
}

// Add admits a new connection from ip, failing with ErrCountExceeded or
// ErrRateExceeded when a limit is hit; otherwise increments the counters.
func (f *AddressFilter) Add(ip net.IP) error {
	key, maxCount := f.keyFor(ip)
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[key]
	if !ok {
		b = f.newBucketLocked()
		f.buckets[key] = b
	}

	if b.openCount >= maxCount {
		return ErrCountExceeded
	}
	if !b.limiter.AllowN(now, 1) {
		return ErrRateExceeded
	}
	if f.cfg.AnomalyZScoreLimit > 0 && !b.lastOpen.IsZero() {
		interval := now.Sub(b.lastOpen).Seconds()
		if score := b.intervals.Score(interval); score > f.cfg.AnomalyZScoreLimit {
			b.intervals.Update(interval)
			return ErrAnomalousOpenPattern
		}
		b.intervals.Update(interval)
	}

	b.openCount++
	b.lastOpen = now
	return nil
}

// Remove decrements the open-connection count for ip. Double-removing an
// address whose count is already zero is an internal consistency
// violation (InternalError territory), not a no-op, since the connection
// table's invariant is that every live entry holds exactly one admission
// slot.
func (f *AddressFilter) Remove(ip net.IP) error {
	key, _ := f.keyFor(ip)

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[key]
	if !ok || b.openCount <= 0 {
		return fmt.Errorf("core: address filter: remove of absent/zero entry for %s", key)
	}
	b.openCount--
	return nil
}

// Count returns the current open-connection count for ip (test/metrics
// helper).
func (f *AddressFilter) Count(ip net.IP) int {
	key, _ := f.keyFor(ip)
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.buckets[key]; ok {
		return b.openCount
	}
	return 0
}
