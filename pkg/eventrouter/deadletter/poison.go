package deadletter

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// PoisonConfig configures poison event detection.
type PoisonConfig struct {
	// Threshold is the number of failures before content is flagged.
	// Default: 3
	Threshold int

	// Window is how long failures count toward the threshold, measured
	// from the most recent failure.
	// Default: 1 hour
	Window time.Duration

	// CleanupInterval is how often stale records are dropped.
	// Default: 5 minutes
	CleanupInterval time.Duration

	// OnDetect is called once when content crosses the threshold.
	OnDetect func(e *event.Event, failures int)
}

// DefaultPoisonConfig provides reasonable defaults.
var DefaultPoisonConfig = PoisonConfig{
	Threshold:       3,
	Window:          time.Hour,
	CleanupInterval: 5 * time.Minute,
}

// PoisonDetector flags event content that keeps failing delivery.
//
// Failures are grouped by a hash of the event type and payload rather than
// the event ID, so the same bad content republished under a new ID, or
// fanned out to several subscribers, is still recognized as one pattern.
// Detection is advisory: the router can consult Suspect before spending
// retries on content that has already failed elsewhere.
type PoisonDetector struct {
	cfg PoisonConfig

	mu      sync.RWMutex
	records map[string]*poisonRecord

	stop     chan struct{}
	stopOnce sync.Once
}

// poisonRecord tracks failures for one content hash.
type poisonRecord struct {
	hash          string
	eventType     string
	failures      int
	firstSeen     time.Time
	lastSeen      time.Time
	subscriptions map[string]struct{}
}

// NewPoisonDetector creates a detector and starts its cleanup goroutine.
// Call Close to stop it.
func NewPoisonDetector(cfg PoisonConfig) *PoisonDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultPoisonConfig.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultPoisonConfig.Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultPoisonConfig.CleanupInterval
	}

	d := &PoisonDetector{
		cfg:     cfg,
		records: make(map[string]*poisonRecord),
		stop:    make(chan struct{}),
	}
	go d.cleanupLoop()
	return d
}

// contentHash fingerprints an event by type and payload.
func contentHash(e *event.Event) string {
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Record notes a failed delivery and returns the failure count for the
// event's content within the window.
func (d *PoisonDetector) Record(e *event.Event, subscriptionID string) int {
	hash := contentHash(e)
	now := time.Now()

	d.mu.Lock()

	rec, ok := d.records[hash]
	if ok && now.Sub(rec.lastSeen) > d.cfg.Window {
		// Stale pattern: the content stopped failing for a full window,
		// so start counting fresh.
		ok = false
	}
	if !ok {
		rec = &poisonRecord{
			hash:          hash,
			eventType:     e.Type,
			firstSeen:     now,
			subscriptions: make(map[string]struct{}),
		}
		d.records[hash] = rec
	}

	rec.failures++
	rec.lastSeen = now
	if subscriptionID != "" {
		rec.subscriptions[subscriptionID] = struct{}{}
	}

	failures := rec.failures
	detected := failures == d.cfg.Threshold
	d.mu.Unlock()

	if detected && d.cfg.OnDetect != nil {
		d.cfg.OnDetect(e, failures)
	}
	return failures
}

// Suspect reports whether the event's content has crossed the failure
// threshold within the window.
func (d *PoisonDetector) Suspect(e *event.Event) bool {
	hash := contentHash(e)

	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.records[hash]
	if !ok || time.Since(rec.lastSeen) > d.cfg.Window {
		return false
	}
	return rec.failures >= d.cfg.Threshold
}

// Clear drops the failure record for a content hash, typically after the
// underlying fault is fixed. Reports whether a record existed.
func (d *PoisonDetector) Clear(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.records[hash]
	delete(d.records, hash)
	return ok
}

// PoisonInfo describes one tracked failure pattern.
type PoisonInfo struct {
	// Hash identifies the content pattern; pass it to Clear.
	Hash string `json:"hash"`

	// EventType is the type of the first event seen for this pattern.
	EventType string `json:"event_type"`

	// Failures is the failure count within the window.
	Failures int `json:"failures"`

	// Subscriptions is how many distinct subscribers the pattern failed
	// for.
	Subscriptions int `json:"subscriptions"`

	// Suspected reports whether the pattern crossed the threshold.
	Suspected bool `json:"suspected"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// List returns every tracked pattern, suspected or not.
func (d *PoisonDetector) List() []PoisonInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]PoisonInfo, 0, len(d.records))
	for _, rec := range d.records {
		infos = append(infos, PoisonInfo{
			Hash:          rec.hash,
			EventType:     rec.eventType,
			Failures:      rec.failures,
			Subscriptions: len(rec.subscriptions),
			Suspected:     rec.failures >= d.cfg.Threshold,
			FirstSeen:     rec.firstSeen,
			LastSeen:      rec.lastSeen,
		})
	}
	return infos
}

// cleanupLoop periodically drops records with no failures for a full
// window.
func (d *PoisonDetector) cleanupLoop() {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.cleanup()
		}
	}
}

func (d *PoisonDetector) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for hash, rec := range d.records {
		if now.Sub(rec.lastSeen) > d.cfg.Window {
			delete(d.records, hash)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (d *PoisonDetector) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
