package ai

import (
	"sync"
	"time"
)

// ProviderHealth is the runtime failure record of one provider. A provider
// with no record is healthy.
type ProviderHealth struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
}

// HealthTracker is the in-memory circuit breaker shared by all Complete calls
// of a process. A provider trips after threshold consecutive failures and is
// skipped until cooldown has elapsed since its last failure; it then gets a
// probe, and a failed probe restarts the cooldown.
type HealthTracker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	records   map[string]ProviderHealth
}

func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	return &HealthTracker{
		threshold: threshold,
		cooldown:  cooldown,
		records:   make(map[string]ProviderHealth),
	}
}

// Available reports whether name may be tried at now.
func (h *HealthTracker) Available(name string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[name]
	if !ok || rec.ConsecutiveFailures < h.threshold {
		return true
	}
	return now.Sub(rec.LastFailureAt) > h.cooldown
}

// RecordSuccess drops the record entirely.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	delete(h.records, name)
	h.mu.Unlock()
}

// RecordFailure counts one exhausted provider and reports whether this
// failure is the one that reached the threshold.
func (h *HealthTracker) RecordFailure(name string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.records[name]
	rec.ConsecutiveFailures++
	rec.LastFailureAt = now
	h.records[name] = rec
	return rec.ConsecutiveFailures == h.threshold
}

// Get returns the record for name, ok=false when the provider is healthy.
func (h *HealthTracker) Get(name string) (ProviderHealth, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[name]
	return rec, ok
}

// Snapshot copies every record.
func (h *HealthTracker) Snapshot() map[string]ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ProviderHealth, len(h.records))
	for k, v := range h.records {
		out[k] = v
	}
	return out
}

// Reset forgets every record.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	h.records = make(map[string]ProviderHealth)
	h.mu.Unlock()
}
