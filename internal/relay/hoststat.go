package relay

import (
	"strings"
	"time"
)

// hoststatTTL is the inactivity window after which a HostStat entry is
// evicted, per spec.md §3/§4.10.
const hoststatTTL = 4 * time.Hour

// HostStats is the per-hostname error memory and deferred-envelope set
// of spec.md §4.10. Canonicalized to lowercase on every access.
type HostStats struct {
	entries map[string]*HostStat
}

func NewHostStats() *HostStats {
	return &HostStats{entries: make(map[string]*HostStat)}
}

func canonHostname(name string) string { return strings.ToLower(name) }

// Update refreshes the last-error text and rearms the expiry timer; the
// caller is expected to also reschedule the eviction run-queue entry.
func (h *HostStats) Update(hostname, errText string, now time.Time) *HostStat {
	name := canonHostname(hostname)
	hs, ok := h.entries[name]
	if !ok {
		hs = &HostStat{Hostname: name, Deferred: make(map[string]struct{})}
		h.entries[name] = hs
	}
	hs.LastError = errText
	hs.UpdatedAt = now
	return hs
}

// Cache amends the deferred envelope set for hostname, creating an
// entry if necessary.
func (h *HostStats) Cache(hostname, envelopeID string, now time.Time) {
	name := canonHostname(hostname)
	hs, ok := h.entries[name]
	if !ok {
		hs = &HostStat{Hostname: name, UpdatedAt: now, Deferred: make(map[string]struct{})}
		h.entries[name] = hs
	}
	hs.Deferred[envelopeID] = struct{}{}
}

// Uncache removes envelopeID from hostname's deferred set.
func (h *HostStats) Uncache(hostname, envelopeID string) {
	name := canonHostname(hostname)
	if hs, ok := h.entries[name]; ok {
		delete(hs.Deferred, envelopeID)
	}
}

// Get returns the entry for hostname, if any.
func (h *HostStats) Get(hostname string) (*HostStat, bool) {
	hs, ok := h.entries[canonHostname(hostname)]
	return hs, ok
}

// Evict removes the entry for hostname (called when its expiry timer
// fires).
func (h *HostStats) Evict(hostname string) {
	delete(h.entries, canonHostname(hostname))
}

// Drain empties and returns the deferred set for hostname, for replay.
func (h *HostStats) Drain(hostname string) []string {
	name := canonHostname(hostname)
	hs, ok := h.entries[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(hs.Deferred))
	for id := range hs.Deferred {
		ids = append(ids, id)
	}
	hs.Deferred = make(map[string]struct{})
	return ids
}

// hoststatCache is the scheduler-level entry point used by flush: it
// records the envelope against the destination hostname and (re)arms
// the 4-hour eviction timer on the hoststat run-queue.
func (s *Scheduler) hoststatCache(hostname, envelopeID string) {
	now := s.now()
	s.hostStats.Cache(hostname, envelopeID, now)
	s.hoststatRQ.Schedule(now.Add(hoststatTTL), canonHostname(hostname), struct{}{})
}

// hoststatUpdate is invoked when a host records an error; it refreshes
// the entry's last-error text and rearms the expiry timer.
func (s *Scheduler) hoststatUpdate(hostname, errText string) {
	now := s.now()
	s.hostStats.Update(hostname, errText, now)
	s.hoststatRQ.Schedule(now.Add(hoststatTTL), canonHostname(hostname), struct{}{})
}

// hoststatReschedule drains the deferred set for hostname and asks the
// queue to re-dispatch each envelope (spec.md §4.10, scenario 5).
func (s *Scheduler) hoststatReschedule(hostname string) {
	for _, id := range s.hostStats.Drain(hostname) {
		s.queue.Schedule(id)
	}
}

// onHoststatTimer is invoked by the event loop when a hoststat entry's
// expiry fires.
func (s *Scheduler) onHoststatTimer(hostname string) {
	s.hostStats.Evict(hostname)
}
