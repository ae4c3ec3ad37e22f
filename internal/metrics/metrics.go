package metrics

import "sync"

// Event names recorded by the signaling relay. Names are intentionally
// simple; they surface as the `event` label on the Prometheus counter.
const (
	EventJoinSender = "join_sender"
	EventJoinViewer = "join_viewer"
	EventEviction   = "eviction"

	EventForwardOffer     = "forward_offer"
	EventForwardAnswer    = "forward_answer"
	EventForwardCandidate = "forward_candidate"

	EventPendingOffer       = "pending_offer"
	EventBufferedCandidate  = "buffered_candidate"
	EventFlushedCandidate   = "flushed_candidate"
	EventDiscardedCandidate = "discarded_candidate"

	DropReasonMalformed        = "drop_malformed_payload"
	DropReasonInvalidHandshake = "drop_invalid_handshake"
	DropReasonNoCounterpart    = "drop_no_counterpart"
	DropReasonTransportClosed  = "drop_transport_closed"
	DropReasonUnknownType      = "drop_unknown_type"
	DropReasonWrongRole        = "drop_wrong_role"
	DropReasonSendQueueFull    = "drop_send_queue_full"
	DropReasonRateLimited      = "drop_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the routing logic testable while still being scrapable via the
// Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments a counter. A nil *Metrics is a no-op so callers don't need
// to guard every instrumentation site.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

// Add increments a counter by n.
func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
