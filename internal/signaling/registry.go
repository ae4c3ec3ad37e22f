package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/solocast/webrtc-pair-relay/internal/metrics"
)

var (
	// ErrNoCounterpart is returned when a message's destination slot is
	// empty and the message cannot be buffered (ANSWER with no sender).
	ErrNoCounterpart = errors.New("no counterpart registered")

	// ErrWrongRole is returned when a message type is not valid for the
	// sending role (OFFER from the viewer, ANSWER from the sender).
	ErrWrongRole = errors.New("message not allowed for role")
)

// endpoint is the registry's view of a registered connection: a non-blocking
// outbound queue plus a way to evict. *Peer implements it; tests substitute
// in-memory fakes.
type endpoint interface {
	Enqueue(frame []byte) bool
	Closed() bool
	Kick(reason string)
}

// slot is the single-occupancy holder for one role's live connection, its
// readiness state, and the candidates that role has sent while the
// counterpart could not yet receive them.
type slot struct {
	peer endpoint

	// ready reports whether this side's description exchange has progressed
	// far enough to accept ICE candidates: the sender becomes ready once its
	// offer has been taken in, the viewer once the offer has been delivered
	// to it. Answer delivery to the sender also marks the sender ready.
	ready bool

	// queue buffers candidate frames from this role, in arrival order, until
	// the counterpart becomes ready. Drained exactly once, discarded when
	// this slot is cleared.
	queue [][]byte
}

// Registry owns the two role slots and routes signaling frames between them.
//
// All slot and queue mutations are serialized under one mutex. The lock is
// never held across network I/O: forwarding enqueues onto the destination
// peer's bounded channel and the peer's write pump does the socket write.
// Enqueue order under the lock therefore fixes delivery order per
// destination.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	sender slot
	viewer slot

	// pendingOffer holds the sender's most recent offer frame while no
	// viewer is registered. At most one; a newer offer replaces an unsent
	// one. Discarded when the sender slot is cleared.
	pendingOffer []byte
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, metrics: m}
}

func (r *Registry) slot(role Role) *slot {
	if role == RoleSender {
		return &r.sender
	}
	return &r.viewer
}

// Join registers p as the occupant of role. If the role was already held by
// a different connection, the previous occupant is evicted: the caller
// receives it and must close it outside any registry call (last-writer-wins).
//
// Joining resets the role's negotiation state: readiness is cleared and any
// candidates buffered by the previous occupant are discarded, so a
// reconnecting peer starts from scratch. A viewer join additionally delivers
// the pending offer, if any, before anything else.
func (r *Registry) Join(role Role, p endpoint) (evicted endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slot(role)
	if s.peer != nil && s.peer != p {
		evicted = s.peer
		r.metrics.Inc(metrics.EventEviction)
	}
	s.peer = p
	s.ready = false
	r.discardQueueLocked(s)

	if role == RoleSender {
		// A (re)joining sender starts a fresh negotiation; an offer from a
		// previous sender must never reach a future viewer.
		r.pendingOffer = nil
		r.metrics.Inc(metrics.EventJoinSender)
		return evicted
	}

	r.metrics.Inc(metrics.EventJoinViewer)
	if r.pendingOffer != nil {
		offer := r.pendingOffer
		r.pendingOffer = nil
		r.deliverOfferToViewerLocked(offer)
	}
	return evicted
}

// Leave clears role's slot if p is still its occupant. Identity is compared
// so a stale handler never clears a slot that was already taken over by a
// reconnecting peer. The counterpart's slot and queue are untouched.
func (r *Registry) Leave(role Role, p endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slot(role)
	if s.peer != p {
		return
	}
	s.peer = nil
	s.ready = false
	r.discardQueueLocked(s)
	if role == RoleSender {
		r.pendingOffer = nil
	}
	r.log.Debug("role left", "role", role)
}

// Offer routes an offer frame from the sender. With a viewer registered it
// is forwarded immediately; otherwise it is held as the pending offer until
// a viewer joins (a newer offer replaces an older unsent one).
func (r *Registry) Offer(from Role, frame []byte) error {
	if from != RoleSender {
		r.metrics.Inc(metrics.DropReasonWrongRole)
		return ErrWrongRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The sender has produced its SDP: buffered viewer candidates may now
	// flow to it, whether or not the offer itself can be delivered yet.
	r.markReadyLocked(&r.sender, &r.viewer)

	if r.viewer.peer == nil {
		r.pendingOffer = frame
		r.metrics.Inc(metrics.EventPendingOffer)
		r.log.Debug("offer held pending viewer")
		return nil
	}
	r.deliverOfferToViewerLocked(frame)
	return nil
}

// Answer routes an answer frame from the viewer to the sender. An answer
// with no sender to receive it is a protocol violation: it is dropped and
// never retried.
func (r *Registry) Answer(from Role, frame []byte) error {
	if from != RoleViewer {
		r.metrics.Inc(metrics.DropReasonWrongRole)
		return ErrWrongRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sender.peer == nil {
		r.metrics.Inc(metrics.DropReasonNoCounterpart)
		return ErrNoCounterpart
	}
	r.forwardLocked(&r.sender, frame, metrics.EventForwardAnswer)
	r.markReadyLocked(&r.sender, &r.viewer)
	return nil
}

// Candidate routes a candidate frame from either role. If the counterpart is
// registered and ready it is forwarded immediately; otherwise it is buffered
// in arrival order on the sending role's queue.
func (r *Registry) Candidate(from Role, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	own := r.slot(from)
	opp := r.slot(from.Counterpart())
	if opp.peer != nil && opp.ready {
		r.forwardLocked(opp, frame, metrics.EventForwardCandidate)
		return nil
	}
	own.queue = append(own.queue, frame)
	r.metrics.Inc(metrics.EventBufferedCandidate)
	return nil
}

// Paired reports whether both roles currently hold a live connection.
func (r *Registry) Paired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sender.peer != nil && r.viewer.peer != nil
}

// deliverOfferToViewerLocked forwards an offer frame to the registered
// viewer, marks the viewer ready, and drains whatever the now-ready sides
// can receive. The offer is always enqueued before any buffered candidates.
func (r *Registry) deliverOfferToViewerLocked(frame []byte) {
	r.forwardLocked(&r.viewer, frame, metrics.EventForwardOffer)
	r.markReadyLocked(&r.viewer, &r.sender)
}

// markReadyLocked marks s ready to receive candidates and drains the
// counterpart's buffered candidates into it, in FIFO order, exactly once.
// Flushing an empty queue is a no-op.
func (r *Registry) markReadyLocked(s, counterpart *slot) {
	s.ready = true
	if s.peer == nil || len(counterpart.queue) == 0 {
		return
	}
	queued := counterpart.queue
	counterpart.queue = nil
	for _, frame := range queued {
		r.forwardLocked(s, frame, metrics.EventFlushedCandidate)
	}
}

// forwardLocked enqueues a frame onto dst's outbound queue. Failures degrade
// to dropping the frame: the destination's own handler is responsible for
// detecting a dead transport and clearing its slot.
func (r *Registry) forwardLocked(dst *slot, frame []byte, event string) {
	if dst.peer == nil {
		r.metrics.Inc(metrics.DropReasonNoCounterpart)
		return
	}
	if !dst.peer.Enqueue(frame) {
		if dst.peer.Closed() {
			r.metrics.Inc(metrics.DropReasonTransportClosed)
			r.log.Debug("dropping frame: destination transport closed", "event", event)
		} else {
			r.metrics.Inc(metrics.DropReasonSendQueueFull)
			r.log.Warn("dropping frame: destination queue full", "event", event)
		}
		return
	}
	r.metrics.Inc(event)
}

func (r *Registry) discardQueueLocked(s *slot) {
	if n := len(s.queue); n > 0 {
		r.metrics.Add(metrics.EventDiscardedCandidate, uint64(n))
	}
	s.queue = nil
}
