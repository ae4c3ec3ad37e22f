package signaling

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solocast/webrtc-pair-relay/internal/metrics"
	"github.com/solocast/webrtc-pair-relay/internal/ratelimit"
)

// connHandler owns one accepted connection end-to-end: it reads frames,
// decodes envelopes, and drives the registry. It is the only reader of its
// connection; the peer's write pump is the only writer.
type connHandler struct {
	reg     *Registry
	peer    *Peer
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.TokenBucket

	idleTimeout time.Duration

	role   Role
	joined bool
}

// run reads frames until the transport closes, then tears down the handler's
// slot. Every per-frame failure is contained: a malformed or misdirected
// frame is logged, counted, and dropped, and the connection stays open.
func (h *connHandler) run() {
	conn := h.peer.conn

	defer func() {
		if h.joined {
			h.reg.Leave(h.role, h.peer)
		}
		h.peer.Close()
	}()

	h.refreshReadDeadline()
	conn.SetPongHandler(func(string) error {
		h.refreshReadDeadline()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug("connection closed", "joined", h.joined, "role", h.role, "err", err)
			return
		}
		h.refreshReadDeadline()

		// The rate limit is applied after reading so bytes already in the
		// TCP receive buffer are consumed before any close, letting clients
		// reliably observe the close code.
		if h.limiter != nil && !h.limiter.Allow(1) {
			h.metrics.Inc(metrics.DropReasonRateLimited)
			h.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			h.metrics.Inc(metrics.DropReasonMalformed)
			h.log.Warn("dropping non-text frame")
			continue
		}

		h.handleFrame(data)
	}
}

func (h *connHandler) handleFrame(data []byte) {
	msg, err := parseEnvelope(data)
	if err != nil {
		// A single bad frame must not kill the session.
		if isUnknownType(err) {
			h.metrics.Inc(metrics.DropReasonUnknownType)
			h.log.Warn("ignoring unknown message type", "err", err)
		} else {
			h.metrics.Inc(metrics.DropReasonMalformed)
			h.log.Warn("dropping malformed frame", "err", err)
		}
		return
	}

	if !h.joined {
		if msg.Type != messageTypeJoin {
			// Invalid handshake: routing starts only after a join. The
			// frame is discarded but the connection stays open for retry.
			h.metrics.Inc(metrics.DropReasonInvalidHandshake)
			h.log.Warn("dropping pre-join message", "type", msg.Type)
			return
		}
		role, _ := ParseRole(msg.Role)
		h.join(role)
		return
	}

	switch msg.Type {
	case messageTypeJoin:
		role, _ := ParseRole(msg.Role)
		if role != h.role {
			// A connection's role is fixed by its first join.
			h.metrics.Inc(metrics.DropReasonWrongRole)
			h.log.Warn("ignoring join for different role", "role", h.role, "requested", role)
			return
		}
		h.join(role)
	case messageTypeOffer:
		if err := h.reg.Offer(h.role, data); err != nil {
			h.log.Warn("offer dropped", "role", h.role, "err", err)
		}
	case messageTypeAnswer:
		if err := h.reg.Answer(h.role, data); err != nil {
			h.log.Warn("answer dropped", "role", h.role, "err", err)
		}
	case messageTypeCandidate:
		if err := h.reg.Candidate(h.role, data); err != nil {
			h.log.Warn("candidate dropped", "role", h.role, "err", err)
		}
	}
}

func (h *connHandler) join(role Role) {
	evicted := h.reg.Join(role, h.peer)
	h.role = role
	h.joined = true
	h.log.Info("peer joined", "role", role, "remote_addr", h.peer.conn.RemoteAddr())

	// Close the replaced connection outside any registry call. Its own
	// handler observes the closure and its Leave is an identity-checked
	// no-op by then.
	if evicted != nil {
		h.log.Info("evicting previous occupant", "role", role)
		evicted.Kick("replaced by a new " + role.String() + " connection")
	}
}

func (h *connHandler) refreshReadDeadline() {
	if h.idleTimeout <= 0 {
		return
	}
	_ = h.peer.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
}

func (h *connHandler) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = h.peer.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func isUnknownType(err error) bool {
	return errors.Is(err, errUnknownType)
}
