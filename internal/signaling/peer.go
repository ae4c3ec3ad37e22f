package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait bounds every socket write so a stalled peer cannot wedge
	// its write pump.
	wsWriteWait = 1 * time.Second
)

// Peer owns the outbound half of one signaling connection. Frames are
// enqueued onto a bounded channel (possibly while the registry lock is held)
// and a dedicated write pump performs the socket writes, so no network I/O
// ever happens under the registry lock and a slow peer never blocks the
// counterpart's reader.
type Peer struct {
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}

	pingInterval time.Duration

	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, log *slog.Logger, queueDepth int, pingInterval time.Duration) *Peer {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Peer{
		conn:         conn,
		log:          log,
		send:         make(chan []byte, queueDepth),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
}

// Enqueue hands a text frame to the write pump. It never blocks: it reports
// false when the peer is closed or its queue is full, in which case the frame
// is dropped (fire-and-forget semantics).
func (p *Peer) Enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Closed reports whether the peer has been torn down.
func (p *Peer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kick writes a close frame and tears the connection down. Used when a new
// connection takes over this peer's role.
func (p *Peer) Kick(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	p.Close()
}

// Close shuts down the write pump and the underlying connection. Safe to call
// multiple times and from any goroutine.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with periodic pings. There is exactly one writer per connection.
func (p *Peer) writePump() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if p.pingInterval > 0 {
		ticker = time.NewTicker(p.pingInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.log.Debug("peer write failed", "err", err)
				p.Close()
				return
			}
		case <-tick:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}
