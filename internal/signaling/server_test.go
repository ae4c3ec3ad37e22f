package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solocast/webrtc-pair-relay/internal/metrics"
)

func startSignalingServer(t *testing.T, cfg Config) (*httptest.Server, string) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	mux := http.NewServeMux()
	NewServer(cfg).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendText(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write %q: %v", frame, err)
	}
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(raw)
}

func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, raw, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, read %q", raw)
	}
}

func TestWebSocketRelay_FullHandshake(t *testing.T) {
	_, url := startSignalingServer(t, Config{})

	sender := dialWS(t, url)
	viewer := dialWS(t, url)

	sendText(t, sender, `{"type":"join","role":"sender"}`)
	sendText(t, viewer, `{"type":"join","role":"viewer"}`)

	// Payloads must arrive byte-for-byte, including fields the relay does
	// not itself interpret.
	offer := `{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n","trace":"t1"}`
	sendText(t, sender, offer)
	if got := readText(t, viewer); got != offer {
		t.Fatalf("viewer got %q, want %q", got, offer)
	}

	answer := `{"type":"answer","sdp":"v=0\r\no=- 2 2 IN IP4 0.0.0.0\r\n"}`
	sendText(t, viewer, answer)
	if got := readText(t, sender); got != answer {
		t.Fatalf("sender got %q, want %q", got, answer)
	}

	senderCand := `{"type":"candidate","candidate":{"sdpMLineIndex":0,"candidate":"candidate:1 1 udp 2122260223 192.0.2.1 50000 typ host"}}`
	sendText(t, sender, senderCand)
	if got := readText(t, viewer); got != senderCand {
		t.Fatalf("viewer got %q, want %q", got, senderCand)
	}

	viewerCand := `{"type":"candidate","candidate":{"sdpMLineIndex":0,"candidate":"candidate:2 1 udp 2122260223 192.0.2.2 50001 typ host"}}`
	sendText(t, viewer, viewerCand)
	if got := readText(t, sender); got != viewerCand {
		t.Fatalf("sender got %q, want %q", got, viewerCand)
	}
}

func TestWebSocketRelay_OfferBeforeViewerConnects(t *testing.T) {
	_, url := startSignalingServer(t, Config{})

	sender := dialWS(t, url)
	sendText(t, sender, `{"type":"join","role":"sender"}`)

	offer := `{"type":"offer","sdp":"v=0"}`
	sendText(t, sender, offer)
	cand := `{"type":"candidate","candidate":{"sdpMLineIndex":0,"candidate":"candidate:1"}}`
	sendText(t, sender, cand)

	// The viewer joining later must see the offer first, then the buffered
	// candidate.
	viewer := dialWS(t, url)
	sendText(t, viewer, `{"type":"join","role":"viewer"}`)

	if got := readText(t, viewer); got != offer {
		t.Fatalf("first frame = %q, want offer %q", got, offer)
	}
	if got := readText(t, viewer); got != cand {
		t.Fatalf("second frame = %q, want candidate %q", got, cand)
	}
}

func TestWebSocketRelay_EvictionClosesPreviousConnection(t *testing.T) {
	_, url := startSignalingServer(t, Config{})

	first := dialWS(t, url)
	sendText(t, first, `{"type":"join","role":"sender"}`)

	second := dialWS(t, url)
	sendText(t, second, `{"type":"join","role":"sender"}`)

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("evicted connection read succeeded, want close")
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("evicted connection close = %v, want going-away", err)
	}

	// The replacement still relays normally.
	viewer := dialWS(t, url)
	sendText(t, viewer, `{"type":"join","role":"viewer"}`)
	offer := `{"type":"offer","sdp":"v=0"}`
	sendText(t, second, offer)
	if got := readText(t, viewer); got != offer {
		t.Fatalf("viewer got %q, want %q", got, offer)
	}
}

func TestWebSocketRelay_BadFramesDoNotKillConnection(t *testing.T) {
	_, url := startSignalingServer(t, Config{})

	sender := dialWS(t, url)

	// Pre-join signaling, malformed JSON, and unknown types are each
	// dropped without closing the socket.
	sendText(t, sender, `{"type":"offer","sdp":"too early"}`)
	sendText(t, sender, `{"type":`)
	sendText(t, sender, `{"type":"renegotiate"}`)
	sendText(t, sender, `{"type":"join","role":"admin"}`)

	sendText(t, sender, `{"type":"join","role":"sender"}`)
	sendText(t, sender, `{"type":"offer","sdp":"v=0"}`)

	viewer := dialWS(t, url)
	sendText(t, viewer, `{"type":"join","role":"viewer"}`)
	if got := readText(t, viewer); got != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("viewer got %q after sender's bad frames", got)
	}
}

func TestWebSocketRelay_AnswerWithoutSenderIsDropped(t *testing.T) {
	_, url := startSignalingServer(t, Config{})

	viewer := dialWS(t, url)
	sendText(t, viewer, `{"type":"join","role":"viewer"}`)
	sendText(t, viewer, `{"type":"answer","sdp":"orphan"}`)

	// Give the server time to process (and drop) the orphan answer before
	// the sender exists.
	time.Sleep(100 * time.Millisecond)

	sender := dialWS(t, url)
	sendText(t, sender, `{"type":"join","role":"sender"}`)
	expectNoFrame(t, sender)
}

func TestWebSocketRelay_RoleIsFixedAfterJoin(t *testing.T) {
	_, url := startSignalingServer(t, Config{})

	conn := dialWS(t, url)
	sendText(t, conn, `{"type":"join","role":"sender"}`)
	sendText(t, conn, `{"type":"join","role":"viewer"}`)

	// The second join was ignored, so the viewer slot is free.
	viewer := dialWS(t, url)
	sendText(t, viewer, `{"type":"join","role":"viewer"}`)

	offer := `{"type":"offer","sdp":"v=0"}`
	sendText(t, conn, offer)
	if got := readText(t, viewer); got != offer {
		t.Fatalf("viewer got %q, want %q", got, offer)
	}
}

func TestWebSocketRelay_DisallowedOriginRejected(t *testing.T) {
	_, url := startSignalingServer(t, Config{
		AllowedOrigins: []string{"https://allowed.example"},
	})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		ws.Close()
		t.Fatal("dial with disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dial response = %+v, want 403", resp)
	}

	header.Set("Origin", "https://allowed.example")
	ws, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	ws.Close()
}

func TestWebSocketRelay_RateLimitClosesConnection(t *testing.T) {
	_, url := startSignalingServer(t, Config{MaxMessagesPerSecond: 2})

	conn := dialWS(t, url)
	for i := 0; i < 20; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","role":"sender"}`)); err != nil {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("read succeeded after flooding, want close")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close = %v, want policy violation", err)
	}
}
