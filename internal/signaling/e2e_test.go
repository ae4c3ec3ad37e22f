package signaling_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/solocast/webrtc-pair-relay/internal/metrics"
	"github.com/solocast/webrtc-pair-relay/internal/signaling"
)

// wireMessage is the client side of the signaling protocol, as a browser
// would speak it.
type wireMessage struct {
	Type      string                   `json:"type"`
	Role      string                   `json:"role,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// signalingClient drives one PeerConnection's negotiation over the relay,
// buffering remote candidates until the remote description is set, the same
// dance a browser client performs for trickle ICE.
type signalingClient struct {
	t    *testing.T
	ws   *websocket.Conn
	pc   *webrtc.PeerConnection
	role string

	mu            sync.Mutex
	remoteDescSet bool
	candidateBuf  []webrtc.ICECandidateInit

	errCh chan error
}

func newSignalingClient(t *testing.T, wsURL, role string, pc *webrtc.PeerConnection) *signalingClient {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("%s: dial websocket: %v", role, err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &signalingClient{t: t, ws: ws, pc: pc, role: role, errCh: make(chan error, 1)}
	c.send(wireMessage{Type: "join", Role: role})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.send(wireMessage{Type: "candidate", Candidate: &init})
	})

	go c.readLoop()
	return c
}

func (c *signalingClient) send(msg wireMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.fail(err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Errorf("%s: write: %v", c.role, err)
	}
}

func (c *signalingClient) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.fail(err)
			return
		}
		if err := c.handle(msg); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *signalingClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *signalingClient) handle(msg wireMessage) error {
	switch msg.Type {
	case "offer":
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  msg.SDP,
		}); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		c.send(wireMessage{Type: "answer", SDP: answer.SDP})
		c.flushCandidates()
	case "answer":
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		}); err != nil {
			return err
		}
		c.flushCandidates()
	case "candidate":
		if msg.Candidate == nil {
			return nil
		}
		c.mu.Lock()
		if !c.remoteDescSet {
			c.candidateBuf = append(c.candidateBuf, *msg.Candidate)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.pc.AddICECandidate(*msg.Candidate)
	}
	return nil
}

func (c *signalingClient) flushCandidates() {
	c.mu.Lock()
	c.remoteDescSet = true
	buf := c.candidateBuf
	c.candidateBuf = nil
	c.mu.Unlock()
	for _, cand := range buf {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.fail(err)
			return
		}
	}
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// Two PeerConnections on an isolated virtual network negotiate a data
// channel with every signaling frame crossing the relay, then exchange a
// message over the resulting direct connection.
func TestEndToEnd_PeersConnectThroughRelay(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	senderNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new sender net: %v", err)
	}
	viewerNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new viewer net: %v", err)
	}
	if err := router.AddNet(senderNet); err != nil {
		t.Fatalf("add sender net: %v", err)
	}
	if err := router.AddNet(viewerNet); err != nil {
		t.Fatalf("add viewer net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	mux := http.NewServeMux()
	signaling.NewServer(signaling.Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	}).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	senderAPI, err := newVNetAPI(senderNet)
	if err != nil {
		t.Fatalf("sender api: %v", err)
	}
	viewerAPI, err := newVNetAPI(viewerNet)
	if err != nil {
		t.Fatalf("viewer api: %v", err)
	}

	senderPC, err := senderAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("sender pc: %v", err)
	}
	t.Cleanup(func() { _ = senderPC.Close() })

	viewerPC, err := viewerAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("viewer pc: %v", err)
	}
	t.Cleanup(func() { _ = viewerPC.Close() })

	received := make(chan string, 1)
	viewerPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case received <- string(msg.Data):
			default:
			}
		})
	})

	dc, err := senderPC.CreateDataChannel("control", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	dcOpen := make(chan struct{})
	dc.OnOpen(func() { close(dcOpen) })

	sender := newSignalingClient(t, wsURL, "sender", senderPC)
	viewer := newSignalingClient(t, wsURL, "viewer", viewerPC)

	offer, err := senderPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := senderPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	sender.send(wireMessage{Type: "offer", SDP: offer.SDP})

	select {
	case <-dcOpen:
	case err := <-sender.errCh:
		t.Fatalf("sender signaling failed: %v", err)
	case err := <-viewer.errCh:
		t.Fatalf("viewer signaling failed: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("data channel did not open within 15s")
	}

	if err := dc.SendText("hello through the relay"); err != nil {
		t.Fatalf("send on data channel: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello through the relay" {
			t.Fatalf("received %q", got)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("message did not arrive within 15s")
	}
}
