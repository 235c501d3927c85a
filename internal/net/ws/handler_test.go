package ws

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"blockphysics/server/internal/net/proto"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	"blockphysics/server/logging/network"
	loggingSinks "blockphysics/server/logging/sinks"
)

type staticSource struct {
	mu       sync.Mutex
	snapshot *physics.Snapshot
}

func (s *staticSource) Snapshot() *physics.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func twoWorlds(tick uint64) *physics.Snapshot {
	return &physics.Snapshot{
		Tick:    tick,
		Backend: "reference",
		Worlds: []physics.WorldSnapshot{
			{Name: "overworld", State: "idle", Bodies: 2},
			{Name: "nether", State: "idle", Bodies: 1},
		},
	}
}

func startServer(t *testing.T, source SnapshotSource, metrics *logging.Metrics) (*Handler, *httptest.Server) {
	t.Helper()
	handler := NewHandler(source, HandlerConfig{
		Metrics: telemetry.WrapMetrics(metrics),
		Now:     func() time.Time { return time.UnixMilli(5000) },
	})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})
	return handler, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.RawQuery = query

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) proto.SnapshotFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", messageType)
	}
	frame, err := proto.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("failed to decode snapshot frame: %v", err)
	}
	return frame
}

func send(t *testing.T, conn *websocket.Conn, msg proto.ClientMessage) {
	t.Helper()
	data, err := msgpack.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write client message: %v", err)
	}
}

func worldNames(frame proto.SnapshotFrame) []string {
	names := make([]string, 0, len(frame.Worlds))
	for _, w := range frame.Worlds {
		names = append(names, w.Name)
	}
	return names
}

func TestHandleSendsInitialSnapshot(t *testing.T) {
	metrics := &logging.Metrics{}
	_, srv := startServer(t, &staticSource{snapshot: twoWorlds(7)}, metrics)
	conn := dial(t, srv, "")

	frame := readSnapshot(t, conn)
	if frame.Tick != 7 || frame.ServerTime != 5000 {
		t.Fatalf("unexpected initial frame %+v", frame)
	}
	if len(frame.Worlds) != 2 {
		t.Fatalf("expected both worlds without a filter, got %v", worldNames(frame))
	}
	if got := metrics.Snapshot()[sessionsMetricKey]; got != 1 {
		t.Fatalf("expected one session recorded, got %d", got)
	}
}

func TestHandleFiltersByQuery(t *testing.T) {
	_, srv := startServer(t, &staticSource{snapshot: twoWorlds(1)}, nil)
	conn := dial(t, srv, "world=nether")

	frame := readSnapshot(t, conn)
	if names := worldNames(frame); len(names) != 1 || names[0] != "nether" {
		t.Fatalf("expected only nether, got %v", names)
	}
}

func TestBroadcastReachesObservers(t *testing.T) {
	handler, srv := startServer(t, &staticSource{snapshot: twoWorlds(1)}, nil)
	conn := dial(t, srv, "world=overworld")
	readSnapshot(t, conn)

	handler.Broadcast(twoWorlds(2))

	frame := readSnapshot(t, conn)
	if frame.Tick != 2 {
		t.Fatalf("expected broadcast tick 2, got %d", frame.Tick)
	}
	if names := worldNames(frame); len(names) != 1 || names[0] != "overworld" {
		t.Fatalf("expected filtered broadcast, got %v", names)
	}
}

func TestSubscribeChangesFilter(t *testing.T) {
	_, srv := startServer(t, &staticSource{snapshot: twoWorlds(3)}, nil)
	conn := dial(t, srv, "world=overworld")
	readSnapshot(t, conn)

	send(t, conn, proto.ClientMessage{Type: proto.TypeSubscribe, Worlds: []string{"nether"}})

	frame := readSnapshot(t, conn)
	if names := worldNames(frame); len(names) != 1 || names[0] != "nether" {
		t.Fatalf("expected subscription to switch to nether, got %v", names)
	}
}

func TestHeartbeatAndMalformedMessages(t *testing.T) {
	_, srv := startServer(t, &staticSource{snapshot: twoWorlds(3)}, nil)
	conn := dial(t, srv, "")
	readSnapshot(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xc1}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var errFrame proto.ErrorFrame
	if err := msgpack.Unmarshal(payload, &errFrame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame.Type != proto.TypeError || errFrame.Reason == "" {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}

	send(t, conn, proto.ClientMessage{Type: proto.TypeHeartbeat, SentAt: 4000})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	var heartbeat proto.HeartbeatFrame
	if err := msgpack.Unmarshal(payload, &heartbeat); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if heartbeat.RTTMillis != 1000 || heartbeat.ClientTime != 4000 {
		t.Fatalf("expected 1000ms rtt echo, got %+v", heartbeat)
	}
}

func TestOfferDropsOldestFrame(t *testing.T) {
	sess := &session{send: make(chan []byte, 2), done: make(chan struct{})}
	if !sess.offer([]byte("a")) || !sess.offer([]byte("b")) {
		t.Fatalf("expected buffered offers to succeed")
	}
	if sess.offer([]byte("c")) {
		t.Fatalf("expected full buffer to report a drop")
	}
	first, second := <-sess.send, <-sess.send
	if string(first) != "b" || string(second) != "c" {
		t.Fatalf("expected oldest frame dropped, got %q %q", first, second)
	}

	close(sess.done)
	if sess.offer([]byte("d")) {
		t.Fatalf("expected closed session to refuse frames")
	}
}

func TestSessionsCountDropsOnDisconnect(t *testing.T) {
	handler, srv := startServer(t, &staticSource{snapshot: twoWorlds(1)}, nil)
	conn := dial(t, srv, "")
	readSnapshot(t, conn)

	if got := handler.Sessions(); got != 1 {
		t.Fatalf("expected one session, got %d", got)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for handler.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected session to be removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestObserverLifecyclePublishesEvents(t *testing.T) {
	sink := loggingSinks.NewMemorySink()
	handler := NewHandler(&staticSource{snapshot: twoWorlds(4)}, HandlerConfig{Publisher: sink})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})

	conn := dial(t, srv, "world=nether")
	readSnapshot(t, conn)
	connected := sink.OfType(network.EventObserverConnected)
	if len(connected) != 1 {
		t.Fatalf("expected one connect event, got %d", len(connected))
	}
	if connected[0].Tick != 4 || connected[0].Actor.Kind != logging.EntityKindObserver {
		t.Fatalf("unexpected connect event %+v", connected[0])
	}
	payload, ok := connected[0].Payload.(network.ObserverPayload)
	if !ok || len(payload.Worlds) != 1 || payload.Worlds[0] != "nether" {
		t.Fatalf("expected subscribed worlds in payload, got %+v", connected[0].Payload)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.OfType(network.EventObserverDisconnected)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a disconnect event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
