package bridge

import (
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/opsdeck/cli/internal/events"
	"github.com/opsdeck/cli/internal/registry"
	"github.com/opsdeck/cli/internal/supervisor"
	"github.com/opsdeck/cli/internal/watchdog"
)

func newTestBridge(t *testing.T) (*Bridge, *watchdog.Monitor, *registry.Registry) {
	t.Helper()

	reg := registry.New(registry.DefaultOptions())
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	sup := supervisor.New(reg, bus, supervisor.Options{LogDir: t.TempDir()})
	monitor := watchdog.NewMonitor()

	return New(sup, reg, monitor, bus), monitor, reg
}

func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()

	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestHeartbeat_AckAndBeatRecorded(t *testing.T) {
	b, monitor, _ := newTestBridge(t)
	ws := dialBridge(t, b)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","id":"h1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readMessage(t, ws)
	if got := gjson.GetBytes(reply, "type").String(); got != "heartbeat_ack" {
		t.Fatalf("reply type = %q, want heartbeat_ack", got)
	}
	if !gjson.GetBytes(reply, "ok").Bool() {
		t.Fatal("reply ok = false, want true")
	}
	if got := gjson.GetBytes(reply, "id").String(); got != "h1" {
		t.Fatalf("reply id = %q, want h1", got)
	}
	if gjson.GetBytes(reply, "ts").Int() == 0 {
		t.Fatal("reply carries no timestamp")
	}

	if _, source := monitor.LastBeat(); source != "controller" {
		t.Fatalf("beat source = %q, want controller", source)
	}
	if !b.Operational() {
		t.Fatal("bridge not operational with a live controller")
	}
}

func TestSpawn_StreamsEventsToSubscriber(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based test")
	}

	b, _, _ := newTestBridge(t)
	ws := dialBridge(t, b)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","id":"s1"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if got := gjson.GetBytes(readMessage(t, ws), "type").String(); got != "subscribe_ack" {
		t.Fatalf("reply type = %q, want subscribe_ack", got)
	}

	spawn := `{"type":"spawn","id":"sp1","spec":{"title":"Echo","argv":["sh","-c","echo hi"]}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(spawn)); err != nil {
		t.Fatalf("write spawn: %v", err)
	}

	var runID string
	var lastSeq int64
	sawExit := false
	for !sawExit {
		msg := readMessage(t, ws)
		switch gjson.GetBytes(msg, "type").String() {
		case "spawn_ack":
			runID = gjson.GetBytes(msg, "runId").String()
			if runID == "" {
				t.Fatal("spawn_ack carries no runId")
			}
		case "error":
			t.Fatalf("unexpected error reply: %s", msg)
		default:
			if gjson.GetBytes(msg, "kind").String() != "event" {
				t.Fatalf("unexpected message: %s", msg)
			}
			seq := gjson.GetBytes(msg, "seq").Int()
			if seq <= lastSeq {
				t.Fatalf("event seq = %d, want > %d", seq, lastSeq)
			}
			lastSeq = seq
			if gjson.GetBytes(msg, "type").String() == events.TypeExit {
				sawExit = true
			}
		}
	}
}

func TestStatus_ReportsRunCounts(t *testing.T) {
	b, _, reg := newTestBridge(t)
	ws := dialBridge(t, b)

	running := registry.StateRunning
	reg.RecordTransition("run-a", registry.Patch{State: &running})
	reg.RecordTransition("run-b", registry.Patch{})

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","id":"st1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readMessage(t, ws)
	if got := gjson.GetBytes(reply, "type").String(); got != "status" {
		t.Fatalf("reply type = %q, want status", got)
	}
	if got := gjson.GetBytes(reply, "totalRuns").Int(); got != 2 {
		t.Fatalf("totalRuns = %d, want 2", got)
	}
	if got := gjson.GetBytes(reply, "runningRuns").Int(); got != 1 {
		t.Fatalf("runningRuns = %d, want 1", got)
	}
	if !gjson.GetBytes(reply, "pendingRuns").Exists() {
		t.Fatal("status reply missing pendingRuns")
	}
}

func TestTerminate_UnknownRunReportsNotFound(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ws := dialBridge(t, b)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"terminate","id":"t1","runId":"missing"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readMessage(t, ws)
	if got := gjson.GetBytes(reply, "type").String(); got != "error" {
		t.Fatalf("reply type = %q, want error", got)
	}
	if got := gjson.GetBytes(reply, "code").String(); got != "not_found" {
		t.Fatalf("error code = %q, want not_found", got)
	}
}

func TestRoute_UnknownTypeRejected(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ws := dialBridge(t, b)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery","id":"m1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readMessage(t, ws)
	if got := gjson.GetBytes(reply, "code").String(); got != "unknown_type" {
		t.Fatalf("error code = %q, want unknown_type", got)
	}
}

func TestClose_DropsControllers(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ws := dialBridge(t, b)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","id":"h1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readMessage(t, ws)

	b.Close()

	if b.Operational() {
		t.Fatal("bridge still operational after close")
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("read succeeded on closed bridge connection")
	}
}
