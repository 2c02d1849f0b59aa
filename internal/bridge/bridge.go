// Package bridge exposes the control surface to the desktop controller.
//
// The controller attaches over a local WebSocket. Inbound messages are
// routed by their "type" field: spawn and terminate requests, heartbeat
// pings, status queries, and event-stream subscriptions. Outbound, the
// bridge pushes the lifecycle event stream to subscribed controllers.
//
// The bridge also supplies the watchdog's uiOperational signal: the
// controller is considered operational while at least one connection has
// recently produced traffic (a message or a pong).
package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opsdeck/cli/internal/events"
	"github.com/opsdeck/cli/internal/registry"
	"github.com/opsdeck/cli/internal/supervisor"
	"github.com/opsdeck/cli/internal/watchdog"
)

const (
	// pingInterval is how often the bridge pings each controller.
	pingInterval = 10 * time.Second

	// operationalWindow is how recently a connection must have produced
	// traffic to count as operational.
	operationalWindow = 30 * time.Second

	// writeTimeout bounds a single outbound write.
	writeTimeout = 10 * time.Second
)

// Bridge serves controller connections.
type Bridge struct {
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	monitor    *watchdog.Monitor
	bus        *events.Bus
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// conn is one attached controller.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	lastActive time.Time

	unsubscribe func()
	seq         int64
}

// New creates a bridge over the given collaborators.
func New(sup *supervisor.Supervisor, reg *registry.Registry, monitor *watchdog.Monitor, bus *events.Bus) *Bridge {
	return &Bridge{
		supervisor: sup,
		registry:   reg,
		monitor:    monitor,
		bus:        bus,
		upgrader: websocket.Upgrader{
			// The endpoint binds to loopback; the controller is local.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades controller connections.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("Controller upgrade failed", "error", err)
			return
		}

		c := &conn{ws: ws, lastActive: time.Now()}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = ws.Close()
			return
		}
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		log.Info("Controller attached", "remote", ws.RemoteAddr())
		go b.pingLoop(c)
		b.readLoop(c)
	})
}

// Operational reports whether any attached controller produced traffic
// within the operational window.
func (b *Bridge) Operational() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		c.mu.Lock()
		active := time.Since(c.lastActive) < operationalWindow
		c.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// Close tears down every controller connection and refuses new ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*conn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.stopSubscription()
		_ = c.ws.Close()
	}
}

// readLoop processes inbound messages until the connection drops.
func (b *Bridge) readLoop(c *conn) {
	defer b.detach(c)

	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		b.route(c, data)
	}
}

// route dispatches one inbound message by its type field.
func (b *Bridge) route(c *conn, data []byte) {
	msgType := gjson.GetBytes(data, "type").String()
	id := gjson.GetBytes(data, "id").String()

	switch msgType {
	case "heartbeat":
		ts := b.monitor.Beat("controller")
		b.reply(c, map[string]interface{}{
			"type":   "heartbeat_ack",
			"id":     id,
			"ok":     true,
			"ts":     ts.UnixMilli(),
			"source": "opsdeck",
		})

	case "spawn":
		var spec supervisor.Spec
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "spec").Raw), &spec); err != nil {
			b.replyError(c, id, "bad_request", err.Error())
			return
		}
		runID, err := b.supervisor.SpawnAndTrack(spec)
		if err != nil {
			b.replyError(c, id, errorCode(err), err.Error())
			return
		}
		b.reply(c, map[string]interface{}{
			"type":  "spawn_ack",
			"id":    id,
			"runId": runID,
		})

	case "terminate":
		runID := gjson.GetBytes(data, "runId").String()
		if err := b.supervisor.Terminate(runID, "controller request"); err != nil {
			b.replyError(c, id, errorCode(err), err.Error())
			return
		}
		b.reply(c, map[string]interface{}{
			"type": "terminate_ack",
			"id":   id,
			"ok":   true,
		})

	case "status":
		last, source := b.monitor.LastBeat()
		b.reply(c, map[string]interface{}{
			"type":          "status",
			"id":            id,
			"totalRuns":     b.registry.Size(),
			"runningRuns":   b.registry.RunningCount(),
			"pendingRuns":   b.supervisor.PendingRuns(),
			"lastHeartbeat": last.UnixMilli(),
			"beatSource":    source,
		})

	case "subscribe":
		b.subscribe(c)
		b.reply(c, map[string]interface{}{
			"type": "subscribe_ack",
			"id":   id,
		})

	default:
		b.replyError(c, id, "unknown_type", "unknown message type: "+msgType)
	}
}

// subscribe starts forwarding the lifecycle event stream to the connection.
func (b *Bridge) subscribe(c *conn) {
	c.mu.Lock()
	already := c.unsubscribe != nil
	c.mu.Unlock()
	if already {
		return
	}

	ch, cancel := b.bus.Subscribe()
	c.mu.Lock()
	c.unsubscribe = cancel
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			// Envelope: tag as an event and stamp a per-connection sequence
			// so the controller can detect gaps from dropped events.
			data, _ = sjson.SetBytes(data, "kind", "event")
			data, _ = sjson.SetBytes(data, "seq", c.nextSeq())
			if !c.send(data) {
				return
			}
		}
	}()
}

// pingLoop keeps the connection's liveness signal fresh.
func (b *Bridge) pingLoop(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.writeMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// detach removes a dropped connection.
func (b *Bridge) detach(c *conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()

	c.stopSubscription()
	_ = c.ws.Close()
	log.Info("Controller detached", "remote", c.ws.RemoteAddr())
}

// reply sends a JSON response, best-effort.
func (b *Bridge) reply(c *conn, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.send(data)
}

// replyError sends a structured error response.
func (b *Bridge) replyError(c *conn, id, code, message string) {
	b.reply(c, map[string]interface{}{
		"type":    "error",
		"id":      id,
		"code":    code,
		"message": message,
	})
}

// errorCode maps supervisor errors onto wire codes.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, supervisor.ErrConflict):
		return "conflict"
	case errors.Is(err, supervisor.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// send writes one message, reporting whether the connection is still usable.
func (c *conn) send(data []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data) == nil
}

// touch refreshes the connection's liveness timestamp.
func (c *conn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// nextSeq returns the next outbound event sequence number.
func (c *conn) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// stopSubscription cancels the event-stream subscription, if any.
func (c *conn) stopSubscription() {
	c.mu.Lock()
	cancel := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
