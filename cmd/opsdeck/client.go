package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// bridgeTimeout bounds one request/reply exchange with the daemon.
const bridgeTimeout = 10 * time.Second

// bridgeClient is a short-lived connection to a running daemon's bridge,
// used by the terminate and status commands.
type bridgeClient struct {
	ws *websocket.Conn
}

// dialDaemon connects to the daemon bridge at addr.
func dialDaemon(addr string) (*bridgeClient, error) {
	url := "ws://" + addr + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("no daemon reachable at %s (is 'opsdeck serve' running?): %w", addr, err)
	}
	return &bridgeClient{ws: ws}, nil
}

// request sends one typed message and waits for the reply carrying the same
// correlation id. Event-stream messages arriving in between are skipped.
func (c *bridgeClient) request(msgType string, fields map[string]interface{}) ([]byte, error) {
	id := uuid.New().String()

	payload, err := sjson.SetBytes([]byte(`{}`), "type", msgType)
	if err != nil {
		return nil, err
	}
	payload, _ = sjson.SetBytes(payload, "id", id)
	for key, value := range fields {
		payload, _ = sjson.SetBytes(payload, key, value)
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(bridgeTimeout)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		_, reply, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if gjson.GetBytes(reply, "id").String() != id {
			continue
		}
		if gjson.GetBytes(reply, "type").String() == "error" {
			return nil, fmt.Errorf("%s", gjson.GetBytes(reply, "message").String())
		}
		return reply, nil
	}
}

// close releases the connection.
func (c *bridgeClient) close() {
	_ = c.ws.Close()
}
