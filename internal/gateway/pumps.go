package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// connectedFrame is sent immediately after a successful upgrade.
type connectedFrame struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscribeCommand is the canonical parsed form of a subscribe/unsubscribe
// request. The wire payload may be a bare ticker string or an object
// carrying "symbol" or "ticker".
type SubscribeCommand struct {
	Ticker string
}

type clientRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func parseSubscribeCommand(raw json.RawMessage) (SubscribeCommand, bool) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		ticker := strings.ToUpper(strings.TrimSpace(asString))
		if ticker == "" {
			return SubscribeCommand{}, false
		}
		return SubscribeCommand{Ticker: ticker}, true
	}

	var asObject struct {
		Symbol string `json:"symbol"`
		Ticker string `json:"ticker"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		ticker := asObject.Symbol
		if ticker == "" {
			ticker = asObject.Ticker
		}
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			return SubscribeCommand{}, false
		}
		return SubscribeCommand{Ticker: ticker}, true
	}

	return SubscribeCommand{}, false
}

// handleMessage dispatches one client->server frame by type.
func (g *Gateway) handleMessage(c *Connection, raw []byte) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		g.logger.Warn().Int64("connection_id", c.ID()).Err(err).Msg("client sent invalid JSON")
		return
	}

	switch req.Type {
	case "subscribe":
		cmd, ok := parseSubscribeCommand(req.Data)
		if !ok {
			g.logger.Warn().Int64("connection_id", c.ID()).Msg("invalid subscribe payload")
			return
		}
		g.registry.Subscribe(c, cmd.Ticker)
		g.sendAck(c, "subscribed", cmd.Ticker)

	case "unsubscribe":
		cmd, ok := parseSubscribeCommand(req.Data)
		if !ok {
			g.logger.Warn().Int64("connection_id", c.ID()).Msg("invalid unsubscribe payload")
			return
		}
		g.registry.Unsubscribe(c, cmd.Ticker)
		g.sendAck(c, "unsubscribed", cmd.Ticker)

	case "ping":
		g.sendRaw(c, map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})

	default:
		g.logger.Debug().Str("type", req.Type).Msg("ignoring unknown client message type")
	}
}

func (g *Gateway) sendAck(c *Connection, status, ticker string) {
	g.sendRaw(c, map[string]any{"type": status, "symbol": ticker})
}

func (g *Gateway) sendRaw(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Ack/pong delivery is best-effort; a full buffer is already being
		// handled by the broadcast strike policy.
	}
}

// readPump consumes client frames until the connection errors or closes.
func (g *Gateway) readPump(c *Connection) {
	defer g.registry.Remove(c)

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleMessage(c, msg)
	}
}

// writePump drains the connection's send channel and pings on idle.
func (g *Gateway) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		g.registry.Remove(c)
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendConnected(c *Connection) {
	g.sendRaw(c, connectedFrame{Message: "connected", Timestamp: time.Now().UTC()})
}
