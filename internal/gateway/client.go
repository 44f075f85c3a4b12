package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

const (
	writeWait   = 10 * time.Second
	sendBacklog = 64
)

// Client is one websocket connection. A read loop parses requests and
// dispatches runs; a write pump serialises outbound frames and probes
// liveness when the client goes quiet.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan protocol.Frame
	done chan struct{}

	lastHeard atomic.Int64 // unix nanos of the last client message

	closeOnce sync.Once
	runs      sync.WaitGroup
}

func newClient(conn *websocket.Conn, server *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan protocol.Frame, sendBacklog),
		done:   make(chan struct{}),
	}
	c.lastHeard.Store(time.Now().UnixNano())
	return c
}

// Run drives the connection until the client disconnects or the read
// side fails. Cancelling the connection context aborts in-flight runs
// between yields.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump()
	c.readLoop(ctx)
}

// Close tears the connection down and waits for in-flight run
// forwarders to drain.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	c.runs.Wait()
}

// deliver queues a frame for the write pump, dropping it when the
// connection is already gone.
func (c *Client) deliver(f protocol.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		c.lastHeard.Store(time.Now().UnixNano())

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.deliver(errs.ToFrame(errs.Protocol("malformed request: %v", err), "", "", ""))
			continue
		}
		if req.Type == protocol.RequestDisconnect {
			return
		}
		if err := validateRequest(req); err != nil {
			c.deliver(errs.ToFrame(err, req.UserID, req.ConversationID, req.QueryID))
			continue
		}

		frames := c.server.registry.Process(ctx, req)
		c.runs.Add(1)
		go func() {
			defer c.runs.Done()
			for f := range frames {
				c.deliver(f)
			}
		}()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			// Probe only a silent client; active traffic resets the
			// clock.
			if time.Since(time.Unix(0, c.lastHeard.Load())) < c.server.heartbeat {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			hb := protocol.NewFrame(protocol.KindHeartbeat, "", "", "",
				protocol.HeartbeatPayload{SentAt: time.Now()})
			if err := c.conn.WriteJSON(hb); err != nil {
				return
			}
		}
	}
}

func validateRequest(req protocol.Request) error {
	if req.Type != "" && req.Type != protocol.RequestQuery {
		return errs.Protocol("unknown request type %q", req.Type)
	}
	switch {
	case req.UserID == "":
		return errs.Protocol("user_id is required")
	case req.ConversationID == "":
		return errs.Protocol("conversation_id is required")
	case req.QueryID == "":
		return errs.Protocol("query_id is required")
	case req.Query == "":
		return errs.Protocol("query is required")
	}
	return nil
}
