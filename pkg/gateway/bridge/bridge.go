// Package bridge exposes the orchestrator to a browser UI over a websocket:
// inbound {type, detail} command frames and binary audio chunks, outbound
// JSON-serialized core notifications.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/daoch4n/anima/pkg/core/interaction"
	"github.com/daoch4n/anima/pkg/core/session"
	"github.com/daoch4n/anima/pkg/gateway/config"
)

// EventEndCall is the bridge-level command that ends the voice call and
// returns its summary. It is handled here rather than in the orchestrator's
// closed dispatch set because the reply goes only to the requesting client.
const EventEndCall = "end-call"

const sendBufferSize = 64

// Server fans orchestrator notifications out to connected UI clients and
// feeds their commands back in.
type Server struct {
	orch     *interaction.Orchestrator
	cfg      config.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer wires a bridge onto an orchestrator. It registers itself as an
// emitter listener once; per-connection delivery is handled internally.
func NewServer(orch *interaction.Orchestrator, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:    orch,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	orch.Emitter().Subscribe(s.broadcast)
	return s
}

// Router returns the HTTP surface: a health probe and the websocket endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.CORSAllowedOrigins) == 0 {
		// Same-origin only: fall back to gorilla's default host check.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	_, ok := s.cfg.CORSAllowedOrigins[origin]
	return ok
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("ui client connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump(r.Context())

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.done)
	_ = conn.Close()
	s.logger.Info("ui client disconnected", "remote", r.RemoteAddr)
}

// outboundFrame is the wire shape of one notification.
type outboundFrame struct {
	Type   string `json:"type"`
	Detail any    `json:"detail,omitempty"`
}

// broadcast serializes one core event and enqueues it on every client.
// Slow clients drop frames rather than stalling the emitting goroutine.
func (s *Server) broadcast(ev session.Event) {
	raw, err := json.Marshal(outboundFrame{Type: ev.EventType(), Detail: eventDetail(ev)})
	if err != nil {
		s.logger.Warn("dropping unserializable event", "type", ev.EventType(), "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueue(raw)
	}
}

// eventDetail flattens events whose error fields are not JSON-serializable.
func eventDetail(ev session.Event) any {
	switch e := ev.(type) {
	case *interaction.ErrorNotification:
		return map[string]string{"source": e.Source, "message": e.Err.Error()}
	case *session.NetworkErrorEvent:
		detail := map[string]any{
			"mode":       e.Mode,
			"attempt":    e.Attempt,
			"will_retry": e.WillRetry,
		}
		if e.Err != nil {
			detail["message"] = e.Err.Error()
		}
		return detail
	default:
		return ev
	}
}

type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

func (c *client) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		// Slow consumer; dropping beats stalling the core.
	}
}

func (c *client) sendFrame(typ string, detail any) {
	raw, err := json.Marshal(outboundFrame{Type: typ, Detail: detail})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// readPump consumes client frames until the connection drops. Text frames
// are commands; binary frames are raw audio chunks for the live call.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.server.cfg.MaxClientMessageBytes)
	_ = c.conn.SetReadDeadline(time.Time{})
	c.conn.SetPongHandler(func(string) error { return nil })

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("ui client read ended", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.handleCommand(ctx, data)
		case websocket.BinaryMessage:
			if err := c.server.orch.SendAudio(ctx, data); err != nil {
				c.sendFrame("error", map[string]string{"source": "send-audio", "message": err.Error()})
			}
		}
	}
}

func (c *client) handleCommand(ctx context.Context, data []byte) {
	var ev interaction.ExternalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.sendFrame("error", map[string]string{"source": "command", "message": "command frame is not valid JSON"})
		return
	}

	if ev.Type == "" {
		c.sendFrame("error", map[string]string{"source": "command", "message": "command frame has no type"})
		return
	}

	if ev.Type == EventEndCall {
		text, err := c.server.orch.EndSessionAndSummarize(ctx)
		if err != nil {
			c.sendFrame("error", map[string]string{"source": EventEndCall, "message": err.Error()})
			return
		}
		c.sendFrame("call-summary", map[string]string{"text": text})
		return
	}

	c.server.orch.HandleEvent(ctx, ev)
}

// writePump owns all writes on the connection: queued frames plus keepalive
// pings. It exits when the read side closes the client.
func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
