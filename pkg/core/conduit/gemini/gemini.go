// Package gemini is the production conduit: a websocket client for the
// Gemini Live bidirectional streaming API.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daoch4n/anima/pkg/core"
	"github.com/daoch4n/anima/pkg/core/conduit"
)

const (
	defaultHost    = "generativelanguage.googleapis.com"
	livePath       = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	connectTimeout = 15 * time.Second
)

// Factory opens live conduits against the Gemini API.
type Factory struct {
	apiKey string
	host   string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// FactoryOption adjusts a Factory.
type FactoryOption func(*Factory)

// WithHost overrides the API host, scheme included ("wss://..." or
// "ws://..." for a local stand-in).
func WithHost(host string) FactoryOption {
	return func(f *Factory) { f.host = host }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) FactoryOption {
	return func(f *Factory) { f.dialer = d }
}

// NewFactory creates a conduit factory for the given API key.
func NewFactory(apiKey string, logger *slog.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		apiKey: apiKey,
		host:   "wss://" + defaultHost,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) endpoint() (string, error) {
	u, err := url.Parse(f.host)
	if err != nil {
		return "", fmt.Errorf("parse live host %q: %w", f.host, err)
	}
	u.Path = livePath
	q := u.Query()
	q.Set("key", f.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the live endpoint, performs the setup handshake and hands the
// connection to a read loop that feeds the callbacks. The call blocks until
// the server acknowledges setup or the context expires.
func (f *Factory) Open(ctx context.Context, cfg conduit.Config, cb conduit.Callbacks) (conduit.Conduit, error) {
	if f.apiKey == "" {
		return nil, core.NewConfigurationError("live api key is not set")
	}
	wsURL, err := f.endpoint()
	if err != nil {
		return nil, core.NewConduitOpenError(err)
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	conn, resp, err := f.dialer.DialContext(dialCtx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, core.NewConduitOpenError(fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return nil, core.NewConduitOpenError(err)
	}

	if err := conn.WriteJSON(buildSetup(cfg)); err != nil {
		_ = conn.Close()
		return nil, core.NewConduitOpenError(fmt.Errorf("send setup: %w", err))
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, core.NewConduitOpenError(fmt.Errorf("read setup ack: %w", err))
	}
	_ = conn.SetReadDeadline(time.Time{})

	_, setupDone, err := decodeServerFrame(payload)
	if err != nil {
		_ = conn.Close()
		return nil, core.NewConduitOpenError(err)
	}
	if !setupDone {
		_ = conn.Close()
		return nil, core.NewConduitOpenError(fmt.Errorf("first live frame was not setupComplete"))
	}

	c := &liveConduit{
		conn:    conn,
		cb:      cb,
		logger:  f.logger,
		inbound: make(chan delivery, 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.dispatchLoop()
	go c.readLoop()
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	f.logger.Debug("live conduit open", "model", cfg.Model, "resuming", cfg.ResumptionToken != "")
	return c, nil
}

// liveConduit is one open websocket to the Live API. Writes are serialized.
// The read loop owns inbound traffic but never runs callbacks itself: decoded
// frames go through a dispatch goroutine, so a callback may call Close
// without wedging the connection.
type liveConduit struct {
	conn   *websocket.Conn
	cb     conduit.Callbacks
	logger *slog.Logger

	// inbound carries frames from the read loop to the dispatch goroutine.
	// closing unblocks a pending handoff once Close has been requested;
	// done closes when the read loop exits.
	inbound chan delivery
	closing chan struct{}
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// delivery is one queued callback invocation.
type delivery struct {
	msg     *conduit.ServerMessage
	err     error
	isClose bool
}

func (c *liveConduit) SendContent(ctx context.Context, turns []conduit.Turn) error {
	return c.writeJSON(buildClientContent(turns))
}

func (c *liveConduit) SendRealtimeChunk(ctx context.Context, data []byte, mime string) error {
	frame := realtimeInputFrame{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}}
	return c.writeJSON(frame)
}

func (c *liveConduit) writeJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("live conduit is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return core.NewNetworkError(err)
	}
	return nil
}

// Close signals the peer, tears the socket down and waits for the read loop
// to exit. It never waits on the dispatch goroutine, so callbacks may call
// Close on their own conduit.
func (c *liveConduit) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *liveConduit) readLoop() {
	defer close(c.done)
	defer close(c.inbound)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			for _, d := range c.classifyReadError(err) {
				if !c.deliver(d) {
					return
				}
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		msg, setupDone, decodeErr := decodeServerFrame(data)
		if decodeErr != nil {
			c.logger.Warn("dropping undecodable live frame", "error", decodeErr)
			continue
		}
		if setupDone {
			continue
		}
		if !c.deliver(delivery{msg: &msg}) {
			return
		}
	}
}

// deliver hands one frame to the dispatch goroutine. Once Close has been
// requested a frame that finds the queue full is dropped: the consumer may be
// inside a callback that is itself waiting on Close.
func (c *liveConduit) deliver(d delivery) bool {
	select {
	case c.inbound <- d:
		return true
	default:
	}
	select {
	case c.inbound <- d:
		return true
	case <-c.closing:
		return false
	}
}

func (c *liveConduit) dispatchLoop() {
	for d := range c.inbound {
		switch {
		case d.msg != nil:
			if c.cb.OnMessage != nil {
				c.cb.OnMessage(*d.msg)
			}
		case d.err != nil:
			if c.cb.OnError != nil {
				c.cb.OnError(d.err)
			}
		case d.isClose:
			if c.cb.OnClose != nil {
				c.cb.OnClose()
			}
		}
	}
}

// classifyReadError turns the terminal read error into callback deliveries.
// A clean close or a close after our own Close() is not an error; a
// quota-flavored abnormal close surfaces as an embedded rate-limit signal
// ahead of the close so the session layer can downgrade first.
func (c *liveConduit) classifyReadError(err error) []delivery {
	if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return []delivery{{isClose: true}}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota") || strings.Contains(msg, "429") {
		return []delivery{
			{msg: &conduit.ServerMessage{RateLimited: true}},
			{isClose: true},
		}
	}

	return []delivery{{err: core.NewNetworkError(err)}}
}
