/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/umigame/metrics"
	"github.com/Seednode/umigame/protocol"
	"github.com/Seednode/umigame/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sasha-s/go-deadlock"
	"github.com/skip2/go-qrcode"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 32
)

var ErrStaleConnection = errors.New("connection is no longer live")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live participant connection.
type Client struct {
	id      string
	session string
	conn    *websocket.Conn
	send    chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Hub tracks live connections. It is the relay's connection directory and
// its transport.
type Hub struct {
	mu      deadlock.RWMutex
	clients map[string]*Client

	metrics *metrics.Manager
}

func newHub(m *metrics.Manager) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		metrics: m,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()

	c.close()

	if ok && h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
}

// Connections lists live connection ids joined to scope. An empty scope
// lists every live connection.
func (h *Hub) Connections(_ context.Context, scope string) ([]string, error) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id, c := range h.clients {
		if scope == "" || c.session == scope {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	sort.Strings(ids)

	return ids, nil
}

// Send queues payload for one connection.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrStaleConnection, connectionID)
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrStaleConnection, connectionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *Client) readPump(ctx context.Context, cfg *Config, r *relay.Relay) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.connectionTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.connectionTimeout))
	})

	origin := relay.Origin{ConnectionID: c.id, SessionToken: c.session}

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logf(cfg, "WS: Connection %s closed: %v", c.id, err)
			}

			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.connectionTimeout))

		if kind != websocket.TextMessage {
			continue
		}

		if err := r.Handle(ctx, origin, raw); err != nil {
			logf(cfg, "RELAY: Frame (%s) from %s: %v", humanReadableSize(len(raw)), c.id, err)
		}
	}
}

func (c *Client) writePump(cfg *Config) {
	ticker := time.NewTicker(cfg.connectionTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()

				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()

				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))

			return
		}
	}
}

func serveWS(cfg *Config, hub *Hub, r *relay.Relay) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		session := ps.ByName("session")

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logf(cfg, "WS: Upgrade from %s failed: %v", realIP(req), err)

			return
		}

		c := &Client{
			id:      uuid.NewString(),
			session: session,
			conn:    conn,
			send:    make(chan []byte, sendBuffer),
			done:    make(chan struct{}),
		}

		hello, err := json.Marshal(protocol.SessionMessage{
			Type:         protocol.TypeSession,
			ConnectionID: c.id,
			SessionToken: session,
		})
		if err != nil {
			errorf(cfg, "WS: %v", err)
			_ = conn.Close()

			return
		}
		c.send <- hello

		hub.register(c)
		defer hub.unregister(c)

		logf(cfg, "WS: Connection %s joined %q from %s", c.id, session, realIP(req))

		go c.writePump(cfg)
		c.readPump(req.Context(), cfg, r)
	}
}

func serveUmigamePage(cfg *Config, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		session := ps.ByName("session")
		base := cfg.prefix + path + "/" + url.PathEscape(session)

		var body strings.Builder
		body.WriteString(fmt.Sprintf("<h1>%s</h1>", html.EscapeString(session)))
		body.WriteString(fmt.Sprintf(`<p>Join from a terminal:</p><pre>umigame play %s --server %s://%s</pre>`,
			html.EscapeString(session), wsScheme(r), html.EscapeString(r.Host)))
		body.WriteString(fmt.Sprintf(`<p>WebSocket: <code>%s/ws</code></p>`, html.EscapeString(base)))
		body.WriteString(fmt.Sprintf(`<img src="%s/qr" alt="QR code for this session">`, html.EscapeString(base)))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("umigame: "+html.EscapeString(session), body.String())))
	}
}

func wsScheme(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
		scheme = "wss"
	}

	return scheme
}

// qrHandler renders a PNG QR code pointing at the session page.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("session") == "" {
		http.Error(w, "missing session token", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	target := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

	const qrSize = 320
	png, err := qrcode.Encode(target, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerUmigame sets up routes so that:
//   - $path/:session     → session landing page
//   - $path/:session/ws  → WebSocket joined to that session
//   - $path/:session/qr  → PNG QR code for the landing page
//   - /ws                → WebSocket joined to no session
func registerUmigame(cfg *Config, path string, mux *httprouter.Router, hub *Hub, r *relay.Relay) {
	mux.GET(cfg.prefix+path+"/:session", serveUmigamePage(cfg, path))
	mux.GET(cfg.prefix+path+"/:session/ws", serveWS(cfg, hub, r))
	mux.GET(cfg.prefix+path+"/:session/qr", qrHandler)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, hub, r))
}
