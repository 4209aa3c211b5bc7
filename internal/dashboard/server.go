package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

//go:embed web/dashboard.html
var dashboardPage []byte

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is a local operator tool: accept any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controls are the observer-initiated commands the server forwards to the
// session owner.
type Controls struct {
	StartRecording func()
	StopRecording  func()
}

// Server exposes the dashboard page and the observer WebSocket endpoint.
type Server struct {
	hub      *Hub
	log      *zap.Logger
	controls Controls
	httpSrv  *http.Server
}

// NewServer wires the hub into an HTTP server at addr.
func NewServer(addr string, hub *Hub, controls Controls, log *zap.Logger) *Server {
	s := &Server{hub: hub, log: log, controls: controls}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("dashboard listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(dashboardPage)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	s.hub.register <- c

	go c.writePump(s.log)
	go c.readPump(s.hub, s.controls, s.log)
}

// client is one connected dashboard observer.
type client struct {
	conn *websocket.Conn
	send chan Message
}

// readPump consumes observer commands until the connection drops.
func (c *client) readPump(hub *Hub, controls Controls, log *zap.Logger) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd inbound
		if err := json.Unmarshal(raw, &cmd); err != nil {
			log.Warn("unparseable observer command", zap.ByteString("raw", raw))
			continue
		}
		switch cmd.Type {
		case "ready":
			hub.replay(c)
		case "startRecording":
			if controls.StartRecording != nil {
				controls.StartRecording()
			}
		case "stopRecording":
			if controls.StopRecording != nil {
				controls.StopRecording()
			}
		default:
			log.Debug("ignoring unknown observer command", zap.String("type", cmd.Type))
		}
	}
}

// writePump serializes outbound messages for one observer.
func (c *client) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug("observer write failed", zap.Error(err))
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
