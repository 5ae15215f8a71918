package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream carries no credentials and no mutations
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one relayed event: the bus subject it arrived on plus the raw
// payload.
type Frame struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// Server bridges the bus's event subjects onto a websocket endpoint.
type Server struct {
	client *bus.Client
	hub    *Hub
	http   *http.Server
	ln     net.Listener
	sub    *nats.Subscription
}

func New(cfg config.EventsConfig, client *bus.Client) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen for event stream: %w", err)
	}

	s := &Server{
		client: client,
		hub:    newHub(),
		ln:     ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.http = &http.Server{Handler: mux}
	return s, nil
}

// Addr is the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start subscribes to every event subject and serves websocket clients until
// Close.
func (s *Server) Start() error {
	sub, err := s.client.SubscribeEvents(bus.TopicEventsAll, func(subject string, data []byte) {
		frame, err := json.Marshal(Frame{Subject: subject, Data: data, At: time.Now().UTC()})
		if err != nil {
			return
		}
		s.hub.publish(frame)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.sub = sub

	go s.hub.run()
	go func() {
		if err := s.http.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			slog.Error("event stream server", "error", err)
		}
	}()
	slog.Info("event stream listening", "addr", s.Addr())
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, sendBufferSize)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func (s *Server) Close(ctx context.Context) error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.hub.stop()
	return s.http.Shutdown(ctx)
}
