package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/config"
)

func newTestServer(t *testing.T) (*Server, *bus.Client) {
	t.Helper()
	b, err := bus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)
	client, err := bus.NewClient(b, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	s, err := New(config.EventsConfig{Port: 0}, client)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s, client
}

func TestRelayEventsToWebsocket(t *testing.T) {
	s, client := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Let the hub pick up the registration before publishing
	time.Sleep(50 * time.Millisecond)

	if err := client.PublishEvent(bus.TopicEventsTask, map[string]string{
		"task_id": "t-1",
		"status":  "completed",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	client.Flush()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Subject != bus.TopicEventsTask {
		t.Errorf("expected subject %s, got %s", bus.TopicEventsTask, frame.Subject)
	}
	var payload map[string]string
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["task_id"] != "t-1" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
