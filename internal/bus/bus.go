// Package bus is the swarm's message fabric: an embedded NATS server plus a
// client wrapper that layers direct, broadcast, multicast and gossip delivery
// on top of plain subjects.
package bus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hived/internal/config"
)

const readyTimeout = 5 * time.Second

// Bus is the embedded NATS server every swarm component talks through. The
// listen port only matters for external monitors; swarm-local clients connect
// in process.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "hived-bus",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}
	return &Bus{server: ns, cfg: cfg}, nil
}

// Connect opens a connection that bypasses the network stack and talks to
// the embedded server directly.
func (b *Bus) Connect(opts ...nats.Option) (*nats.Conn, error) {
	opts = append(opts, nats.InProcessServer(b.server))
	return nats.Connect(b.ClientURL(), opts...)
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
