// hived is a collective-intelligence coordination daemon: it spawns a swarm
// of typed agents, decomposes objectives into dependency-ordered tasks,
// balances the workload, shares memory between agents and settles contested
// decisions by quorum vote.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/config"
	"github.com/mtzanidakis/hived/internal/consensus"
	"github.com/mtzanidakis/hived/internal/eventstream"
	"github.com/mtzanidakis/hived/internal/memory"
	"github.com/mtzanidakis/hived/internal/registry"
	"github.com/mtzanidakis/hived/internal/schedule"
	"github.com/mtzanidakis/hived/internal/scheduler"
	"github.com/mtzanidakis/hived/internal/store"
	"github.com/mtzanidakis/hived/internal/swarm"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("hived exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := store.Open(cfg.Store.Path)
	defer db.Close()

	b, err := bus.New(cfg.NATS)
	if err != nil {
		return err
	}
	defer b.Close()

	client, err := bus.NewClient(b, db)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := registry.New(db, cfg.Swarm.Name, cfg.Swarm.CoolDown)
	mem, err := memory.New(cfg.Memory, db)
	if err != nil {
		return err
	}

	voters := func() []string {
		var out []string
		for _, a := range reg.List() {
			if a.Status != registry.StatusOffline {
				out = append(out, a.ID)
			}
		}
		return out
	}
	cons := consensus.New(cfg.Consensus, voters, client, db, cfg.Swarm.Name)

	sched := scheduler.New()
	bal := scheduler.NewBalancer(cfg.Scheduler,
		func(agentID, taskType string) float64 {
			return reg.MatchScore(agentID, taskType, nil)
		},
		func(agentID string) time.Duration {
			a, _ := reg.Get(agentID)
			return a.MeanDuration()
		},
		func(agentID string) bool {
			a, ok := reg.Get(agentID)
			return ok && a.Status != registry.StatusOffline
		})

	coord := swarm.NewCoordinator(*cfg, db, client, reg, mem, cons, sched, bal, swarm.EchoExecutor{})
	if err := coord.Initialize(ctx, cfg.Swarm.ObjectiveHint); err != nil {
		return err
	}

	runner := schedule.NewRunner(db, coord, cfg.Scheduler.PollInterval)
	go runner.Run(ctx)

	var events *eventstream.Server
	if cfg.Events.Enabled {
		events, err = eventstream.New(cfg.Events, client)
		if err != nil {
			return err
		}
		if err := events.Start(); err != nil {
			return err
		}
	}

	slog.Info("hived running", "swarm", cfg.Swarm.Name)
	<-ctx.Done()
	slog.Info("shutdown signal received")

	if err := coord.Shutdown(); err != nil {
		slog.Warn("coordinator shutdown", "error", err)
	}
	if events != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := events.Close(shutdownCtx); err != nil {
			slog.Warn("event stream shutdown", "error", err)
		}
	}
	return nil
}

func logLevel() slog.Level {
	switch os.Getenv("HIVED_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
