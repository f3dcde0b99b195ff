package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cyborgflashtime/MusareNode/internal/cache"
	"github.com/cyborgflashtime/MusareNode/internal/clock"
	"github.com/cyborgflashtime/MusareNode/internal/config"
	"github.com/cyborgflashtime/MusareNode/internal/fanout"
	"github.com/cyborgflashtime/MusareNode/internal/keyexpiry"
	"github.com/cyborgflashtime/MusareNode/internal/notifications"
	"github.com/cyborgflashtime/MusareNode/internal/session"
	"github.com/cyborgflashtime/MusareNode/internal/stations"
	"github.com/cyborgflashtime/MusareNode/internal/store"
	"github.com/cyborgflashtime/MusareNode/internal/tasks"
	"github.com/cyborgflashtime/MusareNode/internal/transport"
	"github.com/cyborgflashtime/MusareNode/pkg/otelhelper"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "stationd")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := config.Load()
	clk := clock.Real{}

	slog.Info("Starting station service", "nats_url", cfg.NATSURL, "mongo_url", cfg.MongoURL)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("stationd"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	st, err := store.DialMongo(ctx, cfg.MongoURL, cfg.MongoDB)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer st.Close(ctx)
	slog.Info("Connected to MongoDB", "database", cfg.MongoDB)

	keyBus, err := keyexpiry.NewNATS(nc, js, "STATION_DEADLINES", cfg.DeadlineSweepInterval, clk)
	if err != nil {
		slog.Error("Failed to set up deadline bus", "error", err)
		os.Exit(1)
	}
	sched := notifications.New(keyBus)

	kv := cache.NewNATSKV(js, "MUSARE_")
	bus := fanout.NewNATS(nc)
	rooms := transport.NewNATS(nc)

	sessions := session.NewManager(kv, []byte(cfg.SessionSecret), clk)
	tracker := session.NewTracker()

	mgr := stations.NewManager(st, kv, bus, sched, clk)
	bridge := stations.NewBridge(bus, rooms, mgr)
	if err := bridge.Start(); err != nil {
		slog.Error("Failed to start event bridge", "error", err)
		os.Exit(1)
	}

	if err := mgr.Boot(ctx); err != nil {
		slog.Error("Failed to boot stations", "error", err)
		os.Exit(1)
	}

	runner := tasks.NewRunner(clk)
	register := func(name string, interval time.Duration, fn tasks.Func) {
		if err := runner.Register(name, interval, fn); err != nil {
			slog.Error("Failed to register task", "task", name, "error", err)
			os.Exit(1)
		}
	}
	register(tasks.StationSkipTask, cfg.StationSkipInterval, tasks.StationSkipSweep(mgr, kv, clk))
	register(tasks.SessionClearTask, cfg.SessionClearInterval, tasks.SessionClearSweep(sessions, kv, tracker, clk))
	register(tasks.CollectUsersTask, cfg.CollectUsersInterval, tasks.CollectStationUsersSweep(tracker, kv, bus))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go keyBus.Run(runCtx)
	go runner.Run(runCtx)

	slog.Info("Station service ready")
	<-runCtx.Done()

	slog.Info("Shutting down station service")
	if err := nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
}
