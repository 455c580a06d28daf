package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mxn2020/geenius-sub000/config"
	"github.com/mxn2020/geenius-sub000/session"
)

// app holds the infrastructure shared by the session-facing subcommands:
// resolved configuration, the NATS connection and the session store.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	embedded *server.Server
	conn     *nats.Conn
	store    *session.Store
}

// newApp loads configuration and connects the session store. A NATS outage
// degrades to an in-memory store rather than failing the command.
func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	logger := slog.Default()

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	storeOpts := session.StoreOptions{
		TTL:             cfg.Session.TTL,
		LogCap:          cfg.Session.LogCap,
		SummaryLogCount: cfg.Session.SummaryLogCount,
	}

	js, err := a.connectNATS(ctx)
	if err != nil {
		logger.Warn("NATS unavailable, sessions will not survive this process", "error", err)
		a.store = session.NewMemoryStore(storeOpts, logger)
		return a, nil
	}

	store, err := session.NewStore(ctx, js, cfg.NATS.Bucket, storeOpts, logger)
	if err != nil {
		logger.Warn("Session bucket unavailable, sessions will not survive this process", "error", err)
		a.store = session.NewMemoryStore(storeOpts, logger)
		return a, nil
	}
	a.store = store
	return a, nil
}

func loadConfig(flags *rootFlags, logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config
	if flags.configPath != "" {
		loaded, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		loaded, err := config.NewLoader(logger).Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if flags.natsURL != "" {
		cfg.NATS.URL = flags.natsURL
		cfg.NATS.Embedded = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) connectNATS(ctx context.Context) (jetstream.JetStream, error) {
	if a.cfg.NATS.Embedded {
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		a.embedded = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return nil, fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.conn = conn
	} else {
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Timeout(5*time.Second))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
		}
		a.conn = conn
	}

	js, err := jetstream.New(a.conn)
	if err != nil {
		a.conn.Close()
		a.conn = nil
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return js, nil
}

func (a *app) close() {
	if a.conn != nil {
		a.conn.Close()
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
}
