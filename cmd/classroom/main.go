// Command classroom runs one participant's session agent: the live session
// coordinator plus the local control surface its UI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/agent"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/bus"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/classroom"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/config"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/identity"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/logging"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/messaging"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/presence"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ratelimit"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/store/redisstore"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/store/sqlstore"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("classroom agent stopped", zap.Error(err))
	}
}

// closer collects shutdown steps in reverse order of setup.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	var cleanup closer
	defer cleanup.close()

	ident := identityProvider(cfg.Identity)

	// --- Bus ---
	var b bus.Bus
	switch cfg.Bus.Kind {
	case config.BusNATS:
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		client, err := messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		cleanup.add(client.Close)
		b = client
	default:
		mem := bus.NewMemory(logger)
		cleanup.add(mem.Close)
		b = mem
	}

	// --- Redis ---
	var limiter *ratelimit.Limiter
	var redisStore *redisstore.Store
	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(cfg.Redis.Addr)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = client.Close() })
		limiter = ratelimit.NewLimiter(client, logger)
		redisStore = redisstore.New(client)
	}

	// --- Session store ---
	roomDeps := classroom.Deps{Logger: logger}
	var reg registry.Store
	switch cfg.Store.Kind {
	case config.StoreSQLite, config.StorePostgres:
		driver := sqlstore.DriverPostgres
		if cfg.Store.Kind == config.StoreSQLite {
			driver = sqlstore.DriverSQLite
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		st, err := sqlstore.Open(ctx, driver, cfg.Store.DSN)
		cancel()
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = st.Close() })
		reg, roomDeps.Chats, roomDeps.Snapshots = st, st, st
	case config.StoreRedis:
		if redisStore == nil {
			return fmt.Errorf("store kind %q needs redis.addr", cfg.Store.Kind)
		}
		reg, roomDeps.Chats, roomDeps.Snapshots = redisStore, redisStore, redisStore
	default:
		reg = registry.NewMemory()
	}
	if limiter != nil {
		roomDeps.Limiter = limiter
	}

	// --- Media ---
	local, err := peer.NewLocalTracks("classroom")
	if err != nil {
		return err
	}
	pionCfg := peer.DefaultPionConfig()
	if len(cfg.Media.ICEServers) > 0 {
		pionCfg.ICEServers = cfg.Media.ICEServers
	}
	pionCfg.IncludeLoopback = cfg.Media.IncludeLoopback
	peers, err := peer.NewPionProvider(pionCfg, local, logger)
	if err != nil {
		return err
	}

	roomDeps.Session = session.Deps{
		Identity: ident,
		Registry: reg,
		Bus:      b,
		Peers:    peers,
		Logger:   logger,
	}

	// --- Presence ---
	var tracker *presence.Tracker
	if who, err := currentIdentity(ident, cfg.Identity.Timeout); err != nil {
		logger.Warn("presence disabled, identity unavailable", zap.Error(err))
	} else {
		tracker = presence.NewTracker(b, cfg.Presence.Scope, who.ID, presence.Config{
			Interval: cfg.Presence.Interval,
			Timeout:  cfg.Presence.Timeout,
		}, logger)
		if err := tracker.Start(); err != nil {
			return fmt.Errorf("starting presence: %w", err)
		}
		cleanup.add(tracker.Stop)
	}

	roomCfg := classroom.DefaultConfig()
	roomCfg.Session = session.Config{
		ConnectTimeout:  cfg.Session.ConnectTimeout,
		AttemptTimeout:  cfg.Session.AttemptTimeout,
		RegistryTimeout: cfg.Session.RegistryTimeout,
		MaxReconnects:   cfg.Session.MaxReconnects,
		BackoffBase:     cfg.Session.BackoffBase,
		BackoffMax:      cfg.Session.BackoffMax,
		IdleTimeout:     cfg.Session.IdleTimeout,
	}
	roomCfg.Sync.PublishInterval = cfg.Sync.PublishInterval
	roomCfg.SnapshotInterval = cfg.Whiteboard.SnapshotInterval

	a := agent.New(agent.Deps{
		Room:       roomDeps,
		RoomConfig: roomCfg,
		Presence:   tracker,
		WS:         ws.DefaultServerConfig(),
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting classroom agent",
			zap.String("addr", cfg.ListenAddr),
			zap.String("bus", cfg.Bus.Kind),
			zap.String("store", cfg.Store.Kind))
		errCh <- a.Start(cfg.ListenAddr)
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func identityProvider(cfg config.IdentityConfig) identity.Provider {
	if cfg.URL != "" {
		return identity.NewHTTPProvider(cfg.URL, cfg.Token, cfg.Timeout)
	}
	return identity.Static{Identity: identity.Identity{
		ID:          cfg.ID,
		Role:        identity.Role(cfg.Role),
		DisplayName: cfg.DisplayName,
	}}
}

func currentIdentity(p identity.Provider, timeout time.Duration) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Current(ctx)
}
