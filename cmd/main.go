package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwrk-planet/room-hub/config"
	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/hub"
	"github.com/cwrk-planet/room-hub/internal/memory"
	"github.com/cwrk-planet/room-hub/internal/mongostore"
	"github.com/cwrk-planet/room-hub/internal/postgres"
	"github.com/cwrk-planet/room-hub/internal/redisstore"
	"github.com/cwrk-planet/room-hub/internal/service"
	"github.com/cwrk-planet/room-hub/internal/session"
	"github.com/cwrk-planet/room-hub/internal/sqlite"
	grpcx "github.com/cwrk-planet/room-hub/internal/transport/grpc"
	httpx "github.com/cwrk-planet/room-hub/internal/transport/http"
	"github.com/cwrk-planet/room-hub/internal/transport/ws"
	"github.com/cwrk-planet/room-hub/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     level,
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting room-hub",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version,
		"storage", cfg.Storage.Driver, "action_log", cfg.ActionLog.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("room-hub stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("room-hub stopped")
}

// backends holds the opened storage and the functions that release it.
type backends struct {
	rooms   service.RoomStore
	actions actionlog.Log
	closers []func(context.Context)
}

func (b *backends) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i](ctx)
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	var (
		pg *postgres.DB
		sq *sqlite.DB
	)
	needPG := cfg.Storage.Driver == config.DriverPostgres || cfg.ActionLog.Driver == config.DriverPostgres
	needSQ := cfg.Storage.Driver == config.DriverSQLite || cfg.ActionLog.Driver == config.DriverSQLite

	if needPG {
		pc := cfg.Storage.Postgres
		db, err := postgres.New(ctx, postgres.Config{
			DSN:               pc.DSN,
			MaxConns:          pc.MaxConns,
			MinConns:          pc.MinConns,
			MaxConnLifetime:   pc.MaxConnLifetime,
			MaxConnIdleTime:   pc.MaxConnIdleTime,
			HealthCheckPeriod: pc.HealthCheckPeriod,
			ApplicationName:   pc.ApplicationName,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { db.Close() })
		if err := db.Migrate(ctx); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("postgres: %w", err)
		}
		pg = db
		slog.Info("connected to postgres")
	}
	if needSQ {
		db, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path)
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { _ = db.Close() })
		sq = db
		slog.Info("opened sqlite", "path", cfg.Storage.SQLite.Path)
	}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		b.rooms = postgres.NewRoomStore(pg.Pool)
	case config.DriverSQLite:
		b.rooms = sqlite.NewRoomStore(sq)
	default:
		b.rooms = memory.NewRoomStore()
	}

	switch cfg.ActionLog.Driver {
	case config.DriverPostgres:
		b.actions = postgres.NewActionLog(pg.Pool)
	case config.DriverSQLite:
		b.actions = sqlite.NewActionLog(sq)
	case config.DriverRedis:
		rc := cfg.ActionLog.Redis
		l, err := redisstore.New(ctx, redisstore.Config{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, TTL: rc.TTL})
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { _ = l.Close() })
		b.actions = l
		slog.Info("connected to redis", "addr", rc.Addr)
	case config.DriverMongo:
		mc := cfg.ActionLog.Mongo
		l, err := mongostore.New(ctx, mongostore.Config{URI: mc.URI, Database: mc.Database, Collection: mc.Collection})
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("mongo: %w", err)
		}
		b.closers = append(b.closers, func(ctx context.Context) { _ = l.Close(ctx) })
		b.actions = l
		slog.Info("connected to mongo", "database", mc.Database)
	default:
		b.actions = actionlog.NewMemory()
	}
	return b, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- storage ---
	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		be.close(closeCtx)
	}()

	// --- action log, hub ---
	dispatcher := actionlog.NewDispatcher(be.actions, actionlog.DispatcherConfig{
		Workers:      cfg.ActionLog.Workers,
		QueueSize:    cfg.ActionLog.QueueSize,
		WriteTimeout: cfg.ActionLog.WriteTimeout,
		OnError: func(roomID string, a domain.Action, err error) {
			slog.Warn("action not persisted",
				slog.String("room_id", roomID), slog.String("action_id", a.ID), slog.Any("err", err))
		},
	})
	rooms := hub.New(dispatcher)

	// --- services ---
	roomSvc := service.NewRoomService(be.rooms, service.Options{
		DefaultMaxParticipants: cfg.Rooms.DefaultMaxParticipants,
		MinMaxParticipants:     cfg.Rooms.MinMaxParticipants,
		MaxMaxParticipants:     cfg.Rooms.MaxMaxParticipants,
		CodeAttempts:           cfg.Rooms.CodeAttempts,
	})

	sessCfg := session.Config{
		Registry: roomSvc,
		Hub:      rooms,
		History:  actionlog.WithPending(be.actions, dispatcher),
		Logger:   slog.Default(),
	}
	var reaper *service.EmptyRoomReaper
	if cfg.Rooms.EmptyRoom.Policy == config.EmptyRoomClose {
		reaper = service.NewEmptyRoomReaper(roomSvc, rooms, cfg.Rooms.EmptyRoom.Grace)
		sessCfg.Empty = reaper
	}
	sessions := session.NewHandler(sessCfg)

	// --- WS ---
	wsSrv := ws.NewServer(sessions, ws.Config{
		PingPeriod:     cfg.WS.PingPeriod,
		WriteTimeout:   cfg.WS.WriteTimeout,
		ReadLimit:      cfg.WS.ReadLimit,
		SendBuffer:     cfg.WS.SendBuffer,
		FrameLimit:     cfg.WS.FrameLimit,
		FrameInterval:  cfg.WS.FrameInterval,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(roomSvc, rooms),
		WS:             wsSrv.HandleWS,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})
	httpSrv := httpx.NewServer(httpx.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, router)

	// --- gRPC ---
	grpcSrv := grpcx.NewServer(grpcx.Config{
		Addr:         cfg.GRPC.Addr,
		CallTimeout:  cfg.GRPC.CallTimeout,
		PingInterval: cfg.GRPC.PingInterval,
	}, roomSvc)

	// --- run both servers ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })
	g.Go(func() error { return grpcSrv.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// --- graceful shutdown ---
	started := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	rooms.Close()
	wsSrv.Close()
	if werr := wsSrv.Wait(shutdownCtx); werr != nil {
		slog.Warn("ws connections still open", slog.Any("err", werr))
	}
	if reaper != nil {
		reaper.Stop()
	}
	if derr := dispatcher.Close(shutdownCtx); derr != nil {
		slog.Warn("action log not drained", slog.Any("err", derr))
	}

	slog.Info("shutdown complete", slog.Duration("took", time.Since(started)))
	return err
}
