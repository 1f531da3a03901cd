package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/astromechza/canvas-sync/pkg/config"
	"github.com/astromechza/canvas-sync/pkg/discovery"
	"github.com/astromechza/canvas-sync/pkg/logging"
	"github.com/astromechza/canvas-sync/pkg/metrics"
	"github.com/astromechza/canvas-sync/pkg/room"
	"github.com/astromechza/canvas-sync/pkg/server"
	"github.com/astromechza/canvas-sync/pkg/viz"
)

const defaultConfigPath = "canvas.yaml"

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file (default "+defaultConfigPath+" if present)")
	addrVar := flag.String("addr", "", "the address to listen on, overriding the config")
	dumpVar := flag.Bool("dump", false, "render every live room to an svg in the temp dir on shutdown")
	flag.Parse()

	_ = godotenv.Load(".env")

	path, optional := *configVar, false
	if path == "" {
		path, optional = defaultConfigPath, true
	}
	cfg, err := config.LoadFile(path, optional)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	m := metrics.New()
	registry := room.NewRegistry(room.Options{
		GracePeriod: cfg.Rooms.GracePeriod.Duration(),
		Logger:      logger,
		Metrics:     m,
	})
	s := server.New(server.Options{
		Registry:       registry,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		SendQueue:      cfg.WebSocket.SendQueue,
		WriteTimeout:   cfg.WebSocket.WriteTimeout.Duration(),
		PingInterval:   cfg.WebSocket.PingInterval.Duration(),
		MaxMessageSize: cfg.Rooms.MaxMessageSize.Int64(),
		RPS:            cfg.Limits.Rate(),
		Burst:          cfg.Limits.Burst,
	})

	addr := cfg.Addr()
	if *addrVar != "" {
		addr = *addrVar
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	slog.Info("listening", "addr", ln.Addr().String(), "grace", cfg.Rooms.GracePeriod, "max_message_size", cfg.Rooms.MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.RunCensus(ctx, cfg.Stats.Cron); err != nil {
			slog.Error("census stopped", "err", err)
		}
	}()

	httpServer := &http.Server{Handler: s.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(cfg.Discovery.Instance, port, "canvas-sync")
		if err != nil {
			slog.Warn("mDNS advertisement disabled", "err", err)
		} else {
			slog.Info("advertising", "service", discovery.ServiceType, "instance", cfg.Discovery.Instance, "port", port)
			defer func() {
				if err := adv.Shutdown(); err != nil {
					slog.Warn("failed to stop mDNS advertisement", "err", err)
				}
			}()
		}
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	if *dumpVar {
		dumpRooms(registry)
	}
	s.Close()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}

func dumpRooms(registry *room.Registry) {
	for _, name := range registry.Rooms() {
		rm, ok := registry.Get(name)
		if !ok {
			continue
		}
		if svgPath, err := viz.RenderToTemp(name, rm.Snapshot()); err != nil {
			slog.Error("failed to render", "room", name, "err", err)
		} else {
			slog.Info("rendered", "room", name, "path", "file://"+svgPath)
		}
	}
}
