package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/room-relay/backend/config"
	"github.com/adwski/room-relay/backend/metrics"
	httpServer "github.com/adwski/room-relay/backend/server/http"
	websocketServer "github.com/adwski/room-relay/backend/server/websocket"
	"github.com/adwski/room-relay/backend/service"
	sw "github.com/adwski/room-relay/backend/switch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	// global level defaults to debug and would mute trace
	zerolog.SetGlobalLevel(lvl)
	logger = logger.Level(lvl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	relaySwitch := sw.NewSwitch(sw.Config{
		Logger:  &logger,
		Metrics: m,
	})
	svc := service.NewService(service.Config{
		Switch:  relaySwitch,
		Metrics: m,
		Logger:  &logger,
	})
	wsHandler := websocketServer.NewHandler(websocketServer.Config{
		Logger:            &logger,
		SignalingService:  svc,
		Metrics:           m,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		SendBuffer:        cfg.SendBuffer,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		Relay:            wsHandler,
		Metrics:          m.Handler(),
		ListenAddr:       cfg.ListenAddr(),
		StaticDir:        cfg.StaticDir,
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		ShutdownDeadline: cfg.ShutdownTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// the switch outlives the server so that closing sessions can still leave their rooms
	swCtx, swCancel := context.WithCancel(context.Background())
	swDone := make(chan struct{})
	go func() {
		relaySwitch.Run(swCtx)
		close(swDone)
	}()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go httpSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	swCancel()
	<-swDone
}
