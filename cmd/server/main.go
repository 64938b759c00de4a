package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/Stefan-migo/MCR/internal/adapters/http"
	"github.com/Stefan-migo/MCR/internal/app"
	"github.com/Stefan-migo/MCR/internal/app/egress"
	"github.com/Stefan-migo/MCR/internal/app/orch"
	"github.com/Stefan-migo/MCR/internal/config"
	"github.com/Stefan-migo/MCR/internal/rtc"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	worker, err := sfu.NewWorker(ctx, sfu.WorkerConfig{
		Bin:        cfg.WorkerBin,
		LogLevel:   cfg.WorkerLogLevel,
		RtcMinPort: cfg.WebRTCMinPort,
		RtcMaxPort: cfg.WebRTCMaxPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media worker")
	}
	defer worker.Close()

	codecs, err := rtc.MediaCodecsByName(cfg.MediaCodecs)
	if err != nil {
		log.Fatal().Err(err).Msg("bad media_codecs")
	}
	mediaRouter, err := worker.CreateRouter(ctx, codecs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create router")
	}

	broker := app.NewBroker()
	defer broker.Close()
	registry := app.NewRegistry(broker, cfg.RemovalGrace)

	pool, err := egress.NewPortPool(cfg.EgressMinPort, cfg.EgressMaxPort)
	if err != nil {
		log.Fatal().Err(err).Msg("bad egress port range")
	}
	egressSvc := egress.NewService(mediaRouter, pool, cfg.ListenIP, cfg.AnnouncedIP)

	o := &orch.Orchestrator{
		Registry: registry,
		Router:   mediaRouter,
		Egress:   egressSvc,
		Broker:   broker,
		Cfg:      cfg,
	}

	poller := app.NewStatsPoller(registry, mediaRouter, broker, cfg.StatsInterval)
	go poller.Run(ctx)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.TLSCert != "").Msg("MCR server started")
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	// The worker dying outside shutdown is unrecoverable: every transport
	// and producer lived in that process.
	workerDied := false
	select {
	case <-ctx.Done():
	case <-worker.Died():
		log.Error().Msg("media worker died, exiting")
		workerDied = true
		cancel()
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	egressSvc.Close()
	if !workerDied {
		mediaRouter.Close(shutdownCtx)
		log.Info().Msg("Server exited gracefully")
		return
	}
	os.Exit(1)
}
