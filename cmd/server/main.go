package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ekinoks/chatrelay/internal/adapters/httpapi"
	"github.com/ekinoks/chatrelay/internal/adapters/tcp"
	"github.com/ekinoks/chatrelay/internal/app"
	"github.com/ekinoks/chatrelay/internal/config"
	"github.com/ekinoks/chatrelay/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}

	reg := app.NewRegistry()
	if ids, err := st.LoadAllRoomIDs(ctx); err != nil {
		log.Error().Err(err).Msg("room pre-load failed, starting with an empty registry")
	} else {
		reg.Preload(ids)
	}

	disp := app.NewDispatcher(cfg.Workers, cfg.QueueSize)

	relay := tcp.NewServer(tcp.Options{
		Addr:         cfg.TCPAddr,
		SendBuffer:   cfg.SendBuffer,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, reg, disp, st)
	if err := relay.Listen(); err != nil {
		log.Fatal().Err(err).Msg("failed to bind relay port")
	}

	api := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.SetupRouter(cfg.Mode, st, reg),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.TCPAddr).Msg("chatrelay started")
		return relay.Serve(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("admin api started")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin api forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	disp.Close()
	log.Info().Msg("server exited gracefully")
}
