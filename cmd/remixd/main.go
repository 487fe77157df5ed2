// remixd is the remix session coordinator daemon: it tracks who is in a
// session, serializes concurrent participant events and fans consistent
// state out to every connected client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixmate/remixd/internal/api"
	"github.com/mixmate/remixd/internal/config"
	"github.com/mixmate/remixd/internal/hub"
	rxlog "github.com/mixmate/remixd/internal/log"
	"github.com/mixmate/remixd/internal/registry"
	"github.com/mixmate/remixd/internal/router"
	"github.com/mixmate/remixd/internal/store"
	"github.com/mixmate/remixd/internal/ws"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	rxlog.Configure(rxlog.Config{
		Level:   cfg.LogLevel,
		Service: "remixd",
	})
	logger := rxlog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedisStore(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.SessionTTL,
	}, rxlog.WithComponent("store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("session store connection failed")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	}()

	reg := registry.New(st, cfg.StoreTimeout, rxlog.WithComponent("registry"),
		registry.WithCodeLength(cfg.CodeLength))
	h := hub.New(rxlog.WithComponent("hub"))
	rt := router.New(reg, h, rxlog.WithComponent("router"))
	wsHandler := ws.NewHandler(rt, cfg.SendBuffer, rxlog.WithComponent("ws"))

	srv := api.New(api.Config{
		ListenAddr:   cfg.ListenAddr,
		APIRateLimit: cfg.APIRateLimit,
	}, reg, st, wsHandler, rxlog.WithComponent("api"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info().Str("version", version).Msg("remixd started")
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("remixd stopped")
}
