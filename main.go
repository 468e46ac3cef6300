package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xaitan80/X-Score/internal/auth"
	"github.com/xaitan80/X-Score/internal/config"
	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/live"
	"github.com/xaitan80/X-Score/internal/localkv"
	"github.com/xaitan80/X-Score/internal/logging"
	"github.com/xaitan80/X-Score/internal/matches"
	"github.com/xaitan80/X-Score/internal/server"
	"github.com/xaitan80/X-Score/internal/sessions"
	"github.com/xaitan80/X-Score/internal/store"
	"github.com/xaitan80/X-Score/internal/timer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "console")
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	kv, err := localkv.Open(cfg.LocalDBPath)
	if err != nil {
		return err
	}
	defer kv.Close()

	bus := feed.NewBus()
	st, err := store.Open(ctx, cfg.Store, bus)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.NATS.URL != "" {
		relay, err := feed.NewRelay(feed.RelayConfig{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix}, bus)
		if err != nil {
			return err
		}
		defer relay.Close()
	}

	secret := cfg.AdminSecret
	if secret == "" {
		if secret, err = auth.NewToken(); err != nil {
			return err
		}
		log.Warn().Msg("ADMIN_SECRET not set; grants will not survive a restart")
	}
	clock := clockwork.NewRealClock()

	tcfg := timer.DefaultConfig()
	tcfg.Tick, tcfg.RemoteSync, tcfg.Snapshot = cfg.Timer.Tick, cfg.Timer.RemoteSync, cfg.Timer.Snapshot
	timers := timer.NewManager(tcfg, clock, kv, st, bus)
	defer timers.Close()
	if n, err := timers.RestoreAll(ctx); err != nil {
		log.Warn().Err(err).Msg("restore timers")
	} else if n > 0 {
		log.Info().Int("resumed", n).Msg("running timers resumed")
	}

	authz := auth.NewAuthorizer(auth.NewIssuer(secret, cfg.GrantTTL, clock))
	ms := matches.NewService(st, timers, authz, clock)
	ss := sessions.NewService(st, ms, clock)
	hub := live.NewHub(st, bus, ms, ss, live.DefaultConfig())
	defer hub.Close()

	srv, err := server.New(server.Options{
		Addr:           cfg.Addr,
		TrustedProxies: cfg.TrustedProxies,
		CORSOrigins:    cfg.CORSOrigins,
	}, ms, ss, hub)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
