package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/d-mooers/ponder/buildinfo"
	entityimpl "github.com/d-mooers/ponder/pkg/entitystore/impl"
	"github.com/d-mooers/ponder/pkg/logging"
	"github.com/d-mooers/ponder/pkg/metrics"
	"github.com/d-mooers/ponder/pkg/rpccache"
	"github.com/d-mooers/ponder/pkg/scheduler"
	"github.com/d-mooers/ponder/pkg/syncgateway"
	"github.com/d-mooers/ponder/pkg/syncstore"
	syncimpl "github.com/d-mooers/ponder/pkg/syncstore/impl"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the indexing engine",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf := setupConfig()
		logging.SetupLogger(buildinfo.GitCommit, conf.Log.Debug, conf.Log.Human)
		if err := metrics.SetupInstrumentation(":"+conf.Metrics.Port, cliName); err != nil {
			return fmt.Errorf("setting up instrumentation: %s", err)
		}
		return runStart(cmd.Context(), conf)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve status endpoints over an existing database, without indexing",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf := setupConfig()
		logging.SetupLogger(buildinfo.GitCommit, conf.Log.Debug, conf.Log.Human)
		if err := metrics.SetupInstrumentation(":"+conf.Metrics.Port, cliName); err != nil {
			return fmt.Errorf("setting up instrumentation: %s", err)
		}
		return runServe(cmd.Context(), conf)
	},
}

func runStart(ctx context.Context, conf *config) error {
	app, err := loadAppConfig(conf.App.Config)
	if err != nil {
		return err
	}
	flushInterval, err := time.ParseDuration(conf.App.FlushInterval)
	if err != nil {
		return fmt.Errorf("flush interval has invalid format: %s", conf.App.FlushInterval)
	}
	pollInterval, err := time.ParseDuration(conf.App.PollInterval)
	if err != nil {
		return fmt.Errorf("poll interval has invalid format: %s", conf.App.PollInterval)
	}

	store, err := openStore(conf.DB.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing sync store")
		}
	}()

	chainIDs := make([]uint64, 0, len(app.Chains))
	for _, c := range app.Chains {
		chainIDs = append(chainIDs, c.ID)
	}
	gateway, err := syncgateway.New(chainIDs)
	if err != nil {
		return fmt.Errorf("creating gateway: %s", err)
	}

	conns := make(map[uint64]*ethclient.Client, len(app.Chains))
	clients := make(map[uint64]*rpccache.Client, len(app.Chains))
	for _, chain := range app.Chains {
		conn, err := ethclient.DialContext(ctx, chain.Endpoint)
		if err != nil {
			return fmt.Errorf("connecting to %s endpoint: %s", chain.Name, err)
		}
		conns[chain.ID] = conn
		clients[chain.ID] = rpccache.New(store, chain.ID, conn)
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	sched, err := scheduler.New(
		store,
		entityimpl.New(),
		gateway,
		clients,
		scheduler.WithFlushInterval(flushInterval),
	)
	if err != nil {
		return fmt.Errorf("creating scheduler: %s", err)
	}
	sched.OnError(func(err error) {
		log.Error().Err(err).Msg("indexing halted on a terminal task failure")
	})

	functions, err := buildFunctions(app)
	if err != nil {
		return err
	}
	if err := sched.Reset(ctx, functions); err != nil {
		return fmt.Errorf("installing indexing functions: %s", err)
	}
	sched.Start()

	httpServer := &http.Server{
		Addr:    ":" + conf.HTTP.Port,
		Handler: configuredRouter(store, gateway).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range app.Chains {
		chain := chain
		tracker := newHeadTracker(gateway, chain, conns[chain.ID], pollInterval)
		g.Go(func() error {
			tracker.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %s", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutting down http server")
		}
		if err := sched.Kill(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("stopping scheduler")
		}
		return nil
	})

	log.Info().Str("httpPort", conf.HTTP.Port).Int("functions", len(functions)).Msg("engine started")
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("daemon closed")
	return nil
}

func runServe(ctx context.Context, conf *config) error {
	store, err := openStore(conf.DB.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing sync store")
		}
	}()

	httpServer := &http.Server{
		Addr:    ":" + conf.HTTP.Port,
		Handler: configuredRouter(store, nil).Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutting down http server")
		}
	}()

	log.Info().Str("httpPort", conf.HTTP.Port).Msg("serving status endpoints")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %s", err)
	}
	log.Info().Msg("daemon closed")
	return nil
}

func openStore(path string) (syncstore.SyncStore, error) {
	uri := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	store, err := syncimpl.Open(uri)
	if err != nil {
		return nil, fmt.Errorf("opening sync store: %s", err)
	}
	instrumented, err := syncstore.NewInstrumentedSyncStore(store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("instrumenting sync store: %s", err)
	}
	return instrumented, nil
}
