// SPDX-License-Identifier: MIT

// Command visiond runs the media-inference orchestrator control plane: the
// pipeline registry and runtime, the live preview streaming engine, the model
// repository, the bundle codec and the result-publishing destinations, all
// behind one HTTP API.
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

	"github.com/mfricke/visiond/internal/api"
	"github.com/mfricke/visiond/internal/bundle"
	"github.com/mfricke/visiond/internal/config"
	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/model"
	"github.com/mfricke/visiond/internal/pipeline"
	"github.com/mfricke/visiond/internal/publish"
	"github.com/mfricke/visiond/internal/settings"
	"github.com/mfricke/visiond/internal/stream"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("visiond %s\n", version)
		return
	}

	if err := run(*configFile); err != nil {
		logger := vlog.Base()
		logger.Error().Err(err).Msg("daemon failed")
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg := config.FromEnv()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(cfg, configFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	vlog.Configure(vlog.Config{Level: cfg.LogLevel, Service: "visiond", Version: version})
	logger := vlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := settings.Load(cfg.SettingsPath())
	if err != nil {
		return err
	}
	nodeID, nodeName := store.NodeIdentity()

	models, err := model.Open(cfg.ModelsDir(), cfg.MetaDir())
	if err != nil {
		return err
	}
	defer func() {
		if err := models.Close(); err != nil {
			logger.Warn().Err(err).Msg("close model repository")
		}
	}()

	pipelines, err := pipeline.NewRegistry(cfg.PipelinesPath())
	if err != nil {
		return err
	}

	runtime := pipeline.NewRuntime(pipeline.DefaultFactory())
	defer runtime.StopAll()

	streams := stream.New(func(id string) (stream.Accessor, bool) {
		inst, ok := runtime.Get(id)
		if !ok {
			return nil, false
		}
		return inst, true
	}, cfg.StreamStartupBudget)

	bundles := bundle.New(pipelines, models, func() string {
		_, name := store.NodeIdentity()
		return name
	})

	publisher := publish.NewPublisher()
	defer publisher.Close()
	publisher.Restore(store.Destinations(), nodeID, nodeName)

	server := api.New(cfg, version, pipelines, runtime, streams, models, bundles, publisher, store)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: preview streams are long-lived responses.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("listen", cfg.ListenAddr).
			Str("node_id", nodeID).
			Str("node_name", nodeName).
			Msg("visiond started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
