package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amickel/configuration-layer-analysis/internal/config"
	"github.com/amickel/configuration-layer-analysis/internal/conftree"
	"github.com/amickel/configuration-layer-analysis/internal/ecm"
	"github.com/amickel/configuration-layer-analysis/internal/httpapi"
	"github.com/amickel/configuration-layer-analysis/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := httpapi.NewLogger("info")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	client := ecm.New(logger, ecm.Credentials{
		CPAPIID:   cfg.CPAPIID,
		CPAPIKey:  cfg.CPAPIKey,
		ECMAPIID:  cfg.ECMAPIID,
		ECMAPIKey: cfg.ECMAPIKey,
	}, ecm.Options{BaseURL: cfg.BaseURL}, m)

	// One-shot fetch and build: any fetch failure aborts the run rather
	// than serving a partial tree.
	snap, err := client.FetchGroup(ctx, cfg.GroupID, cfg.IncludeGroupLayer, cfg.IncludeDefaultLayer)
	if err != nil {
		logger.Fatal().Err(err).Str("group_id", cfg.GroupID).Msg("failed to fetch group configuration")
	}

	tree := conftree.New()
	for _, layer := range snap.Layers {
		tree.AddConfig(layer.Source, layer.Config)
	}
	m.SetTreeSize(tree.Len(), tree.LeafCount(), len(snap.RouterIDs))
	logger.Info().
		Int("nodes", tree.Len()).
		Int("leaves", tree.LeafCount()).
		Int("devices", len(snap.RouterIDs)).
		Msg("configuration tree built")

	if cfg.TreeDumpPath != "" {
		if err := writeDump(tree, cfg.TreeDumpPath); err != nil {
			logger.Error().Err(err).Str("path", cfg.TreeDumpPath).Msg("failed to write tree dump")
		} else {
			logger.Info().Str("path", cfg.TreeDumpPath).Msg("tree dump written")
		}
	}

	h := httpapi.NewHandler(logger, m, cfg.MaxDepth)
	h.Attach(tree, snap.GroupID, snap.RouterIDs, snap.LayerSources())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("cla listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

func writeDump(tree *conftree.Tree, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tree.WriteText(f, conftree.RootID); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
