package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tradeproxy/internal/acceptor"
	"github.com/rickgao/tradeproxy/internal/aggregator"
	"github.com/rickgao/tradeproxy/internal/assetregistry"
	"github.com/rickgao/tradeproxy/internal/balance"
	"github.com/rickgao/tradeproxy/internal/config"
	"github.com/rickgao/tradeproxy/internal/order"
	"github.com/rickgao/tradeproxy/internal/registry"
	"github.com/rickgao/tradeproxy/internal/session"
	"github.com/rickgao/tradeproxy/internal/upstream"
	"github.com/rickgao/tradeproxy/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/proxy.local.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting tradeproxy",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	assets := assetregistry.NewRegistry(cfg.Assets)

	defaultAssetID, ok := assets.Lookup(cfg.Upstream.DefaultAsset)
	if !ok {
		logger.Error("default_asset not present in assets table", "default_asset", cfg.Upstream.DefaultAsset)
		os.Exit(1)
	}

	rateLimits := make(map[string]aggregator.ClassConfig, len(cfg.RateLimits))
	for class, rl := range cfg.RateLimits {
		rateLimits[class] = aggregator.ClassConfig{
			Names:    friendlyThenOriginal(class),
			Interval: rl.Interval,
			Max:      rl.Max,
		}
	}

	deps := session.Deps{
		UpstreamConfig: upstream.Config{
			URL:               cfg.Upstream.URL,
			ProtocolVersion:   cfg.Upstream.ProtocolVersion,
			PingInterval:      cfg.Upstream.PingInterval,
			ReconnectAttempts: cfg.Upstream.ReconnectAttempts,
			ReconnectDelay:    cfg.Upstream.ReconnectDelay,
			DefaultAssetID:    defaultAssetID,
		},
		Assets:              assets,
		Balances:            balance.NewNormalizer(logger),
		Orders:              order.NewBuilder(session.NewAssetResolver(assets), cfg.Upstream.PriceScaled),
		RateLimits:          rateLimits,
		HeartbeatInterval:   cfg.Session.HeartbeatInterval,
		OrderCorrelationTTL: cfg.Upstream.OrderCorrelationTTL,
		Registry:            registry.New(),
		Logger:              logger,
	}

	acc := acceptor.New(acceptor.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Server.Port),
		QueueSize: 128,
	}, deps, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: acc.Router(),
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("acceptor listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("acceptor server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("tradeproxy running",
		"default_asset", cfg.Upstream.DefaultAsset,
		"default_asset_id", defaultAssetID,
		"upstream_url", cfg.Upstream.URL,
	)

	if err := g.Wait(); err != nil {
		logger.Warn("shutdown error", "error", err)
	}

	logger.Info("tradeproxy stopped")
}

// friendlyThenOriginal names the downstream event(s) an aggregator class
// flushes under, per spec.md §4.5/§6's closed dispatch table. The
// balance-changed and client-buyback-generated classes each flush under
// three event names carrying an identical payload for compatibility, the
// friendly name first; candles and positions each flush under their single
// canonical name.
func friendlyThenOriginal(class string) []string {
	switch class {
	case "candles":
		return []string{"candles"}
	case "positions":
		return []string{"positions"}
	case "balance-changed":
		return []string{"balance", "balance-changed", "current-balance"}
	case "client-buyback-generated":
		return []string{"pressure", "client-buyback-generated", "price-splitter.client-buyback-generated"}
	default:
		return []string{class}
	}
}
