package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deptrail/deptrail/pkg/analysis"
	"github.com/deptrail/deptrail/pkg/chain"
	"github.com/deptrail/deptrail/pkg/compress"
	"github.com/deptrail/deptrail/pkg/config"
	"github.com/deptrail/deptrail/pkg/health"
	"github.com/deptrail/deptrail/pkg/identity"
	"github.com/deptrail/deptrail/pkg/metrics"
	"github.com/deptrail/deptrail/pkg/policy"
	"github.com/deptrail/deptrail/pkg/repometa"
	"github.com/deptrail/deptrail/pkg/service"
	"github.com/deptrail/deptrail/pkg/storage"
	"github.com/deptrail/deptrail/pkg/vuln"
)

// shutdownTimeout bounds graceful drain of the HTTP servers and the engine.
const shutdownTimeout = 10 * time.Second

func (c *CLI) serveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deptrail service",
		Long:  `Starts the API server and the metrics/health listener, processing document submissions through the chain engine until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return c.serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

func (c *CLI) serve(ctx context.Context, cfg *config.Config) error {
	store, err := storage.NewStore(&storage.Config{
		DatabasePath: cfg.Storage.DatabasePath,
		Compression:  compress.Algorithm(cfg.Storage.Compression),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New(nil)

	tokens := chain.NewTokenStore(cfg.Engine.TokenRetention.Std())
	tokens.Start(ctx)
	defer tokens.Stop()

	engine := chain.NewEngine(&chain.Config{
		Workers:          cfg.Engine.Workers,
		WatchdogInterval: cfg.Engine.WatchdogInterval.Std(),
		WatchdogTimeout:  cfg.Engine.WatchdogTimeout.Std(),
		Logger:           c.Logger,
		Observer:         m,
	}, tokens)

	stages, err := c.buildStages(ctx, cfg, store)
	if err != nil {
		return err
	}
	stages.Register(engine)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Stop(stopCtx); err != nil {
			c.Logger.Warn("engine drain incomplete", "err", err)
		}
	}()

	svc := service.New(service.Config{
		Store:  store,
		Engine: engine,
		Logger: c.Logger,
	})

	checker := health.NewHandler()
	checker.Register("catalog", &health.CatalogCheck{DB: store})
	checker.Register("system_memory", &health.SystemMemoryCheck{MaxUsagePercent: 95})
	checker.SetReady(true)
	defer checker.SetReady(false)

	apiSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newAPI(svc, c.Logger),
	}
	opsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: newOpsMux(m, checker),
	}

	errCh := make(chan error, 2)
	go func() { errCh <- apiSrv.ListenAndServe() }()
	go func() { errCh <- opsSrv.ListenAndServe() }()
	c.Logger.Info("deptrail serving", "addr", cfg.Server.Addr, "ops_addr", cfg.Server.MetricsAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	c.Logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiSrv.Shutdown(drainCtx); err != nil {
		c.Logger.Warn("api drain incomplete", "err", err)
	}
	if err := opsSrv.Shutdown(drainCtx); err != nil {
		c.Logger.Warn("ops drain incomplete", "err", err)
	}
	return nil
}

// buildStages assembles the chain unit handlers from the configuration.
func (c *CLI) buildStages(ctx context.Context, cfg *config.Config, store *storage.Store) (*analysis.Stages, error) {
	var catalog vuln.Catalog
	if cfg.Vuln.FeedURL != "" {
		httpCatalog := vuln.NewHTTPCatalog(cfg.Vuln.FeedURL)
		if ttl := cfg.Vuln.CacheTTL.Std(); ttl > 0 {
			httpCatalog.SetCacheTTL(ttl)
		}
		catalog = httpCatalog
	} else {
		c.Logger.Warn("no advisory feed configured, vulnerability analysis will report no findings")
		catalog = vuln.NewStaticCatalog(nil)
	}

	refresher := repometa.NewRefresher(store, &repometa.Config{
		RefreshTTL: cfg.Repo.RefreshTTL.Std(),
		Logger:     c.Logger,
	})
	refresher.RegisterClient(repometa.TypeGitHub, repometa.NewGitHubClient(ctx, cfg.Repo.GitHubToken))
	gitlabClient, err := repometa.NewGitLabClient(cfg.Repo.GitLabToken, cfg.Repo.GitLabBaseURL)
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}
	refresher.RegisterClient(repometa.TypeGitLab, gitlabClient)

	pol := policy.DefaultPolicy()
	if cfg.Policy.Path != "" {
		raw, err := os.ReadFile(cfg.Policy.Path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		if pol, err = policy.LoadPolicy(raw); err != nil {
			return nil, err
		}
	}
	policyEngine, err := policy.NewEngine(pol)
	if err != nil {
		return nil, err
	}

	return analysis.NewStages(analysis.Stages{
		Store:     store,
		Resolver:  identity.NewResolver(store),
		Analyzer:  vuln.NewAnalyzer(catalog),
		Refresher: refresher,
		Policy:    policyEngine,
		Logger:    c.Logger,
	}), nil
}

// newOpsMux serves metrics and health on the operational listener.
func newOpsMux(m *metrics.Metrics, checker *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	return mux
}
