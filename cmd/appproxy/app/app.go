// Package app wires the appproxy server: configuration, container backend,
// stores, the lifecycle engine, the pool scalers and the HTTP surface.
package app

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/appproxy/pkg/api"
	"github.com/stacklok/appproxy/pkg/backend/docker"
	"github.com/stacklok/appproxy/pkg/config"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/expr"
	"github.com/stacklok/appproxy/pkg/leader"
	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/mapping"
	"github.com/stacklok/appproxy/pkg/probe"
	"github.com/stacklok/appproxy/pkg/scaler"
	"github.com/stacklok/appproxy/pkg/service"
	"github.com/stacklok/appproxy/pkg/spec"
	"github.com/stacklok/appproxy/pkg/store"
	"github.com/stacklok/appproxy/pkg/versions"
)

const (
	// leaderCampaignInterval is how often a non-leader retries the lock.
	leaderCampaignInterval = 5 * time.Second
	// shutdownTimeout bounds the graceful shutdown of the HTTP server.
	shutdownTimeout = 30 * time.Second
	// defaultHeartbeatTimeout applies to specs without their own value.
	defaultHeartbeatTimeout = time.Minute
)

// NewRootCmd builds the appproxy command.
func NewRootCmd() *cobra.Command {
	var (
		configPath string
		specsPath  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "appproxy",
		Short: "Container-backed application proxy",
		Long: `appproxy starts containerized applications on demand and routes
HTTP traffic to them, optionally keeping a pre-warmed pool of instances
per application.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			viper.Set("debug", debug)
			logger.Initialize()
			return run(cmd.Context(), configPath, specsPath)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration file")
	cmd.Flags().StringVar(&specsPath, "specs", "specs.yaml", "path to the proxy spec file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(versions.GetVersionInfo().String())
		},
	})
	return cmd
}

func run(ctx context.Context, configPath, specsPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry, err := spec.LoadFile(specsPath)
	if err != nil {
		return err
	}

	containerBackend, err := docker.NewBackend(ctx)
	if err != nil {
		return err
	}

	resolver, err := expr.NewResolver()
	if err != nil {
		return err
	}

	instanceID := uuid.NewString()
	bus := events.NewInProcessBus(instanceID)

	var seatStore store.SeatStore
	if cfg.RedisAddr != "" {
		seatStore = store.NewRedisSeatStore(cfg.RedisAddr, "appproxy:")
		logger.Infof("Using Redis seat store at %s", cfg.RedisAddr)
	} else {
		seatStore = store.NewMemorySeatStore()
	}

	var leaderService leader.Service = leader.Static(true)
	var leaderLock *leader.FileLock
	if cfg.LeaderLockFile != "" {
		leaderLock = leader.NewFileLock(cfg.LeaderLockFile, leaderCampaignInterval)
		leaderService = leaderLock
		defer func() {
			if err := leaderLock.Close(); err != nil {
				logger.Warnf("Failed to release leader lock: %v", err)
			}
		}()
	}

	mappingManager := mapping.NewManager(cfg.PublicPathPrefix)
	runtimeValues := service.NewRuntimeValueService(cfg.PublicPathPrefix, defaultHeartbeatTimeout, 0)
	access := service.NewAccessControlService(registry, true)
	testStrategy := probe.NewHTTPProbe(cfg.ProbeTimeout, cfg.ProbeInterval)

	proxyStore := store.NewMemoryProxyStore()
	proxyService := service.NewProxyService(
		proxyStore, registry, containerBackend, mappingManager,
		access, runtimeValues, resolver, testStrategy, bus,
		cfg.StopProxiesOnShutdown,
	)

	if cfg.RecoverProxies {
		recovered, err := containerBackend.RecoverProxies(ctx, registry)
		if err != nil {
			return err
		}
		for _, p := range recovered {
			p = runtimeValues.AddRuntimeValuesBeforeResolve(nil, registry.Spec(p.SpecID), p)
			if err := proxyService.AddExistingProxy(p); err != nil {
				logger.Warnf("Failed to re-adopt proxy %s: %v", p.ID, err)
				continue
			}
			logger.Infof("Re-adopted proxy %s (spec %s, user %s)", p.ID, p.SpecID, p.UserID)
		}
	}

	// one scaler and dispatcher per sharing-enabled spec
	dispatchers := make(map[string]service.SeatAcquirer)
	var scalers []*scaler.ProxySharingScaler
	for _, sp := range registry.Specs() {
		if sp.Sharing == nil {
			continue
		}
		delegateStore := store.NewMemoryDelegateProxyStore()

		sc := scaler.New(scaler.Config{
			Spec:            sp,
			SeatStore:       seatStore,
			DelegateStore:   delegateStore,
			Backend:         containerBackend,
			Leader:          leaderService,
			Resolver:        resolver,
			RuntimeValues:   runtimeValues,
			TestStrategy:    testStrategy,
			Bus:             bus,
			EnableScaleDown: cfg.EnableScaleDown,
		})
		sc.Start(ctx)
		scalers = append(scalers, sc)

		dispatchers[sp.ID] = scaler.NewDispatcher(
			sp.ID, proxyStore, seatStore, delegateStore,
			mappingManager, runtimeValues, bus, cfg.SeatWaitTimeout,
		)
		logger.Infof("Seat pool enabled for spec %s (min %d seats)", sp.ID, sp.Sharing.MinimumSeatsAvailable)
	}

	apiServer := api.NewServer(
		&api.ProxyFacade{Service: proxyService, Dispatchers: dispatchers},
		mappingManager, cfg.PublicPathPrefix,
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Listening on %s (instance %s)", cfg.ListenAddr, instanceID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP server shutdown: %v", err)
		}
		for _, sc := range scalers {
			sc.Stop()
		}
		return proxyService.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
