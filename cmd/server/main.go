// Command server runs the fleet control plane: offer search, instance
// lifecycle, standby failover, serverless scaling, and the agent
// heartbeat ingress.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpufleet/gpufleet/internal/api"
	"github.com/gpufleet/gpufleet/internal/checkpoint"
	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/cost"
	"github.com/gpufleet/gpufleet/internal/history"
	"github.com/gpufleet/gpufleet/internal/ingress"
	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/provider/gcloud"
	"github.com/gpufleet/gpufleet/internal/provider/vastai"
	"github.com/gpufleet/gpufleet/internal/region"
	"github.com/gpufleet/gpufleet/internal/serverless"
	"github.com/gpufleet/gpufleet/internal/service/instance"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/internal/standby"
	"github.com/gpufleet/gpufleet/internal/storage"
)

const version = "0.1.0"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting fleet control plane",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port))

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	historyStore := storage.NewHistoryStore(db)
	standbyStore := storage.NewStandbyStore(db)
	serverlessStore := storage.NewServerlessStore(db)
	usageStore := storage.NewUsageStore(db)
	eventStore := storage.NewEventStore(db)

	// Providers
	var gpu provider.GPUProvider
	if cfg.Providers.VastAI.Enabled {
		gpu = vastai.NewClient(cfg.Providers.VastAI.APIKey)
		logger.Info("initialized spot GPU provider", slog.String("provider", "vastai"))
	}
	if gpu == nil {
		logger.Error("no GPU provider configured")
		os.Exit(1)
	}

	var cpu provider.CPUProvider
	if cfg.Providers.GCloud.Enabled && cfg.Providers.GCloud.CredentialsFile != "" {
		gc, err := gcloud.NewClient(cfg.Providers.GCloud.CredentialsFile, cfg.Providers.GCloud.Project)
		if err != nil {
			logger.Error("failed to initialize CPU provider", slog.String("error", err.Error()))
			os.Exit(1)
		}
		cpu = gc
		logger.Info("initialized standby CPU provider",
			slog.String("provider", "gcloud"),
			slog.String("project", cfg.Providers.GCloud.Project))
	}

	sshPrivateKey := loadPrivateKey(logger, cfg.SSH.PrivateKey)

	// Machine history and blacklist
	tracker := history.NewTracker(historyStore, history.WithEventSink(eventStore))

	// Snapshot engine (optional, needs the object store)
	var snaps *snapshot.Engine
	if cfg.ObjectStore.Endpoint != "" {
		snaps, err = snapshot.NewEngine(snapshot.S3Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			Bucket:    cfg.ObjectStore.Bucket,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Password:  cfg.ObjectStore.Password,
		}, cfg.SSH.User, sshPrivateKey)
		if err != nil {
			logger.Error("failed to initialize snapshot engine", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("snapshot engine ready", slog.String("bucket", cfg.ObjectStore.Bucket))
	} else {
		logger.Warn("object store not configured, snapshots and migration disabled")
	}

	ckpt := checkpoint.NewEngine(cfg.SSH.User, sshPrivateKey)

	// Standby manager
	zones := region.NewResolver()
	manager := standby.NewManager(standbyStore, zones, eventStore).WithBlacklist(tracker)
	if cpu != nil && sshPrivateKey != "" {
		err = manager.Configure(standby.Config{
			AutoStandbyEnabled:  cfg.Standby.AutoStandby,
			MachineType:         cfg.Providers.GCloud.MachineType,
			DiskGB:              cfg.Providers.GCloud.DiskGB,
			ImageFamily:         cfg.Providers.GCloud.ImageFamily,
			WorkspacePath:       cfg.Standby.WorkspacePath,
			RelayRoot:           cfg.Standby.RelayDir,
			SyncInterval:        cfg.Sync.Interval,
			BandwidthCap:        cfg.Sync.BandwidthLimit,
			MinFreeGB:           cfg.Sync.MinFreeGB,
			AutoFailover:        cfg.Standby.AutoFailover,
			AutoRecovery:        cfg.Standby.AutoRecovery,
			HealthCheckInterval: cfg.Standby.HealthCheckInterval,
			FailoverThreshold:   cfg.Standby.FailoverThreshold,
			SSHUser:             cfg.SSH.User,
			SSHPublicKey:        cfg.Instances.SSHPublicKey,
			SSHPrivateKey:       sshPrivateKey,
			RecoveryMinVRAM:     cfg.Standby.RecoveryMinVRAM,
			RecoveryMaxPrice:    cfg.Standby.RecoveryMaxPrice,
			RecoveryRegions:     cfg.Standby.PreferredRegions,
			RecoveryImage:       cfg.Instances.DefaultImage,
		}, gpu, cpu)
		if err != nil {
			logger.Error("failed to configure standby manager", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("standby manager configured",
			slog.Bool("auto_standby", cfg.Standby.AutoStandby),
			slog.Bool("auto_failover", cfg.Standby.AutoFailover))
	} else {
		logger.Warn("standby manager not configured, failover disabled")
	}

	// Serverless scheduler with its fallback chain
	fallbackCfg := serverless.FallbackConfig{
		PriceCap:      cfg.Serverless.FallbackMaxPrice,
		Image:         cfg.Instances.DefaultImage,
		WorkspacePath: cfg.Standby.WorkspacePath,
		SSHPublicKey:  cfg.Instances.SSHPublicKey,
	}
	var strategies []serverless.FallbackStrategy
	if snaps != nil {
		snapFallback := serverless.NewSnapshotStrategy(gpu, snaps, fallbackCfg)
		if manager.IsConfigured() {
			snapFallback = snapFallback.WithEndpointSource(manager)
		}
		strategies = append(strategies, snapFallback)
	}
	strategies = append(strategies, serverless.NewDiskMigrationStrategy(gpu, fallbackCfg))

	scheduler := serverless.NewScheduler(serverlessStore, eventStore,
		serverless.WithCheckpointer(ckpt),
		serverless.WithStandby(manager),
		serverless.WithFallbacks(strategies...))
	err = scheduler.Configure(serverless.Config{
		CheckInterval:    cfg.Serverless.CheckInterval,
		MinRuntime:       cfg.Serverless.MinRuntime,
		SSHVerifyTimeout: cfg.Serverless.SSHVerifyTimeout,
		IdleRateFraction: cfg.Serverless.IdleRateFraction,
		FallbackPriceCap: cfg.Serverless.FallbackMaxPrice,
		WorkspacePath:    cfg.Standby.WorkspacePath,
		Image:            cfg.Instances.DefaultImage,
		SSHUser:          cfg.SSH.User,
		SSHPrivateKey:    sshPrivateKey,
	}, gpu)
	if err != nil {
		logger.Error("failed to configure serverless scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Usage ledger
	ledger := cost.New(usageStore, cost.WithAccrualInterval(cfg.Usage.AccrualInterval))
	if err := ledger.Start(ctx); err != nil {
		logger.Error("failed to start usage ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Instance lifecycle service
	svcOpts := []instance.Option{
		instance.WithStandby(manager),
		instance.WithUsageTracking(ledger),
		instance.WithEventSink(eventStore),
	}
	if snaps != nil {
		svcOpts = append(svcOpts, instance.WithSnapshots(snaps))
	}
	svc := instance.New(gpu, tracker, instance.Config{
		Image:            cfg.Instances.DefaultImage,
		WorkspacePath:    cfg.Standby.WorkspacePath,
		SSHPublicKey:     cfg.Instances.SSHPublicKey,
		ProvisionTimeout: cfg.Instances.ProvisionTimeout,
	}, svcOpts...)

	// Agent heartbeat ingress
	receiver := ingress.New(manager, scheduler)

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithStandby(manager),
		api.WithServerless(scheduler),
		api.WithBlacklist(tracker),
		api.WithLedger(ledger),
		api.WithIngress(receiver),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	if snaps != nil {
		apiOpts = append(apiOpts, api.WithSnapshots(snaps, cfg.Standby.WorkspacePath))
	}
	server := api.New(svc, apiOpts...)
	server.SetReady(true)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("shutting down", slog.String("signal", sig.String()))
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		scheduler.Shutdown()
		manager.Shutdown()
		ledger.Stop()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadPrivateKey resolves the SSH private key from config, treating the
// value as a path when PRIVATE_KEY_FILE points at one.
func loadPrivateKey(logger *slog.Logger, configured string) string {
	if path := os.Getenv("PRIVATE_KEY_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read private key file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		return string(data)
	}
	return configured
}
