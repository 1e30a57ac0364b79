package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"sbom-orchestrator/api/rest/routes"
	"sbom-orchestrator/config"
	"sbom-orchestrator/core/controller"
	"sbom-orchestrator/core/executor"
	"sbom-orchestrator/core/initializer"
	"sbom-orchestrator/core/leader"
	"sbom-orchestrator/core/notify"
	"sbom-orchestrator/core/repository"
	"sbom-orchestrator/core/repository/memstore"
	"sbom-orchestrator/core/resolver"
	"sbom-orchestrator/core/scheduler"
	"sbom-orchestrator/core/spec"
	"sbom-orchestrator/core/workerpool"
	"sbom-orchestrator/providers/advisory"
	"sbom-orchestrator/providers/aws"
	"sbom-orchestrator/providers/buildsystem"
	"sbom-orchestrator/providers/httpclient"
	"sbom-orchestrator/storage"
)

func run(ctx context.Context, cfg *config.Config) error {
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// background loops stop before the store is closed
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	bus := notify.NewBus()
	pool := workerpool.New(workerpool.Options{WorkerCount: cfg.Workers.Count, QueueSize: cfg.Workers.QueueSize})
	background(pool.Start)

	provider := spec.DefaultProvider()
	if cfg.Generators.Catalogue != "" {
		if provider, err = spec.LoadProvider(cfg.Generators.Catalogue); err != nil {
			return err
		}
	}

	in := initializer.New(store, newResolvers(cfg.Resolver, store), provider, bus, pool)
	in.Subscribe()

	var kube kubernetes.Interface
	if len(cfg.Controller.Enabled) > 0 || cfg.Leader.Mode == config.LeaderKubernetes {
		if kube, err = newKubernetesClient(cfg.Kubernetes); err != nil {
			return err
		}
	}

	elector, err := newElector(cfg.Leader, cfg.Kubernetes, kube)
	if err != nil {
		return err
	}
	if k, ok := elector.(*leader.Kubernetes); ok {
		background(k.Run)
	}

	deployment := scheduler.Deployment{
		Release: cfg.Scheduler.Release,
		Target:  cfg.Scheduler.Target,
		Type:    cfg.Scheduler.Type,
		Zone:    cfg.Scheduler.Zone,
	}
	sched := scheduler.NewScheduler(store, elector, bus, scheduler.Config{
		Deployment:    deployment,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		BatchSize:     cfg.Scheduler.BatchSize,
		Interval:      cfg.Scheduler.Interval,
	})
	background(sched.Start)
	defer sched.Stop()

	sweeper := initializer.NewSweeper(in, elector, initializer.SweepConfig{
		Interval:  cfg.Initializer.SweepInterval,
		Grace:     cfg.Initializer.SweepGrace,
		BatchSize: cfg.Initializer.SweepBatchSize,
	})
	background(sweeper.Start)
	defer sweeper.Stop()

	registry, err := newControllers(ctx, cfg, deployment, store, bus, pool, kube)
	if err != nil {
		return err
	}
	registry.Subscribe()
	background(registry.Start)

	r := mux.NewRouter()
	routes.SetupRoutes(r, store, in, registry)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server exited")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, func(), error) {
	if cfg.URL == "" {
		log.Warn().Msg("No database configured, using the in-memory store")
		return memstore.New(), func() {}, nil
	}

	db, err := repository.NewDB(ctx, cfg.URL, cfg.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	log.Info().Msg("Database connected successfully")
	return repository.NewPostgresStore(db), func() { db.Close() }, nil
}

func newResolvers(cfg config.ResolverConfig, store repository.Store) *resolver.Registry {
	resolvers := resolver.NewRegistry()
	if cfg.Advisory.URL == "" || cfg.BuildSystem.URL == "" {
		log.Info().Msg("Advisory resolver disabled, advisory or build system URL not configured")
		return resolvers
	}

	advisories := advisory.NewClient(httpclient.Options{
		BaseURL:  cfg.Advisory.URL,
		Token:    cfg.Advisory.Token,
		Timeout:  cfg.Advisory.Timeout,
		RetryMax: cfg.Advisory.RetryMax,
	})
	builds := buildsystem.NewClient(buildsystem.Options{
		HTTP: httpclient.Options{
			BaseURL:  cfg.BuildSystem.URL,
			Token:    cfg.BuildSystem.Token,
			Timeout:  cfg.BuildSystem.Timeout,
			RetryMax: cfg.BuildSystem.RetryMax,
		},
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
	})
	resolvers.Register(resolver.NewAdvisoryResolver(advisories, builds, store, resolver.AdvisoryOptions{
		BatchSize:       cfg.BatchSize,
		Concurrency:     cfg.Concurrency,
		MaxAttempts:     cfg.MaxAttempts,
		CallTimeout:     cfg.CallTimeout,
		InitialInterval: cfg.InitialInterval,
	}))
	return resolvers
}

func newKubernetesClient(cfg config.KubernetesConfig) (kubernetes.Interface, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}

func newElector(cfg config.LeaderConfig, kcfg config.KubernetesConfig, kube kubernetes.Interface) (leader.Elector, error) {
	if cfg.Mode != config.LeaderKubernetes {
		log.Info().Msg("Static leader election, this process always schedules")
		return leader.Static(true), nil
	}
	return leader.NewKubernetes(kube, leader.KubernetesConfig{
		Namespace:     kcfg.Namespace,
		LeaseName:     cfg.LeaseName,
		Identity:      cfg.Identity,
		LeaseDuration: cfg.LeaseDuration,
		RenewDeadline: cfg.RenewDeadline,
		RetryPeriod:   cfg.RetryPeriod,
	})
}

func newControllers(
	ctx context.Context,
	cfg *config.Config,
	deployment scheduler.Deployment,
	store repository.Store,
	bus *notify.Bus,
	pool *workerpool.Pool,
	kube kubernetes.Interface,
) (*controller.Registry, error) {
	if len(cfg.Controller.Enabled) == 0 {
		return controller.NewRegistry(store, bus), nil
	}

	backend := executor.NewKubernetesBackend(kube, cfg.Kubernetes.Namespace, cfg.Kubernetes.ServiceAccount)
	harvester, err := controller.NewHarvester(cfg.Controller.WorkDir, cfg.Controller.HarvestPattern)
	if err != nil {
		return nil, err
	}

	var post controller.PostProcessor
	if cfg.Archive.Enabled {
		client, err := aws.NewClient(ctx, aws.Options{
			Region:          cfg.Archive.Region,
			Bucket:          cfg.Archive.Bucket,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		post = storage.NewManifestArchive(client, cfg.Archive.Prefix)
		log.Info().Str("bucket", client.Bucket()).Msg("Manifest archive enabled")
	}

	rcfg := controller.Config{
		Deployment:     deployment.Key(),
		WorkspaceClaim: cfg.Kubernetes.WorkspaceClaim,
		MountPath:      cfg.Kubernetes.MountPath,
		Interval:       cfg.Controller.Interval,
		AbortOnCancel:  cfg.Controller.AbortOnCancel,
	}

	var reconcilers []*controller.Reconciler
	for _, name := range cfg.Controller.Enabled {
		var gen controller.Generator
		switch name {
		case controller.GeneratorSyft:
			gen = controller.Syft{}
		case controller.GeneratorCycloneDXMaven:
			gen = controller.CycloneDXMaven{PluginVersion: cfg.Controller.MavenPluginVersion}
		default:
			return nil, fmt.Errorf("unknown generator %q in controller.enabled", name)
		}
		reconcilers = append(reconcilers, controller.NewReconciler(gen, store, backend, bus, pool, harvester, post, rcfg))
	}
	return controller.NewRegistry(store, bus, reconcilers...), nil
}
