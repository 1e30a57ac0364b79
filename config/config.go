package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sbom-orchestrator/core/errors"
)

// EnvPrefix prefixes environment overrides, e.g. SBOM_SCHEDULER_MAX_CONCURRENT
const EnvPrefix = "SBOM"

// Leader election modes
const (
	LeaderStatic     = "static"
	LeaderKubernetes = "kubernetes"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Initializer InitializerConfig `mapstructure:"initializer"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Leader      LeaderConfig      `mapstructure:"leader"`
	Kubernetes  KubernetesConfig  `mapstructure:"kubernetes"`
	Controller  ControllerConfig  `mapstructure:"controller"`
	Generators  GeneratorsConfig  `mapstructure:"generators"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WorkersConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

// InitializerConfig tunes the sweep that recovers stalled events
type InitializerConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepGrace     time.Duration `mapstructure:"sweep_grace"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
}

// SchedulerConfig identifies the deployment this process schedules for and
// bounds its concurrency
type SchedulerConfig struct {
	Release       string        `mapstructure:"release"`
	Target        string        `mapstructure:"target"`
	Type          string        `mapstructure:"type"`
	Zone          string        `mapstructure:"zone"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	BatchSize     int           `mapstructure:"batch_size"`
	Interval      time.Duration `mapstructure:"interval"`
}

type LeaderConfig struct {
	Mode          string        `mapstructure:"mode"`
	LeaseName     string        `mapstructure:"lease_name"`
	Identity      string        `mapstructure:"identity"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

type KubernetesConfig struct {
	// Kubeconfig is used outside a cluster; in-cluster config otherwise
	Kubeconfig     string `mapstructure:"kubeconfig"`
	Namespace      string `mapstructure:"namespace"`
	ServiceAccount string `mapstructure:"service_account"`
	WorkspaceClaim string `mapstructure:"workspace_claim"`
	MountPath      string `mapstructure:"mount_path"`
}

type ControllerConfig struct {
	// WorkDir is where this process sees the workspace volume
	WorkDir        string        `mapstructure:"work_dir"`
	HarvestPattern string        `mapstructure:"harvest_pattern"`
	Interval       time.Duration `mapstructure:"interval"`
	AbortOnCancel  bool          `mapstructure:"abort_on_cancel"`
	// Enabled lists the generators this process reconciles
	Enabled []string `mapstructure:"enabled"`
	// MavenPluginVersion pins the cyclonedx-maven-plugin
	MavenPluginVersion string `mapstructure:"maven_plugin_version"`
}

// GeneratorsConfig points at the generator catalogue. The built-in catalogue
// is used when Catalogue is empty.
type GeneratorsConfig struct {
	Catalogue string `mapstructure:"catalogue"`
}

type UpstreamConfig struct {
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry_max"`
}

type ResolverConfig struct {
	BatchSize       int            `mapstructure:"batch_size"`
	Concurrency     int            `mapstructure:"concurrency"`
	MaxAttempts     int            `mapstructure:"max_attempts"`
	CallTimeout     time.Duration  `mapstructure:"call_timeout"`
	InitialInterval time.Duration  `mapstructure:"initial_interval"`
	Advisory        UpstreamConfig `mapstructure:"advisory"`
	BuildSystem     UpstreamConfig `mapstructure:"build_system"`
	CacheSize       int            `mapstructure:"cache_size"`
	CacheTTL        time.Duration  `mapstructure:"cache_ttl"`
}

// ArchiveConfig enables copying manifests to S3 after generation
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", ShutdownTimeout: 30 * time.Second},
		Database: DatabaseConfig{MaxOpenConns: 10, Migrate: true},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Workers:  WorkersConfig{Count: 8, QueueSize: 256},
		Initializer: InitializerConfig{
			SweepInterval:  30 * time.Second,
			SweepGrace:     time.Minute,
			SweepBatchSize: 100,
		},
		Scheduler: SchedulerConfig{
			Release:       "local",
			Target:        "kubernetes",
			Type:          "default",
			Zone:          "default",
			MaxConcurrent: 20,
			BatchSize:     10,
			Interval:      5 * time.Second,
		},
		Leader: LeaderConfig{
			Mode:          LeaderStatic,
			LeaseName:     "sbom-orchestrator-scheduler",
			LeaseDuration: 15 * time.Second,
			RenewDeadline: 10 * time.Second,
			RetryPeriod:   2 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			Namespace:      "default",
			WorkspaceClaim: "sbom-workspace",
			MountPath:      "/workspace",
		},
		Controller: ControllerConfig{
			WorkDir:            "/workspace",
			HarvestPattern:     "{*bom.json,**/*bom.json}",
			Interval:           15 * time.Second,
			Enabled:            []string{"syft", "cyclonedx-maven"},
			MavenPluginVersion: "2.9.1",
		},
		Resolver: ResolverConfig{
			BatchSize:       50,
			Concurrency:     4,
			MaxAttempts:     10,
			CallTimeout:     30 * time.Second,
			InitialInterval: 500 * time.Millisecond,
			Advisory:        UpstreamConfig{Timeout: 30 * time.Second, RetryMax: 2},
			BuildSystem:     UpstreamConfig{Timeout: 30 * time.Second, RetryMax: 2},
			CacheSize:       4096,
			CacheTTL:        30 * time.Minute,
		},
		Archive: ArchiveConfig{Prefix: "manifests"},
	}
}

// SetDefaults registers default values with v so that every key can be
// overridden from the environment
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.migrate", d.Database.Migrate)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("workers.count", d.Workers.Count)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)

	v.SetDefault("initializer.sweep_interval", d.Initializer.SweepInterval)
	v.SetDefault("initializer.sweep_grace", d.Initializer.SweepGrace)
	v.SetDefault("initializer.sweep_batch_size", d.Initializer.SweepBatchSize)

	v.SetDefault("scheduler.release", d.Scheduler.Release)
	v.SetDefault("scheduler.target", d.Scheduler.Target)
	v.SetDefault("scheduler.type", d.Scheduler.Type)
	v.SetDefault("scheduler.zone", d.Scheduler.Zone)
	v.SetDefault("scheduler.max_concurrent", d.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.batch_size", d.Scheduler.BatchSize)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)

	v.SetDefault("leader.mode", d.Leader.Mode)
	v.SetDefault("leader.lease_name", d.Leader.LeaseName)
	v.SetDefault("leader.identity", d.Leader.Identity)
	v.SetDefault("leader.lease_duration", d.Leader.LeaseDuration)
	v.SetDefault("leader.renew_deadline", d.Leader.RenewDeadline)
	v.SetDefault("leader.retry_period", d.Leader.RetryPeriod)

	v.SetDefault("kubernetes.kubeconfig", d.Kubernetes.Kubeconfig)
	v.SetDefault("kubernetes.namespace", d.Kubernetes.Namespace)
	v.SetDefault("kubernetes.service_account", d.Kubernetes.ServiceAccount)
	v.SetDefault("kubernetes.workspace_claim", d.Kubernetes.WorkspaceClaim)
	v.SetDefault("kubernetes.mount_path", d.Kubernetes.MountPath)

	v.SetDefault("controller.work_dir", d.Controller.WorkDir)
	v.SetDefault("controller.harvest_pattern", d.Controller.HarvestPattern)
	v.SetDefault("controller.interval", d.Controller.Interval)
	v.SetDefault("controller.abort_on_cancel", d.Controller.AbortOnCancel)
	v.SetDefault("controller.enabled", d.Controller.Enabled)
	v.SetDefault("controller.maven_plugin_version", d.Controller.MavenPluginVersion)

	v.SetDefault("generators.catalogue", d.Generators.Catalogue)

	v.SetDefault("resolver.batch_size", d.Resolver.BatchSize)
	v.SetDefault("resolver.concurrency", d.Resolver.Concurrency)
	v.SetDefault("resolver.max_attempts", d.Resolver.MaxAttempts)
	v.SetDefault("resolver.call_timeout", d.Resolver.CallTimeout)
	v.SetDefault("resolver.initial_interval", d.Resolver.InitialInterval)
	v.SetDefault("resolver.advisory.url", d.Resolver.Advisory.URL)
	v.SetDefault("resolver.advisory.token", d.Resolver.Advisory.Token)
	v.SetDefault("resolver.advisory.timeout", d.Resolver.Advisory.Timeout)
	v.SetDefault("resolver.advisory.retry_max", d.Resolver.Advisory.RetryMax)
	v.SetDefault("resolver.build_system.url", d.Resolver.BuildSystem.URL)
	v.SetDefault("resolver.build_system.token", d.Resolver.BuildSystem.Token)
	v.SetDefault("resolver.build_system.timeout", d.Resolver.BuildSystem.Timeout)
	v.SetDefault("resolver.build_system.retry_max", d.Resolver.BuildSystem.RetryMax)
	v.SetDefault("resolver.cache_size", d.Resolver.CacheSize)
	v.SetDefault("resolver.cache_ttl", d.Resolver.CacheTTL)

	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("archive.region", d.Archive.Region)
	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.endpoint", d.Archive.Endpoint)
	v.SetDefault("archive.access_key_id", d.Archive.AccessKeyID)
	v.SetDefault("archive.secret_access_key", d.Archive.SecretAccessKey)
}

// NewViper returns a viper instance with defaults and SBOM_ environment
// overrides. configFile is optional; a missing file is an error only when
// it was named explicitly.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// plain DATABASE_URL keeps working for existing deployments
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...interface{}) {
		errs = append(errs, errors.NewValidationError(field, fmt.Sprintf(format, args...)))
	}

	if c.Server.Port == "" {
		invalid("server.port", "must be set")
	}
	if c.Initializer.SweepInterval <= 0 {
		invalid("initializer.sweep_interval", "must be positive")
	}
	if c.Initializer.SweepGrace < 0 {
		invalid("initializer.sweep_grace", "must not be negative")
	}
	if c.Initializer.SweepBatchSize <= 0 {
		invalid("initializer.sweep_batch_size", "must be positive, got %d", c.Initializer.SweepBatchSize)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		invalid("scheduler.max_concurrent", "must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.BatchSize <= 0 {
		invalid("scheduler.batch_size", "must be positive, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.Interval <= 0 {
		invalid("scheduler.interval", "must be positive")
	}
	for _, part := range []struct{ field, value string }{
		{"scheduler.release", c.Scheduler.Release},
		{"scheduler.target", c.Scheduler.Target},
		{"scheduler.type", c.Scheduler.Type},
		{"scheduler.zone", c.Scheduler.Zone},
	} {
		if part.value == "" || strings.Contains(part.value, "/") {
			invalid(part.field, "must be a non-empty name without '/', got %q", part.value)
		}
	}
	switch c.Leader.Mode {
	case LeaderStatic, LeaderKubernetes:
	default:
		invalid("leader.mode", "must be %q or %q, got %q", LeaderStatic, LeaderKubernetes, c.Leader.Mode)
	}
	if c.Workers.Count <= 0 {
		invalid("workers.count", "must be positive, got %d", c.Workers.Count)
	}
	if c.Resolver.MaxAttempts <= 0 {
		invalid("resolver.max_attempts", "must be positive, got %d", c.Resolver.MaxAttempts)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		invalid("archive.bucket", "must be set when the archive is enabled")
	}

	return errors.Join(errs...)
}
