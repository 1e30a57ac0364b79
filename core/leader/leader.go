// Package leader tells periodic tasks whether this process may run them.
package leader

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// Elector reports whether this process currently holds leadership
type Elector interface {
	IsLeader() bool
}

// Static is an Elector with fixed leadership, for single-process deployments and tests
type Static bool

func (s Static) IsLeader() bool { return bool(s) }

// Flag is an Elector whose leadership is toggled by the caller
type Flag struct {
	leader atomic.Bool
}

// Set changes the reported leadership
func (f *Flag) Set(leader bool) { f.leader.Store(leader) }

func (f *Flag) IsLeader() bool { return f.leader.Load() }

// KubernetesConfig configures Lease-based election
type KubernetesConfig struct {
	Namespace     string
	LeaseName     string
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// Kubernetes elects a leader through a coordination.k8s.io Lease
type Kubernetes struct {
	identity    string
	retryPeriod time.Duration
	leading     atomic.Bool
	// run takes part in one election, replaced in tests
	run func(ctx context.Context)
}

// Identity returns hostname_uuid, unique per process
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "_" + uuid.NewString()
}

// NewKubernetes creates a Lease-based elector. Call Run to take part in elections.
func NewKubernetes(client kubernetes.Interface, cfg KubernetesConfig) (*Kubernetes, error) {
	if cfg.Identity == "" {
		cfg.Identity = Identity()
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 15 * time.Second
	}
	if cfg.RenewDeadline == 0 {
		cfg.RenewDeadline = 10 * time.Second
	}
	if cfg.RetryPeriod == 0 {
		cfg.RetryPeriod = 2 * time.Second
	}

	k := &Kubernetes{identity: cfg.Identity, retryPeriod: cfg.RetryPeriod}
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{Name: cfg.LeaseName, Namespace: cfg.Namespace},
		Client:    client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(context.Context) {
				k.leading.Store(true)
				log.Info().Str("identity", cfg.Identity).Msg("Acquired leadership")
			},
			OnStoppedLeading: func() {
				if k.leading.Swap(false) {
					log.Info().Str("identity", cfg.Identity).Msg("Lost leadership")
				}
			},
			OnNewLeader: func(identity string) {
				if identity != cfg.Identity {
					log.Info().Str("leader", identity).Msg("New leader elected")
				}
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create leader elector: %w", err)
	}
	k.run = elector.Run
	return k, nil
}

// Run takes part in elections until ctx is done, rejoining one retry period
// after a lost lease
func (k *Kubernetes) Run(ctx context.Context) {
	for {
		k.run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(k.retryPeriod):
			log.Info().Str("identity", k.identity).Msg("Rejoining leader election")
		}
	}
}

func (k *Kubernetes) IsLeader() bool { return k.leading.Load() }

// ID returns the identity this process elects with
func (k *Kubernetes) ID() string { return k.identity }
