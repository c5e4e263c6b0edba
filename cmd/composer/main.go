package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/filigran/xtm-composer/internal/config"
	"github.com/filigran/xtm-composer/internal/crypto"
	"github.com/filigran/xtm-composer/internal/identity"
	"github.com/filigran/xtm-composer/internal/logger"
	"github.com/filigran/xtm-composer/internal/orchestrator"
	_ "github.com/filigran/xtm-composer/internal/orchestrator/docker"
	_ "github.com/filigran/xtm-composer/internal/orchestrator/kubernetes"
	_ "github.com/filigran/xtm-composer/internal/orchestrator/portainer"
	"github.com/filigran/xtm-composer/internal/platform"
	"github.com/filigran/xtm-composer/internal/reconciler"
)

// Exit codes, per the agent's documented CLI contract.
const (
	exitConfigError         = 1
	exitPlatformUnreach     = 2
	exitOrchestratorUnreach = 3
)

// shutdownGracePeriod bounds how long the agent waits for an in-flight
// reconciliation tick to finish after a shutdown signal before exiting
// anyway.
const shutdownGracePeriod = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "xtm-composer",
		Usage: "Connector orchestration agent bridging OpenCTI and a container orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"COMPOSER_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

func run(c *cli.Context) error {
	ctx, _ := logger.PrepareLogger(context.Background())
	defer func() { _ = logger.Sync(ctx) }()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		logger.GetLogger(ctx).Error("configuration error", zap.Error(err))
		return cli.Exit(err, exitConfigError)
	}

	id, err := identity.Load(cfg.Manager.KeyDir, cfg.Manager.ID)
	if err != nil {
		logger.GetLogger(ctx).Error("identity error", zap.Error(err))
		return cli.Exit(err, exitConfigError)
	}
	cfg.Manager.ID = id.ManagerID

	ctx = logger.WithFields(ctx, zap.String("manager_id", id.ManagerID))

	platformClient := platform.New(cfg.OpenCTI.URL, cfg.OpenCTI.Token)

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStartup()
	if err := platformClient.Register(startupCtx, id.ManagerID, cfg.Manager.Name, id.PublicKeyPEM()); err != nil {
		if _, isMismatch := err.(*platform.ProtocolMismatch); isMismatch {
			logger.GetLogger(ctx).Warn("platform does not implement registration; continuing", zap.Error(err))
		} else {
			logger.GetLogger(ctx).Error("cannot reach platform at startup", zap.Error(err))
			return cli.Exit(err, exitPlatformUnreach)
		}
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logger.GetLogger(ctx).Error("cannot reach orchestrator at startup", zap.Error(err))
		return cli.Exit(err, exitOrchestratorUnreach)
	}
	defer backend.Close()

	var decryptor *crypto.Decryptor
	if id.PrivateKey != nil {
		decryptor = crypto.New(id.PrivateKey)
	}

	rec := reconciler.New(id.ManagerID, platformClient, backend, decryptor, cfg.Manager.ReconcileInterval, cfg.Manager.LogBatchSize)

	// heartbeatCtx is canceled as soon as a shutdown signal arrives — a ping
	// has nothing worth waiting for. ctx itself stays alive through the
	// grace period below, so an in-flight reconciliation tick can finish
	// its backend/platform calls instead of having them aborted mid-flight.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	go runHeartbeat(heartbeatCtx, platformClient, id.ManagerID, cfg.Manager.HeartbeatInterval)

	logger.GetLogger(ctx).Info("xtm-composer started",
		zap.String("daemon_type", string(cfg.OpenCTI.Daemon.Type)),
		zap.Duration("reconcile_interval", cfg.Manager.ReconcileInterval),
		zap.Duration("heartbeat_interval", cfg.Manager.HeartbeatInterval),
	)

	select {
	case <-sig:
		logger.GetLogger(ctx).Info("shutdown signal received; stopping tick scheduler")
		cancelHeartbeat()
		rec.Stop()
		select {
		case <-done:
			logger.GetLogger(ctx).Info("in-flight reconciliation finished")
		case <-time.After(shutdownGracePeriod):
			logger.GetLogger(ctx).Warn("in-flight reconciliation did not finish within grace period; exiting")
		}
	case <-done:
		logger.GetLogger(ctx).Warn("reconciler loop exited on its own")
	}

	logger.GetLogger(ctx).Info("xtm-composer stopped")
	return nil
}

func runHeartbeat(ctx context.Context, client *platform.Client, managerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Ping(ctx, managerID); err != nil {
				logger.GetLogger(ctx).Warn("heartbeat ping failed", zap.Error(err))
			}
		}
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (orchestrator.Backend, error) {
	daemon := cfg.OpenCTI.Daemon

	registry := map[string]any{}
	switch daemon.Type {
	case config.DaemonKubernetes:
		return orchestrator.Create(ctx, string(daemon.Type), map[string]any{
			"namespace":       daemon.Kubernetes.Namespace,
			"kubeconfig_path": daemon.Kubernetes.KubeconfigPath,
			"in_cluster":      daemon.Kubernetes.InCluster,
			"manager_id":      cfg.Manager.ID,
		})
	case config.DaemonDocker:
		registryConfig(registry, daemon.Docker.Registry)
		return orchestrator.Create(ctx, string(daemon.Type), map[string]any{
			"socket":     daemon.Docker.Socket,
			"manager_id": cfg.Manager.ID,
			"registry":   registry,
		})
	case config.DaemonPortainer:
		return orchestrator.Create(ctx, string(daemon.Type), map[string]any{
			"url":         daemon.Portainer.URL,
			"api_key":     daemon.Portainer.APIKey,
			"endpoint_id": daemon.Portainer.EndpointID,
			"manager_id":  cfg.Manager.ID,
		})
	default:
		return nil, fmt.Errorf("unknown daemon type %q", daemon.Type)
	}
}

func registryConfig(dst map[string]any, reg config.RegistryConfig) {
	dst["url"] = reg.URL
	dst["username"] = reg.Username
	dst["password"] = reg.Password
	dst["insecure"] = reg.Insecure
}
