// Package devagent launches a local reference agent container for
// development, standing in for an already-deployed remote agent so the host
// can be exercised end to end without a real agent service on hand
// (SPEC_FULL.md §2.2). It has no role on the request hot path: Transport
// never imports this package, and a production deployment runs with
// devAgent.enabled = false.
package devagent

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
)

// Launcher wraps the Docker SDK to start and stop a single reference agent
// container, grounded on the teacher's internal/agent/docker.Client (pull/
// create/start/stop/remove), stripped to the subset a networked HTTP agent
// needs: no stdio attach, no log multiplexing, just a published port.
type Launcher struct {
	cli    *client.Client
	logger *logger.Logger
	cfg    config.DevAgentConfig

	containerID string
}

// NewLauncher creates a Docker client configured per cfg.
func NewLauncher(cfg config.DevAgentConfig, log *logger.Logger) (*Launcher, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Launcher{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "devagent")),
		cfg:    cfg,
	}, nil
}

// Start pulls cfg.Image, runs it with cfg.ContainerPort published to
// cfg.HostPort (or a daemon-chosen port if HostPort is 0), and returns the
// base URL a Transport can reach it at.
func (l *Launcher) Start(ctx context.Context) (string, error) {
	startCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.StartTimeoutS)*time.Second)
	defer cancel()

	if err := l.pullImage(startCtx); err != nil {
		return "", err
	}

	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", l.cfg.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", l.cfg.ContainerPort, err)
	}

	bindings := nat.PortMap{containerPort: []nat.PortBinding{{HostIP: "127.0.0.1"}}}
	if l.cfg.HostPort != 0 {
		bindings[containerPort][0].HostPort = fmt.Sprintf("%d", l.cfg.HostPort)
	}

	containerCfg := &container.Config{
		Image:        l.cfg.Image,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels:       map[string]string{"a2ahost.devagent": l.cfg.AgentName},
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   true,
	}

	resp, err := l.cli.ContainerCreate(startCtx, containerCfg, hostCfg, nil, nil, "a2ahost-devagent-"+l.cfg.AgentName)
	if err != nil {
		return "", fmt.Errorf("create dev agent container: %w", err)
	}
	l.containerID = resp.ID

	if err := l.cli.ContainerStart(startCtx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start dev agent container: %w", err)
	}

	inspect, err := l.cli.ContainerInspect(startCtx, resp.ID)
	if err != nil {
		return "", fmt.Errorf("inspect dev agent container: %w", err)
	}
	published, ok := inspect.NetworkSettings.Ports[containerPort]
	if !ok || len(published) == 0 {
		return "", fmt.Errorf("dev agent container did not publish port %s", containerPort)
	}

	url := fmt.Sprintf("http://%s:%s", published[0].HostIP, published[0].HostPort)
	l.logger.Info("dev agent container started",
		zap.String("container_id", resp.ID), zap.String("url", url))
	return url, nil
}

// Stop removes the running container, if any. AutoRemove makes this
// best-effort: a container that already exited has nothing left to remove.
func (l *Launcher) Stop(ctx context.Context) error {
	if l.containerID == "" {
		return nil
	}
	timeout := 5
	if err := l.cli.ContainerStop(ctx, l.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		l.logger.Warn("dev agent container stop failed", zap.Error(err))
	}
	return l.cli.Close()
}

func (l *Launcher) pullImage(ctx context.Context) error {
	reader, err := l.cli.ImagePull(ctx, l.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull dev agent image %s: %w", l.cfg.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read dev agent image pull output: %w", err)
	}
	return nil
}
