// Package dockerrunner implements runner.Backend by launching the
// assistant inside a container instead of a bare OS process, selected via
// TASKENGINE_ASSISTANT_RUNNER=docker (spec §4.3's runner contract is backend-agnostic;
// this exercises the teacher's Docker SDK dependency for that alternative).
// Grounded on the teacher's agent/docker/client.go container lifecycle
// wrapper, adapted to the platform config/logger packages.
package dockerrunner

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/platform/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
)

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Labels      map[string]string
	AutoRemove  bool
}

// MountConfig holds one bind mount.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Client wraps the Docker SDK client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client from the task engine's Docker config.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))
	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error { return c.cli.Close() }

// AttachResult contains the streams for an interactive container.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Conn   net.Conn
}

// CreateContainerInteractive creates a container with stdin/stdout attached.
func (c *Client) CreateContainerInteractive(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	containerCfg := &container.Config{
		Image: cfg.Image, Cmd: cfg.Cmd, Env: cfg.Env, WorkingDir: cfg.WorkingDir, Labels: cfg.Labels,
		OpenStdin: true, StdinOnce: false, AttachStdin: true, AttachStdout: true, AttachStderr: true, Tty: false,
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts, NetworkMode: container.NetworkMode(cfg.NetworkMode), AutoRemove: cfg.AutoRemove,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

// AttachContainer attaches to a container's stdin/stdout/stderr.
func (c *Client) AttachContainer(ctx context.Context, containerID string) (*AttachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() { _, _ = io.Copy(resp.Conn, stdinReader) }()

	return &AttachResult{Stdin: stdinWriter, Stdout: resp.Reader, Conn: resp.Conn}, nil
}

// KillContainer sends a signal to a container.
func (c *Client) KillContainer(ctx context.Context, containerID, signal string) error {
	return c.cli.ContainerKill(ctx, containerID, signal)
}

// WaitContainer blocks until the container stops and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	return c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
