package dockerrunner

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/phillipcheng/claude-task-automation-server/internal/platform/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/runner"
)

func randSuffix() string {
	return uuid.New().String()[:8]
}

// Backend implements runner.Backend on top of the Docker SDK client,
// one container per Start call (labeled so orphans can be swept).
type Backend struct {
	client *Client
	image  string
	logger *logger.Logger
}

var _ runner.Backend = (*Backend)(nil)

// New creates a Docker-backed runner.Backend.
func New(cfg config.DockerConfig, log *logger.Logger) (*Backend, error) {
	cli, err := NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Backend{client: cli, image: cfg.Image, logger: log}, nil
}

type process struct {
	client      *Client
	containerID string
	attach      *AttachResult
	waitCh      chan error
}

var _ runner.Process = (*process)(nil)

func (b *Backend) Start(ctx context.Context, spec runner.Spec) (runner.Process, error) {
	cmd := append([]string{spec.Command}, spec.Args...)

	containerID, err := b.client.CreateContainerInteractive(ctx, ContainerConfig{
		Name:       "taskengine-assistant-" + randSuffix(),
		Image:      b.image,
		Cmd:        cmd,
		Env:        spec.Env,
		WorkingDir: spec.Dir,
		Mounts:     []MountConfig{{Source: spec.Dir, Target: spec.Dir, ReadOnly: false}},
		AutoRemove: false,
		Labels:     map[string]string{"component": "taskengine-assistant"},
	})
	if err != nil {
		return nil, err
	}

	attach, err := b.client.AttachContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	p := &process{client: b.client, containerID: containerID, attach: attach, waitCh: make(chan error, 1)}
	go func() {
		_, err := b.client.WaitContainer(context.Background(), containerID)
		p.waitCh <- err
	}()
	return p, nil
}

func (p *process) PID() string       { return p.containerID }
func (p *process) Stdout() io.Reader { return p.attach.Stdout }

func (p *process) Interrupt() error {
	return p.client.KillContainer(context.Background(), p.containerID, "SIGINT")
}

func (p *process) Kill() error {
	return p.client.KillContainer(context.Background(), p.containerID, "SIGKILL")
}

func (p *process) Wait() error {
	err := <-p.waitCh
	_ = p.attach.Conn.Close()
	_ = p.client.RemoveContainer(context.Background(), p.containerID)
	return err
}
