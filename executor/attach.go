package executor

import (
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	logrus "github.com/sirupsen/logrus"

	"leviathan/catalog"
)

// Attachment is a bidirectional raw stream to a TTY process.
type Attachment struct {
	resp types.HijackedResponse
	once sync.Once
}

func (a *Attachment) Read(p []byte) (int, error) { return a.resp.Reader.Read(p) }

func (a *Attachment) Write(p []byte) (int, error) { return a.resp.Conn.Write(p) }

// Close tears down the stream. It is safe to call more than once.
func (a *Attachment) Close() error {
	a.once.Do(a.resp.Close)
	return nil
}

var _ io.ReadWriteCloser = (*Attachment)(nil)

// InteractiveOptions sizes a one-shot TTY container.
type InteractiveOptions struct {
	HostDir    string
	FileName   string
	Memory     int64
	MemorySwap int64
	SessionID  string
}

// CreateInteractive creates a TTY container that runs the code file in
// HostDir, mounted at /app. The container is not started.
func (cm *ContainerManager) CreateInteractive(ctx context.Context, p catalog.Profile, opts InteractiveOptions) (string, error) {
	if err := cm.ready("create"); err != nil {
		return "", err
	}

	pidsLimit := cm.cfg.PidsLimit
	config := &container.Config{
		Image:        cm.images.For(p),
		Cmd:          p.ExecuteCommand(opts.FileName),
		WorkingDir:   "/app",
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       labels(KindInteractive, p.ID, "", opts.SessionID),
	}
	hostConfig := &container.HostConfig{
		Binds: []string{opts.HostDir + ":/app"},
		Resources: container.Resources{
			Memory:     opts.Memory,
			MemorySwap: opts.MemorySwap,
			NanoCPUs:   p.NanoCPUs(),
			PidsLimit:  &pidsLimit,
			Ulimits:    defaultUlimits(),
		},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: defaultNetwork,
	}

	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		cm.logger.WithField("language", p.ID).Errorf("failed to create interactive container: %v", err)
		return "", &ProvisioningError{Op: "create", Err: err}
	}
	return resp.ID, nil
}

// StartAttached attaches to a created container and then starts it, so no
// early output is lost.
func (cm *ContainerManager) StartAttached(ctx context.Context, containerID string) (*Attachment, error) {
	if err := cm.ready("attach"); err != nil {
		return nil, err
	}
	resp, err := cm.dockerClient.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classify(containerID, "attach", err)
	}
	if err := cm.dockerClient.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		resp.Close()
		cm.dockerClient.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
		return nil, &ProvisioningError{Op: "start", Err: err}
	}
	cm.logger.WithField("container", shortID(containerID)).Info("Started interactive container")
	return &Attachment{resp: resp}, nil
}

// ShellOptions describes a shared room shell container.
type ShellOptions struct {
	Name       string
	Image      string
	RoomID     string
	Memory     int64
	MemorySwap int64
	CPUs       float64
	Network    string
	Env        []string
}

// CreateShell creates and starts a long-lived bash container for a room.
func (cm *ContainerManager) CreateShell(ctx context.Context, opts ShellOptions) (string, error) {
	if err := cm.ready("create"); err != nil {
		return "", err
	}
	network := opts.Network
	if network == "" {
		network = defaultNetwork
	}

	pidsLimit := cm.cfg.PidsLimit
	config := &container.Config{
		Image:      opts.Image,
		Cmd:        []string{"/bin/bash"},
		WorkingDir: WorkspaceDir,
		Tty:        true,
		OpenStdin:  true,
		Env:        append([]string{"ROOM_ID=" + opts.RoomID, "TERM=xterm-256color"}, opts.Env...),
		Labels:     labels(KindTerminal, "", opts.RoomID, ""),
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     opts.Memory,
			MemorySwap: opts.MemorySwap,
			NanoCPUs:   int64(opts.CPUs * 1e9),
			PidsLimit:  &pidsLimit,
			Ulimits:    defaultUlimits(),
		},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(network),
	}

	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", &ProvisioningError{Op: "create", Err: err}
	}
	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cm.dockerClient.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", &ProvisioningError{Op: "start", Err: err}
	}
	cm.logger.WithFields(logrus.Fields{
		"container": shortID(resp.ID),
		"room":      opts.RoomID,
	}).Info("Started shared terminal container")
	return resp.ID, nil
}

// ExecShell opens an interactive bash inside a running container.
func (cm *ContainerManager) ExecShell(ctx context.Context, containerID string, env []string) (*Attachment, error) {
	if err := cm.ready("exec"); err != nil {
		return nil, err
	}
	created, err := cm.dockerClient.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/bash"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   WorkspaceDir,
		Env:          env,
	})
	if err != nil {
		return nil, classify(containerID, "exec create", err)
	}
	resp, err := cm.dockerClient.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, classify(containerID, "exec attach", err)
	}
	return &Attachment{resp: resp}, nil
}
