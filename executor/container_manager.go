package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"leviathan/catalog"
	"leviathan/stream"
)

// ManagerConfig configures the daemon connection and container defaults.
type ManagerConfig struct {
	Hosts        []string
	LogPath      string
	PingTimeout  time.Duration
	SetupTimeout time.Duration
	StopTimeout  time.Duration
	PidsLimit    int64
}

// ContainerManager drives the container daemon on behalf of the engine
type ContainerManager struct {
	dockerClient *client.Client
	host         string
	connected    atomic.Bool
	images       *Images
	logger       *logrus.Logger
	cfg          ManagerConfig
}

// NewContainerLog opens the container operation log, falling back to stderr
func NewContainerLog(path string) *logrus.Logger {
	logger := logrus.New()
	if path == "" {
		return logger
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warnf("failed to create log dir: %v", err)
		return logger
	}
	logFile, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		logger.Warnf("failed to open log file: %v", err)
		return logger
	}
	logger.SetOutput(logFile)
	return logger
}

// transports lists daemon endpoints in the order they are tried
func transports(configured []string) []string {
	candidates := append([]string{}, configured...)
	if env := os.Getenv("DOCKER_HOST"); env != "" {
		candidates = append(candidates, env)
	}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, "npipe:////./pipe/docker_engine")
	} else {
		candidates = append(candidates, "unix:///var/run/docker.sock")
	}
	candidates = append(candidates, "tcp://127.0.0.1:2375", "tcp://127.0.0.1:2376")

	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Connect tries each transport in turn. When none answers, the manager is
// returned in degraded mode and every operation fails until Ping succeeds.
func Connect(ctx context.Context, cfg ManagerConfig) *ContainerManager {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 256
	}

	cm := &ContainerManager{logger: NewContainerLog(cfg.LogPath), cfg: cfg}

	for _, host := range transports(cfg.Hosts) {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			cm.logger.WithField("host", host).Warnf("failed to create Docker client: %v", err)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		_, err = cli.Ping(pingCtx)
		cancel()
		if err != nil {
			cm.logger.WithField("host", host).Warnf("daemon did not answer: %v", err)
			if cm.dockerClient == nil {
				cm.dockerClient, cm.host = cli, host
			} else {
				cli.Close()
			}
			continue
		}
		if cm.dockerClient != nil {
			cm.dockerClient.Close()
		}
		cm.dockerClient, cm.host = cli, host
		cm.connected.Store(true)
		cm.logger.Infof("Connected to container daemon at %s", host)
		break
	}

	if !cm.connected.Load() {
		cm.logger.Error("No container daemon reachable, running degraded")
	}
	cm.images = NewImages(dockerImages{cm}, cm.logger)
	return cm
}

// Connected reports whether the last connection attempt succeeded.
func (cm *ContainerManager) Connected() bool { return cm.connected.Load() }

// Host is the daemon endpoint in use.
func (cm *ContainerManager) Host() string { return cm.host }

// Images exposes the image resolver used for new containers.
func (cm *ContainerManager) Images() *Images { return cm.images }

// Logger is the container operation log.
func (cm *ContainerManager) Logger() *logrus.Logger { return cm.logger }

// Ping checks the daemon and refreshes the connected flag.
func (cm *ContainerManager) Ping(ctx context.Context) error {
	if cm.dockerClient == nil {
		return ErrDisconnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, cm.cfg.PingTimeout)
	defer cancel()
	if _, err := cm.dockerClient.Ping(pingCtx); err != nil {
		cm.connected.Store(false)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if !cm.connected.Swap(true) {
		cm.logger.Infof("Reconnected to container daemon at %s", cm.host)
	}
	return nil
}

func (cm *ContainerManager) ready(op string) error {
	if cm.dockerClient == nil || !cm.connected.Load() {
		return &ProvisioningError{Op: op, Err: ErrDisconnected}
	}
	return nil
}

// Close releases the daemon client.
func (cm *ContainerManager) Close() error {
	if cm.dockerClient == nil {
		return nil
	}
	return cm.dockerClient.Close()
}

func defaultUlimits() []*units.Ulimit {
	return []*units.Ulimit{
		{Name: "nofile", Soft: 1024, Hard: 1024},
		{Name: "core", Soft: 0, Hard: 0},
		// Output files written by user programs
		{Name: "fsize", Soft: 64 * 1024 * 1024, Hard: 64 * 1024 * 1024},
	}
}

func labels(kind Kind, language, roomID, sessionID string) map[string]string {
	l := map[string]string{
		LabelManaged: "true",
		LabelKind:    string(kind),
	}
	if language != "" {
		l[LabelLanguage] = language
	}
	if roomID != "" {
		l[LabelRoom] = roomID
	}
	if sessionID != "" {
		l[LabelSession] = sessionID
	}
	return l
}

// buildSpec turns a profile and options into daemon create parameters.
func buildSpec(image string, p catalog.Profile, opts CreateOptions, pidsLimit int64) (*container.Config, *container.HostConfig, error) {
	memory, err := p.MemoryBytes()
	if err != nil {
		return nil, nil, err
	}
	if opts.MemoryOverride > 0 {
		memory = opts.MemoryOverride
	}
	nanoCPUs := p.NanoCPUs()
	if opts.CPUOverride > 0 {
		nanoCPUs = int64(opts.CPUOverride * 1e9)
	}
	network := opts.Network
	if network == "" {
		network = defaultNetwork
	}
	kind := opts.Kind
	if kind == "" {
		kind = KindSolo
	}

	cmd := []string{"sh", "-c", keepAliveCommand}
	if !opts.Persistent {
		cmd = p.ExecuteCommand(p.FileNameFor(""))
	}

	config := &container.Config{
		Image:      image,
		Cmd:        cmd,
		WorkingDir: WorkspaceDir,
		Tty:        opts.Persistent,
		Env:        opts.Env,
		Labels:     labels(kind, p.ID, opts.RoomID, opts.SessionID),
	}

	init := true
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory * 2,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
			Ulimits:    defaultUlimits(),
		},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(network),
		Init:        &init,
	}

	if network == "bridge" && len(opts.Ports) > 0 {
		exposed := nat.PortSet{}
		for _, port := range opts.Ports {
			proto, portNum := nat.SplitProtoPort(port)
			np, err := nat.NewPort(proto, portNum)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid port %q: %w", port, err)
			}
			exposed[np] = struct{}{}
		}
		config.ExposedPorts = exposed
		hostConfig.PublishAllPorts = true
	}

	return config, hostConfig, nil
}

// Create creates and starts a container for the given language profile
func (cm *ContainerManager) Create(ctx context.Context, p catalog.Profile, opts CreateOptions) (*ContainerHandle, error) {
	if err := cm.ready("create"); err != nil {
		return nil, err
	}

	config, hostConfig, err := buildSpec(cm.images.For(p), p, opts, cm.cfg.PidsLimit)
	if err != nil {
		return nil, &ProvisioningError{Op: "create", Err: err}
	}

	start := time.Now()
	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		cm.logger.WithField("language", p.ID).Errorf("failed to create container: %v", err)
		return nil, &ProvisioningError{Op: "create", Err: err}
	}

	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cm.dockerClient.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		cm.logger.Errorf("failed to start container %s: %v", shortID(resp.ID), err)
		return nil, &ProvisioningError{Op: "start", Err: err}
	}

	now := time.Now()
	handle := &ContainerHandle{
		ID:           uuid.NewString(),
		ContainerID:  resp.ID,
		Language:     p.ID,
		Kind:         opts.Kind,
		Persistent:   opts.Persistent,
		RoomID:       opts.RoomID,
		SessionID:    opts.SessionID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	cm.logger.WithFields(logrus.Fields{
		"container": shortID(resp.ID),
		"language":  p.ID,
		"image":     config.Image,
		"duration":  time.Since(start),
	}).Info("Started new container")
	return handle, nil
}

type setupStep struct {
	name string
	cmd  []string
}

func shell(cmd string) []string { return []string{"sh", "-c", cmd} }

// RunSetup prepares a fresh container. Failed steps are logged and skipped.
func (cm *ContainerManager) RunSetup(ctx context.Context, h *ContainerHandle, p catalog.Profile, packages []string) {
	steps := []setupStep{{"workspace", []string{"mkdir", "-p", WorkspaceDir}}}
	for _, cmd := range p.SetupCommands {
		steps = append(steps, setupStep{"setup", shell(cmd)})
	}

	var custom []string
	for _, pkg := range packages {
		if !catalog.ValidPackageName(pkg) {
			cm.logger.WithField("container", shortID(h.ContainerID)).Warnf("skipping invalid package name %q", pkg)
			continue
		}
		custom = append(custom, pkg)
	}

	if p.BuildToolsInstallCommand != "" && p.NeedsBuildTools(append(append([]string{}, p.CommonPackages...), custom...)) {
		steps = append(steps, setupStep{"build-tools", shell(p.BuildToolsInstallCommand)})
	}
	if cmd := p.InstallCommand(p.CommonPackages); cmd != nil {
		steps = append(steps, setupStep{"common-packages", cmd})
	}
	if cmd := p.InstallCommand(custom); cmd != nil {
		steps = append(steps, setupStep{"custom-packages", cmd})
	}

	cm.runSteps(ctx, h, p.ID, steps)
}

// Prime runs the language's warm-up commands. Failures are non-fatal.
func (cm *ContainerManager) Prime(ctx context.Context, h *ContainerHandle, p catalog.Profile) {
	steps := make([]setupStep, 0, len(p.PrimingCommands))
	for _, cmd := range p.PrimingCommands {
		steps = append(steps, setupStep{"prime", shell(cmd)})
	}
	cm.runSteps(ctx, h, p.ID, steps)
}

func (cm *ContainerManager) runSteps(ctx context.Context, h *ContainerHandle, language string, steps []setupStep) {
	for _, step := range steps {
		fields := logrus.Fields{
			"container": shortID(h.ContainerID),
			"language":  language,
			"step":      step.name,
		}
		res, err := cm.Exec(ctx, h.ContainerID, step.cmd, ExecOptions{Timeout: cm.cfg.SetupTimeout, WorkingDir: WorkspaceDir})
		switch {
		case err != nil:
			cm.logger.WithFields(fields).Warnf("setup step failed: %v", err)
		case res.TimedOut:
			cm.logger.WithFields(fields).Warn("setup step timed out")
		case res.ExitCode != 0:
			fields["exit_code"] = res.ExitCode
			cm.logger.WithFields(fields).Warnf("setup step exited non-zero: %s", res.Stderr)
		default:
			fields["duration"] = res.Duration
			cm.logger.WithFields(fields).Debug("setup step completed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Exec runs cmd to completion inside a running container. When the
// timeout fires the partial output is returned with TimedOut set.
func (cm *ContainerManager) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (ExecResult, error) {
	result := ExecResult{ContainerID: containerID, ExitCode: -1}
	if err := cm.ready("exec"); err != nil {
		return result, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cm.cfg.SetupTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout+killGrace)
	defer cancel()

	start := time.Now()
	created, err := cm.dockerClient.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          killAfter(cmd, timeout),
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
	})
	if err != nil {
		return result, classify(containerID, "exec create", err)
	}

	attach, err := cm.dockerClient.ContainerExecAttach(execCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return result, classify(containerID, "exec attach", err)
	}
	defer attach.Close()

	if opts.Stdin != nil {
		go func() {
			io.Copy(attach.Conn, opts.Stdin)
			attach.CloseWrite()
		}()
	}

	var stdout, stderr lockedBuffer
	done := make(chan error, 1)
	go func() {
		_, err := stream.Demux(attach.Reader, &stdout, &stderr)
		done <- err
	}()

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		if err != nil {
			return result, &StreamError{Op: "exec", Err: err}
		}
	case <-execCtx.Done():
		attach.Close()
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		cm.timedOut(&result)
		return result, nil
	}

	inspect, err := cm.dockerClient.ContainerExecInspect(context.WithoutCancel(ctx), created.ID)
	if err != nil {
		return result, classify(containerID, "exec inspect", err)
	}
	result.ExitCode = inspect.ExitCode
	if killedByTimeout(result, timeout) {
		cm.timedOut(&result)
		return result, nil
	}

	cm.logger.WithFields(logrus.Fields{
		"container": shortID(containerID),
		"exit_code": result.ExitCode,
		"duration":  result.Duration,
	}).Debug("Execution completed")
	return result, nil
}

func (cm *ContainerManager) timedOut(result *ExecResult) {
	result.TimedOut = true
	if result.Stderr != "" {
		result.Stderr += "\n"
	}
	result.Stderr += timeoutMarker
	cm.logger.WithFields(logrus.Fields{
		"container": shortID(result.ContainerID),
		"duration":  result.Duration,
	}).Warn("Execution timeout")
}

// killAfter runs cmd under timeout(1) so the process group is SIGKILLed
// inside the container once limit passes, even after the client gives up.
func killAfter(cmd []string, limit time.Duration) []string {
	secs := int64((limit + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return append([]string{"timeout", "-s", "KILL", strconv.FormatInt(secs, 10)}, cmd...)
}

func killedByTimeout(result ExecResult, limit time.Duration) bool {
	return result.ExitCode == killedExitCode && result.Duration >= limit
}

// archive packs files into a tar stream for CopyToContainer.
func archive(files map[string][]byte) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// WriteFiles copies files into dir inside the container.
func (cm *ContainerManager) WriteFiles(ctx context.Context, containerID, dir string, files map[string][]byte) error {
	if err := cm.ready("copy"); err != nil {
		return err
	}
	buf, err := archive(files)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}
	if err := cm.dockerClient.CopyToContainer(ctx, containerID, dir, buf, container.CopyToContainerOptions{}); err != nil {
		return classify(containerID, "copy", err)
	}
	return nil
}

// RemoveFiles deletes files from dir, ignoring failures.
func (cm *ContainerManager) RemoveFiles(ctx context.Context, containerID, dir string, names ...string) {
	if len(names) == 0 {
		return
	}
	cmd := append([]string{"rm", "-f", "--"}, names...)
	if _, err := cm.Exec(ctx, containerID, cmd, ExecOptions{Timeout: 5 * time.Second, WorkingDir: dir}); err != nil {
		cm.logger.WithField("container", shortID(containerID)).Debugf("failed to remove temp files: %v", err)
	}
}

// VerifyRunning reports whether the container exists and is running.
func (cm *ContainerManager) VerifyRunning(ctx context.Context, containerID string) bool {
	if containerID == "" || cm.ready("inspect") != nil {
		return false
	}
	info, err := cm.dockerClient.ContainerInspect(ctx, containerID)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	return info.State.Running
}

// Destroy stops and force-removes a container. A container that is
// already gone is not an error.
func (cm *ContainerManager) Destroy(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	if err := cm.ready("destroy"); err != nil {
		return err
	}

	timeout := int(cm.cfg.StopTimeout.Seconds())
	if err := cm.dockerClient.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			cm.logger.Debugf("container %s already gone", shortID(containerID))
			return nil
		}
		cm.logger.Debugf("stop %s failed, forcing removal: %v", shortID(containerID), err)
	}

	if err := cm.dockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		cm.logger.Errorf("Failed to remove container %s: %v", shortID(containerID), err)
		return fmt.Errorf("remove container %s: %w", shortID(containerID), err)
	}
	cm.logger.Printf("Removed container: %s", shortID(containerID))
	return nil
}

// Kill sends SIGKILL, ignoring containers that already stopped.
func (cm *ContainerManager) Kill(ctx context.Context, containerID string) error {
	if err := cm.ready("kill"); err != nil {
		return err
	}
	err := cm.dockerClient.ContainerKill(ctx, containerID, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return classify(containerID, "kill", err)
}

// Wait blocks until the container stops and returns its exit code.
func (cm *ContainerManager) Wait(ctx context.Context, containerID string) (int64, error) {
	if err := cm.ready("wait"); err != nil {
		return -1, err
	}
	statusCh, errCh := cm.dockerClient.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, classify(containerID, "wait", err)
	}
}

// ListManaged lists containers created by this engine.
func (cm *ContainerManager) ListManaged(ctx context.Context, all bool) ([]ManagedContainer, error) {
	if err := cm.ready("list"); err != nil {
		return nil, err
	}
	containers, err := cm.dockerClient.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		cm.logger.Errorf("failed to list containers: %v", err)
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ManagedContainer, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ManagedContainer{
			ID:       c.ID,
			Name:     name,
			Image:    c.Image,
			State:    string(c.State),
			Kind:     Kind(c.Labels[LabelKind]),
			Language: c.Labels[LabelLanguage],
			RoomID:   c.Labels[LabelRoom],
			Created:  time.Unix(c.Created, 0),
		})
	}
	return out, nil
}
