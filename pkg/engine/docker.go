package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/types"
)

// Paths the template and output directories are mounted at inside the renderer
const (
	containerTemplateDir = "/reports/template"
	containerOutputDir   = "/reports/output"
)

// cleanupTimeout bounds container removal after a report, even when the
// request context is already done.
const cleanupTimeout = 10 * time.Second

// dockerAPI is the part of the Docker client the engine uses
type dockerAPI interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Docker runs the renderer image in a fresh container for each report
type Docker struct {
	api     dockerAPI
	cfg     config.DockerConfig
	args    []string
	logger  *logger.Logger
	mu      sync.Mutex
	closed  bool
	created int64
}

// NewDocker connects to the Docker daemon described by cfg and verifies it
// answers a ping.
func NewDocker(ctx context.Context, cfg config.DockerConfig, engineCfg config.EngineConfig, log *logger.Logger) (*Docker, error) {
	if cfg.Image == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "renderer image cannot be empty")
	}

	opts := []client.Opt{client.WithHost(cfg.Host)}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	if cfg.TLSCert != "" || cfg.TLSKey != "" || cfg.TLSCACert != "" {
		opts = append(opts, client.WithTLSClientConfig(cfg.TLSCACert, cfg.TLSCert, cfg.TLSKey))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, client.WithTimeout(cfg.Timeout))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create Docker client", err)
	}

	d := newDocker(cli, cfg, engineCfg, log)

	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to Docker daemon", err)
	}

	d.logger.Info("Docker engine initialized", "host", cfg.Host, "image", cfg.Image, "api_version", cli.ClientVersion())
	return d, nil
}

func newDocker(api dockerAPI, cfg config.DockerConfig, engineCfg config.EngineConfig, log *logger.Logger) *Docker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Docker{
		api:    api,
		cfg:    cfg,
		args:   append([]string(nil), engineCfg.Args...),
		logger: log.With("component", "docker_engine"),
	}
}

// Generate renders one report in a new container. The template's directory
// is mounted read-only and the output's directory read-write.
func (d *Docker) Generate(ctx context.Context, templatePath, outputPath string, from, to time.Time) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", types.NewError(types.ErrCodeUnavailable, "Docker engine is closed")
	}
	d.created++
	seq := d.created
	d.mu.Unlock()

	if err := checkTemplate(templatePath); err != nil {
		return "", err
	}

	templateHost, err := filepath.Abs(templatePath)
	if err != nil {
		return "", types.WrapEngineError(types.EngineLoadFailure, "invalid template path", err)
	}
	outputHost, err := filepath.Abs(outputPath)
	if err != nil {
		return "", types.WrapEngineError(types.EngineExportFailure, "invalid output path", err)
	}

	args := append(append([]string(nil), d.args...), rendererArgs(
		path.Join(containerTemplateDir, filepath.Base(templateHost)),
		path.Join(containerOutputDir, filepath.Base(outputHost)),
		from, to)...)

	containerCfg, hostCfg := d.containerConfig(args, filepath.Dir(templateHost), filepath.Dir(outputHost))
	name := fmt.Sprintf("reportd-render-%d-%d", time.Now().UnixNano(), seq)

	id, err := d.create(ctx, containerCfg, hostCfg, name)
	if err != nil {
		return "", err
	}
	defer d.remove(id)

	log := d.logger.With("container_id", shortID(id))
	start := time.Now()

	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.WrapEngineError(types.EngineExportFailure, "failed to start renderer container", err)
	}
	log.Debug("Renderer container started", "template", templatePath, "output", outputPath)

	code, err := d.wait(ctx, id)
	if err != nil {
		return "", err
	}

	if code != 0 {
		stderr := d.stderr(id)
		failure := exitFailure(code, stderr)
		log.Warn("Renderer container failed", "exit_code", code, "kind", failure.Kind, "duration", time.Since(start))
		return "", failure
	}

	if err := checkOutput(outputPath); err != nil {
		return "", err
	}
	log.Debug("Renderer container finished", "duration", time.Since(start))
	return outputPath, nil
}

func (d *Docker) containerConfig(args []string, templateDir, outputDir string) (*container.Config, *container.HostConfig) {
	containerCfg := &container.Config{
		Image: d.cfg.Image,
		Cmd:   strslice.StrSlice(args),
		Labels: map[string]string{
			"reportd.managed":    "true",
			"reportd.created_at": time.Now().Format(time.RFC3339),
		},
		Tty:       false,
		OpenStdin: false,
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: templateDir, Target: containerTemplateDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: outputDir, Target: containerOutputDir},
		},
		NetworkMode: container.NetworkMode(d.cfg.Network),
	}
	if d.cfg.MemoryLimit > 0 {
		hostCfg.Resources = container.Resources{Memory: d.cfg.MemoryLimit}
	}
	return containerCfg, hostCfg
}

// create creates the renderer container, pulling the image once if the
// daemon does not have it.
func (d *Docker) create(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := d.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil && errdefs.IsNotFound(err) {
		d.logger.Info("Renderer image not present, pulling", "image", d.cfg.Image)
		if pullErr := d.pull(ctx); pullErr != nil {
			return "", pullErr
		}
		resp, err = d.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.WrapEngineError(types.EngineExportFailure, "failed to create renderer container", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("Container create warning", "warning", w)
	}
	return resp.ID, nil
}

func (d *Docker) pull(ctx context.Context) error {
	reader, err := d.api.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return types.WrapEngineError(types.EngineExportFailure, fmt.Sprintf("failed to pull image %s", d.cfg.Image), err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return types.WrapEngineError(types.EngineExportFailure, fmt.Sprintf("failed to pull image %s", d.cfg.Image), err)
	}
	return nil
}

func (d *Docker) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, types.NewEngineError(types.EngineExportFailure, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, types.WrapEngineError(types.EngineExportFailure, "failed waiting for renderer container", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// stderr returns what the renderer wrote to stderr, or "" if the logs are
// unavailable.
func (d *Docker) stderr(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	reader, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStderr: true})
	if err != nil {
		d.logger.Debug("Failed to read renderer logs", "container_id", shortID(id), "error", err)
		return ""
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		d.logger.Debug("Failed to demultiplex renderer logs", "container_id", shortID(id), "error", err)
	}
	return strings.TrimSpace(stderr.String())
}

func (d *Docker) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("Failed to remove renderer container", "container_id", shortID(id), "error", err)
	}
}

// Close releases the Docker client
func (d *Docker) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.api.Close()
}

// String returns a string representation of the engine
func (d *Docker) String() string {
	return fmt.Sprintf("Docker{host: %s, image: %s}", d.cfg.Host, d.cfg.Image)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
