// Package docker runs container jobs: the job payload names an image
// and command, the connector runs it to completion in an isolated
// container and returns the exit code plus captured output.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

// payload is the job payload shape the connector accepts.
type payload struct {
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// result is what a finished container job reports back.
type result struct {
	ExitCode int64  `json:"exit_code"`
	Output   string `json:"output"`
}

// maxOutputBytes caps the captured container output stored in the job
// result.
const maxOutputBytes = 64 * 1024

type Connector struct {
	logger *slog.Logger
	cli    *client.Client
}

func NewConnector(logger *slog.Logger) (*Connector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Connector{logger: logger, cli: cli}, nil
}

// Execute runs the job's container to completion. Context cancellation
// force-removes the container, which is how cooperative job
// cancellation reaches a running engine.
func (c *Connector) Execute(ctx context.Context, job domain.Job, progress func(pct int, message string)) (json.RawMessage, error) {
	var p payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid container payload: %w", err)
	}
	if p.Image == "" {
		return nil, fmt.Errorf("container payload has no image")
	}

	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image: p.Image,
		Cmd:   p.Command,
		Env:   env,
		Labels: map[string]string{
			"quarry.managed": "true",
			"quarry.job_id":  string(job.ID),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	name := "quarry-job-" + string(job.ID)

	progress(5, "creating container")
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		progress(5, "pulling image "+p.Image)
		reader, pullErr := c.cli.ImagePull(ctx, p.Image, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", p.Image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = c.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if rmErr := c.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			c.logger.Warn("failed to remove container", "container_id", resp.ID, "error", rmErr)
		}
	}()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	progress(25, "container running")

	waitCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("container wait failed: %w", err)
	case status := <-waitCh:
		exitCode = status.StatusCode
	}
	progress(90, "collecting output")

	output, err := c.collectOutput(ctx, resp.ID)
	if err != nil {
		c.logger.Warn("failed to collect container logs", "container_id", resp.ID, "error", err)
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("container exited with code %d: %s", exitCode, output)
	}

	raw, err := json.Marshal(result{ExitCode: exitCode, Output: output})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Connector) collectOutput(ctx context.Context, containerID string) (string, error) {
	logs, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(logs, maxOutputBytes)); err != nil {
		return "", err
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return out, nil
}
