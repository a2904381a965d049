package modeladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerAdapter is an alternative ModelAdapter backend that executes
// a completion inside a throwaway, network-isolated Docker container
// instead of a bare subprocess. Grounded on
// internal/ghostpool.DockerBackend's CreateContainer/ExecInContainer
// pair, generalized from sandbox-exec to one-shot model invocation and
// stripped of the always-running pool-container lifecycle (a model
// invocation is one container, not a reusable sleep-infinity shell).
type ContainerAdapter struct {
	image   string
	cmd     []string
	log     *slog.Logger
}

func NewContainerAdapter(image string, cmd []string, logger *slog.Logger) *ContainerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerAdapter{image: image, cmd: cmd, log: logger.With("component", "modeladapter.container")}
}

// RunOnce creates, starts, execs, and tears down one container per
// invocation, returning the raw batch-mode stdout for the caller to
// hand to emitBatch-equivalent parsing.
func (c *ContainerAdapter) RunOnce(ctx context.Context, input []byte) ([]byte, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   1024 * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:     c.image,
		Cmd:       c.cmd,
		Tty:       false,
		OpenStdin: true,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		if err := cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			c.log.Warn("failed to remove model container", "container_id", containerID, "error", err)
		}
	}()

	attachResp, err := cli.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	defer attachResp.Close()

	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	if _, err := attachResp.Conn.Write(input); err != nil {
		c.log.Warn("failed to write input to container stdin", "error", err)
	}
	attachResp.CloseWrite()

	var out bytes.Buffer
	io.Copy(&out, attachResp.Reader)

	statusCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return out.Bytes(), fmt.Errorf("container wait: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return out.Bytes(), fmt.Errorf("container exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		_ = cli.ContainerStop(context.Background(), containerID, container.StopOptions{})
		return out.Bytes(), ctx.Err()
	}

	return out.Bytes(), nil
}

// ParseBatch decodes raw container stdout as either a single JSON
// object or concatenated JSONL, same contract as the subprocess
// adapter's batch mode.
func ParseBatch(raw []byte) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if json.Valid(raw) {
		return []json.RawMessage{raw}, nil
	}
	var out []json.RawMessage
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if json.Valid(line) {
			out = append(out, json.RawMessage(line))
		}
	}
	return out, nil
}
