// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"forensicworker/src/logging"
)

const (
	sandboxNetworkName = "forensic_sandbox"
	evidenceDir        = "/evidence"
)

// EnsureSandboxNetwork creates or retrieves the sandbox network for engine
// containers. Engines keep outbound access (symbol downloads) but internal
// ranges are dropped inside the container.
func EnsureSandboxNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("create sandbox network: %w", err)
	}

	return resp.ID, nil
}

// PullImage makes sure image is present locally.
func PullImage(ctx context.Context, cli *client.Client, imageName string) error {
	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

type sandbox struct {
	id         string
	lastUsedAt time.Time
	active     int
}

// DockerRunner runs engines inside one long-lived sandbox container per
// engine image. Each invocation gets its own evidence directory.
type DockerRunner struct {
	cli       *client.Client
	networkID string
	memoryMB  int64
	cpuLimit  float64

	mu        sync.Mutex
	sandboxes map[string]*sandbox
}

func NewDockerRunner(cli *client.Client, networkID string, memoryMB int64, cpuLimit float64) *DockerRunner {
	return &DockerRunner{
		cli:       cli,
		networkID: networkID,
		memoryMB:  memoryMB,
		cpuLimit:  cpuLimit,
		sandboxes: map[string]*sandbox{},
	}
}

// acquire returns a running sandbox for imageName and marks it busy.
func (d *DockerRunner) acquire(ctx context.Context, imageName string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sb, ok := d.sandboxes[imageName]; ok {
		inspect, err := d.cli.ContainerInspect(ctx, sb.id)
		if err == nil && inspect.State.Running {
			sb.active++
			sb.lastUsedAt = time.Now()
			return sb.id, nil
		}
		delete(d.sandboxes, imageName)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      imageName,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.memoryMB * 1024 * 1024,
			NanoCPUs: int64(d.cpuLimit * math.Pow10(9)),
		},
		CapAdd: []string{"NET_ADMIN"},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {
				NetworkID: d.networkID,
			},
		},
	}, nil, "")
	if err != nil {
		return "", fmt.Errorf("create sandbox for %s: %w", imageName, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start sandbox for %s: %w", imageName, err)
	}

	setupCmd := []string{"sh", "-c", `
		mkdir -p ` + evidenceDir + `
		if command -v iptables >/dev/null 2>&1; then
			iptables -A OUTPUT -d 10.0.0.0/8 -j DROP 2>/dev/null || true
			iptables -A OUTPUT -d 172.16.0.0/12 -j DROP 2>/dev/null || true
			iptables -A OUTPUT -d 192.168.0.0/16 -j DROP 2>/dev/null || true
			iptables -A OUTPUT -d 169.254.0.0/16 -j DROP 2>/dev/null || true
		fi
	`}
	if _, code, err := d.exec(ctx, resp.ID, setupCmd); err != nil || code != 0 {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		if err == nil {
			err = fmt.Errorf("setup exited with status %d", code)
		}
		return "", fmt.Errorf("prepare sandbox for %s: %w", imageName, err)
	}

	d.sandboxes[imageName] = &sandbox{id: resp.ID, lastUsedAt: time.Now(), active: 1}
	logging.Log(fmt.Sprintf("New sandbox container for %s: %s", imageName, resp.ID[:12]), slog.LevelInfo)
	return resp.ID, nil
}

func (d *DockerRunner) release(imageName, containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sb, ok := d.sandboxes[imageName]; ok && sb.id == containerID {
		sb.active--
		sb.lastUsedAt = time.Now()
	}
}

// Run copies the artifact into the image's sandbox and executes the engine.
func (d *DockerRunner) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	containerID, err := d.acquire(ctx, inv.Image)
	if err != nil {
		return nil, err
	}
	defer d.release(inv.Image, containerID)

	workDir := uuid.NewString()
	artifactName := path.Base(inv.ArtifactPath)
	if artifactName == "." || artifactName == "/" {
		artifactName = "artifact"
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArtifactTar(pw, workDir, artifactName, inv.ArtifactPath))
	}()
	if err := d.cli.CopyToContainer(ctx, containerID, evidenceDir, pr, container.CopyToContainerOptions{}); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("copy artifact into sandbox: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, _, err := d.exec(cleanupCtx, containerID, []string{"rm", "-rf", path.Join(evidenceDir, workDir)}); err != nil {
			logging.Log(fmt.Sprintf("failed to clean evidence dir %s: %v", workDir, err), slog.LevelWarn)
		}
	}()

	cmd := expandCommand(inv.Command, path.Join(evidenceDir, workDir, artifactName))
	res, code, err := d.exec(ctx, containerID, cmd)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return res.stdout, &ExitError{Code: code, Stderr: string(res.stderr)}
	}
	return res.stdout, nil
}

type execOutput struct {
	stdout []byte
	stderr []byte
}

func (d *DockerRunner) exec(ctx context.Context, containerID string, cmd []string) (execOutput, int, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return execOutput{}, 0, fmt.Errorf("create exec: %w", err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return execOutput{}, 0, fmt.Errorf("attach to exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return execOutput{}, 0, ctx.Err()
	case err := <-done:
		if err != nil {
			return execOutput{}, 0, fmt.Errorf("read exec output: %w", err)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return execOutput{stdout: stdout.Bytes(), stderr: stderr.Bytes()}, 0, fmt.Errorf("inspect exec: %w", err)
	}
	return execOutput{stdout: stdout.Bytes(), stderr: stderr.Bytes()}, inspect.ExitCode, nil
}

// writeArtifactTar writes a tar stream holding dir/name with the contents of
// the host file at src.
func writeArtifactTar(w io.Writer, dir, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  time.Now(),
	}); err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    dir + "/" + name,
		Mode:    0o444,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return tw.Close()
}

// RunContainerReaper removes sandboxes that have been idle for timeout.
func (d *DockerRunner) RunContainerReaper(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var idle []string
			d.mu.Lock()
			for imageName, sb := range d.sandboxes {
				if sb.active == 0 && time.Since(sb.lastUsedAt) > timeout {
					logging.Log(fmt.Sprintf("Idle timeout reached for sandbox %s (%s). Removing...", sb.id[:12], imageName), slog.LevelInfo)
					idle = append(idle, sb.id)
					delete(d.sandboxes, imageName)
				}
			}
			d.mu.Unlock()

			for _, id := range idle {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				d.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true})
				cancel()
			}
		}
	}
}

// Cleanup removes every sandbox container.
func (d *DockerRunner) Cleanup(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for imageName, sb := range d.sandboxes {
		logging.Log(fmt.Sprintf("Cleaning up sandbox %s (%s)...", sb.id[:12], imageName), slog.LevelInfo)
		d.cli.ContainerRemove(ctx, sb.id, container.RemoveOptions{Force: true})
		delete(d.sandboxes, imageName)
	}
}
