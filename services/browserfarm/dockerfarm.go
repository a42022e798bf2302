package browserfarm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/logger"
)

/*
Docker-backed Farm: opens a browser window as a standalone container exposing
a CDP/WebDriver endpoint. Heavier than the Playwright farm but gives full
process isolation per window, which is useful for browser profiles whose
window must survive an UploadDriver crash independently of this process.
*/
type DockerFarm struct {
	docker    *client.Client
	available bool
}

// NewDockerFarm connects to the local Docker daemon. If Docker isn't
// reachable the farm still constructs but OpenByName will fail; callers
// should prefer PlaywrightFarm when Docker is unavailable.
func NewDockerFarm() (*DockerFarm, error) {
	f := &DockerFarm{}

	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		docker, err = client.NewClientWithOpts(
			client.WithHost("unix:///var/run/docker.sock"),
			client.WithAPIVersionNegotiation(),
		)
	}
	if err != nil {
		logger.Warn("docker not available, farm will run in degraded mode", zap.Error(err))
		return f, nil
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := docker.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon not responding, farm will run in degraded mode", zap.Error(err))
		docker.Close()
		return f, nil
	}

	f.docker = docker
	f.available = true
	return f, nil
}

func (f *DockerFarm) ListWindows(ctx context.Context) ([]Window, error) {
	if !f.available {
		return nil, fmt.Errorf("docker farm unavailable")
	}
	containers, err := f.docker.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, err
	}
	windows := make([]Window, 0, len(containers))
	for _, c := range containers {
		windows = append(windows, Window{ID: c.ID[:12]})
	}
	return windows, nil
}

func (f *DockerFarm) OpenByName(ctx context.Context, name string) (Window, error) {
	if !f.available {
		return Window{}, fmt.Errorf("docker farm unavailable")
	}

	image := imageForProfile(name)
	cfg := &container.Config{
		Image:        image,
		ExposedPorts: nat.PortSet{"4444/tcp": {}},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    2 * 1024 * 1024 * 1024,
			CPUShares: 1024,
		},
		AutoRemove: true,
		PortBindings: nat.PortMap{
			"4444/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := f.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Window{}, fmt.Errorf("create container: %w", err)
	}
	if err := f.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		f.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Window{}, fmt.Errorf("start container: %w", err)
	}

	inspect, err := f.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		f.Close(ctx, resp.ID)
		return Window{}, err
	}
	bindings := inspect.NetworkSettings.Ports["4444/tcp"]
	if len(bindings) == 0 {
		f.Close(ctx, resp.ID)
		return Window{}, fmt.Errorf("no port binding for container %s", resp.ID[:12])
	}
	endpoint := fmt.Sprintf("http://localhost:%s", bindings[0].HostPort)

	win := Window{ID: resp.ID[:12], DebugEndpoint: endpoint}
	if err := waitForReady(endpoint); err != nil {
		f.Close(ctx, resp.ID)
		return Window{}, err
	}
	logger.Info("opened browser window", zap.String("profile", name), zap.String("window_id", win.ID))
	return win, nil
}

func (f *DockerFarm) Close(ctx context.Context, id string) error {
	if !f.available {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	f.docker.ContainerStop(stopCtx, id, container.StopOptions{})
	return f.docker.ContainerRemove(stopCtx, id, container.RemoveOptions{Force: true})
}

func (f *DockerFarm) CheckLogin(ctx context.Context, id string) (bool, error) {
	if !f.available {
		return false, fmt.Errorf("docker farm unavailable")
	}
	inspect, err := f.docker.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	return inspect.State.Running, nil
}

func imageForProfile(name string) string {
	switch name {
	case "chrome", "chromium", "":
		return "seleniarm/standalone-chromium:latest"
	case "firefox":
		return "seleniarm/standalone-firefox:latest"
	default:
		return fmt.Sprintf("seleniarm/standalone-%s:latest", name)
	}
}

func waitForReady(endpoint string) error {
	for i := 0; i < 30; i++ {
		resp, err := http.Get(endpoint + "/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(1 * time.Second)
	}
	return fmt.Errorf("timeout waiting for browser window to become ready")
}
