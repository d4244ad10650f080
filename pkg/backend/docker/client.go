// Package docker provides the Docker implementation of the container
// backend, including creating, starting, stopping, pausing and resuming the
// containers of a proxy.
package docker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/backend"
	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/spec"
)

// Labels attached to every container managed by appproxy.
const (
	// LabelManaged marks containers owned by this application.
	LabelManaged = "appproxy-managed"
	// LabelProxyID carries the id of the owning proxy.
	LabelProxyID = "appproxy-proxy-id"
	// LabelSpecID carries the id of the spec the proxy was created from.
	LabelSpecID = "appproxy-spec-id"
	// LabelContainerIndex carries the ordinal of the container within its spec.
	LabelContainerIndex = "appproxy-container-index"
	// LabelUserID carries the id of the owning user; empty for pool-owned proxies.
	LabelUserID = "appproxy-user-id"
)

// stopTimeoutSeconds is passed to the engine when stopping a container.
const stopTimeoutSeconds = 30

// Backend implements backend.ContainerBackend on the Docker engine API.
type Backend struct {
	client client.APIClient
	// targetHost is the host under which mapped container ports are
	// reachable from this process.
	targetHost string
}

// NewBackend creates a Docker backend from the environment (DOCKER_HOST et al.).
func NewBackend(ctx context.Context) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.NewContainerRuntimeError("failed to create docker client", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, errors.NewContainerRuntimeError("failed to ping docker daemon", err)
	}
	return NewBackendFromClient(cli), nil
}

// NewBackendFromClient creates a Docker backend on an existing API client.
func NewBackendFromClient(cli client.APIClient) *Backend {
	return &Backend{client: cli, targetHost: "127.0.0.1"}
}

// SupportsPause implements backend.ContainerBackend.
func (*Backend) SupportsPause() bool {
	return true
}

// AddRuntimeValuesBeforeResolve implements backend.ContainerBackend.
// The Docker backend has no backend-specific values to contribute.
func (*Backend) AddRuntimeValuesBeforeResolve(_ *auth.Identity, _ *spec.ProxySpec, p proxy.Proxy) (proxy.Proxy, error) {
	return p, nil
}

// StartProxy implements backend.ContainerBackend. It creates and starts one
// container per container spec; on any failure it returns a
// *backend.ProxyFailedToStartError carrying the partially started proxy.
func (b *Backend) StartProxy(
	ctx context.Context,
	_ *auth.Identity,
	p proxy.Proxy,
	resolvedSpec *spec.ProxySpec,
	startupLog *events.StartupLog,
) (proxy.Proxy, error) {
	containers := make([]proxy.Container, 0, len(resolvedSpec.ContainerSpecs))

	for _, cs := range resolvedSpec.ContainerSpecs {
		c, err := b.startContainer(ctx, p, cs)
		c.RuntimeValues = existingRuntimeValues(p, cs.Index)
		if err != nil {
			// Hand back whatever got created so the caller can clean up,
			// including a container that was created but never became usable.
			if c.ID != "" {
				containers = append(containers, c)
			}
			partial := p.WithContainers(containers)
			return p, &backend.ProxyFailedToStartError{Proxy: partial, Err: err}
		}
		containers = append(containers, c)
	}

	if startupLog != nil {
		startupLog.MarkContainerStarted()
	}
	return p.WithContainers(containers), nil
}

func (b *Backend) startContainer(ctx context.Context, p proxy.Proxy, cs spec.ContainerSpec) (proxy.Container, error) {
	name := fmt.Sprintf("appproxy-%s-%d", p.ID, cs.Index)

	env := p.EnvVars(cs.Index)
	for k, v := range cs.Env {
		env[k] = v
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pm := range cs.PortMappings {
		port, err := nat.NewPort("tcp", strconv.Itoa(pm.Port))
		if err != nil {
			return proxy.Container{}, errors.NewContainerRuntimeError("invalid port mapping", err)
		}
		exposedPorts[port] = struct{}{}
		// an empty host port lets the engine pick a free one
		portBindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}
	}

	config := &container.Config{
		Image: cs.Image,
		Cmd:   cs.Cmd,
		Env:   convertEnvVars(env),
		Labels: map[string]string{
			LabelManaged:        "true",
			LabelProxyID:        p.ID,
			LabelSpecID:         p.SpecID,
			LabelUserID:         p.UserID,
			LabelContainerIndex: strconv.Itoa(cs.Index),
		},
		ExposedPorts: exposedPorts,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:  container.NetworkMode(cs.Network),
		PortBindings: portBindings,
	}

	resp, err := b.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return proxy.Container{}, errors.NewContainerRuntimeError("failed to create container", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return proxy.Container{
			Index: cs.Index,
			ID:    resp.ID,
		}, errors.NewContainerRuntimeError("failed to start container", err)
	}

	targets, err := b.resolveTargets(ctx, resp.ID, p, cs)
	if err != nil {
		return proxy.Container{Index: cs.Index, ID: resp.ID}, err
	}

	return proxy.Container{
		Index:   cs.Index,
		ID:      resp.ID,
		Targets: targets,
	}, nil
}

// resolveTargets inspects the started container and builds one target URL
// per port mapping from the host ports the engine picked. Route names are
// derived from the proxy target id so routes of different proxies never
// collide.
func (b *Backend) resolveTargets(ctx context.Context, containerID string, p proxy.Proxy, cs spec.ContainerSpec) (map[string]*url.URL, error) {
	info, err := b.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, errors.NewContainerRuntimeError("failed to inspect container", err)
	}

	targets := make(map[string]*url.URL, len(cs.PortMappings))
	for _, pm := range cs.PortMappings {
		port := nat.Port(strconv.Itoa(pm.Port) + "/tcp")
		bindings := info.NetworkSettings.Ports[port]
		if len(bindings) == 0 {
			return nil, errors.NewContainerRuntimeError(
				fmt.Sprintf("no host binding for port %d", pm.Port), nil)
		}
		target, err := url.Parse(fmt.Sprintf("http://%s:%s", b.targetHost, bindings[0].HostPort))
		if err != nil {
			return nil, errors.NewContainerRuntimeError("failed to build target url", err)
		}
		targets[proxy.RouteName(p.TargetID, pm.Name)] = target
	}
	return targets, nil
}

// StopProxy implements backend.ContainerBackend. Containers that are already
// gone are treated as stopped.
func (b *Backend) StopProxy(ctx context.Context, p proxy.Proxy) error {
	ids, err := b.containerIDs(ctx, p)
	if err != nil {
		return err
	}

	timeout := stopTimeoutSeconds
	for _, id := range ids {
		if err := b.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
			logger.Warnf("Failed to stop container %s of proxy %s: %v", id, p.ID, err)
		}
		if err := b.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return errors.NewContainerRuntimeError("failed to remove container "+id, err)
		}
	}
	return nil
}

// PauseProxy implements backend.ContainerBackend.
func (b *Backend) PauseProxy(ctx context.Context, p proxy.Proxy) error {
	ids, err := b.containerIDs(ctx, p)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.client.ContainerPause(ctx, id); err != nil {
			return errors.NewContainerRuntimeError("failed to pause container "+id, err)
		}
	}
	return nil
}

// ResumeProxy implements backend.ContainerBackend.
func (b *Backend) ResumeProxy(ctx context.Context, p proxy.Proxy, _ *spec.ProxySpec) (proxy.Proxy, error) {
	ids, err := b.containerIDs(ctx, p)
	if err != nil {
		return p, err
	}
	for _, id := range ids {
		if err := b.client.ContainerUnpause(ctx, id); err != nil {
			return p, &backend.ProxyFailedToStartError{
				Proxy: p,
				Err:   errors.NewContainerRuntimeError("failed to unpause container "+id, err),
			}
		}
	}
	return p, nil
}

// containerIDs returns the ids of the containers of a proxy. The recorded
// container ids are preferred; a label lookup covers recovered proxies whose
// records were rebuilt without backend ids.
func (b *Backend) containerIDs(ctx context.Context, p proxy.Proxy) ([]string, error) {
	var ids []string
	for _, c := range p.Containers {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}

	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelProxyID+"="+p.TargetID),
	)
	list, err := b.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, errors.NewContainerRuntimeError("failed to list containers", err)
	}
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// existingRuntimeValues carries container-scoped runtime values attached
// before the start over to the freshly created container record.
func existingRuntimeValues(p proxy.Proxy, index int) map[string]proxy.RuntimeValue {
	for _, c := range p.Containers {
		if c.Index == index {
			return c.RuntimeValues
		}
	}
	return nil
}

func convertEnvVars(envVars map[string]string) []string {
	env := make([]string, 0, len(envVars))
	for k, v := range envVars {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// recoveryWaitTimeout bounds how long recovery waits for one container to
// report a running state.
const recoveryWaitTimeout = 30 * time.Second

// RecoverProxies rebuilds proxy records from managed containers still
// running in the engine, e.g. after a process restart. Proxies whose spec is
// no longer configured or whose containers never report running are skipped.
func (b *Backend) RecoverProxies(ctx context.Context, specs spec.Provider) ([]proxy.Proxy, error) {
	filterArgs := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	list, err := b.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, errors.NewContainerRuntimeError("failed to list containers", err)
	}

	byProxy := make(map[string][]container.Summary)
	for _, c := range list {
		id := c.Labels[LabelProxyID]
		if id == "" {
			continue
		}
		byProxy[id] = append(byProxy[id], c)
	}

	var recovered []proxy.Proxy
	for proxyID, summaries := range byProxy {
		p, err := b.recoverProxy(ctx, proxyID, summaries, specs)
		if err != nil {
			logger.Warnf("Skipping recovery of proxy %s: %v", proxyID, err)
			continue
		}
		recovered = append(recovered, p)
	}
	return recovered, nil
}

func (b *Backend) recoverProxy(ctx context.Context, proxyID string, summaries []container.Summary, specs spec.Provider) (proxy.Proxy, error) {
	specID := summaries[0].Labels[LabelSpecID]
	sp := specs.Spec(specID)
	if sp == nil {
		return proxy.Proxy{}, errors.NewNotFoundError("spec "+specID+" is not configured", nil)
	}

	now := time.Now()
	p := proxy.Proxy{
		ID:               proxyID,
		TargetID:         proxyID,
		SpecID:           specID,
		UserID:           summaries[0].Labels[LabelUserID],
		Status:           proxy.StatusUp,
		CreatedTimestamp: now,
		StartupTimestamp: now,
	}

	containers := make([]proxy.Container, 0, len(summaries))
	for _, c := range summaries {
		index, err := strconv.Atoi(c.Labels[LabelContainerIndex])
		if err != nil || index < 0 || index >= len(sp.ContainerSpecs) {
			return proxy.Proxy{}, errors.NewContainerRuntimeError(
				"container "+c.ID+" carries an invalid index label", err)
		}
		if err := b.WaitHealthy(ctx, c.ID, recoveryWaitTimeout); err != nil {
			return proxy.Proxy{}, err
		}
		targets, err := b.resolveTargets(ctx, c.ID, p, sp.ContainerSpecs[index])
		if err != nil {
			return proxy.Proxy{}, err
		}
		containers = append(containers, proxy.Container{Index: index, ID: c.ID, Targets: targets})
	}
	return p.WithContainers(containers), nil
}

// WaitHealthy blocks until the container reports a running state or the
// timeout elapses.
func (b *Backend) WaitHealthy(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := b.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return errors.NewContainerRuntimeError("failed to inspect container", err)
		}
		if info.State != nil && info.State.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return errors.NewContainerRuntimeError("container did not become healthy: "+containerID, nil)
}
