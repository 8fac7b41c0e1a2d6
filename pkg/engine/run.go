package engine

import (
	"context"
	"sort"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/pkg/errors"
)

// Start brings up every service in the manifest. An existing container with
// the same name is force-removed first so bring-up is idempotent. Images are
// expected to be present already; call Pull beforehand.
func (a *Adapter) Start(ctx context.Context, m *wire.Manifest) error {
	services := make([]string, 0, len(m.Services))
	for name := range m.Services {
		services = append(services, name)
	}
	sort.Strings(services)

	for _, service := range services {
		if err := a.startService(ctx, service, m.Services[service], m.ContainerFor(service)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) startService(ctx context.Context, service string, def wire.Service, container string) error {
	// Clear any stale container occupying the name.
	existing, err := a.lookup(ctx, container)
	if err != nil {
		return err
	}
	if existing != nil {
		a.log.WithField("container", container).Info("replacing existing container")
		if err := a.remove(ctx, existing.ID, true); err != nil {
			return errors.Wrapf(err, "replace container %s", container)
		}
	}

	exposed, bindings, err := portMappings(def.Ports)
	if err != nil {
		return errors.Wrapf(err, "service %s", service)
	}

	cctx, cancel := a.opCtx(ctx, a.timeouts.Start)
	defer cancel()

	created, err := a.client.CreateContainer(docker.CreateContainerOptions{
		Name: container,
		Config: &docker.Config{
			Image:        def.Image,
			Cmd:          def.Command,
			Env:          def.Environment,
			ExposedPorts: exposed,
		},
		HostConfig: &docker.HostConfig{
			PortBindings:  bindings,
			RestartPolicy: restartPolicy(def.Restart),
		},
		Context: cctx,
	})
	if err != nil {
		return errors.Wrapf(err, "create container %s", container)
	}

	if err := a.client.StartContainerWithContext(created.ID, nil, cctx); err != nil {
		return errors.Wrapf(err, "start container %s", container)
	}

	a.log.WithField("service", service).WithField("container", container).Info("started container")
	return nil
}

func restartPolicy(name string) docker.RestartPolicy {
	switch name {
	case "always":
		return docker.AlwaysRestart()
	case "unless-stopped":
		return docker.RestartUnlessStopped()
	case "on-failure":
		return docker.RestartOnFailure(3)
	default:
		return docker.NeverRestart()
	}
}

// portMappings translates compose-style port specs -- "8080:80",
// "127.0.0.1:8080:80/udp" or a bare "80" -- into engine exposures and host
// bindings.
func portMappings(specs []string) (map[docker.Port]struct{}, map[docker.Port][]docker.PortBinding, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	exposed := map[docker.Port]struct{}{}
	bindings := map[docker.Port][]docker.PortBinding{}

	for _, spec := range specs {
		proto := "tcp"
		if i := strings.LastIndex(spec, "/"); i >= 0 {
			proto = spec[i+1:]
			spec = spec[:i]
		}

		parts := strings.Split(spec, ":")
		var hostIP, hostPort, ctrPort string
		switch len(parts) {
		case 1:
			ctrPort = parts[0]
		case 2:
			hostPort, ctrPort = parts[0], parts[1]
		case 3:
			hostIP, hostPort, ctrPort = parts[0], parts[1], parts[2]
		default:
			return nil, nil, errors.Errorf("malformed port spec %q", spec)
		}
		if ctrPort == "" {
			return nil, nil, errors.Errorf("malformed port spec %q", spec)
		}

		port := docker.Port(ctrPort + "/" + proto)
		exposed[port] = struct{}{}
		if hostPort != "" {
			bindings[port] = append(bindings[port], docker.PortBinding{
				HostIP:   hostIP,
				HostPort: hostPort,
			})
		}
	}
	return exposed, bindings, nil
}
