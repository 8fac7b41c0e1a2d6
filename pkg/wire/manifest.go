package wire

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest is the parsed form of an update artifact: the set of services a
// rollout brings up, keyed by service name.
type Manifest struct {
	Services map[string]Service `yaml:"services"`
}

// Service describes one container to run.
type Service struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name,omitempty"`
	Command       []string `yaml:"command,omitempty"`
	Ports         []string `yaml:"ports,omitempty"`
	Environment   []string `yaml:"environment,omitempty"`
	Restart       string   `yaml:"restart,omitempty"`
}

// ParseManifest decodes artifact YAML. A manifest with no services is legal;
// the orchestrator treats it as a no-op for container stages.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return &m, nil
}

// ContainerFor resolves the container name for a service entry.
func (m *Manifest) ContainerFor(service string) string {
	if svc, ok := m.Services[service]; ok && svc.ContainerName != "" {
		return svc.ContainerName
	}
	return service
}

// ContainerNames lists the container name of every service in the manifest.
func (m *Manifest) ContainerNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, m.ContainerFor(name))
	}
	return names
}
