// Package engine adapts the docker engine API for rollouts: enumerate,
// stop with escalating force, pull with progress extraction, bring-up and
// prune. Every engine call is bounded by a configured timeout; a timeout is
// a failed operation, never a hang.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/pkg/errors"
)

// Client is the slice of the docker engine API the adapter consumes.
type Client interface {
	ListContainers(opts docker.ListContainersOptions) ([]docker.APIContainers, error)
	StopContainerWithContext(id string, timeout uint, ctx context.Context) error
	KillContainer(opts docker.KillContainerOptions) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	PruneImages(opts docker.PruneImagesOptions) (*docker.PruneImagesResults, error)
	PruneContainers(opts docker.PruneContainersOptions) (*docker.PruneContainersResults, error)
}

// Timeouts bounds each category of engine operation.
type Timeouts struct {
	List   time.Duration `toml:"list"`
	Stop   time.Duration `toml:"stop"`
	Kill   time.Duration `toml:"kill"`
	Remove time.Duration `toml:"remove"`
	Pull   time.Duration `toml:"pull"`
	Start  time.Duration `toml:"start"`
	Prune  time.Duration `toml:"prune"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		List:   10 * time.Second,
		Stop:   30 * time.Second,
		Kill:   10 * time.Second,
		Remove: 10 * time.Second,
		Pull:   15 * time.Minute,
		Start:  2 * time.Minute,
		Prune:  60 * time.Second,
	}
}

// Container is the adapter's view of an engine container.
type Container struct {
	ID      string
	Name    string
	Image   string
	Command string
	State   string
	Status  string
	Ports   string
	Created time.Time
}

// Adapter wraps the engine client.
type Adapter struct {
	log      logging.Logger
	client   Client
	timeouts Timeouts
}

// Option adjusts an Adapter at construction.
type Option func(*Adapter)

// WithClient substitutes the engine client, primarily for tests.
func WithClient(c Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithTimeouts overrides the default operation timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(a *Adapter) { a.timeouts = t }
}

// New connects to the engine configured by the environment (DOCKER_HOST et
// al) unless a client is supplied.
func New(log logging.Logger, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		log:      log,
		timeouts: DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		client, err := docker.NewClientFromEnv()
		if err != nil {
			return nil, errors.Wrap(err, "connect to docker engine")
		}
		a.client = client
	}
	return a, nil
}

func (a *Adapter) opCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// ListContainers enumerates containers whose name matches the filter; an
// empty name lists everything. Stopped containers are included.
func (a *Adapter) ListContainers(ctx context.Context, name string) ([]Container, error) {
	lctx, cancel := a.opCtx(ctx, a.timeouts.List)
	defer cancel()

	opts := docker.ListContainersOptions{All: true, Context: lctx}
	if name != "" {
		opts.Filters = map[string][]string{"name": {name}}
	}
	raw, err := a.client.ListContainers(opts)
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}

	out := make([]Container, 0, len(raw))
	for _, c := range raw {
		out = append(out, Container{
			ID:      c.ID,
			Name:    primaryName(c.Names),
			Image:   c.Image,
			Command: c.Command,
			State:   c.State,
			Status:  c.Status,
			Ports:   formatPorts(c.Ports),
			Created: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

// lookup finds a container by exact name. The engine's name filter is a
// substring match, so results are narrowed here.
func (a *Adapter) lookup(ctx context.Context, name string) (*docker.APIContainers, error) {
	lctx, cancel := a.opCtx(ctx, a.timeouts.List)
	defer cancel()

	raw, err := a.client.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"name": {name}},
		Context: lctx,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "look up container %s", name)
	}
	for i := range raw {
		if primaryName(raw[i].Names) == name {
			return &raw[i], nil
		}
	}
	return nil, nil
}

func primaryName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	n := names[0]
	if len(n) > 0 && n[0] == '/' {
		n = n[1:]
	}
	return n
}

func formatPorts(ports []docker.APIPort) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.IP != "" {
			parts = append(parts, fmt.Sprintf("%s:%d->%d/%s", p.IP, p.PublicPort, p.PrivatePort, p.Type))
		} else {
			parts = append(parts, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		}
	}
	return strings.Join(parts, ", ")
}
