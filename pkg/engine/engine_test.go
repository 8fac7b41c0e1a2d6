package engine

import (
	"context"
	"testing"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/ottofleet/otad/pkg/internal/testoutput"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient scripts engine responses per container and records the calls
// the adapter makes.
type fakeClient struct {
	containers []docker.APIContainers

	stopErr   map[string]error
	killErr   map[string]error
	removeErr map[string]error // keyed by id; applies to non-force remove only
	forceErr  map[string]error

	pullStreams map[string]string // repository -> raw json stream
	pullErr     map[string]error

	createErr error
	startErr  error

	calls []string
}

func (f *fakeClient) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeClient) ListContainers(opts docker.ListContainersOptions) ([]docker.APIContainers, error) {
	f.record("list")
	if len(opts.Filters["name"]) == 0 {
		return f.containers, nil
	}
	want := opts.Filters["name"][0]
	var out []docker.APIContainers
	for _, c := range f.containers {
		for _, n := range c.Names {
			if n == "/"+want || n == want {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *fakeClient) StopContainerWithContext(id string, _ uint, _ context.Context) error {
	f.record("stop " + id)
	return f.stopErr[id]
}

func (f *fakeClient) KillContainer(opts docker.KillContainerOptions) error {
	f.record("kill " + opts.ID)
	return f.killErr[opts.ID]
}

func (f *fakeClient) RemoveContainer(opts docker.RemoveContainerOptions) error {
	if opts.Force {
		f.record("rm -f " + opts.ID)
		return f.forceErr[opts.ID]
	}
	f.record("rm " + opts.ID)
	return f.removeErr[opts.ID]
}

func (f *fakeClient) PullImage(opts docker.PullImageOptions, _ docker.AuthConfiguration) error {
	f.record("pull " + opts.Repository + ":" + opts.Tag)
	if stream, ok := f.pullStreams[opts.Repository]; ok {
		_, _ = opts.OutputStream.Write([]byte(stream))
	}
	return f.pullErr[opts.Repository]
}

func (f *fakeClient) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	f.record("create " + opts.Name)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &docker.Container{ID: "new-" + opts.Name}, nil
}

func (f *fakeClient) StartContainerWithContext(id string, _ *docker.HostConfig, _ context.Context) error {
	f.record("start " + id)
	return f.startErr
}

func (f *fakeClient) PruneImages(docker.PruneImagesOptions) (*docker.PruneImagesResults, error) {
	f.record("prune images")
	return &docker.PruneImagesResults{SpaceReclaimed: 2048}, nil
}

func (f *fakeClient) PruneContainers(docker.PruneContainersOptions) (*docker.PruneContainersResults, error) {
	f.record("prune containers")
	return &docker.PruneContainersResults{SpaceReclaimed: 512}, nil
}

func testAdapter(t *testing.T, c Client) *Adapter {
	t.Helper()
	a, err := New(testoutput.Logger(t, logging.New("engine")), WithClient(c))
	require.NoError(t, err)
	return a
}

func running(id, name string) docker.APIContainers {
	return docker.APIContainers{ID: id, Names: []string{"/" + name}, State: "running"}
}

func exited(id, name string) docker.APIContainers {
	return docker.APIContainers{ID: id, Names: []string{"/" + name}, State: "exited"}
}

func TestStopAndRemoveGraceful(t *testing.T) {
	c := &fakeClient{containers: []docker.APIContainers{running("c1", "om1_main")}}
	a := testAdapter(t, c)

	require.NoError(t, a.StopAndRemove(context.Background(), "om1_main"))
	assert.Equal(t, []string{"list", "stop c1", "rm c1"}, c.calls)
}

func TestStopAndRemoveAbsentContainerIsSuccess(t *testing.T) {
	c := &fakeClient{}
	a := testAdapter(t, c)

	require.NoError(t, a.StopAndRemove(context.Background(), "gone"))
	assert.Equal(t, []string{"list"}, c.calls)
}

func TestStopAndRemoveEscalatesToKill(t *testing.T) {
	c := &fakeClient{
		containers: []docker.APIContainers{running("c1", "om1_main")},
		stopErr:    map[string]error{"c1": assert.AnError},
	}
	a := testAdapter(t, c)

	require.NoError(t, a.StopAndRemove(context.Background(), "om1_main"))
	assert.Equal(t, []string{"list", "stop c1", "kill c1", "rm c1"}, c.calls)
}

func TestStopAndRemoveRetriesRemoveWithForce(t *testing.T) {
	c := &fakeClient{
		containers: []docker.APIContainers{running("c1", "om1_main")},
		removeErr:  map[string]error{"c1": assert.AnError},
	}
	a := testAdapter(t, c)

	require.NoError(t, a.StopAndRemove(context.Background(), "om1_main"))
	assert.Equal(t, []string{"list", "stop c1", "rm c1", "rm -f c1"}, c.calls)
}

func TestStopAndRemoveStoppedContainerStillRemoved(t *testing.T) {
	c := &fakeClient{containers: []docker.APIContainers{exited("c1", "om1_main")}}
	a := testAdapter(t, c)

	require.NoError(t, a.StopAndRemove(context.Background(), "om1_main"))
	assert.Equal(t, []string{"list", "rm c1"}, c.calls)
}

func TestStopAndRemoveReportsFinalFailure(t *testing.T) {
	c := &fakeClient{
		containers: []docker.APIContainers{running("c1", "om1_main")},
		stopErr:    map[string]error{"c1": assert.AnError},
		killErr:    map[string]error{"c1": assert.AnError},
	}
	a := testAdapter(t, c)

	err := a.StopAndRemove(context.Background(), "om1_main")
	assert.ErrorContains(t, err, "kill container om1_main")
}

func TestStartReplacesExistingContainer(t *testing.T) {
	c := &fakeClient{containers: []docker.APIContainers{exited("old", "om1_main")}}
	a := testAdapter(t, c)

	m := &wire.Manifest{Services: map[string]wire.Service{
		"om1": {Image: "registry.example.com/om1:v2", ContainerName: "om1_main"},
	}}
	require.NoError(t, a.Start(context.Background(), m))
	assert.Equal(t, []string{"list", "rm -f old", "create om1_main", "start new-om1_main"}, c.calls)
}

func TestStartPropagatesCreateFailure(t *testing.T) {
	c := &fakeClient{createErr: assert.AnError}
	a := testAdapter(t, c)

	m := &wire.Manifest{Services: map[string]wire.Service{"om1": {Image: "img:v1"}}}
	err := a.Start(context.Background(), m)
	assert.ErrorContains(t, err, "create container om1")
}

func TestPruneSumsReclaimedSpace(t *testing.T) {
	c := &fakeClient{}
	a := testAdapter(t, c)

	reclaimed, err := a.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2560), reclaimed)
}

func TestListContainersMapsFields(t *testing.T) {
	c := &fakeClient{containers: []docker.APIContainers{{
		ID:      "c1",
		Names:   []string{"/om1_main"},
		Image:   "registry.example.com/om1:v2",
		State:   "running",
		Status:  "Up 3 hours",
		Command: "/entrypoint.sh",
		Created: 1700000000,
		Ports:   []docker.APIPort{{PrivatePort: 80, PublicPort: 8080, Type: "tcp", IP: "0.0.0.0"}},
	}}}
	a := testAdapter(t, c)

	out, err := a.ListContainers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "om1_main", out[0].Name)
	assert.Equal(t, "running", out[0].State)
	assert.Equal(t, "0.0.0.0:8080->80/tcp", out[0].Ports)
}
