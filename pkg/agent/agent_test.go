package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/ottofleet/otad/pkg/channel"
	"github.com/ottofleet/otad/pkg/internal/testoutput"
	"github.com/ottofleet/otad/pkg/logging"
)

type fakeChannel struct {
	mu      sync.Mutex
	handler channel.Handler
	started bool
	stopped bool
}

func (f *fakeChannel) OnMessage(h channel.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeChannel) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeChannel) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeChannel) deliver(raw []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, string(raw))
}

type fakeStatus struct {
	mu   sync.Mutex
	info int
	stat int
}

func (f *fakeStatus) RunInfo(ctx context.Context) error {
	f.mu.Lock()
	f.info++
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeStatus) RunStatus(ctx context.Context) error {
	f.mu.Lock()
	f.stat++
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func TestNewRequiresCollaborators(t *testing.T) {
	log := logging.New("agent")
	_, err := New(log, nil, &fakeDispatcher{}, nil)
	assert.Assert(t, err != nil)
	_, err = New(log, &fakeChannel{}, nil, nil)
	assert.Assert(t, err != nil)
	_, err = New(log, &fakeChannel{}, &fakeDispatcher{}, nil)
	assert.NilError(t, err)
}

func TestRunWiresMessagesToDispatcher(t *testing.T) {
	ch := &fakeChannel{}
	d := &fakeDispatcher{}
	st := &fakeStatus{}
	a, err := New(testoutput.Logger(t, logging.New("agent")), ch, d, st)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ch.mu.Lock()
		ready := ch.started && ch.handler != nil
		ch.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channel never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch.deliver([]byte(`{"action":"stop","service_name":"web"}`))
	cancel()

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	assert.Assert(t, ch.stopped)
	assert.Equal(t, 1, len(d.messages))
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, 1, st.info)
	assert.Equal(t, 1, st.stat)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"complete", Config{ServerURL: "wss://x", APIKey: "k", APIKeyID: "id"}, true},
		{"missing key", Config{ServerURL: "wss://x", APIKeyID: "id"}, false},
		{"missing key id", Config{ServerURL: "wss://x", APIKey: "k"}, false},
		{"missing url", Config{APIKey: "k", APIKeyID: "id"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NilError(t, err)
			} else {
				assert.Assert(t, err != nil)
			}
		})
	}
}

func TestConfigChannelURL(t *testing.T) {
	cfg := Config{
		ServerURL: "wss://api.example/ota/agent",
		APIKey:    "se cret",
		APIKeyID:  "dev-1",
	}
	assert.Equal(t,
		"wss://api.example/ota/agent?api_key_id=dev-1&api_key=se+cret",
		cfg.ChannelURL())
}

func TestFromEnvironmentVariantDefaults(t *testing.T) {
	t.Setenv(envAPIKey, "k")
	t.Setenv(envAPIKeyID, "id")

	agent := FromEnvironment(VariantAgent)
	assert.Equal(t, defaultAgentServerURL, agent.ServerURL)
	assert.Equal(t, defaultStatusURL, agent.StatusURL)
	assert.Equal(t, defaultUpdatesDir, agent.UpdatesDir)

	updater := FromEnvironment(VariantUpdater)
	assert.Equal(t, defaultUpdaterServerURL, updater.ServerURL)
	assert.Equal(t, "", updater.StatusURL)
}

func TestFromEnvironmentOverrides(t *testing.T) {
	t.Setenv(envAgentServerURL, "wss://override.example/agent")
	t.Setenv(envUpdatesDir, "/var/lib/ota")

	cfg := FromEnvironment(VariantAgent)
	assert.Equal(t, "wss://override.example/agent", cfg.ServerURL)
	assert.Equal(t, "/var/lib/ota", cfg.UpdatesDir)
}

func TestLoadSettingsDefaultsWhenAbsent(t *testing.T) {
	settings, err := LoadSettings("")
	assert.NilError(t, err)
	assert.Equal(t, 30*time.Second, settings.Status.PollInterval)

	settings, err = LoadSettings(filepath.Join(t.TempDir(), "missing.toml"))
	assert.NilError(t, err)
	assert.Equal(t, 5*time.Second, settings.Channel.RetryInterval)
}

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	content := `
[engine]
pull = "5m"
stop = "45s"

[channel]
retry_interval = "2s"
`
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := LoadSettings(path)
	assert.NilError(t, err)
	assert.Equal(t, 5*time.Minute, settings.Engine.Pull)
	assert.Equal(t, 45*time.Second, settings.Engine.Stop)
	assert.Equal(t, 2*time.Second, settings.Channel.RetryInterval)
	// Untouched values keep their defaults.
	assert.Equal(t, 10*time.Second, settings.Engine.Kill)
	assert.Equal(t, 30*time.Second, settings.Status.PollInterval)
}

func TestLoadSettingsRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	assert.NilError(t, os.WriteFile(path, []byte("engine = ["), 0o644))

	_, err := LoadSettings(path)
	assert.Assert(t, err != nil)
}
