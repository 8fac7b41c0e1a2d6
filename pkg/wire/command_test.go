package wire

import (
	"encoding/json"
	"testing"

	"gotest.tools/assert"
)

func TestParseCommand(t *testing.T) {
	raw := []byte(`{"action":"upgrade","service_name":"om1","tag":"v1.4.0","s3_url":"s3://updates/om1.yaml","checksum":"abc123"}`)
	cmd, err := ParseCommand(raw)
	assert.NilError(t, err)
	assert.Equal(t, cmd.Action, ActionUpgrade)
	assert.Equal(t, cmd.ServiceName, "om1")
	assert.Equal(t, cmd.Tag, "v1.4.0")
	assert.NilError(t, cmd.Validate())
}

func TestParseCommandMalformed(t *testing.T) {
	_, err := ParseCommand([]byte(`{"action": "upgr`))
	assert.Assert(t, err != nil)
}

func TestCommandValidation(t *testing.T) {
	testcases := []struct {
		name    string
		cmd     Command
		missing string
	}{
		{
			name:    "no action",
			cmd:     Command{ServiceName: "om1"},
			missing: "action",
		},
		{
			name:    "no service name",
			cmd:     Command{Action: ActionStop},
			missing: "service_name",
		},
		{
			name:    "upgrade without tag",
			cmd:     Command{Action: ActionUpgrade, ServiceName: "om1", ArtifactURL: "s3://u/k", Checksum: "c"},
			missing: "tag",
		},
		{
			name:    "upgrade without url",
			cmd:     Command{Action: ActionUpgrade, ServiceName: "om1", Tag: "v1", Checksum: "c"},
			missing: "s3_url",
		},
		{
			name:    "upgrade without checksum",
			cmd:     Command{Action: ActionUpgrade, ServiceName: "om1", Tag: "v1", ArtifactURL: "s3://u/k"},
			missing: "checksum",
		},
		{
			name: "stop needs only service name",
			cmd:  Command{Action: ActionStop, ServiceName: "om1"},
		},
		{
			name: "start needs only service name",
			cmd:  Command{Action: ActionStart, ServiceName: "om1"},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.Validate()
			if tc.missing == "" {
				assert.NilError(t, err)
				return
			}
			verr, ok := err.(*ValidationError)
			assert.Assert(t, ok, "expected *ValidationError, got %T", err)
			assert.Equal(t, verr.Field, tc.missing)
		})
	}
}

func TestCommandContainerFallback(t *testing.T) {
	cmd := Command{Action: ActionStop, ServiceName: "om1"}
	assert.Equal(t, cmd.Container(), "om1")
	cmd.ContainerName = "om1_main"
	assert.Equal(t, cmd.Container(), "om1_main")
}

func TestProgressEncode(t *testing.T) {
	p := NewProgress(string(StageStoring), "storing update files", 20)
	var decoded map[string]interface{}
	assert.NilError(t, json.Unmarshal(p.Encode(), &decoded))
	assert.Equal(t, decoded["type"], ProgressType)
	assert.Equal(t, decoded["status"], "storing")
	assert.Equal(t, decoded["progress"], float64(20))
	assert.Assert(t, decoded["timestamp"] != "")
}

func TestProgressClampsPercent(t *testing.T) {
	assert.Equal(t, NewProgress("x", "", -4).Percent, 0)
	assert.Equal(t, NewProgress("x", "", 250).Percent, 100)
}

func TestParseManifest(t *testing.T) {
	doc := []byte(`
services:
  om1:
    image: registry.example.com/om1:v1.4.0
    container_name: om1_main
    ports:
      - "8080:8080"
  om1_sensor:
    image: registry.example.com/om1-sensor:v1.4.0
`)
	m, err := ParseManifest(doc)
	assert.NilError(t, err)
	assert.Equal(t, len(m.Services), 2)
	assert.Equal(t, m.ContainerFor("om1"), "om1_main")
	assert.Equal(t, m.ContainerFor("om1_sensor"), "om1_sensor")
	assert.Equal(t, len(m.ContainerNames()), 2)
}

func TestParseManifestRejectsGarbage(t *testing.T) {
	_, err := ParseManifest([]byte("\t not yaml: ["))
	assert.Assert(t, err != nil)
}
