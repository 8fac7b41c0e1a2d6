// Package wire defines the messages exchanged with the rollout control
// server and the manifest format carried by update artifacts.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Action is the operation requested by an inbound command.
type Action string

const (
	ActionUpgrade Action = "upgrade"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
)

// SupportedActions lists the actions the dispatcher will route.
func SupportedActions() []Action {
	return []Action{ActionUpgrade, ActionStart, ActionStop}
}

// Command is a single inbound instruction from the control server. It is
// immutable once parsed.
type Command struct {
	Action        Action `json:"action"`
	ServiceName   string `json:"service_name"`
	Tag           string `json:"tag,omitempty"`
	ArtifactURL   string `json:"s3_url,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

// ValidationError names the field a command is missing or carrying malformed.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("command is missing required field %q", e.Field)
}

// ParseCommand decodes a raw control-channel message.
func ParseCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, errors.Wrap(err, "decode command")
	}
	return &cmd, nil
}

// Validate checks the presence invariants: every command needs an action and
// a service name; upgrades additionally need a tag, artifact URL and
// checksum.
func (c *Command) Validate() error {
	switch {
	case c.Action == "":
		return &ValidationError{Field: "action"}
	case c.ServiceName == "":
		return &ValidationError{Field: "service_name"}
	}

	if c.Action == ActionUpgrade {
		switch {
		case c.Tag == "":
			return &ValidationError{Field: "tag"}
		case c.ArtifactURL == "":
			return &ValidationError{Field: "s3_url"}
		case c.Checksum == "":
			return &ValidationError{Field: "checksum"}
		}
	}

	return nil
}

// Container resolves the container the command operates on, falling back to
// the service name when no explicit container name was sent.
func (c *Command) Container() string {
	if c.ContainerName != "" {
		return c.ContainerName
	}
	return c.ServiceName
}
