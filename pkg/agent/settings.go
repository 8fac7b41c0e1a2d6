package agent

import (
	"os"
	"time"

	"github.com/ottofleet/otad/pkg/engine"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Settings tunes operation timeouts and poll intervals. It is loaded from
// an optional TOML file; a missing file yields the defaults.
type Settings struct {
	Engine  engine.Timeouts `toml:"engine"`
	Channel ChannelSettings `toml:"channel"`
	Status  StatusSettings  `toml:"status"`
}

type ChannelSettings struct {
	RetryInterval time.Duration `toml:"retry_interval"`
}

type StatusSettings struct {
	PollInterval  time.Duration `toml:"poll_interval"`
	RetryInterval time.Duration `toml:"retry_interval"`
}

func DefaultSettings() Settings {
	return Settings{
		Engine: engine.DefaultTimeouts(),
		Channel: ChannelSettings{
			RetryInterval: 5 * time.Second,
		},
		Status: StatusSettings{
			PollInterval:  30 * time.Second,
			RetryInterval: 5 * time.Second,
		},
	}
}

// LoadSettings unmarshalls a settings file over the defaults. An empty path
// or an absent file returns the defaults; a present but malformed file is
// an error.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, errors.Wrapf(err, "read settings file %s", path)
	}
	if err := toml.Unmarshal(raw, &settings); err != nil {
		return settings, errors.Wrapf(err, "parse settings file %s", path)
	}
	return settings, nil
}
