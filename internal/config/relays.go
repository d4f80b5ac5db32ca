package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Relays holds the relay lists used by the aggregator.
type Relays struct {
	Default   []string `yaml:"default" json:"defaultRelays"`
	Discovery string   `yaml:"discovery" json:"discoveryRelay"`
	Search    []string `yaml:"search" json:"searchRelays"`
	Profile   []string `yaml:"profile" json:"profileRelays"`
}

// DefaultRelays returns the built-in relay lists
func DefaultRelays() Relays {
	return Relays{
		Default: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
			"wss://nostr.mom",
		},
		Discovery: "wss://purplepag.es",
		Search: []string{
			"wss://relay.nostr.band",
			"wss://search.nos.today",
		},
		Profile: []string{
			"wss://relay.nostr.band",
			"wss://purplepag.es",
		},
	}
}

// LoadRelays reads a YAML (or JSON, by extension) relays file. Missing or
// invalid files fall back to the defaults; empty lists inherit the default list.
func LoadRelays(path string) Relays {
	defaults := DefaultRelays()
	if path == "" {
		return defaults
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("relays file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read relays file, using defaults", "path", path, "error", err)
		}
		return defaults
	}

	var loaded Relays
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &loaded)
	} else {
		err = yaml.Unmarshal(data, &loaded)
	}
	if err != nil {
		slog.Error("invalid relays file, using defaults", "path", path, "error", err)
		return defaults
	}

	if len(loaded.Default) == 0 {
		loaded.Default = defaults.Default
	}
	if loaded.Discovery == "" {
		loaded.Discovery = defaults.Discovery
	}
	if len(loaded.Search) == 0 {
		loaded.Search = defaults.Search
	}
	if len(loaded.Profile) == 0 {
		loaded.Profile = defaults.Profile
	}

	slog.Info("loaded relays configuration",
		"path", path,
		"default", len(loaded.Default),
		"search", len(loaded.Search),
		"profile", len(loaded.Profile))
	return loaded
}
