// Package config loads the three merged YAML documents that describe an
// installation, its race modes, and its current event (§4.7).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Dir resolves the configuration directory: CC_CONFIG_DIR if set, otherwise
// "config" under root.
func Dir(root string) string {
	if dir := os.Getenv("CC_CONFIG_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(root, "config")
}

// AppConfig holds installation-wide settings (storage path, listen
// addresses, batching tunables) read from app.yaml.
type AppConfig struct {
	StoragePath     string `yaml:"storage_path"`
	ListenAddr      string `yaml:"listen_addr"`
	BatchMax        int    `yaml:"batch_max"`
	BatchMs         int    `yaml:"batch_ms"`
	CheckpointEveryS int   `yaml:"checkpoint_every_s"`
	FSync           bool   `yaml:"fsync"`
	MinTagLen       int    `yaml:"min_tag_len"`
	DedupWindowMs   int    `yaml:"dedup_window_ms"`
	RateLimitPerS   int    `yaml:"rate_limit_per_s"`
}

// ModeConfig describes one named race mode entry from race_modes.yaml.
type ModeConfig struct {
	LimitType       string   `yaml:"limit_type"`
	ValueS          float64  `yaml:"value_s"`
	ValueLaps       int      `yaml:"value_laps"`
	SoftEnd         bool     `yaml:"soft_end"`
	SoftEndTimeoutS float64  `yaml:"soft_end_timeout_s"`
	MinLapS         float64  `yaml:"min_lap_s"`
	MinLapDupS      float64  `yaml:"min_lap_dup_s"`
	PitTiming       bool     `yaml:"pit_timing"`
	AutoProvisional bool     `yaml:"auto_provisional"`
	PitInDevices    []string `yaml:"pit_in_devices"`
	PitOutDevices   []string `yaml:"pit_out_devices"`
}

// EventConfig holds the current event's descriptive fields and qualifying
// policy, from event.yaml.
type EventConfig struct {
	EventLabel       string `yaml:"event_label"`
	SessionLabel     string `yaml:"session_label"`
	QualifyingPolicy string `yaml:"qualifying_policy"`
}

// Config is the fully merged configuration the engine boots from.
type Config struct {
	App   AppConfig
	Modes map[string]ModeConfig
	Event EventConfig
}

// rawDoc is one YAML file decoded as a generic top-level mapping. A missing
// or empty file yields an empty rawDoc; a malformed file is returned as an
// error by loadYAML.
type rawDoc map[string]any

func loadYAML(path string) (rawDoc, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rawDoc{}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = rawDoc{}
	}
	return doc, nil
}

// Load reads app.yaml, race_modes.yaml, and event.yaml from dir (falling
// back to root/config.yaml for app.yaml if app.yaml is absent, mirroring
// the original's legacy fallback). A malformed file is a fatal
// ConfigMissing-class error rather than a silently empty document: the
// original tolerated a missing file but not an unparsable one.
func Load(root string) (Config, error) {
	dir := Dir(root)

	appDoc, err := loadYAML(filepath.Join(dir, "app.yaml"))
	if err != nil {
		return Config{}, fmt.Errorf("config: parse app.yaml: %w", err)
	}
	if len(appDoc) == 0 {
		legacy, err := loadYAML(filepath.Join(root, "config.yaml"))
		if err != nil {
			return Config{}, fmt.Errorf("config: parse legacy config.yaml: %w", err)
		}
		appDoc = legacy
	}

	modesDoc, err := loadYAML(filepath.Join(dir, "race_modes.yaml"))
	if err != nil {
		return Config{}, fmt.Errorf("config: parse race_modes.yaml: %w", err)
	}
	eventDoc, err := loadYAML(filepath.Join(dir, "event.yaml"))
	if err != nil {
		return Config{}, fmt.Errorf("config: parse event.yaml: %w", err)
	}

	var cfg Config
	if err := remarshal(appDoc, &cfg.App); err != nil {
		return Config{}, fmt.Errorf("config: decode app config: %w", err)
	}

	cfg.Modes = map[string]ModeConfig{}
	if modesRaw, ok := modesDoc["modes"]; ok {
		modesBytes, err := yaml.Marshal(modesRaw)
		if err != nil {
			return Config{}, fmt.Errorf("config: re-encode modes: %w", err)
		}
		if err := yaml.Unmarshal(modesBytes, &cfg.Modes); err != nil {
			return Config{}, fmt.Errorf("config: decode modes: %w", err)
		}
	}

	if eventRaw, ok := eventDoc["event"]; ok {
		eventBytes, err := yaml.Marshal(eventRaw)
		if err != nil {
			return Config{}, fmt.Errorf("config: re-encode event: %w", err)
		}
		if err := yaml.Unmarshal(eventBytes, &cfg.Event); err != nil {
			return Config{}, fmt.Errorf("config: decode event: %w", err)
		}
	}

	return cfg, nil
}

// ModeByName returns the named race mode, or the zero value if absent —
// callers treat a missing mode as "use engine defaults", matching the
// original's dict.get(name, {}).
func (c Config) ModeByName(name string) ModeConfig {
	return c.Modes[name]
}

func remarshal(doc rawDoc, out any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
