// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the streaming
// agent. Configuration comes from an optional YAML file (--config)
// with individual values overridable on the command line; there is no
// automatic discovery, so the effective configuration is always
// auditable from the invocation.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPortPath is the virtio-serial device the agent attaches to
// when nothing else is configured.
const DefaultPortPath = "/dev/virtio-ports/org.spice-space.stream.0"

// Config is the agent configuration.
type Config struct {
	// Port is the virtio-serial stream device path.
	Port string `yaml:"port"`

	// LogFile enables capture diagnostics: timestamped stat lines are
	// written here. Empty disables them.
	LogFile string `yaml:"log_file"`

	// LogFrames additionally records every transmitted frame to
	// LogFile + ".frames".
	LogFrames bool `yaml:"log_frames"`

	// LogBinary embeds the raw frame bytes in the frame records
	// instead of metadata and digest only.
	LogBinary bool `yaml:"log_binary"`

	// FrameCompression selects the frame record stream compression:
	// none, lz4, or zstd.
	FrameCompression string `yaml:"frame_compression"`

	// Debug lowers the log level to debug.
	Debug bool `yaml:"debug"`

	// Options are free-form plugin settings (framerate, quality, and
	// whatever external plugins define), also settable with
	// -c key=value.
	Options map[string]string `yaml:"options"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:             DefaultPortPath,
		FrameCompression: "zstd",
		Options:          map[string]string{},
	}
}

// Load reads the YAML configuration at path over the defaults.
// Unknown fields are rejected so typos do not silently disable
// options.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Options == nil {
		cfg.Options = map[string]string{}
	}
	return cfg, nil
}

// SetOption applies a "name=value" assignment from the command line
// to the plugin options.
func (c *Config) SetOption(assignment string) error {
	name, value, ok := strings.Cut(assignment, "=")
	if !ok || name == "" {
		return fmt.Errorf("invalid option %q (want name=value)", assignment)
	}
	c.Options[name] = value
	return nil
}
