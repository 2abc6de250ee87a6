package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBasePort is the first engine port when engines.base_port is unset.
const DefaultBasePort = 8766

// Load reads, defaults, and validates the YAML config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is [Load] over an arbitrary reader. Unknown YAML keys are
// rejected so a typoed option fails loudly instead of being ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Engines.BasePort == 0 {
		cfg.Engines.BasePort = DefaultBasePort
	}
}

// Validate reports every problem in cfg at once as a joined error, so one
// edit-run cycle surfaces the whole list.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Storage.AudioDir == "" {
		errs = append(errs, errors.New("storage.audio_dir is required"))
	}

	if cfg.Engines.Root == "" {
		slog.Warn("engines.root is empty; no engines will be discovered")
	}
	if cfg.Engines.BasePort < 1024 || cfg.Engines.BasePort > 65000 {
		errs = append(errs, fmt.Errorf("engines.base_port %d is out of range [1024, 65000]", cfg.Engines.BasePort))
	}

	// SSH host validation; duplicate names would make variant IDs collide.
	seen := make(map[string]int, len(cfg.SSHHosts))
	for i, h := range cfg.SSHHosts {
		prefix := fmt.Sprintf("ssh_hosts[%d]", i)
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, dup := seen[h.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of ssh_hosts[%d]", prefix, h.Name, prev))
		} else {
			seen[h.Name] = i
		}
		if h.Addr == "" {
			errs = append(errs, fmt.Errorf("%s.addr is required", prefix))
		}
		if h.User == "" {
			errs = append(errs, fmt.Errorf("%s.user is required", prefix))
		}
		if h.KeyFile == "" {
			errs = append(errs, fmt.Errorf("%s.key_file is required", prefix))
		}
	}

	return errors.Join(errs...)
}
