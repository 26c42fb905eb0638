package global

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const configTOMLFileName = "config.toml"

type GlobalConfig struct {
	LocalPort     int    `json:"local_port" toml:"local_port"`
	WorkspaceRoot string `json:"workspace_root" toml:"workspace_root"`
	DebounceMS    int    `json:"debounce_ms" toml:"debounce_ms"`
	DefaultMode   string `json:"default_mode" toml:"default_mode"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	if cfg.LocalPort <= 0 {
		cfg.LocalPort = 4632
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = 75
	}
	cfg.WorkspaceRoot = strings.TrimSpace(cfg.WorkspaceRoot)
	switch strings.ToLower(strings.TrimSpace(cfg.DefaultMode)) {
	case "jsx", "tsx":
		cfg.DefaultMode = strings.ToLower(strings.TrimSpace(cfg.DefaultMode))
	default:
		cfg.DefaultMode = "jsx"
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
