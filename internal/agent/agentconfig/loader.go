package agentconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
)

// SupportedExtensions lists the file extensions LoadDirectory picks up.
var SupportedExtensions = []string{".yaml", ".yml", ".json", ".toml"}

// ParseRecord decodes raw file content in the given format (by extension).
func ParseRecord(data []byte, ext string) (Record, error) {
	// Decode into a plain map: yaml.v3 gives nested mappings the named type
	// of the target, which would turn metadata into a Record.
	raw := map[string]interface{}{}
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	default:
		return nil, errors.ConfigurationError(fmt.Sprintf("unsupported config format %q", ext), nil)
	}
	if err != nil {
		return nil, errors.ConfigurationError("failed to parse agent config", err)
	}
	return Record(raw), nil
}

// LoadFile reads, validates and decodes a single agent config file.
func LoadFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigurationError(fmt.Sprintf("failed to read %s", path), err)
	}
	rec, err := ParseRecord(data, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	cfg, err := Decode(rec)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// LoadDirectory loads every supported config file in dir into an id -> config
// map. A file that fails to parse or validate is logged and skipped; a
// duplicate id keeps the first file (in name order). Only an unreadable
// directory is an error.
func LoadDirectory(dir string, log *logger.Logger) (map[string]*AgentConfig, error) {
	if log == nil {
		log = logger.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.ConfigurationError(fmt.Sprintf("failed to read config directory %s", dir), err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !supported(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	configs := make(map[string]*AgentConfig, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		cfg, err := LoadFile(path)
		if err != nil {
			log.Warn("skipping invalid agent config file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if _, exists := configs[cfg.ID]; exists {
			log.Warn("skipping duplicate agent id",
				zap.String("path", path),
				zap.String("agent_id", cfg.ID))
			continue
		}
		configs[cfg.ID] = cfg
		log.Debug("loaded agent config",
			zap.String("path", path),
			zap.String("agent_id", cfg.ID))
	}

	return configs, nil
}

func supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
