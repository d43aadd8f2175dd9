package agentconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New("a1", "Agent One", "worker")

	assert.Equal(t, DefaultPriority, cfg.Priority)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AgentConfig)
		want   string
	}{
		{"missing id", func(c *AgentConfig) { c.ID = " " }, "agent_id is required"},
		{"missing name", func(c *AgentConfig) { c.Name = "" }, "agent_name is required"},
		{"missing type", func(c *AgentConfig) { c.Type = "" }, "agent_type is required"},
		{"priority low", func(c *AgentConfig) { c.Priority = 0 }, "priority must be between 1 and 10"},
		{"priority high", func(c *AgentConfig) { c.Priority = 11 }, "priority must be between 1 and 10"},
		{"negative retries", func(c *AgentConfig) { c.MaxRetries = -1 }, "max_retries must be non-negative"},
		{"negative delay", func(c *AgentConfig) { c.RetryDelay = -time.Second }, "retry_delay must be non-negative"},
		{"zero timeout", func(c *AgentConfig) { c.Timeout = 0 }, "timeout must be positive"},
		{"bad level", func(c *AgentConfig) { c.LogLevel = "TRACE" }, "log_level must be one of: DEBUG, INFO, WARNING, ERROR, CRITICAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New("a1", "Agent One", "worker")
			tt.mutate(cfg)
			assert.Contains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_HeartbeatDisabledIsValid(t *testing.T) {
	cfg := New("a1", "Agent One", "worker")
	cfg.HeartbeatInterval = 0

	assert.Empty(t, cfg.Validate())
	assert.False(t, cfg.HeartbeatEnabled())
}

func TestClone_IsDeep(t *testing.T) {
	cfg := New("a1", "Agent One", "worker")
	cfg.Capabilities = []string{"search"}
	cfg.Metadata["region"] = "eu"

	cp := cfg.Clone()
	cp.Capabilities[0] = "changed"
	cp.Metadata["region"] = "us"

	assert.Equal(t, "search", cfg.Capabilities[0])
	assert.Equal(t, "eu", cfg.Metadata["region"])
}

func TestValidateRecord_Shapes(t *testing.T) {
	rec := Record{
		"agent_id":           "a1",
		"agent_name":         "Agent One",
		"agent_type":         42,
		"priority":           2.5,
		"auto_start":         "yes",
		"max_retries":        -2,
		"timeout":            0,
		"heartbeat_interval": "soon",
		"capabilities":       "search",
		"dependencies":       []interface{}{"b", 3},
		"log_level":          "verbose",
		"metadata":           []interface{}{"x"},
	}

	problems := ValidateRecord(rec)

	assert.Contains(t, problems, "agent_type must be a string")
	assert.Contains(t, problems, "priority must be an integer")
	assert.Contains(t, problems, "auto_start must be a boolean")
	assert.Contains(t, problems, "max_retries must be non-negative")
	assert.Contains(t, problems, "timeout must be positive")
	assert.Contains(t, problems, "heartbeat_interval must be a number of seconds or a duration string")
	assert.Contains(t, problems, "capabilities must be a list of strings")
	assert.Contains(t, problems, "dependencies must be a list of strings")
	assert.Contains(t, problems, "metadata must be a mapping")
	assert.Len(t, problems, 10)
}

func TestDecode_AppliesDefaultsAndSeconds(t *testing.T) {
	cfg, err := Decode(Record{
		"agent_id":           "a1",
		"agent_name":         "Agent One",
		"agent_type":         "t",
		"heartbeat_interval": 1,
		"retry_delay":        0.5,
		"timeout":            "2s",
		"capabilities":       []interface{}{"search", "index", "search"},
		"log_level":          "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"search", "index"}, cfg.Capabilities)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, DefaultPriority, cfg.Priority)
	assert.NotNil(t, cfg.Metadata)
}

func TestDecode_MissingRequiredIsConfigurationError(t *testing.T) {
	_, err := Decode(Record{"agent_name": "x", "agent_type": "t"})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "agent_id is required")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadFile_Formats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `
agent_id: yaml-agent
agent_name: YAML Agent
agent_type: worker
priority: 7
heartbeat_interval: 10
capabilities: [search]
metadata:
  owner: team-a
`)
	writeFile(t, dir, "b.json", `{"agent_id":"json-agent","agent_name":"JSON Agent","agent_type":"worker","auto_start":true,"timeout":5}`)
	writeFile(t, dir, "c.toml", `
agent_id = "toml-agent"
agent_name = "TOML Agent"
agent_type = "worker"
max_retries = 1
dependencies = ["yaml-agent"]
`)

	yamlCfg, err := LoadFile(filepath.Join(dir, "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, yamlCfg.Priority)
	assert.Equal(t, 10*time.Second, yamlCfg.HeartbeatInterval)
	assert.Equal(t, "team-a", yamlCfg.Metadata["owner"])

	jsonCfg, err := LoadFile(filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.True(t, jsonCfg.AutoStart)
	assert.Equal(t, 5*time.Second, jsonCfg.Timeout)

	tomlCfg, err := LoadFile(filepath.Join(dir, "c.toml"))
	require.NoError(t, err)
	assert.Equal(t, 1, tomlCfg.MaxRetries)
	assert.Equal(t, []string{"yaml-agent"}, tomlCfg.Dependencies)
}

func TestLoadFile_NestedYAMLMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ticker.yml", `
agent_id: tick
agent_name: Ticker
agent_type: ticker
metadata:
  interval: 5s
  labels:
    zone: eu
`)

	cfg, err := LoadFile(filepath.Join(dir, "ticker.yml"))
	require.NoError(t, err)
	assert.Equal(t, "5s", cfg.Metadata["interval"])
	assert.Equal(t, map[string]interface{}{"zone": "eu"}, cfg.Metadata["labels"])

	configs, err := LoadDirectory(dir, logger.Nop())
	require.NoError(t, err)
	assert.Contains(t, configs, "tick")
}

func TestDecode_RecordMetadata(t *testing.T) {
	cfg, err := Decode(Record{
		"agent_id":   "a1",
		"agent_name": "Agent One",
		"agent_type": "subscriber",
		"metadata":   Record{"subject": "jobs.>"},
	})
	require.NoError(t, err)
	assert.Equal(t, "jobs.>", cfg.Metadata["subject"])
}

func TestLoadDirectory_SkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", "agent_id: good\nagent_name: Good\nagent_type: worker\n")
	writeFile(t, dir, "broken.json", `{"agent_id": `)
	writeFile(t, dir, "invalid.yaml", "agent_id: bad\nagent_name: Bad\nagent_type: worker\npriority: 99\n")
	writeFile(t, dir, "zz-dup.yml", "agent_id: good\nagent_name: Dup\nagent_type: worker\n")
	writeFile(t, dir, "notes.txt", "ignored")

	configs, err := LoadDirectory(dir, logger.Nop())
	require.NoError(t, err)

	require.Len(t, configs, 1)
	assert.Equal(t, "Good", configs["good"].Name)
}

func TestLoadDirectory_MissingDir(t *testing.T) {
	_, err := LoadDirectory(filepath.Join(t.TempDir(), "nope"), logger.Nop())

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
}
