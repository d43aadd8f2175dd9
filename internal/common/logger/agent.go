package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AgentLoggerConfig configures a logger scoped to a single agent.
type AgentLoggerConfig struct {
	AgentID string
	Level   string // DEBUG, INFO, WARNING, ERROR, CRITICAL
	Format  string // console output format: json or text
	Dir     string // directory for <agent_id>.log; empty disables the file
}

// NewAgentLogger creates a logger named "agent.<id>" that writes to stdout and,
// when Dir is set, to Dir/<id>.log. File entries always carry the caller
// function and line.
func NewAgentLogger(cfg AgentLoggerConfig) (*Logger, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	format := cfg.Format
	if format == "" {
		format = detectLogFormat()
	}

	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(format, false), zapcore.AddSync(os.Stdout), level),
	}

	var owned []*os.File
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, cfg.AgentID+".log")
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open agent log file: %w", err)
		}
		owned = append(owned, file)
		cores = append(cores, zapcore.NewCore(newEncoder("json", true), zapcore.AddSync(file), level))
	}

	z := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		Named("agent." + cfg.AgentID).
		With(zap.String("agent_id", cfg.AgentID))

	l := &Logger{zap: z, sugar: z.Sugar()}
	for _, f := range owned {
		l.closers = append(l.closers, f)
	}
	return l, nil
}
