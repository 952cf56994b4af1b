package conf

import (
	"fmt"
	"slices"

	"utpgo/internal/flog"
)

// Log configures the package flog level.
type Log struct {
	Level string `yaml:"level"`
}

var validLevels = []string{"debug", "info", "warn", "error", "fatal", "none"}

func (l *Log) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

func (l *Log) validate() []error {
	var errs []error
	if !slices.Contains(validLevels, l.Level) {
		errs = append(errs, fmt.Errorf("log level must be one of: %v", validLevels))
	}
	return errs
}

// Apply sets the package-level flog level from this configuration.
func (l *Log) Apply() {
	levels := map[string]flog.Level{
		"debug": flog.Debug,
		"info":  flog.Info,
		"warn":  flog.Warn,
		"error": flog.Error,
		"fatal": flog.Fatal,
		"none":  flog.None,
	}
	flog.SetLevel(int(levels[l.Level]))
}
