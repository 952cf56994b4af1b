// Package conf loads and validates this library's YAML configuration: log
// level, the local endpoint to bind, optional datagram encryption, and the
// engine's ARQ tuning knobs, following a setDefaults()/validate() []error
// idiom throughout.
package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Conf is the top-level configuration document.
type Conf struct {
	Log    Log    `yaml:"log"`
	Listen string `yaml:"listen"`
	Key    string `yaml:"key"`
	Tuning Tuning `yaml:"tuning"`
}

// LoadFromFile reads, unmarshals, defaults and validates a config file.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	c.Log.setDefaults()
	if c.Listen == "" {
		c.Listen = "0.0.0.0:0"
	}
	c.Tuning.setDefaults()
}

func (c *Conf) validate() error {
	var allErrors []error
	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Tuning.validate()...)
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
