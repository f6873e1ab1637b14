package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAnalysis(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.SourcesPath == "" {
		return errors.New("paths.sources_path must be set")
	}
	return nil
}

func (c *Config) validateAnalysis() error {
	if c.Analysis.HeartbeatTimeout <= c.Analysis.HeartbeatInterval {
		return fmt.Errorf("analysis.heartbeat_timeout (%d) must exceed analysis.heartbeat_interval (%d)",
			c.Analysis.HeartbeatTimeout, c.Analysis.HeartbeatInterval)
	}
	if c.Analysis.SampleRate < 8000 {
		return fmt.Errorf("analysis.sample_rate %d is below the 8000 Hz minimum", c.Analysis.SampleRate)
	}
	return nil
}
