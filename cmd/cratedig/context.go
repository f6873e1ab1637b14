package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"cratedig/internal/config"
	"cratedig/internal/library"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) registry() (*library.Registry, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	registry, err := library.Load(cfg.Paths.SourcesPath)
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// resolveSources maps CLI source-id arguments to registered sources; no
// arguments means every source.
func (c *commandContext) resolveSources(args []string) ([]library.Source, error) {
	registry, err := c.registry()
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		sources := registry.Sources()
		if len(sources) == 0 {
			return nil, fmt.Errorf("no sources registered; add one with `cratedig source add <path>`")
		}
		return sources, nil
	}
	sources := make([]library.Source, 0, len(args))
	for _, id := range args {
		source, ok := registry.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("unknown source %q", id)
		}
		sources = append(sources, source)
	}
	return sources, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
