package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/services"
)

type commandContext struct {
	configFlag *string
	apiFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, apiFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		apiFlag:    apiFlag,
	}
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

// client returns an API client for the daemon named by --api or the config.
func (c *commandContext) client() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	addr := ""
	if c.apiFlag != nil {
		addr = strings.TrimSpace(*c.apiFlag)
	}
	if addr == "" {
		addr = clientAddress(cfg.Paths.APIBind)
	}
	if addr == "" {
		return nil, errors.New("daemon API is disabled (paths.api_bind is empty); pass --api")
	}
	return api.NewClient(addr, api.WithToken(cfg.Paths.APIToken)), nil
}

// clientAddress turns a listen address into one a client can dial.
func clientAddress(bind string) string {
	bind = strings.TrimSpace(bind)
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return bind
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// wrapClientError adds a hint when the daemon could not be reached at all.
func wrapClientError(err error) error {
	if err == nil {
		return nil
	}
	var status *services.StatusError
	if errors.Is(err, services.ErrUnavailable) && !errors.As(err, &status) {
		return fmt.Errorf("connect to daemon: %w (start it with `vectorflow serve`)", err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
