package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"logtail/internal/client"
	"logtail/internal/config"
)

type commandContext struct {
	serverFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(serverFlag, configFlag *string) *commandContext {
	return &commandContext{
		serverFlag: serverFlag,
		configFlag: configFlag,
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
		c.config = cfg
	})
	return c.config, c.configErr
}

// serverAddress prefers --server over the configured bind address.
func (c *commandContext) serverAddress() (string, error) {
	if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
		return strings.TrimSpace(*c.serverFlag), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return cfg.APIBaseURL(), nil
}

func (c *commandContext) withClient(fn func(*client.Client) error) error {
	addr, err := c.serverAddress()
	if err != nil {
		return err
	}
	cl, err := client.New(addr)
	if err != nil {
		return fmt.Errorf("daemon address %q: %w", addr, err)
	}
	if err := fn(cl); err != nil {
		return wrapClientError(err, addr)
	}
	return nil
}

func wrapClientError(err error, addr string) error {
	var apiErr *client.APIError
	switch {
	case client.IsAPIUnavailable(err):
		return fmt.Errorf("connect to daemon: %s is not reachable; start the daemon with `logtail serve`", addr)
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return errors.New(apiErr.Message)
	default:
		return err
	}
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
