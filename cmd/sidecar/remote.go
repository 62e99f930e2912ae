package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/auth"
	"github.com/loykin/sidecar/pkg/client"
)

// loadConfig reads --config, or only defaults and SIDECAR_* variables when
// it is not set.
func loadConfig(flags *GlobalFlags) (*sidecar.Config, error) {
	c, err := sidecar.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return c, nil
}

// apiURL is --api-url, or the configured listen address and base path.
func apiURL(flags *GlobalFlags) (string, error) {
	if flags.APIUrl != "" {
		return strings.TrimRight(flags.APIUrl, "/"), nil
	}
	c, err := loadConfig(flags)
	if err != nil {
		return "", err
	}
	return "http://" + c.Server.Listen + "/" + strings.Trim(c.Server.BasePath, "/"), nil
}

// secretFile is --secret-file, or the configured one when auth is enabled.
func secretFile(flags *GlobalFlags) string {
	if flags.SecretFile != "" {
		return flags.SecretFile
	}
	if flags.APIUrl != "" && flags.ConfigPath == "" {
		return ""
	}
	c, err := loadConfig(flags)
	if err != nil || !c.Server.Auth.Enabled {
		return ""
	}
	return c.Server.Auth.SecretFile
}

// newRemote builds a client for a running sidecar and logs in when a
// secret file is available.
func newRemote(ctx context.Context, flags *GlobalFlags) (*client.Client, error) {
	base, err := apiURL(flags)
	if err != nil {
		return nil, err
	}
	c := client.New(client.Config{BaseURL: base, Timeout: flags.APITimeout})
	if path := secretFile(flags); path != "" {
		secret, err := auth.ReadSecretFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if _, err := c.Login(ctx, secret); err != nil {
				return nil, fmt.Errorf("login: %w", err)
			}
		}
	}
	return c, nil
}

// isRemote reports whether a command should go through a running sidecar
// rather than act locally.
func isRemote(flags *GlobalFlags) bool { return flags.APIUrl != "" }
