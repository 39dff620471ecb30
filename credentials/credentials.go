// Package credentials loads service API keys from credentials.toml, falling
// back to environment variables.
//
// The file holds one table per service plus an optional [default] table:
//
//	[openai]
//	api_key = "sk-..."
//
//	[anthropic]
//	api_key  = "..."
//	base_url = "https://proxy.internal/anthropic"
//
// The file must be mode 0400.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// DefaultSection is the table consulted when a service has none of its own.
const DefaultSection = "default"

// ServiceCreds holds the credentials of one service.
type ServiceCreds struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// Credentials holds the keys read from a credentials file.
type Credentials struct {
	services map[string]ServiceCreds
}

// StandardPaths returns the credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "jobkit", "credentials.toml"),
			filepath.Join(home, ".jobkit", "credentials.toml"))
	}
	return paths
}

// Load loads credentials from the first standard location that exists.
// No file is not an error: the returned Credentials then only reads the
// environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return &Credentials{}, "", nil
}

// LoadFile loads credentials from path.
// Returns ErrInsecurePermissions unless the file is mode 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]ServiceCreds
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	creds := &Credentials{services: make(map[string]ServiceCreds, len(raw))}
	for name, sc := range raw {
		creds.services[strings.ToLower(name)] = sc
	}
	return creds, nil
}

// Services returns the service tables present in the file.
func (c *Credentials) Services() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.services))
	for name := range c.services {
		out = append(out, name)
	}
	return out
}

// APIKey returns the key for service. Priority: the [service] table, the
// [default] table, the envKey variable, then SERVICE_API_KEY.
func (c *Credentials) APIKey(service, envKey string) string {
	if c != nil {
		if sc, ok := c.services[strings.ToLower(service)]; ok && sc.APIKey != "" {
			return sc.APIKey
		}
		if sc, ok := c.services[DefaultSection]; ok && sc.APIKey != "" {
			return sc.APIKey
		}
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return os.Getenv(EnvVar(service))
}

// BaseURL returns the endpoint override for service, if any.
func (c *Credentials) BaseURL(service string) string {
	if c == nil {
		return ""
	}
	return c.services[strings.ToLower(service)].BaseURL
}

// EnvVar returns the generic environment variable for service, e.g.
// "openai-compat" gives OPENAI_COMPAT_API_KEY.
func EnvVar(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_API_KEY"
}
