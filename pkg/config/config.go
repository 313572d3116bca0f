// Package config resolves the transfer engine's environment-variable
// configuration (spec §6) into typed values, and validates a cache
// endpoint URL against the shape the spec mandates.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalbasit/nixsync/pkg/codec"
)

// Defaults for the environment variables named in spec §6.
const (
	DefaultShowPathsLimit = 25
	DefaultCompression    = codec.Xz
	DefaultLogLevel       = "info"
)

// Env var names (spec §6).
const (
	EnvEndpoint         = "NIX_REPO_HTTP"
	EnvUsername         = "NIX_BINARY_CACHE_USERNAME"
	EnvPassword         = "NIX_BINARY_CACHE_PASSWORD"
	EnvPathCache        = "NIX_PATH_CACHE"
	EnvNarinfoCache     = "NIX_NARINFO_CACHE"
	EnvShowPathsLimit   = "SHOW_PATHS_LIMIT"
	EnvCompressionType  = "COMPRESSION_TYPE"
	EnvSendNars         = "SEND_NARS"
	EnvNoBatch          = "NO_BATCH"
	EnvLogLevel         = "LOG_LEVEL"
)

// endpointPattern implements spec §6's "Endpoint validation":
// `https?://<host>(\.host)*(:port)?` with no path component.
var endpointPattern = regexp.MustCompile(`^https?://[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)*(?::[0-9]+)?$`)

// ErrInvalidEndpoint is returned when an endpoint string does not match the
// required shape.
var ErrInvalidEndpoint = errors.New("invalid endpoint URL")

// ValidateEndpoint parses and validates endpoint against spec §6's grammar,
// returning the parsed URL on success.
func ValidateEndpoint(endpoint string) (*url.URL, error) {
	if !endpointPattern.MatchString(endpoint) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidEndpoint, endpoint, err)
	}

	return u, nil
}

// Config is the resolved environment-variable configuration for one run.
// Every field mirrors a spec §6 environment variable; FromEnvironment reads
// them and applies the defaults. The CLI does not go through Config: its
// flags read the same variables (the Env* constants) via the cmd package's
// flagSources helper, which chains flag, config-file, and env-var sources.
type Config struct {
	Endpoint        string
	Username        string
	Password        string
	PathCacheDir    string
	NarinfoCacheDir string
	ShowPathsLimit  int
	Compression     codec.Type
	SendNars        bool
	NoBatch         bool
	LogLevel        string
}

// FromEnvironment reads every spec §6 environment variable into a Config,
// applying the spec's stated defaults for anything unset.
func FromEnvironment() (*Config, error) {
	c := &Config{
		Endpoint:        os.Getenv(EnvEndpoint),
		Username:        os.Getenv(EnvUsername),
		Password:        os.Getenv(EnvPassword),
		PathCacheDir:    defaultDir(EnvPathCache, ".nix-path-cache"),
		NarinfoCacheDir: defaultDir(EnvNarinfoCache, ".nix-narinfo-cache"),
		ShowPathsLimit:  DefaultShowPathsLimit,
		Compression:     DefaultCompression,
		LogLevel:        DefaultLogLevel,
	}

	if v := os.Getenv(EnvShowPathsLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("error parsing %s=%q: %w", EnvShowPathsLimit, v, err)
		}

		c.ShowPathsLimit = n
	}

	if v := os.Getenv(EnvCompressionType); v != "" {
		c.Compression = codec.Normalize(v)
	}

	if v := os.Getenv(EnvSendNars); v != "" {
		c.SendNars = parseBool(v)
	}

	if v := os.Getenv(EnvNoBatch); v != "" {
		c.NoBatch = parseBool(v)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}

	return c, nil
}

func defaultDir(envVar, leafName string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return home + "/" + leafName
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
