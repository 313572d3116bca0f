package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// New returns the nixsync root command: the transfer engine's commands
// (send, sync, daemon, fetch, build, build-derivations) plus the ambient
// logging/tracing/config-file setup shared by all of them (spec §6).
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	var configPath string

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	return &cli.Command{
		Name:    "nixsync",
		Usage:   "Nix binary-cache transfer engine: push, pull and sync store paths against a cache server",
		Version: Version,
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLvl := cmd.String("log-level")

			lvl, err := zerolog.ParseLevel(logLvl)
			if err != nil {
				return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
			}

			var output io.Writer = os.Stdout
			if term.IsTerminal(int(os.Stdout.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			}

			ctx = zerolog.New(output).
				Level(lvl).
				With().
				Timestamp().
				Logger().
				WithContext(ctx)

			res, err := newResource(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			otelShutdown, err = setupOTelSDK(ctx, cmd, res)
			if err != nil {
				return ctx, err
			}

			zerolog.Ctx(ctx).Info().Str("log_level", lvl.String()).Msg("logger created")

			return ctx, nil
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable OpenTelemetry tracing (pretty-printed to stdout).",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml, yaml, json)",
				Sources:     cli.EnvVars("NIXSYNC_CONFIG_FILE"),
				Value:       getDefaultConfigPath(),
				Destination: &configPath,
			},
		},
		Commands: []*cli.Command{
			sendCommand(flagSources),
			syncCommand(flagSources),
			daemonCommand(flagSources),
			fetchCommand(flagSources),
			buildCommand(flagSources),
			buildDerivationsCommand(flagSources),
		},
	}
}

// getDefaultConfigPath returns the default path to the config file.
func getDefaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(configDir, "nixsync", "config.yaml")
}
