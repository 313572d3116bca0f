package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/nixsync/pkg/build"
	"github.com/kalbasit/nixsync/pkg/drvinfo"
	"github.com/kalbasit/nixsync/pkg/pull"
)

// buildFlags are shared by build and build-derivations: GC-root naming and
// the local builder's own concurrency knob, independent of --concurrency
// (which bounds the Pull Pipeline's fetch workers).
func buildFlags(flagSources flagSourcesFn) []cli.Flag {
	flags := commonFlags(flagSources)

	return append(flags,
		&cli.StringFlag{
			Name:    "gc-root-dir",
			Usage:   "Directory to create indirect GC roots in; empty disables GC roots",
			Sources: flagSources("build.gc-root-dir", "NIX_GC_ROOT_DIR"),
		},
		&cli.StringFlag{
			Name:    "gc-root-style",
			Usage:   "GC root naming scheme: derivation-name or generic",
			Value:   "generic",
			Sources: flagSources("build.gc-root-style", "NIX_GC_ROOT_STYLE"),
		},
		&cli.IntFlag{
			Name:    "max-jobs",
			Usage:   "nix-store --realise --max-jobs",
			Sources: flagSources("build.max-jobs", "NIX_MAX_JOBS"),
		},
		&cli.BoolFlag{
			Name:    "keep-going",
			Usage:   "nix-store --realise --keep-going",
			Value:   true,
			Sources: flagSources("build.keep-going", "NIX_KEEP_GOING"),
		},
		trustedKeysFlag(flagSources),
	)
}

func gcRootStyleFromFlag(s string) build.GCRootStyle {
	switch s {
	case "derivation-name":
		return build.GCRootDerivationName
	case "generic":
		return build.GCRootGeneric
	default:
		return build.GCRootNone
	}
}

func buildOptionsFromFlags(cmd *cli.Command) build.Options {
	style := build.GCRootNone
	if cmd.String("gc-root-dir") != "" {
		style = gcRootStyleFromFlag(cmd.String("gc-root-style"))
	}

	return build.Options{
		StopOnFailure: !cmd.Bool("keep-going"),
		MaxJobs:       cmd.Int("max-jobs"),
		GCRootStyle:   style,
		GCRootDir:     cmd.String("gc-root-dir"),
	}
}

// noopPlanner always delegates every derivation to the local builder. The
// real build-planning function is an external pure collaborator (spec §1);
// without one wired in, `build`/`build-derivations` still work correctly,
// just without the cache-aware fetch-instead-of-build shortcut.
func noopPlanner(_ context.Context, derivs []build.Derivation) (build.Plan, error) {
	return build.Plan{ToBuild: derivs}, nil
}

func runBuild(ctx context.Context, cmd *cli.Command, derivs []build.Derivation) error {
	rt, err := newRuntime(ctx, cmd, nil)
	if err != nil {
		return err
	}

	pubKeys, err := parseTrustedKeys(cmd)
	if err != nil {
		return err
	}

	fetcher := pull.New(rt.sess, rt.localStore, rt.narCache, rt.refCache, rt.root, pull.Options{
		Server:     rt.serverIdentity(),
		MaxJobs:    rt.concurrency,
		BatchMode:  !cmd.Bool("no-batch"),
		PublicKeys: pubKeys,
	})

	coord := build.New(noopPlanner, fetcher, rt.localStore, rt.localStore, drvinfo.NewReader())

	report, err := coord.Build(ctx, derivs, buildOptionsFromFlags(cmd))
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Strs("failed", derivationStrings(report.Failed)).
			Strs("blocked", derivationStrings(report.Blocked)).
			Msg("build reported failures")

		return fmt.Errorf("error building derivations: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Int("fetched", len(report.Fetched)).
		Int("built", len(report.Built)).
		Msg("build complete")

	return nil
}

func derivationStrings(ds []build.Derivation) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, string(d))
	}

	return out
}

// buildCommand implements `build -P DIR [ATTRS...]` (spec §6): evaluating
// attributes is out of scope (derivation evaluation is a stated Non-goal);
// this accepts already-instantiated .drv files directly under DIR, one per
// attribute name, matching the shape `nix-instantiate` would have produced.
func buildCommand(flagSources flagSourcesFn) *cli.Command {
	flags := buildFlags(flagSources)
	flags = append(flags, &cli.StringFlag{
		Name:     "project-dir",
		Aliases:  []string{"P"},
		Usage:    "Directory containing pre-instantiated .drv files named after each attribute",
		Required: true,
	})

	return &cli.Command{
		Name:      "build",
		Usage:     "Build (or fetch) the named attributes' derivations",
		ArgsUsage: "ATTRS...",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.String("project-dir")
			attrs := cmd.Args().Slice()

			if len(attrs) == 0 {
				return fmt.Errorf("build requires at least one attribute name")
			}

			derivs := make([]build.Derivation, 0, len(attrs))

			for _, attr := range attrs {
				path := filepath.Join(dir, attr+".drv")
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("error locating derivation for attribute %q: %w", attr, err)
				}

				derivs = append(derivs, build.Derivation(path))
			}

			return runBuild(ctx, cmd, derivs)
		},
	}
}
