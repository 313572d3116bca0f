package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kalbasit/nixsync/pkg/build"
)

// buildDerivationsCommand implements `build-derivations [DRVS...] [-f FILE]`
// (spec §6): build or fetch already-instantiated .drv paths given directly
// on the command line or one per line in FILE.
func buildDerivationsCommand(flagSources flagSourcesFn) *cli.Command {
	flags := buildFlags(flagSources)
	flags = append(flags, &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Usage:   "Read newline-separated .drv paths from FILE instead of (or in addition to) the arguments",
	})

	return &cli.Command{
		Name:      "build-derivations",
		Usage:     "Build (or fetch) the given derivations",
		ArgsUsage: "DRVS...",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			derivs := make([]build.Derivation, 0)

			for _, a := range cmd.Args().Slice() {
				derivs = append(derivs, build.Derivation(a))
			}

			if file := cmd.String("file"); file != "" {
				fromFile, err := readDrvList(file)
				if err != nil {
					return err
				}

				derivs = append(derivs, fromFile...)
			}

			if len(derivs) == 0 {
				return fmt.Errorf("build-derivations requires at least one derivation, via arguments or --file")
			}

			return runBuild(ctx, cmd, derivs)
		},
	}
}

func readDrvList(path string) ([]build.Derivation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening derivation list %q: %w", path, err)
	}
	defer f.Close()

	var derivs []build.Derivation

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		derivs = append(derivs, build.Derivation(line))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading derivation list %q: %w", path, err)
	}

	return derivs, nil
}
