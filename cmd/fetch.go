package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/nixsync/pkg/pull"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// fetchCommand implements `fetch PATHS...` (spec §6): pull the given store
// paths (and their transitive references) from the cache server.
func fetchCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Pull store paths (and their transitive references) from the cache server",
		ArgsUsage: "PATHS...",
		Flags:     append(commonFlags(flagSources), trustedKeysFlag(flagSources)),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("fetch requires at least one store path")
			}

			rt, err := newRuntime(ctx, cmd, nil)
			if err != nil {
				return err
			}

			pubKeys, err := parseTrustedKeys(cmd)
			if err != nil {
				return err
			}

			pipeline := pull.New(rt.sess, rt.localStore, rt.narCache, rt.refCache, rt.root, pull.Options{
				Server:     rt.serverIdentity(),
				MaxJobs:    rt.concurrency,
				BatchMode:  !cmd.Bool("no-batch"),
				PublicKeys: pubKeys,
			})

			targets := make([]storepath.Path, 0, len(paths))

			for _, p := range paths {
				target := storepath.Path(p)
				if err := rt.root.Validate(target); err != nil {
					return fmt.Errorf("invalid store path %q: %w", p, err)
				}

				targets = append(targets, target)
			}

			targets = storepath.Dedup(targets)

			if err := pipeline.Fetch(ctx, targets); err != nil {
				return fmt.Errorf("error fetching paths: %w", err)
			}

			zerolog.Ctx(ctx).Info().Int("count", len(targets)).Msg("fetch complete")

			return nil
		},
	}
}
