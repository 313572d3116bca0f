package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

// sendCommand implements `send PATHS...` (spec §6): push the given store
// paths' closures to the cache server.
func sendCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Push store paths (and their transitive references) to the cache server",
		ArgsUsage: "PATHS...",
		Flags:     commonFlags(flagSources),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("send requires at least one store path")
			}

			rt, err := newRuntime(ctx, cmd, nil)
			if err != nil {
				return err
			}

			pipeline := newPushPipeline(cmd, rt)

			targets := make([]storepath.Path, 0, len(paths))

			for _, p := range paths {
				target := storepath.Path(p)
				if err := rt.root.Validate(target); err != nil {
					return fmt.Errorf("invalid store path %q: %w", p, err)
				}

				targets = append(targets, target)
			}

			targets = storepath.Dedup(targets)

			if err := pipeline.Send(ctx, targets); err != nil {
				return fmt.Errorf("error sending paths: %w", err)
			}

			zerolog.Ctx(ctx).Info().Int("count", len(targets)).Msg("send complete")

			return nil
		},
	}
}
