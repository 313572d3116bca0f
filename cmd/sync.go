package cmd

import (
	"context"
	"fmt"
	"regexp"

	"github.com/urfave/cli/v3"

	"github.com/kalbasit/nixsync/pkg/presence"
	"github.com/kalbasit/nixsync/pkg/push"
	"github.com/kalbasit/nixsync/pkg/syncloop"
)

// syncFlags are the filter flags shared by sync and daemon (spec §6:
// "sync [--ignore R...] [--no-ignore R...] [--(no-)ignore-drvs]
// [--(no-)ignore-tarballs]").
func syncFlags(flagSources flagSourcesFn) []cli.Flag {
	flags := commonFlags(flagSources)

	return append(flags,
		&cli.StringSliceFlag{
			Name:    "ignore",
			Usage:   "Regex of store paths to skip (blacklist); repeatable",
			Sources: flagSources("sync.ignore", "NIX_SYNC_IGNORE"),
		},
		&cli.StringSliceFlag{
			Name:    "no-ignore",
			Usage:   "Regex of store paths to always send, overriding --ignore (whitelist); repeatable",
			Sources: flagSources("sync.no-ignore", "NIX_SYNC_NO_IGNORE"),
		},
		&cli.BoolFlag{
			Name:    "ignore-drvs",
			Usage:   "Skip .drv paths",
			Value:   true,
			Sources: flagSources("sync.ignore-drvs", "NIX_SYNC_IGNORE_DRVS"),
		},
		&cli.BoolFlag{
			Name:    "ignore-tarballs",
			Usage:   "Skip paths that MIME-sniff as tar/compressed archives",
			Sources: flagSources("sync.ignore-tarballs", "NIX_SYNC_IGNORE_TARBALLS"),
		},
	)
}

func filtersFromFlags(cmd *cli.Command) (syncloop.Filters, error) {
	blacklist, err := compileAll(cmd.StringSlice("ignore"))
	if err != nil {
		return syncloop.Filters{}, fmt.Errorf("error compiling --ignore patterns: %w", err)
	}

	whitelist, err := compileAll(cmd.StringSlice("no-ignore"))
	if err != nil {
		return syncloop.Filters{}, fmt.Errorf("error compiling --no-ignore patterns: %w", err)
	}

	return syncloop.Filters{
		Blacklist:      blacklist,
		Whitelist:      whitelist,
		IgnoreDrvs:     cmd.Bool("ignore-drvs"),
		IgnoreTarballs: cmd.Bool("ignore-tarballs"),
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))

	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("error compiling pattern %q: %w", p, err)
		}

		res = append(res, re)
	}

	return res, nil
}

func newPushPipeline(cmd *cli.Command, rt *runtime) *push.Pipeline {
	oracle := presence.New(rt.sess, rt.concurrency)
	if rt.metrics != nil {
		oracle.SetMetrics(rt.metrics)
	}

	return push.New(rt.refCache, rt.localStore, rt.sess, oracle, push.Options{
		NARUpload:      cmd.Bool("send-nars"),
		Compression:    rt.compression,
		ShowPathsLimit: rt.showLimit,
		DryRun:         rt.dryRun,
		Metrics:        rt.metrics,
	})
}

// syncCommand implements `sync` (spec §6): enumerate and push the local
// store once.
func syncCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Enumerate the local store, apply filters, and push the survivors",
		Flags: syncFlags(flagSources),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := newRuntime(ctx, cmd, nil)
			if err != nil {
				return err
			}

			filters, err := filtersFromFlags(cmd)
			if err != nil {
				return err
			}

			loop := syncloop.New(rt.localStore, newPushPipeline(cmd, rt), rt.root)

			if err := loop.Sync(ctx, filters); err != nil {
				return fmt.Errorf("error syncing: %w", err)
			}

			return nil
		},
	}
}
