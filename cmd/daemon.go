package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/nixsync/pkg/metrics"
	"github.com/kalbasit/nixsync/pkg/storepath"
	"github.com/kalbasit/nixsync/pkg/syncloop"
)

// cyclePusher builds a fresh push pipeline (and presence oracle) for every
// sync cycle, so a long-running daemon re-learns server presence each pass
// instead of trusting a set that can go stale across hours (see DESIGN.md's
// open-question decision on presence invalidation).
type cyclePusher struct {
	cmd *cli.Command
	rt  *runtime
}

func (c cyclePusher) Send(ctx context.Context, paths []storepath.Path) error {
	return newPushPipeline(c.cmd, c.rt).Send(ctx, paths)
}

// daemonCommand implements `daemon` (spec §6): the same filters as sync,
// but polling the store's mtime forever instead of running once (spec
// §4.I watch variant). It also exposes /metrics and /healthz for scraping.
func daemonCommand(flagSources flagSourcesFn) *cli.Command {
	flags := append(syncFlags(flagSources),
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Address to serve /metrics and /healthz on",
			Value:   ":8505",
			Sources: flagSources("daemon.metrics-addr", "NIXSYNC_METRICS_ADDR"),
		},
	)

	return &cli.Command{
		Name:  "daemon",
		Usage: "Continuously watch the local store and push changes as they appear",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "daemon").Logger()
			ctx = logger.WithContext(ctx)

			m := metrics.New()

			rt, err := newRuntime(ctx, cmd, m)
			if err != nil {
				return err
			}

			filters, err := filtersFromFlags(cmd)
			if err != nil {
				return err
			}

			loop := syncloop.New(rt.localStore, cyclePusher{cmd: cmd, rt: rt}, rt.root)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return autoMaxProcs(ctx, 30*time.Second)
			})

			router := chi.NewRouter()
			m.Mount(router)

			server := &http.Server{
				BaseContext:       func(net.Listener) context.Context { return ctx },
				Addr:              cmd.String("metrics-addr"),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g.Go(func() error {
				logger.Info().Str("metrics_addr", server.Addr).Msg("metrics server started")

				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error starting the metrics listener: %w", err)
				}

				return nil
			})

			g.Go(func() error {
				<-ctx.Done()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()

				return server.Shutdown(shutdownCtx)
			})

			numSyncs, err := loop.Watch(ctx, filters)
			if err != nil {
				cancel()
				_ = g.Wait()

				return fmt.Errorf("error watching store: %w", err)
			}

			logger.Info().Int("num_syncs", numSyncs).Msg("daemon stopped")

			cancel()

			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("error from background goroutines: %w", err)
			}

			return nil
		},
	}
}
