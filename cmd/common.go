package cmd

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/nixsync/pkg/circuitbreaker"
	"github.com/kalbasit/nixsync/pkg/codec"
	"github.com/kalbasit/nixsync/pkg/config"
	"github.com/kalbasit/nixsync/pkg/localstore"
	"github.com/kalbasit/nixsync/pkg/metrics"
	"github.com/kalbasit/nixsync/pkg/narinfocache"
	"github.com/kalbasit/nixsync/pkg/refcache"
	"github.com/kalbasit/nixsync/pkg/session"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// commonFlags are accepted by every transfer command (send, sync, daemon,
// fetch, build, build-derivations), per spec §6: "each accepts
// endpoint/auth/concurrency flags".
func commonFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "Cache server endpoint, e.g. https://cache.example.com",
			Sources: flagSources("endpoint", config.EnvEndpoint),
		},
		&cli.StringFlag{
			Name:    "username",
			Usage:   "Basic-auth username for the cache server",
			Sources: flagSources("username", config.EnvUsername),
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Basic-auth password for the cache server",
			Sources: flagSources("password", config.EnvPassword),
		},
		&cli.StringFlag{
			Name:    "store-dir",
			Usage:   "Local Nix store root",
			Value:   "/nix/store",
			Sources: flagSources("store-dir", "NIX_STORE_DIR"),
		},
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "Path to the local store's db.sqlite",
			Value:   "/nix/var/nix/db/db.sqlite",
			Sources: flagSources("db-path", "NIX_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    "path-cache",
			Usage:   "Reference cache directory",
			Sources: flagSources("path-cache", config.EnvPathCache),
		},
		&cli.StringFlag{
			Name:    "narinfo-cache",
			Usage:   "Narinfo cache directory",
			Sources: flagSources("narinfo-cache", config.EnvNarinfoCache),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Maximum concurrent in-flight transfers",
			Value:   goruntime.NumCPU(),
			Sources: flagSources("concurrency", "NIX_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "show-paths-limit",
			Usage:   "Maximum paths listed in a dry-run preview",
			Value:   config.DefaultShowPathsLimit,
			Sources: flagSources("show-paths-limit", config.EnvShowPathsLimit),
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "List the paths that would be transferred without transferring them",
			Sources: flagSources("dry-run", "DRY_RUN"),
		},
		&cli.BoolFlag{
			Name:    "send-nars",
			Usage:   "Use the archive-upload (upload-nar) branch instead of import-path",
			Sources: flagSources("send-nars", config.EnvSendNars),
		},
		&cli.BoolFlag{
			Name:    "no-batch",
			Usage:   "Disable the batch-fetch strategy and always use per-path fetch",
			Sources: flagSources("no-batch", config.EnvNoBatch),
		},
		&cli.StringFlag{
			Name:    "compression",
			Usage:   "Compression codec: xz, bzip2, gzip, zstd, lz4, br, lzip, none",
			Value:   string(config.DefaultCompression),
			Sources: flagSources("compression", config.EnvCompressionType),
		},
	}
}

// runtime bundles every component a transfer command needs, built once from
// the common flags.
type runtime struct {
	root        storepath.Root
	localStore  *localstore.Store
	sess        *session.Session
	refCache    *refcache.Cache
	narCache    *narinfocache.Cache
	compression codec.Type
	concurrency int
	dryRun      bool
	showLimit   int
	metrics     *metrics.Metrics
}

// newRuntime constructs a runtime from cmd's common flags, performing the
// HTTP session handshake (spec §4.C) before returning. m may be nil; only
// the daemon exposes a scrape surface for it.
func newRuntime(ctx context.Context, cmd *cli.Command, m *metrics.Metrics) (*runtime, error) {
	endpoint := cmd.String("endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("the --endpoint flag (or %s) is required", config.EnvEndpoint)
	}

	u, err := config.ValidateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	root, err := storepath.NewRoot(cmd.String("store-dir"))
	if err != nil {
		return nil, fmt.Errorf("error setting up the store root: %w", err)
	}

	localStore, err := localstore.New(root, localstore.Options{DBPath: cmd.String("db-path")})
	if err != nil {
		return nil, fmt.Errorf("error opening the local store: %w", err)
	}

	var creds *session.Credentials

	if username := cmd.String("username"); username != "" {
		creds = &session.Credentials{Username: username, Password: cmd.String("password")}
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout)
	if m != nil {
		breaker.SetOnOpen(m.CircuitBreakerTrips.Inc)
	}

	sess, err := session.New(u, session.Options{
		Credentials:    creds,
		UsernameEnv:    config.EnvUsername,
		PasswordEnv:    config.EnvPassword,
		Prompter:       session.NewTTYPrompter(),
		CircuitBreaker: breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the session: %w", err)
	}

	if err := sess.Handshake(ctx, root); err != nil {
		return nil, fmt.Errorf("error handshaking with %s: %w", endpoint, err)
	}

	refDir := cmd.String("path-cache")
	if refDir == "" {
		refDir = defaultCacheDir(".nix-path-cache")
	}

	narDir := cmd.String("narinfo-cache")
	if narDir == "" {
		narDir = defaultCacheDir(".nix-narinfo-cache")
	}

	return &runtime{
		root:        root,
		localStore:  localStore,
		sess:        sess,
		refCache:    refcache.New(refDir, root, localStore),
		narCache:    narinfocache.New(narDir),
		compression: codec.Normalize(cmd.String("compression")),
		concurrency: cmd.Int("concurrency"),
		dryRun:      cmd.Bool("dry-run"),
		showLimit:   cmd.Int("show-paths-limit"),
		metrics:     m,
	}, nil
}

func defaultCacheDir(leaf string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return leaf
	}

	return home + string(os.PathSeparator) + leaf
}

// serverIdentity names this endpoint for narinfo cache partitioning
// (spec §4.B).
func (r *runtime) serverIdentity() string {
	return r.sess.Endpoint().Host
}

// trustedKeysFlag is shared by the commands that fetch narinfos (fetch,
// build, build-derivations).
func trustedKeysFlag(flagSources flagSourcesFn) cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "trusted-public-key",
		Aliases: []string{"k"},
		Usage:   "Require fetched narinfos to carry a signature by one of these keys; repeatable",
		Sources: flagSources("trusted-public-key", "NIX_TRUSTED_PUBLIC_KEYS"),
	}
}

func parseTrustedKeys(cmd *cli.Command) ([]signature.PublicKey, error) {
	raw := cmd.StringSlice("trusted-public-key")

	keys := make([]signature.PublicKey, 0, len(raw))

	for _, k := range raw {
		pk, err := signature.ParsePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("error parsing the public key: %w", err)
		}

		keys = append(keys, pk)
	}

	return keys, nil
}
