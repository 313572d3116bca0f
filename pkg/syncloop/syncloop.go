// Package syncloop implements the Sync Loop (spec §4.I): enumerating the
// local store, filtering it by policy, and handing the survivors to the
// Push Pipeline, either once (Sync) or continuously on a store-mtime poll
// (Watch). Grounded on pynix's sync_store/watch_store almost line for line.
package syncloop

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

// pollInterval is the store-mtime poll period (spec §4.I: "poll... with a
// 1-second interval").
const pollInterval = 1 * time.Second

// LocalStore is the subset of pkg/localstore.Store the loop needs.
type LocalStore interface {
	EnumerateValidPaths(ctx context.Context) ([]storepath.Path, error)
}

// Pusher is the subset of pkg/push.Pipeline the loop needs.
type Pusher interface {
	Send(ctx context.Context, paths []storepath.Path) error
}

// Filters configures which store paths Sync sends (spec §4.I, §6).
type Filters struct {
	// Blacklist is applied first: a path matching any of these regexes is
	// skipped, unless Whitelist also matches it.
	Blacklist []*regexp.Regexp

	// Whitelist overrides any skip decision made by Blacklist or the
	// IgnoreDrvs/IgnoreTarballs flags.
	Whitelist []*regexp.Regexp

	// IgnoreDrvs skips paths whose basename ends in ".drv".
	IgnoreDrvs bool

	// IgnoreTarballs skips paths whose top-level file MIME-sniffs as a
	// tar/compressed archive (SPEC_FULL.md supplement: spec §4.I only
	// requires "optional tarball skip (MIME-sniffed)", this implements it
	// via net/http.DetectContentType over the candidate's first 512 bytes).
	IgnoreTarballs bool
}

// Loop is the Sync Loop.
type Loop struct {
	store LocalStore
	push  Pusher
	root  storepath.Root
}

// New returns a Loop over root using store to enumerate and push to send.
func New(store LocalStore, push Pusher, root storepath.Root) *Loop {
	return &Loop{store: store, push: push, root: root}
}

// Sync enumerates every valid path in the local store, applies filters, and
// pushes the survivors (spec §4.I).
func (l *Loop) Sync(ctx context.Context, filters Filters) error {
	logger := zerolog.Ctx(ctx)

	all, err := l.store.EnumerateValidPaths(ctx)
	if err != nil {
		return fmt.Errorf("error enumerating valid paths: %w", err)
	}

	var keep []storepath.Path

	for _, p := range all {
		if l.shouldSkip(p, filters) {
			logger.Debug().Str("path", string(p)).Msg("skipping path per sync filters")

			continue
		}

		keep = append(keep, p)
	}

	logger.Info().Int("count", len(keep)).Msg("found paths in the store")

	return l.push.Send(ctx, keep)
}

func (l *Loop) shouldSkip(p storepath.Path, filters Filters) bool {
	whitelisted := matchesAny(filters.Whitelist, string(p))
	if whitelisted {
		return false
	}

	if matchesAny(filters.Blacklist, string(p)) {
		return true
	}

	if filters.IgnoreDrvs && hasSuffix(p.Base(), ".drv") {
		return true
	}

	if filters.IgnoreTarballs && looksLikeTarball(p) {
		return true
	}

	return false
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}

	return false
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// looksLikeTarball MIME-sniffs the path's top-level file against the first
// 512 bytes, per SPEC_FULL.md's stdlib net/http.DetectContentType choice.
func looksLikeTarball(p storepath.Path) bool {
	f, err := os.Open(string(p))
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}

	if info.IsDir() {
		return false
	}

	buf := make([]byte, 512)

	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false
	}

	ct := http.DetectContentType(buf[:n])

	switch ct {
	case "application/x-gzip", "application/zip", "application/x-tar", "application/gzip":
		return true
	default:
		return false
	}
}

// Watch polls the store root's mtime every second and re-runs Sync whenever
// it advances, swallowing errors so one failed sync does not kill the
// daemon (spec §4.I). It returns the number of completed syncs when ctx is
// cancelled.
func (l *Loop) Watch(ctx context.Context, filters Filters) (int, error) {
	logger := zerolog.Ctx(ctx)

	var prevStamp time.Time

	numSyncs := 0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Int("num_syncs", numSyncs).Msg("watch loop stopped")

			return numSyncs, nil
		case <-ticker.C:
			info, err := os.Stat(l.root.Dir())
			if err != nil {
				logger.Warn().Err(err).Msg("failed to stat store root, skipping this tick")

				continue
			}

			stamp := info.ModTime()
			if stamp.Equal(prevStamp) {
				continue
			}

			logger.Info().Time("mtime", stamp).Msg("store was modified, syncing")

			if err := l.Sync(ctx, filters); err != nil {
				logger.Warn().Err(err).Msg("sync failed, continuing to watch")
			} else {
				numSyncs++
			}

			prevStamp = stamp
		}
	}
}
