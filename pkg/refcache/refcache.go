// Package refcache implements the reference cache (spec §4.A): a
// store-path -> direct-references map backed, in lookup order, by memory,
// an on-disk index, and (as a last resort) the local store database.
//
// The on-disk representation mirrors pynix's: a directory named after the
// path's basename, containing one zero-byte file per referenced basename.
// This keeps the cache lossy-safe under concurrent writers (a second writer
// recreating the same directory is a no-op) without needing a lock file.
package refcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

// ErrNoSuchObject is returned when a path's references cannot be resolved
// locally and no server fallback is available (spec §7 NoSuchObject).
var ErrNoSuchObject = errors.New("no such object")

// LocalStore is the subset of pkg/localstore.Store the cache falls back to.
type LocalStore interface {
	References(ctx context.Context, p storepath.Path) ([]storepath.Path, error)
}

// Cache is the reference cache.
type Cache struct {
	dir   string
	root  storepath.Root
	store LocalStore

	mu  sync.RWMutex
	mem map[storepath.Path][]storepath.Path
}

// New returns a Cache rooted at dir (spec §6 NIX_PATH_CACHE), falling back
// to store on disk misses. dir may be empty to disable the disk layer. root
// is the store root used to reconstruct full paths from the disk cache's
// basename-only directory entries.
func New(dir string, root storepath.Root, store LocalStore) *Cache {
	return &Cache{dir: dir, root: root, store: store, mem: make(map[storepath.Path][]storepath.Path)}
}

// References returns path's direct references, excluding path itself,
// consulting memory, then disk, then the local store database in order.
func (c *Cache) References(ctx context.Context, p storepath.Path) ([]storepath.Path, error) {
	c.mu.RLock()
	refs, ok := c.mem[p]
	c.mu.RUnlock()

	if ok {
		return refs, nil
	}

	if c.dir != "" {
		if refs, ok := c.readDisk(p); ok {
			c.record(p, refs)

			return refs, nil
		}
	}

	if c.store == nil {
		return nil, fmt.Errorf("path=%q: %w", p, ErrNoSuchObject)
	}

	refs, err := c.store.References(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("path=%q: %w: %w", p, ErrNoSuchObject, err)
	}

	c.Record(ctx, p, refs)

	return refs, nil
}

// Record idempotently writes refs for p to memory and (if configured) disk.
// Store paths are immutable, so the first write wins; duplicates are no-ops.
func (c *Cache) Record(ctx context.Context, p storepath.Path, refs []storepath.Path) {
	c.record(p, refs)

	if c.dir == "" {
		return
	}

	if err := c.writeDisk(p, refs); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", string(p)).Msg("failed to write reference cache entry to disk")
	}
}

func (c *Cache) record(p storepath.Path, refs []storepath.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.mem[p]; ok {
		return
	}

	c.mem[p] = refs
}

func (c *Cache) refDir(p storepath.Path) string {
	return filepath.Join(c.dir, p.Base())
}

// readDisk tolerates partial directories (a concurrent writer's tempdir that
// never got renamed into place) by treating them the same as a cache miss.
func (c *Cache) readDisk(p storepath.Path) ([]storepath.Path, bool) {
	dir := c.refDir(p)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}

	refs := make([]storepath.Path, 0, len(entries))

	for _, e := range entries {
		if e.Name() == p.Base() {
			continue
		}

		refs = append(refs, c.root.Join(e.Name()))
	}

	return refs, true
}

// writeDisk creates ref_dir atomically: populate a tempdir, then rename it
// into place. If the directory already exists the write is skipped (the
// cache is already consistent; store paths are immutable).
func (c *Cache) writeDisk(p storepath.Path, refs []storepath.Path) error {
	dest := c.refDir(p)

	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("error creating reference cache dir %q: %w", c.dir, err)
	}

	tmp := filepath.Join(c.dir, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("error creating temp reference dir: %w", err)
	}

	for _, ref := range refs {
		f, err := os.Create(filepath.Join(tmp, ref.Base()))
		if err != nil {
			os.RemoveAll(tmp)

			return fmt.Errorf("error touching reference file: %w", err)
		}

		f.Close()
	}

	os.RemoveAll(dest)

	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)

		return fmt.Errorf("error renaming reference cache dir into place: %w", err)
	}

	return nil
}
