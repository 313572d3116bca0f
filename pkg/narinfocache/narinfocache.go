// Package narinfocache implements the narinfo cache (spec §4.B): a
// memory + on-disk cache of per-path metadata, partitioned by the server
// identity that produced it so the same path fetched from two servers never
// collides.
package narinfocache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

// ErrMiss is returned by Get when no entry exists for the given path.
var ErrMiss = errors.New("narinfo cache miss")

// entry is the on-disk JSON representation of a cached narinfo record.
// It mirrors the canonical fields from spec §3 rather than depending on
// go-nix's own (un-exported-tagged) struct layout for serialization.
type entry struct {
	StorePath   string   `json:"store_path"`
	URL         string   `json:"url"`
	Compression string   `json:"compression"`
	NarHash     string   `json:"nar_hash"`
	NarSize     uint64   `json:"nar_size"`
	FileHash    string   `json:"file_hash"`
	FileSize    uint64   `json:"file_size"`
	References  []string `json:"references"`
	Deriver     string   `json:"deriver,omitempty"`
	Signatures  []string `json:"signatures,omitempty"`
}

func fromNarInfo(ni *narinfo.NarInfo) entry {
	sigs := make([]string, 0, len(ni.Signatures))
	for _, s := range ni.Signatures {
		sigs = append(sigs, s.String())
	}

	// FileHash is optional in the wire format; uncompressed narinfos omit it.
	fileHash := ""
	if ni.FileHash != nil {
		fileHash = ni.FileHash.String()
	}

	return entry{
		StorePath:   ni.StorePath,
		URL:         ni.URL,
		Compression: ni.Compression,
		NarHash:     ni.NarHash.String(),
		NarSize:     ni.NarSize,
		FileHash:    fileHash,
		FileSize:    ni.FileSize,
		References:  ni.References,
		Deriver:     ni.Deriver,
		Signatures:  sigs,
	}
}

func (e entry) toNarInfo() (*narinfo.NarInfo, error) {
	text := e.String()

	ni, err := narinfo.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("error re-parsing cached narinfo for %q: %w", e.StorePath, err)
	}

	return ni, nil
}

// String renders the entry back into narinfo wire format so it can be
// re-parsed with the real narinfo.Parse, avoiding a second hand-rolled parser.
func (e entry) String() string {
	s := "StorePath: " + e.StorePath + "\n"
	s += "URL: " + e.URL + "\n"
	s += "Compression: " + e.Compression + "\n"

	if e.FileHash != "" {
		s += "FileHash: " + e.FileHash + "\n"
		s += fmt.Sprintf("FileSize: %d\n", e.FileSize)
	}

	s += "NarHash: " + e.NarHash + "\n"
	s += fmt.Sprintf("NarSize: %d\n", e.NarSize)

	if len(e.References) > 0 {
		refs := ""

		for i, r := range e.References {
			if i > 0 {
				refs += " "
			}

			refs += r
		}

		s += "References: " + refs + "\n"
	}

	if e.Deriver != "" {
		s += "Deriver: " + e.Deriver + "\n"
	}

	for _, sig := range e.Signatures {
		s += "Sig: " + sig + "\n"
	}

	return s
}

// Cache is a per-server-identity narinfo cache.
type Cache struct {
	dir string

	mu  sync.RWMutex
	mem map[key]*narinfo.NarInfo
}

type key struct {
	server string
	path   storepath.Path
}

// New returns a Cache rooted at dir (spec §6 NIX_NARINFO_CACHE). dir may be
// empty to disable the disk layer (memory-only).
func New(dir string) *Cache {
	return &Cache{dir: dir, mem: make(map[key]*narinfo.NarInfo)}
}

// Get returns the cached narinfo for path from server, consulting memory
// then disk. Returns ErrMiss if absent from both.
func (c *Cache) Get(ctx context.Context, server string, path storepath.Path) (*narinfo.NarInfo, error) {
	c.mu.RLock()
	ni, ok := c.mem[key{server, path}]
	c.mu.RUnlock()

	if ok {
		return ni, nil
	}

	if c.dir == "" {
		return nil, ErrMiss
	}

	data, err := os.ReadFile(c.diskPath(server, path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, fmt.Errorf("error reading narinfo cache file: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("error decoding narinfo cache file: %w", err)
	}

	ni, err = e.toNarInfo()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.mem[key{server, path}] = ni
	c.mu.Unlock()

	return ni, nil
}

// Put stores ni for path under server, writing through to disk exactly
// once (spec §3: "disk entry written once, then read-only").
func (c *Cache) Put(ctx context.Context, server string, path storepath.Path, ni *narinfo.NarInfo) error {
	c.mu.Lock()
	_, existed := c.mem[key{server, path}]
	c.mem[key{server, path}] = ni
	c.mu.Unlock()

	if existed || c.dir == "" {
		return nil
	}

	return c.writeThrough(ctx, server, path, ni)
}

func (c *Cache) writeThrough(ctx context.Context, server string, path storepath.Path, ni *narinfo.NarInfo) error {
	dest := c.diskPath(server, path)

	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating narinfo cache dir %q: %w", dir, err)
	}

	data, err := json.Marshal(fromNarInfo(ni))
	if err != nil {
		return fmt.Errorf("error encoding narinfo for cache: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".narinfo-*")
	if err != nil {
		return fmt.Errorf("error creating temp file for narinfo cache: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("error writing narinfo cache temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("error closing narinfo cache temp file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("error renaming narinfo cache temp file into place: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Str("path", string(path)).Str("server", server).Msg("wrote narinfo cache entry")

	return nil
}

func (c *Cache) diskPath(server string, path storepath.Path) string {
	return filepath.Join(c.dir, server, path.Base()+".json")
}
