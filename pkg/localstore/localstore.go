// Package localstore wraps the subprocess and local-database contracts the
// spec treats as opaque collaborators: the nix-store CLI and the store's
// sqlite database. Every blocking call here is a suspension point per the
// concurrency model (spec §5).
package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"

	// registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/storepath"
)

// ErrNixStoreFailed is returned when the nix-store subprocess exits non-zero.
var ErrNixStoreFailed = errors.New("nix-store invocation failed")

// ErrNixImportFailed is returned when `nix-store --import` fails to
// materialize an export stream into the store.
var ErrNixImportFailed = errors.New("nix import failed")

// Store wraps the nix-store binary and a read-only handle onto the local
// store database.
type Store struct {
	binary string
	root   storepath.Root
	db     *sql.DB
}

// Options configures a Store.
type Options struct {
	// Binary is the path to the nix-store executable. Defaults to "nix-store" on $PATH.
	Binary string

	// DBPath is the path to the Nix store's sqlite database (db.sqlite).
	// If empty, database-backed operations (References, EnumerateValidPaths) fail.
	DBPath string
}

// New returns a Store rooted at root.
func New(root storepath.Root, opts Options) (*Store, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "nix-store"
	}

	s := &Store{binary: binary, root: root}

	if opts.DBPath != "" {
		db, err := sql.Open("sqlite3", "file:"+opts.DBPath+"?mode=ro&immutable=1")
		if err != nil {
			return nil, fmt.Errorf("error opening the store database: %w", err)
		}

		s.db = db
	}

	return s, nil
}

// Close releases the database handle, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

// References returns the direct references of path as recorded in the local
// store database's Refs/ValidPaths tables. A path with no ValidPaths row is
// reported via sql.ErrNoRows so the caller can map it to NoSuchObject.
func (s *Store) References(ctx context.Context, p storepath.Path) ([]storepath.Path, error) {
	if s.db == nil {
		return nil, errors.New("localstore: no database configured")
	}

	const query = `
SELECT r.path
FROM ValidPaths vp
JOIN Refs ref ON ref.referrer = vp.id
JOIN ValidPaths r ON r.id = ref.reference
WHERE vp.path = ?
`

	rows, err := s.db.QueryContext(ctx, query, string(p))
	if err != nil {
		return nil, fmt.Errorf("error querying references for %q: %w", p, err)
	}
	defer rows.Close()

	var refs []storepath.Path

	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("error scanning reference row: %w", err)
		}

		refs = append(refs, storepath.Path(ref))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating references for %q: %w", p, err)
	}

	if len(refs) == 0 {
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ValidPaths WHERE path = ?`, string(p)).Scan(&one); err != nil {
			return nil, fmt.Errorf("error looking up %q: %w", p, err)
		}
	}

	return storepath.WithoutSelf(p, refs), nil
}

// EnumerateValidPaths returns every path recorded as valid in the local store.
func (s *Store) EnumerateValidPaths(ctx context.Context) ([]storepath.Path, error) {
	if s.db == nil {
		return nil, errors.New("localstore: no database configured")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path FROM ValidPaths`)
	if err != nil {
		return nil, fmt.Errorf("error listing valid paths: %w", err)
	}
	defer rows.Close()

	var paths []storepath.Path

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("error scanning valid path row: %w", err)
		}

		paths = append(paths, storepath.Path(p))
	}

	return paths, rows.Err()
}

// Exists reports whether path is present on disk (a cheap existence check,
// used by the pull pipeline's have-fetched check).
func (s *Store) Exists(p storepath.Path) bool {
	return pathExists(string(p))
}

// Export runs `nix-store --export PATH` and returns its stdout bytes.
func (s *Store) Export(ctx context.Context, p storepath.Path) ([]byte, error) {
	zerolog.Ctx(ctx).Debug().Str("path", string(p)).Msg("exporting store path")

	return s.run(ctx, nil, "--export", string(p))
}

// Import feeds data (an export stream, as produced by Export or
// NarToExport) to `nix-store --import` and returns the imported path
// reported on stdout.
func (s *Store) Import(ctx context.Context, data []byte) (storepath.Path, error) {
	out, err := s.run(ctx, bytes.NewReader(data), "--import")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNixImportFailed, err)
	}

	imported := strings.TrimSpace(string(out))

	return storepath.Path(strings.SplitN(imported, "\n", 2)[0]), nil
}

// ImportNar wraps nar (a raw NAR dump of p) in the export envelope and
// feeds it to `nix-store --import`, so the path is registered in the store
// database exactly as if it had arrived via Export on another host. The
// daemon reports the imported path on stdout; a mismatch is an import
// failure.
func (s *Store) ImportNar(ctx context.Context, p storepath.Path, nar []byte, refs []storepath.Path, deriver string) error {
	zerolog.Ctx(ctx).Debug().Str("path", string(p)).Msg("importing nar dump into the store")

	imported, err := s.Import(ctx, NarToExport(nar, p, refs, deriver))
	if err != nil {
		return err
	}

	if imported != p {
		return fmt.Errorf("%w: daemon imported %q, want %q", ErrNixImportFailed, imported, p)
	}

	return nil
}

// exportMagic follows each NAR payload in the export envelope format.
const exportMagic = 0x4558494e

// NarToExport wraps a raw NAR dump in the single-path export envelope
// `nix-store --import` consumes: a 1 announcing one more path, the NAR
// itself, the metadata magic, then the store path, its references, the
// deriver, a zero legacy-signature flag, and a final zero ending the
// stream. Integers are 8-byte little-endian; strings are length-prefixed
// and zero-padded to 8 bytes.
func NarToExport(nar []byte, p storepath.Path, refs []storepath.Path, deriver string) []byte {
	sorted := make([]string, 0, len(refs))
	for _, r := range refs {
		sorted = append(sorted, string(r))
	}

	sort.Strings(sorted)

	var buf bytes.Buffer

	writeExportInt(&buf, 1)
	buf.Write(nar)
	writeExportInt(&buf, exportMagic)
	writeExportString(&buf, string(p))
	writeExportInt(&buf, uint64(len(sorted)))

	for _, r := range sorted {
		writeExportString(&buf, r)
	}

	writeExportString(&buf, deriver)
	writeExportInt(&buf, 0)
	writeExportInt(&buf, 0)

	return buf.Bytes()
}

func writeExportInt(buf *bytes.Buffer, n uint64) {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}

func writeExportString(buf *bytes.Buffer, s string) {
	writeExportInt(buf, uint64(len(s)))
	buf.WriteString(s)

	if pad := len(s) % 8; pad != 0 {
		buf.Write(make([]byte, 8-pad))
	}
}

// RealiseOptions configures a --realise invocation.
type RealiseOptions struct {
	KeepGoing   bool
	MaxJobs     int
	NoGCWarning bool
}

// Realise runs `nix-store --realise PATHS...` with the given options.
func (s *Store) Realise(ctx context.Context, paths []string, opts RealiseOptions) ([]byte, error) {
	args := append([]string{"--realise"}, paths...)

	if opts.KeepGoing {
		args = append(args, "--keep-going")
	}

	if opts.MaxJobs > 0 {
		args = append(args, "--max-jobs", fmt.Sprintf("%d", opts.MaxJobs))
	}

	if opts.NoGCWarning {
		args = append(args, "--no-gc-warning")
	}

	return s.run(ctx, nil, args...)
}

// AddRoot creates an indirect GC root named link pointing at path.
func (s *Store) AddRoot(ctx context.Context, link, path string) error {
	_, err := s.run(ctx, nil, "--add-root", link, "--indirect", "--realise", path)

	return err
}

// Delete best-effort deletes path from the store; errors are swallowed per §6.
func (s *Store) Delete(ctx context.Context, path string) {
	if _, err := s.run(ctx, nil, "--delete", path); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", path).Msg("best-effort delete failed, ignoring")
	}
}

func (s *Store) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s %v: %s: %w", ErrNixStoreFailed, s.binary, args, stderr.String(), err)
	}

	return stdout.Bytes(), nil
}
