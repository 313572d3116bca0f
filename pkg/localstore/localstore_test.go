package localstore_test

import (
	"context"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/nixsync/pkg/localstore"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

func newTestDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "db.sqlite")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
CREATE TABLE ValidPaths (id INTEGER PRIMARY KEY, path TEXT NOT NULL);
CREATE TABLE Refs (referrer INTEGER NOT NULL, reference INTEGER NOT NULL);
`)
	require.NoError(t, err)

	insert := func(id int, p string) {
		_, err := db.Exec(`INSERT INTO ValidPaths (id, path) VALUES (?, ?)`, id, p)
		require.NoError(t, err)
	}

	insert(1, "/nix/store/aaa-a")
	insert(2, "/nix/store/bbb-b")
	insert(3, "/nix/store/ccc-c")

	_, err = db.Exec(`INSERT INTO Refs (referrer, reference) VALUES (1, 2), (1, 3), (1, 1)`)
	require.NoError(t, err)

	return path
}

func TestReferencesExcludesSelf(t *testing.T) {
	t.Parallel()

	s, err := localstore.New(storepath.Root{}, localstore.Options{DBPath: newTestDB(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	refs, err := s.References(context.Background(), storepath.Path("/nix/store/aaa-a"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []storepath.Path{"/nix/store/bbb-b", "/nix/store/ccc-c"}, refs)
}

func TestReferencesWithoutDatabaseErrors(t *testing.T) {
	t.Parallel()

	s, err := localstore.New(storepath.Root{}, localstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.References(context.Background(), storepath.Path("/nix/store/aaa-a"))
	assert.Error(t, err)
}

func TestEnumerateValidPaths(t *testing.T) {
	t.Parallel()

	s, err := localstore.New(storepath.Root{}, localstore.Options{DBPath: newTestDB(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	paths, err := s.EnumerateValidPaths(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []storepath.Path{
		"/nix/store/aaa-a", "/nix/store/bbb-b", "/nix/store/ccc-c",
	}, paths)
}

func TestNarToExport(t *testing.T) {
	t.Parallel()

	le := func(n uint64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)

		return b
	}

	str := func(s string) []byte {
		out := le(uint64(len(s)))
		out = append(out, s...)

		if pad := len(s) % 8; pad != 0 {
			out = append(out, make([]byte, 8-pad)...)
		}

		return out
	}

	// 16-byte path and reference need no padding; the 21-byte deriver does.
	path := storepath.Path("/nix/store/abc-a")
	ref := storepath.Path("/nix/store/abc-b")
	deriver := "/nix/store/abc-a.drv0"
	nar := []byte("NARDATA!")

	var want []byte
	want = append(want, le(1)...)
	want = append(want, nar...)
	want = append(want, le(0x4558494e)...)
	want = append(want, str(string(path))...)
	want = append(want, le(1)...)
	want = append(want, str(string(ref))...)
	want = append(want, str(deriver)...)
	want = append(want, le(0)...)
	want = append(want, le(0)...)

	got := localstore.NarToExport(nar, path, []storepath.Path{ref}, deriver)
	assert.Equal(t, want, got)
}

func TestNarToExportSortsReferences(t *testing.T) {
	t.Parallel()

	path := storepath.Path("/nix/store/abc-a")
	refs := []storepath.Path{"/nix/store/zzz-z", "/nix/store/aaa-a"}

	got := localstore.NarToExport(nil, path, refs, "")
	swapped := localstore.NarToExport(nil, path, []storepath.Path{refs[1], refs[0]}, "")

	assert.Equal(t, got, swapped)
}

// fakeNixStore writes a stub nix-store binary whose --import prints the
// given path, standing in for the real daemon.
func fakeNixStore(t *testing.T, printed string) string {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "nix-store")
	script := "#!/bin/sh\necho " + printed + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	return bin
}

func TestImportNarVerifiesImportedPath(t *testing.T) {
	t.Parallel()

	p := storepath.Path("/nix/store/abc-a")

	s, err := localstore.New(storepath.Root{}, localstore.Options{Binary: fakeNixStore(t, string(p))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ImportNar(context.Background(), p, []byte("nar"), nil, ""))

	err = s.ImportNar(context.Background(), storepath.Path("/nix/store/def-b"), []byte("nar"), nil, "")
	require.ErrorIs(t, err, localstore.ErrNixImportFailed)
}

func TestExists(t *testing.T) {
	t.Parallel()

	s, err := localstore.New(storepath.Root{}, localstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.False(t, s.Exists(storepath.Path(filepath.Join(t.TempDir(), "nope"))))

	dir := t.TempDir()
	assert.True(t, s.Exists(storepath.Path(dir)))
}
