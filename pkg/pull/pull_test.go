package pull_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/nixsync/pkg/pull"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

type fakeStore struct {
	mu       sync.Mutex
	imported map[storepath.Path][]byte
	refs     map[storepath.Path][]storepath.Path
	derivers map[storepath.Path]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		imported: make(map[storepath.Path][]byte),
		refs:     make(map[storepath.Path][]storepath.Path),
		derivers: make(map[storepath.Path]string),
	}
}

func (f *fakeStore) Exists(p storepath.Path) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.imported[p]

	return ok
}

func (f *fakeStore) ImportNar(_ context.Context, p storepath.Path, nar []byte, refs []storepath.Path, deriver string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.imported[p] = nar
	f.refs[p] = refs
	f.derivers[p] = deriver

	return nil
}

func (f *fakeStore) Delete(_ context.Context, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.imported, storepath.Path(p))
}

type fakeNarInfoCache struct{}

func (fakeNarInfoCache) Get(context.Context, string, storepath.Path) (*narinfo.NarInfo, error) {
	return nil, fmt.Errorf("miss")
}

func (fakeNarInfoCache) Put(context.Context, string, storepath.Path, *narinfo.NarInfo) error {
	return nil
}

type fakeRefStore struct {
	mu   sync.Mutex
	refs map[storepath.Path][]storepath.Path
}

func newFakeRefStore() *fakeRefStore {
	return &fakeRefStore{refs: make(map[storepath.Path][]storepath.Path)}
}

func (f *fakeRefStore) References(_ context.Context, p storepath.Path) ([]storepath.Path, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refs[p], nil
}

func (f *fakeRefStore) Record(_ context.Context, p storepath.Path, refs []storepath.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs[p] = refs
}

func narInfoText(storePath, url, refs string) string {
	var sb strings.Builder

	sb.WriteString("StorePath: " + storePath + "\n")
	sb.WriteString("URL: " + url + "\n")
	sb.WriteString("Compression: none\n")
	sb.WriteString("FileHash: sha256:0000000000000000000000000000000000000000000000000000\n")
	sb.WriteString("FileSize: 4\n")
	sb.WriteString("NarHash: sha256:0000000000000000000000000000000000000000000000000000\n")
	sb.WriteString("NarSize: 4\n")

	if refs != "" {
		sb.WriteString("References: " + refs + "\n")
	}

	return sb.String()
}

func TestFetchPerPathFollowsReferencesAndDedups(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")
	b := root.Join("bbb0000000000000000000000000000b-b")

	var narRequests int32Counter

	mux := http.NewServeMux()
	mux.HandleFunc("/aaa0000000000000000000000000000a.narinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(narInfoText(string(a), "nar/a.nar", "bbb0000000000000000000000000000b-b")))
	})
	mux.HandleFunc("/bbb0000000000000000000000000000b.narinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(narInfoText(string(b), "nar/b.nar", "")))
	})
	mux.HandleFunc("/nar/a.nar", func(w http.ResponseWriter, r *http.Request) {
		narRequests.inc()
		_, _ = w.Write([]byte("nara"))
	})
	mux.HandleFunc("/nar/b.nar", func(w http.ResponseWriter, r *http.Request) {
		narRequests.inc()
		_, _ = w.Write([]byte("narb"))
	})
	mux.HandleFunc("/compute-fetch-order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}
	store := newFakeStore()
	refs := newFakeRefStore()

	p := pull.New(req, store, fakeNarInfoCache{}, refs, root, pull.Options{MaxJobs: 2})

	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a}))

	assert.True(t, store.Exists(a))
	assert.True(t, store.Exists(b))
	assert.Equal(t, []byte("nara"), store.imported[a])
	assert.Equal(t, []byte("narb"), store.imported[b])
	assert.Equal(t, int32(2), narRequests.get())

	// The import envelope must carry a's reference so the daemon registers it.
	assert.Equal(t, []storepath.Path{b}, store.refs[a])
	assert.Empty(t, store.refs[b])
}

func TestFetchPerPathUsesServerComputedFetchOrder(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")
	b := root.Join("bbb0000000000000000000000000000b-b")

	var gotMethod, gotBody string

	mux := http.NewServeMux()
	mux.HandleFunc("/compute-fetch-order", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = string(raw)

		// array of [path, [refs]] tuples, not an array of objects.
		tuples := []any{
			[]any{string(b), []string{}},
			[]any{string(a), []string{string(b)}},
		}

		payload, err := json.Marshal(tuples)
		require.NoError(t, err)

		gw := gzip.NewWriter(w)
		_, err = gw.Write(payload)
		require.NoError(t, err)
		require.NoError(t, gw.Close())
	})
	mux.HandleFunc("/aaa0000000000000000000000000000a.narinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(narInfoText(string(a), "nar/a.nar", "bbb0000000000000000000000000000b-b")))
	})
	mux.HandleFunc("/bbb0000000000000000000000000000b.narinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(narInfoText(string(b), "nar/b.nar", "")))
	})
	mux.HandleFunc("/nar/a.nar", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nara"))
	})
	mux.HandleFunc("/nar/b.nar", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("narb"))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}
	store := newFakeStore()
	refs := newFakeRefStore()

	p := pull.New(req, store, fakeNarInfoCache{}, refs, root, pull.Options{MaxJobs: 2})

	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a}))

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, string(a), gotBody)
	assert.True(t, store.Exists(a))
	assert.True(t, store.Exists(b))
	assert.Equal(t, []byte("nara"), store.imported[a])
	assert.Equal(t, []byte("narb"), store.imported[b])
}

func TestFetchPerPathSkipsAlreadyPresentPaths(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")

	mux := http.NewServeMux()
	mux.HandleFunc("/compute-fetch-order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/aaa0000000000000000000000000000a.narinfo", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("narinfo should not be fetched for an already-present path")
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}
	store := newFakeStore()
	store.imported[a] = []byte("already-here")
	refs := newFakeRefStore()

	p := pull.New(req, store, fakeNarInfoCache{}, refs, root, pull.Options{})

	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a}))
}

func TestFetchBatchModeFallsBackOnUnsupported(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")

	mux := http.NewServeMux()
	mux.HandleFunc("/init-batch-fetch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/compute-fetch-order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/aaa0000000000000000000000000000a.narinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(narInfoText(string(a), "nar/a.nar", "")))
	})
	mux.HandleFunc("/nar/a.nar", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nara"))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}
	store := newFakeStore()
	refs := newFakeRefStore()

	p := pull.New(req, store, fakeNarInfoCache{}, refs, root, pull.Options{BatchMode: true})

	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a}))
	assert.True(t, store.Exists(a))
}

func TestFetchBatchModeImportsTarMembers(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")

	var rounds int

	mux := http.NewServeMux()
	mux.HandleFunc("/init-batch-fetch", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":           "tok",
			"num_total_paths": 1,
		})
	})
	mux.HandleFunc("/batch-fetch/tok", func(w http.ResponseWriter, r *http.Request) {
		rounds++

		info := map[string]any{
			"import_ordering": []string{"a"},
			"nar_mapping": map[string]any{
				"a": map[string]any{
					"store_path":  string(a),
					"compression": "none",
					"references":  []string{},
				},
			},
			"paths_remaining": 0,
		}

		infoJSON, err := json.Marshal(info)
		require.NoError(t, err)

		tw := tar.NewWriter(w)

		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "info.json", Size: int64(len(infoJSON))}))
		_, err = tw.Write(infoJSON)
		require.NoError(t, err)

		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a", Size: 4}))
		_, err = tw.Write([]byte("nara"))
		require.NoError(t, err)

		require.NoError(t, tw.Close())
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}
	store := newFakeStore()
	refs := newFakeRefStore()

	p := pull.New(req, store, fakeNarInfoCache{}, refs, root, pull.Options{BatchMode: true})

	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a}))
	assert.True(t, store.Exists(a))
	assert.Equal(t, []byte("nara"), store.imported[a])
	assert.Equal(t, 1, rounds)
}

func TestFetchBatchModeLoopsUntilNoPathsRemain(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")
	b := root.Join("bbb0000000000000000000000000000b-b")

	writeBatchTar := func(w io.Writer, member string, path storepath.Path, nar string, remaining int) {
		info := map[string]any{
			"import_ordering": []string{member},
			"nar_mapping": map[string]any{
				member: map[string]any{
					"store_path":  string(path),
					"compression": "none",
					"references":  []string{},
				},
			},
			"paths_remaining": remaining,
		}

		infoJSON, err := json.Marshal(info)
		require.NoError(t, err)

		tw := tar.NewWriter(w)

		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "info.json", Size: int64(len(infoJSON))}))
		_, err = tw.Write(infoJSON)
		require.NoError(t, err)

		require.NoError(t, tw.WriteHeader(&tar.Header{Name: member, Size: int64(len(nar))}))
		_, err = tw.Write([]byte(nar))
		require.NoError(t, err)

		require.NoError(t, tw.Close())
	}

	var rounds int

	mux := http.NewServeMux()
	mux.HandleFunc("/init-batch-fetch", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":           "tok",
			"num_total_paths": 2,
		})
	})
	mux.HandleFunc("/batch-fetch/tok", func(w http.ResponseWriter, r *http.Request) {
		rounds++

		if rounds == 1 {
			writeBatchTar(w, "n1", a, "nara", 1)
		} else {
			writeBatchTar(w, "n2", b, "narb", 0)
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}
	store := newFakeStore()

	p := pull.New(req, store, fakeNarInfoCache{}, newFakeRefStore(), root, pull.Options{BatchMode: true})

	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a, b}))
	assert.Equal(t, 2, rounds)
	assert.True(t, store.Exists(a))
	assert.True(t, store.Exists(b))
}

func TestFetchVerifiesNarInfoSignatures(t *testing.T) {
	t.Parallel()

	root, err := storepath.NewRoot("/nix/store")
	require.NoError(t, err)

	a := root.Join("aaa0000000000000000000000000000a-a")

	sk, pk, err := signature.GenerateKeypair("test-cache", nil)
	require.NoError(t, err)

	_, otherPk, err := signature.GenerateKeypair("other-cache", nil)
	require.NoError(t, err)

	text := narInfoText(string(a), "nar/a.nar", "")

	ni, err := narinfo.Parse(strings.NewReader(text))
	require.NoError(t, err)

	sig, err := sk.Sign(nil, ni.Fingerprint())
	require.NoError(t, err)

	signed := text + "Sig: " + sig.String() + "\n"

	mux := http.NewServeMux()
	mux.HandleFunc("/compute-fetch-order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/aaa0000000000000000000000000000a.narinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(signed))
	})
	mux.HandleFunc("/nar/a.nar", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nara"))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	req := &testRequester{server: ts}

	// A pipeline trusting the signing key must fetch the path.
	store := newFakeStore()
	p := pull.New(req, store, fakeNarInfoCache{}, newFakeRefStore(), root, pull.Options{
		PublicKeys: []signature.PublicKey{pk},
	})
	require.NoError(t, p.Fetch(context.Background(), []storepath.Path{a}))
	assert.True(t, store.Exists(a))

	// A pipeline trusting only a different key must reject the narinfo.
	store2 := newFakeStore()
	p2 := pull.New(req, store2, fakeNarInfoCache{}, newFakeRefStore(), root, pull.Options{
		PublicKeys: []signature.PublicKey{otherPk},
	})
	err = p2.Fetch(context.Background(), []storepath.Path{a})
	require.ErrorIs(t, err, pull.ErrSignatureValidationFailed)
	assert.False(t, store2.Exists(a))
}

type testRequester struct {
	server *httptest.Server
}

func (r *testRequester) Do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.server.URL+"/"+path, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return r.server.Client().Do(req)
}

type int32Counter struct {
	mu sync.Mutex
	n  int32
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}
