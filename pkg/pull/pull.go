// Package pull implements the Pull Pipeline (spec §4.G): two cooperating
// fetch strategies (a server-driven batch mode and a per-path worker pool)
// that both leave the local store in a state where every reported path, and
// everything it references, is actually present.
package pull

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/closure"
	"github.com/kalbasit/nixsync/pkg/codec"
	"github.com/kalbasit/nixsync/pkg/metrics"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// maxFetchRetries bounds the per-path retry loop before a path is reported
// ObjectNotBuilt (spec §4.G: "retry up to a small fixed count").
const maxFetchRetries = 3

var (
	// ErrObjectNotBuilt is returned for a path that could not be materialized
	// after retries.
	ErrObjectNotBuilt = errors.New("object not built")

	// ErrCancelled is returned by in-flight and pending work once the
	// coordinator has set the cancellation flag (spec §4.G).
	ErrCancelled = errors.New("fetch cancelled")

	// ErrOperationNotSupported signals a 4xx from /init-batch-fetch; the
	// caller disables batch mode for the rest of the run and falls through to
	// per-path mode.
	ErrOperationNotSupported = errors.New("operation not supported by server")

	// ErrSignatureValidationFailed is returned for a narinfo carrying no
	// signature matching any trusted public key.
	ErrSignatureValidationFailed = errors.New("no signature matched a trusted public key")
)

// Requester is the subset of *session.Session the pipeline needs.
type Requester interface {
	Do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error)
}

// LocalStore is the subset of pkg/localstore.Store the pipeline needs.
type LocalStore interface {
	Exists(p storepath.Path) bool
	ImportNar(ctx context.Context, p storepath.Path, nar []byte, refs []storepath.Path, deriver string) error
	Delete(ctx context.Context, path string)
}

// NarInfoCache is the subset of pkg/narinfocache.Cache the pipeline needs.
type NarInfoCache interface {
	Get(ctx context.Context, server string, p storepath.Path) (*narinfo.NarInfo, error)
	Put(ctx context.Context, server string, p storepath.Path, ni *narinfo.NarInfo) error
}

// ReferenceStore is the subset of pkg/refcache.Cache the pipeline needs: it
// both answers ordering queries (closure.ReferenceSource) and records what
// the pipeline itself learns while fetching.
type ReferenceStore interface {
	closure.ReferenceSource
	Record(ctx context.Context, p storepath.Path, refs []storepath.Path)
}

// Options configures a Pipeline.
type Options struct {
	// Server identifies this endpoint for narinfo cache partitioning
	// (spec §4.B), ordinarily the session endpoint's host:port.
	Server string

	// MaxJobs bounds concurrent in-flight fetch-and-import operations.
	// Waiting on a reference's future does not consume a slot.
	MaxJobs int

	// BatchMode enables the batch-fetch strategy. Once the server answers a
	// 4xx to /init-batch-fetch, it is disabled for this Pipeline's
	// remaining lifetime.
	BatchMode bool

	// Metrics, if non-nil, receives the pipeline's pull counters.
	Metrics *metrics.Metrics

	// PublicKeys, if non-empty, requires every fetched narinfo to carry a
	// signature verifiable by one of them.
	PublicKeys []signature.PublicKey
}

// Pipeline is the Pull Pipeline.
type Pipeline struct {
	req      Requester
	store    LocalStore
	narCache NarInfoCache
	refs     ReferenceStore
	root     storepath.Root
	server   string
	metrics  *metrics.Metrics
	pubKeys  []signature.PublicKey

	sem chan struct{}

	batchMode int32 // 1 enabled, 0 disabled; atomic

	mu       sync.Mutex
	futures  map[storepath.Path]*future
	canceled int32 // atomic
}

type future struct {
	done chan struct{}
	err  error
}

// New returns a Pipeline rooted at root, using req for network access.
func New(req Requester, store LocalStore, narCache NarInfoCache, refs ReferenceStore, root storepath.Root, opts Options) *Pipeline {
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 8
	}

	batchMode := int32(0)
	if opts.BatchMode {
		batchMode = 1
	}

	return &Pipeline{
		req:       req,
		store:     store,
		narCache:  narCache,
		refs:      refs,
		root:      root,
		server:    opts.Server,
		metrics:   opts.Metrics,
		pubKeys:   opts.PublicKeys,
		sem:       make(chan struct{}, maxJobs),
		batchMode: batchMode,
		futures:   make(map[storepath.Path]*future),
	}
}

// Fetch materializes every path in paths, and everything it transitively
// references, into the local store (spec §4.G outer entry point).
func (p *Pipeline) Fetch(ctx context.Context, paths []storepath.Path) error {
	if len(paths) == 0 {
		return nil
	}

	if atomic.LoadInt32(&p.batchMode) == 1 {
		err := p.fetchBatch(ctx, paths)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrOperationNotSupported) {
			return err
		}

		atomic.StoreInt32(&p.batchMode, 0)

		zerolog.Ctx(ctx).Info().Msg("batch fetch not supported, falling back to per-path mode")
	}

	return p.fetchPerPath(ctx, paths)
}

// fetchPerPath computes a fetch order (preferring the server-provided
// /compute-fetch-order route) and drains it through a de-duplicating,
// bounded worker pool (spec §4.G "Per-path mode").
func (p *Pipeline) fetchPerPath(ctx context.Context, paths []storepath.Path) error {
	order, err := p.computeFetchOrder(ctx, paths)
	if err != nil {
		return fmt.Errorf("error computing fetch order: %w", err)
	}

	futs := make([]*future, 0, len(order))
	for _, path := range order {
		futs = append(futs, p.submit(ctx, path))
	}

	var firstErr error

	for _, f := range futs {
		select {
		case <-f.done:
			if f.err != nil && firstErr == nil {
				firstErr = f.err
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err() //nolint:wrapcheck
			}
		}
	}

	return firstErr
}

// computeFetchOrder asks the server for a precomputed fetch order (caching
// the references it reveals), falling back to a local closure computation
// whose reference lookups themselves fall through to server narinfos for
// paths the local store has never seen (spec §4.D query_server).
func (p *Pipeline) computeFetchOrder(ctx context.Context, paths []storepath.Path) ([]storepath.Path, error) {
	order, ok, err := p.tryServerFetchOrder(ctx, paths)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("compute-fetch-order failed, falling back to local closure computation")
	}

	if ok {
		return order, nil
	}

	return closure.OrderedClosure(ctx, &serverRefSource{p: p}, paths)
}

// serverRefSource resolves reference edges from the reference cache first,
// deriving them from a fetched narinfo when the path is unknown locally.
type serverRefSource struct {
	p *Pipeline
}

func (s *serverRefSource) References(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	if refs, err := s.p.refs.References(ctx, path); err == nil {
		return refs, nil
	}

	ni, err := s.p.fetchNarInfo(ctx, path)
	if err != nil {
		return nil, err
	}

	refs := storepath.WithoutSelf(path, s.p.root.FromBasenames(ni.References))
	s.p.refs.Record(ctx, path, refs)

	return refs, nil
}

// fetchOrderEntry decodes one [path, [refs]] tuple from the
// compute-fetch-order response (spec §6).
type fetchOrderEntry struct {
	Path       storepath.Path
	References []storepath.Path
}

func (e *fetchOrderEntry) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("error decoding compute-fetch-order tuple: %w", err)
	}

	if err := json.Unmarshal(tuple[0], &e.Path); err != nil {
		return fmt.Errorf("error decoding compute-fetch-order path: %w", err)
	}

	return json.Unmarshal(tuple[1], &e.References)
}

func (p *Pipeline) tryServerFetchOrder(ctx context.Context, paths []storepath.Path) ([]storepath.Path, bool, error) {
	var body bytes.Buffer

	for i, pa := range paths {
		if i > 0 {
			body.WriteByte('\n')
		}

		body.WriteString(string(pa))
	}

	resp, err := p.req.Do(ctx, http.MethodGet, "compute-fetch-order", bytes.NewReader(body.Bytes()), nil)
	if err != nil {
		return nil, false, fmt.Errorf("error performing compute-fetch-order request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		return nil, false, nil
	}

	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("error opening compute-fetch-order gzip stream: %w", err)
	}
	defer gr.Close()

	var entries []fetchOrderEntry
	if err := json.NewDecoder(gr).Decode(&entries); err != nil {
		return nil, false, fmt.Errorf("error decoding compute-fetch-order response: %w", err)
	}

	order := make([]storepath.Path, 0, len(entries))

	for _, e := range entries {
		p.refs.Record(ctx, e.Path, e.References)
		order = append(order, e.Path)
	}

	return order, true, nil
}

// submit returns path's in-flight or completed future, creating one (and
// starting its goroutine) if this is the first request for it. The futures
// map is the single lock-guarded deduplication point required by spec §4.G.
func (p *Pipeline) submit(ctx context.Context, path storepath.Path) *future {
	p.mu.Lock()

	if f, ok := p.futures[path]; ok {
		p.mu.Unlock()

		return f
	}

	f := &future{done: make(chan struct{})}
	p.futures[path] = f
	p.mu.Unlock()

	go func() {
		defer close(f.done)

		f.err = p.fetchOne(ctx, path)
		if f.err != nil {
			atomic.StoreInt32(&p.canceled, 1)
		}
	}()

	return f
}

func (p *Pipeline) fetchOne(ctx context.Context, path storepath.Path) error {
	if atomic.LoadInt32(&p.canceled) == 1 {
		return ErrCancelled
	}

	if p.store.Exists(path) {
		return nil
	}

	ni, err := p.fetchNarInfo(ctx, path)
	if err != nil {
		return err
	}

	fullRefs := storepath.WithoutSelf(path, p.root.FromBasenames(ni.References))

	refFutures := make([]*future, 0, len(fullRefs))
	for _, ref := range fullRefs {
		refFutures = append(refFutures, p.submit(ctx, ref))
	}

	for _, rf := range refFutures {
		select {
		case <-rf.done:
			if rf.err != nil {
				return rf.err
			}
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		}
	}

	if atomic.LoadInt32(&p.canceled) == 1 {
		return ErrCancelled
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}

	var lastErr error

	for attempt := 0; attempt < maxFetchRetries; attempt++ {
		if attempt > 0 && p.metrics != nil {
			p.metrics.PullRetries.Inc()
		}

		start := time.Now()

		lastErr = p.downloadAndImport(ctx, path, ni)
		if lastErr == nil {
			if p.metrics != nil {
				p.metrics.PullDuration.Observe(time.Since(start).Seconds())
			}

			break
		}

		// A failed import can leave a partial path behind; clear it so the
		// next attempt starts from nothing.
		if p.store.Exists(path) {
			p.store.Delete(ctx, string(path))
		}

		zerolog.Ctx(ctx).Warn().Err(lastErr).Str("path", path.Base()).Int("attempt", attempt+1).Msg("retrying fetch")
	}

	if lastErr != nil || !p.store.Exists(path) {
		if p.metrics != nil {
			p.metrics.PullObjectsFailed.Inc()
		}

		return fmt.Errorf("%w: %s", ErrObjectNotBuilt, path)
	}

	p.refs.Record(ctx, path, fullRefs)

	return nil
}

func (p *Pipeline) fetchNarInfo(ctx context.Context, path storepath.Path) (*narinfo.NarInfo, error) {
	if ni, err := p.narCache.Get(ctx, p.server, path); err == nil {
		return ni, nil
	}

	prefix, err := path.HashPrefix()
	if err != nil {
		return nil, fmt.Errorf("error computing hash prefix for %q: %w", path, err)
	}

	resp, err := p.req.Do(ctx, http.MethodGet, prefix+".narinfo", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching narinfo for %q: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		return nil, fmt.Errorf("unexpected status %d fetching narinfo for %q", resp.StatusCode, path)
	}

	ni, err := narinfo.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error parsing narinfo for %q: %w", path, err)
	}

	if len(p.pubKeys) > 0 {
		if !signature.VerifyFirst(ni.Fingerprint(), ni.Signatures, p.pubKeys) {
			return nil, fmt.Errorf("path=%q: %w", path, ErrSignatureValidationFailed)
		}
	}

	if err := p.narCache.Put(ctx, p.server, path, ni); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", string(path)).Msg("failed to cache narinfo")
	}

	return ni, nil
}

func (p *Pipeline) downloadAndImport(ctx context.Context, path storepath.Path, ni *narinfo.NarInfo) error {
	resp, err := p.req.Do(ctx, http.MethodGet, ni.URL, nil, nil)
	if err != nil {
		return fmt.Errorf("error fetching nar for %q: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		return fmt.Errorf("unexpected status %d fetching nar for %q", resp.StatusCode, path)
	}

	wire := &countingReader{r: resp.Body}

	r, err := codec.Decompress(codec.Normalize(ni.Compression), wire)
	if err != nil {
		return fmt.Errorf("error decompressing nar for %q: %w", path, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("error reading decompressed nar for %q: %w", path, err)
	}

	if p.metrics != nil {
		p.metrics.PullBytesTotal.Add(float64(wire.n))
	}

	if err := p.store.ImportNar(ctx, path, data, p.root.FromBasenames(ni.References), p.fullDeriver(ni.Deriver)); err != nil {
		return fmt.Errorf("error importing %q: %w", path, err)
	}

	return nil
}

// fullDeriver resolves a narinfo's basename-relative deriver to a full
// store path; the export envelope wants either that or an empty string.
func (p *Pipeline) fullDeriver(deriver string) string {
	if deriver == "" {
		return ""
	}

	return string(p.root.Join(deriver))
}

// countingReader counts the compressed wire bytes drained from a NAR
// response body.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}

// batchInitResponse is the JSON body of POST /init-batch-fetch.
type batchInitResponse struct {
	Token         string `json:"token"`
	NumTotalPaths int    `json:"num_total_paths"`
}

// batchInfo is the decoded info.json member of a /batch-fetch/{token} tar
// response (spec §4.G "Batch mode").
type batchInfo struct {
	ImportOrdering []string                `json:"import_ordering"`
	NarMapping     map[string]batchNarInfo `json:"nar_mapping"`
	PathsRemaining int                     `json:"paths_remaining"`
}

type batchNarInfo struct {
	StorePath   string   `json:"store_path"`
	Compression string   `json:"compression"`
	References  []string `json:"references"`
	Deriver     string   `json:"deriver,omitempty"`
}

func (p *Pipeline) fetchBatch(ctx context.Context, paths []storepath.Path) error {
	body, err := json.Marshal(struct {
		Paths []storepath.Path `json:"paths"`
	}{Paths: paths})
	if err != nil {
		return fmt.Errorf("error encoding init-batch-fetch request: %w", err)
	}

	resp, err := p.req.Do(ctx, http.MethodPost, "init-batch-fetch", bytes.NewReader(body), http.Header{
		"Content-Type": []string{"application/json"},
	})
	if err != nil {
		return fmt.Errorf("error performing init-batch-fetch request: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		resp.Body.Close()

		return ErrOperationNotSupported
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return fmt.Errorf("unexpected status %d from init-batch-fetch", resp.StatusCode)
	}

	var init batchInitResponse

	err = json.NewDecoder(resp.Body).Decode(&init)
	resp.Body.Close()

	if err != nil {
		return fmt.Errorf("error decoding init-batch-fetch response: %w", err)
	}

	for {
		remaining, err := p.fetchBatchRound(ctx, init.Token)
		if err != nil {
			return err
		}

		if remaining == 0 {
			return nil
		}
	}
}

func (p *Pipeline) fetchBatchRound(ctx context.Context, token string) (int, error) {
	resp, err := p.req.Do(ctx, http.MethodGet, "batch-fetch/"+token, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("error performing batch-fetch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d from batch-fetch", resp.StatusCode)
	}

	members := make(map[string][]byte)

	tr := tar.NewReader(resp.Body)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return 0, fmt.Errorf("error reading batch-fetch tar stream: %w", err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return 0, fmt.Errorf("error reading tar member %q: %w", hdr.Name, err)
		}

		members[hdr.Name] = data
	}

	infoRaw, ok := members["info.json"]
	if !ok {
		return 0, errors.New("batch-fetch response missing info.json")
	}

	var info batchInfo
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		return 0, fmt.Errorf("error decoding info.json: %w", err)
	}

	for _, member := range info.ImportOrdering {
		ni, ok := info.NarMapping[member]
		if !ok {
			return 0, fmt.Errorf("info.json missing nar_mapping entry for %q", member)
		}

		raw, ok := members[member]
		if !ok {
			return 0, fmt.Errorf("batch-fetch tar missing member %q", member)
		}

		if err := p.importBatchMember(ctx, ni, raw); err != nil {
			return 0, err
		}
	}

	return info.PathsRemaining, nil
}

func (p *Pipeline) importBatchMember(ctx context.Context, ni batchNarInfo, raw []byte) error {
	path := storepath.Path(ni.StorePath)

	if p.store.Exists(path) {
		return nil
	}

	if p.metrics != nil {
		p.metrics.PullBytesTotal.Add(float64(len(raw)))
	}

	r, err := codec.Decompress(codec.Normalize(ni.Compression), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("error decompressing batch member for %q: %w", path, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("error reading decompressed batch member for %q: %w", path, err)
	}

	// The envelope carries the references verbatim (self included); the
	// reference cache never stores self-edges.
	fullRefs := p.root.FromBasenames(ni.References)

	if err := p.store.ImportNar(ctx, path, data, fullRefs, p.fullDeriver(ni.Deriver)); err != nil {
		return fmt.Errorf("error importing %q: %w", path, err)
	}

	if !p.store.Exists(path) {
		if p.metrics != nil {
			p.metrics.PullObjectsFailed.Inc()
		}

		return fmt.Errorf("%w: %s", ErrObjectNotBuilt, path)
	}

	p.refs.Record(ctx, path, storepath.WithoutSelf(path, fullRefs))

	return nil
}
