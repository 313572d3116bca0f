// Package push implements the Push Pipeline (spec §4.F): computing a
// closure, subtracting what the remote target already has, and streaming
// the remainder up in reference order.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/closure"
	"github.com/kalbasit/nixsync/pkg/codec"
	"github.com/kalbasit/nixsync/pkg/metrics"
	"github.com/kalbasit/nixsync/pkg/presence"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// defaultShowPathsLimit is the dry-run preview cap (spec §4.F, §6 SHOW_PATHS_LIMIT).
const defaultShowPathsLimit = 25

// LocalStore is the subset of pkg/localstore.Store the pipeline needs.
type LocalStore interface {
	Export(ctx context.Context, p storepath.Path) ([]byte, error)
}

// Requester is the subset of *session.Session used to push path bodies.
type Requester interface {
	Do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error)
}

// Pipeline is the Push Pipeline. It is not safe for concurrent Send calls
// against the same objectsOnServer set (the spec's ordering guarantee
// assumes one writer at a time); construct one Pipeline per concurrent run.
type Pipeline struct {
	refs        closure.ReferenceSource
	store       LocalStore
	req         Requester
	oracle      *presence.Oracle
	narUpload   bool
	compression codec.Type
	metrics     *metrics.Metrics

	showPathsLimit int
	dryRun         bool

	mu              sync.Mutex
	objectsOnServer map[storepath.Path]struct{}
}

// Options configures a Pipeline.
type Options struct {
	// NARUpload enables the archive-upload branch (spec §4.F step 5). Once
	// the server answers 404 to /upload-nar, it is disabled for the rest of
	// the Pipeline's lifetime (mirrors the Presence Oracle's bulk-route
	// disable-on-404 behavior).
	NARUpload bool

	// Compression selects the codec used for the upload-nar archive and its
	// URL's {compression} segment (spec §6). Empty defaults to codec.Xz.
	Compression codec.Type

	// ShowPathsLimit bounds the dry-run preview. Zero uses the spec default.
	ShowPathsLimit int

	// DryRun short-circuits Send after computing the skip set.
	DryRun bool

	// Metrics, if non-nil, receives the pipeline's push counters.
	Metrics *metrics.Metrics
}

// New returns a Pipeline. refs resolves reference edges (ordinarily
// *refcache.Cache); oracle answers presence queries for the same session.
func New(refs closure.ReferenceSource, store LocalStore, req Requester, oracle *presence.Oracle, opts Options) *Pipeline {
	limit := opts.ShowPathsLimit
	if limit <= 0 {
		limit = defaultShowPathsLimit
	}

	compression := opts.Compression
	if compression == "" {
		compression = codec.Xz
	}

	return &Pipeline{
		refs:            refs,
		store:           store,
		req:             req,
		oracle:          oracle,
		narUpload:       opts.NARUpload,
		compression:     compression,
		metrics:         opts.Metrics,
		showPathsLimit:  limit,
		dryRun:          opts.DryRun,
		objectsOnServer: make(map[storepath.Path]struct{}),
	}
}

// Send computes the closure of paths and pushes every path the remote
// target doesn't already have, in reference order (spec §4.F).
func (p *Pipeline) Send(ctx context.Context, paths []storepath.Path) error {
	logger := zerolog.Ctx(ctx)

	res, err := closure.Walk(ctx, p.refs, paths)
	if err != nil {
		return fmt.Errorf("error computing closure: %w", err)
	}

	if p.metrics != nil {
		p.metrics.ClosureSize.Observe(float64(len(res.Order)))
	}

	remaining := p.subtractKnown(res.Order)

	if len(remaining) > 0 {
		have, err := p.oracle.Query(ctx, remaining)
		if err != nil {
			return fmt.Errorf("error querying presence: %w", err)
		}

		remaining = remaining[:0]

		for _, path := range res.Order {
			if _, known := p.known(path); known {
				continue
			}

			if have[path] {
				p.markKnown(path)

				continue
			}

			remaining = append(remaining, path)
		}
	}

	if p.metrics != nil {
		p.metrics.PushPathsSkipped.Add(float64(len(res.Order) - len(remaining)))
	}

	if p.dryRun {
		n := len(remaining)
		if n > p.showPathsLimit {
			n = p.showPathsLimit
		}

		for _, path := range remaining[:n] {
			logger.Info().Str("path", path.Base()).Msg("[DRY-RUN] would push")
		}

		if len(remaining) > n {
			logger.Info().Int("omitted", len(remaining)-n).Msg("[DRY-RUN] additional paths omitted")
		}

		return nil
	}

	// Sequential emission in reference order preserves the ordering
	// guarantee: a path is only pushed once every non-self reference is
	// already in objectsOnServer (spec §4.F).
	for _, path := range res.Order {
		if _, known := p.known(path); known {
			continue
		}

		stillNeeded := false

		for _, r := range remaining {
			if r == path {
				stillNeeded = true

				break
			}
		}

		if !stillNeeded {
			continue
		}

		start := time.Now()

		if p.narUpload {
			if err := p.pushNarArchive(ctx, path); err != nil && !errors.Is(err, ErrOperationNotSupported) {
				logger.Warn().Err(err).Str("path", path.Base()).Msg("nar-upload failed, continuing with import-path")
			}
		}

		if err := p.pushImportPath(ctx, path); err != nil {
			return fmt.Errorf("error pushing %q: %w", path, err)
		}

		if p.metrics != nil {
			p.metrics.PushDuration.Observe(time.Since(start).Seconds())
			p.metrics.PushPathsSent.Inc()
		}

		p.markKnown(path)
	}

	return nil
}

func (p *Pipeline) pushImportPath(ctx context.Context, path storepath.Path) error {
	export, err := p.store.Export(ctx, path)
	if err != nil {
		return fmt.Errorf("error exporting from local store: %w", err)
	}

	// import-path is always gzip regardless of the configured codec; the
	// wire protocol fixes it (spec §6).
	compressed, err := codec.Compress(codec.Gzip, export)
	if err != nil {
		return fmt.Errorf("error gzip-compressing export stream: %w", err)
	}

	if p.metrics != nil {
		p.metrics.PushBytesTotal.Add(float64(len(compressed)))
	}

	resp, err := p.req.Do(ctx, http.MethodPost, "import-path", bytes.NewReader(compressed), http.Header{
		"Content-Type": []string{codec.ContentType(codec.Gzip)},
	})
	if err != nil {
		return fmt.Errorf("error posting to import-path: %w", err)
	}
	defer resp.Body.Close()

	//nolint:errcheck
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from import-path", resp.StatusCode)
	}

	return nil
}

// ErrOperationNotSupported is the sentinel the 404 branch of pushNarArchive
// uses to short-circuit the caller without treating it as a hard failure.
var ErrOperationNotSupported = errors.New("operation not supported by server")

// pushNarArchive uploads path's export stream to /upload-nar/{compression}/{basename}
// ahead of the /import-path POST (spec §4.F step 5). This client treats the
// export stream itself as the archive payload: the spec's "external
// archiver" step and the export-stream step both produce a byte stream
// nix-store can reconstruct a path from, and maintaining two distinct
// encodings of the same bytes would only serve a server implementation that
// distinguishes them, which is out of scope here (documented as an Open
// Question resolution in DESIGN.md).
func (p *Pipeline) pushNarArchive(ctx context.Context, path storepath.Path) error {
	p.mu.Lock()
	disabled := !p.narUpload
	compression := p.compression
	p.mu.Unlock()

	if disabled {
		return ErrOperationNotSupported
	}

	export, err := p.store.Export(ctx, path)
	if err != nil {
		return fmt.Errorf("error exporting for nar-upload: %w", err)
	}

	compressed, err := codec.Compress(compression, export)
	if err != nil {
		return fmt.Errorf("error compressing nar-upload payload: %w", err)
	}

	url := fmt.Sprintf("upload-nar/%s/%s", compression, path.Base())

	if p.metrics != nil {
		p.metrics.PushBytesTotal.Add(float64(len(compressed)))
	}

	resp, err := p.req.Do(ctx, http.MethodPost, url, bytes.NewReader(compressed), http.Header{
		"Content-Type": []string{codec.ContentType(compression)},
	})
	if err != nil {
		return fmt.Errorf("error posting to upload-nar: %w", err)
	}
	defer resp.Body.Close()

	//nolint:errcheck
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		p.mu.Lock()
		p.narUpload = false
		p.mu.Unlock()

		zerolog.Ctx(ctx).Info().Msg("upload-nar endpoint not found, disabling nar-upload for the rest of this run")

		return ErrOperationNotSupported
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from upload-nar", resp.StatusCode)
	}

	return nil
}

func (p *Pipeline) subtractKnown(order []storepath.Path) []storepath.Path {
	out := make([]storepath.Path, 0, len(order))

	for _, path := range order {
		if _, known := p.known(path); !known {
			out = append(out, path)
		}
	}

	return out
}

func (p *Pipeline) known(path storepath.Path) (struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.objectsOnServer[path]

	return v, ok
}

func (p *Pipeline) markKnown(path storepath.Path) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.objectsOnServer[path] = struct{}{}
}
