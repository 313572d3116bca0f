// Package presence implements the Presence Oracle (spec §4.E): determining
// which store paths a remote sync target already has, preferring one bulk
// round-trip over one probe per path.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/nixsync/pkg/metrics"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// defaultProbeConcurrency bounds the per-path probe fallback pool, mirroring
// the "concurrency" flag pattern in the teacher's migrate_narinfo.go.
const defaultProbeConcurrency = 16

// Requester is the subset of *session.Session the oracle needs. Kept as an
// interface so tests can exercise the bulk/fallback split without a real
// HTTP session.
type Requester interface {
	Do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error)
}

// Oracle answers "does the target already have this path" for one run. Once
// the bulk endpoint answers 404, that run never retries it (spec §8
// invariant 8); a fresh Oracle must be created for the next run.
type Oracle struct {
	req         Requester
	concurrency int
	metrics     *metrics.Metrics

	mu           sync.Mutex
	bulkDisabled bool
	known        map[storepath.Path]bool
}

// New returns an Oracle backed by req. concurrency bounds the per-path probe
// fallback pool; zero or negative uses defaultProbeConcurrency.
func New(req Requester, concurrency int) *Oracle {
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}

	return &Oracle{req: req, concurrency: concurrency, known: make(map[storepath.Path]bool)}
}

// SetMetrics attaches m's presence counters to the Oracle. Must be called
// before the first Query; a nil m is ignored.
func (o *Oracle) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// Query resolves, for each of paths, whether the remote target already has
// it. Results are cached for the lifetime of the Oracle so a second Query
// call with overlapping paths does not repeat network work.
func (o *Oracle) Query(ctx context.Context, paths []storepath.Path) (map[storepath.Path]bool, error) {
	result := make(map[storepath.Path]bool, len(paths))

	var pending []storepath.Path

	o.mu.Lock()
	for _, p := range paths {
		if have, ok := o.known[p]; ok {
			result[p] = have
		} else {
			pending = append(pending, p)
		}
	}
	bulkDisabled := o.bulkDisabled
	o.mu.Unlock()

	if len(pending) == 0 {
		return result, nil
	}

	if !bulkDisabled {
		have, fellBack, err := o.queryBulk(ctx, pending)
		if err != nil {
			return nil, err
		}

		if !fellBack {
			o.record(have)

			for p, v := range have {
				result[p] = v
			}

			return result, nil
		}
	}

	have, err := o.queryEach(ctx, pending)
	if err != nil {
		return nil, err
	}

	o.record(have)

	for p, v := range have {
		result[p] = v
	}

	return result, nil
}

// queryBulk returns fellBack=true when the bulk endpoint answered 404 or 405, in
// which case the bulk route is disabled for the rest of this Oracle's
// lifetime and the caller must fall through to per-path probes.
func (o *Oracle) queryBulk(ctx context.Context, paths []storepath.Path) (map[storepath.Path]bool, bool, error) {
	body, err := json.Marshal(paths)
	if err != nil {
		return nil, false, fmt.Errorf("error encoding bulk query-paths request: %w", err)
	}

	resp, err := o.req.Do(ctx, http.MethodGet, "query-paths", bytes.NewReader(body), http.Header{
		"Content-Type": []string{"application/json"},
	})
	if err != nil {
		return nil, false, fmt.Errorf("error performing bulk query-paths request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		o.mu.Lock()
		o.bulkDisabled = true
		o.mu.Unlock()

		if o.metrics != nil {
			o.metrics.PresenceBulkFallback.Inc()
		}

		zerolog.Ctx(ctx).Info().Msg("query-paths endpoint not found, falling back to per-path presence probes")

		return nil, true, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d from query-paths", resp.StatusCode)
	}

	var out map[storepath.Path]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("error decoding query-paths response: %w", err)
	}

	have := make(map[storepath.Path]bool, len(paths))
	for _, p := range paths {
		have[p] = out[p]
	}

	return have, false, nil
}

// queryEach probes each path with a GET against its narinfo URL (spec §4.E:
// "200 as present and 404 as absent"), bounded by an errgroup worker pool
// (grounded on the teacher's errgroup.WithContext + SetLimit pattern in
// pkg/ncps/migrate_narinfo.go).
func (o *Oracle) queryEach(ctx context.Context, paths []storepath.Path) (map[storepath.Path]bool, error) {
	have := make(map[storepath.Path]bool, len(paths))

	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, p := range paths {
		p := p

		g.Go(func() error {
			ok, err := o.probe(ctx, p)
			if err != nil {
				return err
			}

			mu.Lock()
			have[p] = ok
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("error probing path presence: %w", err)
	}

	return have, nil
}

func (o *Oracle) probe(ctx context.Context, p storepath.Path) (bool, error) {
	prefix, err := p.HashPrefix()
	if err != nil {
		return false, fmt.Errorf("error probing %q: %w", p, err)
	}

	resp, err := o.req.Do(ctx, http.MethodGet, prefix+".narinfo", nil, nil)
	if err != nil {
		return false, fmt.Errorf("error probing %q: %w", p, err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

func (o *Oracle) record(have map[storepath.Path]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for p, v := range have {
		o.known[p] = v

		if o.metrics != nil {
			if v {
				o.metrics.PresenceHits.Inc()
			} else {
				o.metrics.PresenceMisses.Inc()
			}
		}
	}
}

// ResetKnownPresence clears the Oracle's memoized results and re-enables the
// bulk route. Long-running daemon processes should call this periodically
// so a path pushed by another writer becomes visible again (spec §9 open
// question: presence is never invalidated automatically within a run).
func (o *Oracle) ResetKnownPresence() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.known = make(map[storepath.Path]bool)
	o.bulkDisabled = false
}
