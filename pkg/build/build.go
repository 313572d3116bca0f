// Package build implements the Build Coordinator (spec §4.H): it combines an
// external build-planning function with the Pull Pipeline to decide, for a
// set of derivations, which outputs to fetch from a cache and which to
// realise with the local builder subprocess.
package build

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kalbasit/nixsync/pkg/localstore"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// ErrNixBuildError is returned when nix-store --realise fails without
// producing any classifiable Failed or Blocked derivation (spec §7).
var ErrNixBuildError = errors.New("nix build error")

// Derivation identifies a .drv file by its store path (spec §4.H input).
type Derivation string

// Base returns the derivation's basename, used for the per-derivation
// GC-root naming scheme (spec §4.H step 4).
func (d Derivation) Base() string {
	s := string(d)

	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}

	return strings.TrimSuffix(s, ".drv")
}

// Plan is the output of the external plan() function: which derivations
// must be built locally, and which outputs of the remainder are already
// present in some cache and only need fetching.
type Plan struct {
	ToBuild []Derivation
	// ToFetch maps a derivation to the set of its output names already
	// present in a cache.
	ToFetch map[Derivation][]string
}

// Planner is the external, pure build-planning function (spec §1: "the
// build-planning function... an external pure function"). The coordinator
// never evaluates derivations itself.
type Planner func(ctx context.Context, derivs []Derivation) (Plan, error)

// LocalStore is the subset of pkg/localstore.Store the coordinator needs.
type LocalStore interface {
	Realise(ctx context.Context, paths []string, opts localstore.RealiseOptions) ([]byte, error)
	AddRoot(ctx context.Context, link, path string) error
}

// Fetcher is the subset of pkg/pull.Pipeline the coordinator needs.
type Fetcher interface {
	Fetch(ctx context.Context, paths []storepath.Path) error
}

// DerivationInfo is the subset of a parsed .drv the coordinator needs to
// resolve output paths and classify build failures (spec §1: "the
// derivation-file parser: treated as a library with stated interfaces").
type DerivationInfo interface {
	// OutputPath returns the store path for one of deriv's named outputs.
	OutputPath(deriv Derivation, output string) (storepath.Path, error)
	// Outputs lists every output name deriv produces.
	Outputs(deriv Derivation) ([]string, error)
	// InputDerivations lists deriv's direct derivation inputs, used to tell
	// a failed build apart from one blocked on an upstream failure.
	InputDerivations(deriv Derivation) ([]Derivation, error)
}

// PathExister reports whether a store path exists on disk; satisfied by
// *pkg/localstore.Store.Exists.
type PathExister interface {
	Exists(p storepath.Path) bool
}

// GCRootStyle names the naming scheme for indirect GC roots created after a
// successful build (spec §4.H step 4, SPEC_FULL.md supplement).
type GCRootStyle string

const (
	// GCRootNone creates no GC roots.
	GCRootNone GCRootStyle = ""
	// GCRootDerivationName names each root after its derivation's basename.
	GCRootDerivationName GCRootStyle = "derivation-name"
	// GCRootGeneric uses the "result", "result-<out>", "result-<N>" scheme.
	GCRootGeneric GCRootStyle = "generic"
)

// Options configures a Coordinator run.
type Options struct {
	// StopOnFailure disables --keep-going: the first realise failure aborts
	// the remaining batch instead of building everything that still can.
	StopOnFailure bool

	// MaxJobs bounds the local builder's own internal concurrency
	// (--max-jobs), independent of the Pull Pipeline's MaxJobs.
	MaxJobs int

	// GCRootStyle selects the GC-root naming scheme; empty creates none.
	GCRootStyle GCRootStyle

	// GCRootDir is the directory indirect GC root symlinks are created in.
	// Required when GCRootStyle is non-empty.
	GCRootDir string
}

// Report summarizes one Build run's outcome (spec §7: "produce a report of
// which derivations actually failed versus were blocked upstream").
type Report struct {
	Fetched []Derivation
	Built   []Derivation
	Failed  []Derivation
	Blocked []Derivation
}

// Coordinator is the Build Coordinator.
type Coordinator struct {
	plan    Planner
	fetch   Fetcher
	store   LocalStore
	exister PathExister
	info    DerivationInfo
}

// New returns a Coordinator. plan is the external build-planning function;
// fetch is ordinarily a *pkg/pull.Pipeline; store wraps nix-store --realise
// and --add-root; info resolves output paths and input derivations from a
// parsed .drv.
func New(plan Planner, fetch Fetcher, store LocalStore, exister PathExister, info DerivationInfo) *Coordinator {
	return &Coordinator{plan: plan, fetch: fetch, store: store, exister: exister, info: info}
}

// Build materializes every output of derivs, fetching what a cache already
// has and realising the rest locally (spec §4.H).
func (c *Coordinator) Build(ctx context.Context, derivs []Derivation, opts Options) (*Report, error) {
	logger := zerolog.Ctx(ctx)

	plan, err := c.plan(ctx, derivs)
	if err != nil {
		return nil, fmt.Errorf("error planning build: %w", err)
	}

	report := &Report{}

	if len(plan.ToFetch) > 0 {
		paths, err := c.materializeFetchPaths(plan.ToFetch)
		if err != nil {
			return nil, err
		}

		if err := c.fetch.Fetch(ctx, paths); err != nil {
			return nil, fmt.Errorf("error fetching planned outputs: %w", err)
		}

		for d := range plan.ToFetch {
			report.Fetched = append(report.Fetched, d)
		}
	}

	if len(plan.ToBuild) == 0 {
		return report, nil
	}

	realiseArgs := make([]string, 0, len(plan.ToBuild))
	for _, d := range plan.ToBuild {
		realiseArgs = append(realiseArgs, string(d))
	}

	_, realiseErr := c.store.Realise(ctx, realiseArgs, localstore.RealiseOptions{
		KeepGoing:   !opts.StopOnFailure,
		MaxJobs:     opts.MaxJobs,
		NoGCWarning: true,
	})

	if realiseErr != nil {
		logger.Warn().Err(realiseErr).Msg("nix-store --realise reported a non-zero exit, classifying per-derivation outcome")
	}

	for _, d := range plan.ToBuild {
		ok, err := c.allOutputsExist(d)
		if err != nil {
			return nil, err
		}

		if ok {
			report.Built = append(report.Built, d)

			if opts.GCRootStyle != GCRootNone {
				if err := c.createGCRoots(ctx, d, opts); err != nil {
					logger.Warn().Err(err).Str("derivation", string(d)).Msg("failed to create gc root")
				}
			}

			continue
		}

		blocked, err := c.blockedUpstream(d)
		if err != nil {
			return nil, err
		}

		if blocked {
			report.Blocked = append(report.Blocked, d)
		} else {
			report.Failed = append(report.Failed, d)
		}
	}

	if realiseErr != nil {
		// Surface the subprocess failure alongside the classified report;
		// callers log report.Failed/report.Blocked and exit non-zero.
		return report, fmt.Errorf("%w: %w", ErrNixBuildError, realiseErr)
	}

	return report, nil
}

func (c *Coordinator) materializeFetchPaths(toFetch map[Derivation][]string) ([]storepath.Path, error) {
	var paths []storepath.Path

	for d, outputs := range toFetch {
		for _, out := range outputs {
			p, err := c.info.OutputPath(d, out)
			if err != nil {
				return nil, fmt.Errorf("error resolving output %q of %q: %w", out, d, err)
			}

			paths = append(paths, p)
		}
	}

	return paths, nil
}

// allOutputsExist reports whether every output of deriv is present in the
// store, the criterion spec §4.H step 3 uses to call a derivation "built".
func (c *Coordinator) allOutputsExist(deriv Derivation) (bool, error) {
	outputs, err := c.info.Outputs(deriv)
	if err != nil {
		return false, fmt.Errorf("error listing outputs of %q: %w", deriv, err)
	}

	for _, out := range outputs {
		p, err := c.info.OutputPath(deriv, out)
		if err != nil {
			return false, fmt.Errorf("error resolving output %q of %q: %w", out, deriv, err)
		}

		if !c.exister.Exists(p) {
			return false, nil
		}
	}

	return true, nil
}

// blockedUpstream reports whether deriv, which lacks at least one output,
// counts as blocked upstream rather than failed (spec §4.H step 3: "a
// derivation is failed if none of its outputs exist and all of its
// input-derivations' outputs do exist; otherwise it was blocked upstream").
func (c *Coordinator) blockedUpstream(deriv Derivation) (bool, error) {
	outputs, err := c.info.Outputs(deriv)
	if err != nil {
		return false, fmt.Errorf("error listing outputs of %q: %w", deriv, err)
	}

	for _, out := range outputs {
		p, err := c.info.OutputPath(deriv, out)
		if err != nil {
			return false, fmt.Errorf("error resolving output %q of %q: %w", out, deriv, err)
		}

		if c.exister.Exists(p) {
			return true, nil
		}
	}

	inputs, err := c.info.InputDerivations(deriv)
	if err != nil {
		return false, fmt.Errorf("error listing input derivations of %q: %w", deriv, err)
	}

	for _, in := range inputs {
		ok, err := c.allOutputsExist(in)
		if err != nil {
			return false, err
		}

		if !ok {
			return true, nil
		}
	}

	return false, nil
}

// createGCRoots creates one indirect GC root per output of deriv, named per
// opts.GCRootStyle (SPEC_FULL.md supplement to spec §4.H step 4).
func (c *Coordinator) createGCRoots(ctx context.Context, deriv Derivation, opts Options) error {
	outputs, err := c.info.Outputs(deriv)
	if err != nil {
		return fmt.Errorf("error listing outputs of %q: %w", deriv, err)
	}

	for i, out := range outputs {
		p, err := c.info.OutputPath(deriv, out)
		if err != nil {
			return fmt.Errorf("error resolving output %q of %q: %w", out, deriv, err)
		}

		link := gcRootName(opts.GCRootDir, deriv, out, i, opts.GCRootStyle)

		if err := c.store.AddRoot(ctx, link, string(p)); err != nil {
			return fmt.Errorf("error adding gc root %q for %q: %w", link, p, err)
		}
	}

	return nil
}

func gcRootName(dir string, deriv Derivation, output string, index int, style GCRootStyle) string {
	var name string

	switch style {
	case GCRootDerivationName:
		name = deriv.Base()
		if output != "out" && output != "" {
			name += "-" + output
		}
	default: // GCRootGeneric
		switch {
		case output == "out" || output == "":
			name = "result"
		case index == 0:
			name = "result-" + output
		default:
			name = fmt.Sprintf("result-%d", index)
		}
	}

	if dir == "" {
		return name
	}

	return dir + "/" + name
}
