// Package drvinfo parses the ATerm text format nix-store writes for .drv
// files, and adapts it to pkg/build's DerivationInfo interface. The
// derivation-file parser is named in spec §1 as an external library with
// stated interfaces; the pack carries no ecosystem ATerm parser (see
// DESIGN.md), so this is a small stdlib-only reader bounded to exactly the
// fields the Build Coordinator needs: outputs, their store paths, and input
// derivations.
package drvinfo

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kalbasit/nixsync/pkg/build"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

// ErrMalformedDerivation is returned for a .drv file that does not start
// with the expected "Derive(...)" ATerm header.
var ErrMalformedDerivation = errors.New("malformed derivation file")

// output is one entry of a derivation's Outputs list.
type output struct {
	name string
	path string
}

// drv is the subset of a parsed .drv this package cares about.
type drv struct {
	outputs   []output
	inputDrvs []string
}

// Reader implements build.DerivationInfo by reading and parsing .drv files
// from disk on first use. Derivations are immutable once written, so no
// cache invalidation is needed; a process-lifetime memory cache avoids
// re-parsing the same .drv across repeated Outputs/OutputPath/
// InputDerivations calls in one Build run.
type Reader struct {
	cache map[string]*drv
}

// NewReader returns a Reader.
func NewReader() *Reader {
	return &Reader{cache: make(map[string]*drv)}
}

var _ build.DerivationInfo = (*Reader)(nil)

// Outputs lists every output name deriv produces.
func (r *Reader) Outputs(deriv build.Derivation) ([]string, error) {
	d, err := r.load(deriv)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(d.outputs))
	for _, o := range d.outputs {
		names = append(names, o.name)
	}

	return names, nil
}

// OutputPath returns the store path for one of deriv's named outputs.
func (r *Reader) OutputPath(deriv build.Derivation, output string) (storepath.Path, error) {
	d, err := r.load(deriv)
	if err != nil {
		return "", err
	}

	for _, o := range d.outputs {
		if o.name == output {
			return storepath.Path(o.path), nil
		}
	}

	return "", fmt.Errorf("%w: no output named %q in %s", ErrMalformedDerivation, output, deriv)
}

// InputDerivations lists deriv's direct derivation inputs.
func (r *Reader) InputDerivations(deriv build.Derivation) ([]build.Derivation, error) {
	d, err := r.load(deriv)
	if err != nil {
		return nil, err
	}

	ds := make([]build.Derivation, 0, len(d.inputDrvs))
	for _, s := range d.inputDrvs {
		ds = append(ds, build.Derivation(s))
	}

	return ds, nil
}

func (r *Reader) load(deriv build.Derivation) (*drv, error) {
	if d, ok := r.cache[string(deriv)]; ok {
		return d, nil
	}

	raw, err := os.ReadFile(string(deriv))
	if err != nil {
		return nil, fmt.Errorf("error reading derivation %s: %w", deriv, err)
	}

	d, err := parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("error parsing derivation %s: %w", deriv, err)
	}

	r.cache[string(deriv)] = d

	return d, nil
}

// parse reads the ATerm body of a .drv: Derive(outputs, inputDrvs, inputSrcs,
// system, builder, args, env). Only the outputs and inputDrvs lists are
// extracted.
func parse(s string) (*drv, error) {
	const prefix = "Derive("

	if !strings.HasPrefix(s, prefix) {
		return nil, ErrMalformedDerivation
	}

	p := &parser{s: s, pos: len(prefix)}

	outputs, err := p.parseOutputs()
	if err != nil {
		return nil, err
	}

	p.expect(',')

	inputDrvs, err := p.parseInputDrvs()
	if err != nil {
		return nil, err
	}

	return &drv{outputs: outputs, inputDrvs: inputDrvs}, nil
}

// parser is a minimal recursive-descent reader over the ATerm tuple/list
// grammar nix-store emits: balanced parens, comma-separated elements,
// double-quoted strings with backslash escapes.
type parser struct {
	s   string
	pos int
}

func (p *parser) expect(b byte) {
	if p.pos < len(p.s) && p.s[p.pos] == b {
		p.pos++
	}
}

func (p *parser) parseString() (string, error) {
	if p.pos >= len(p.s) || p.s[p.pos] != '"' {
		return "", fmt.Errorf("%w: expected string at offset %d", ErrMalformedDerivation, p.pos)
	}

	p.pos++

	var sb strings.Builder

	for p.pos < len(p.s) {
		c := p.s[p.pos]

		if c == '\\' && p.pos+1 < len(p.s) {
			sb.WriteByte(p.s[p.pos+1])
			p.pos += 2

			continue
		}

		if c == '"' {
			p.pos++

			return sb.String(), nil
		}

		sb.WriteByte(c)
		p.pos++
	}

	return "", fmt.Errorf("%w: unterminated string", ErrMalformedDerivation)
}

func (p *parser) parseStringList() ([]string, error) {
	p.expect('[')

	var items []string

	for p.pos < len(p.s) && p.s[p.pos] != ']' {
		item, err := p.parseString()
		if err != nil {
			return nil, err
		}

		items = append(items, item)

		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
		}
	}

	p.expect(']')

	return items, nil
}

// parseOutputs parses [(name,path,hashAlgo,hash), ...].
func (p *parser) parseOutputs() ([]output, error) {
	p.expect('[')

	var outs []output

	for p.pos < len(p.s) && p.s[p.pos] != ']' {
		p.expect('(')

		name, err := p.parseString()
		if err != nil {
			return nil, err
		}

		p.expect(',')

		path, err := p.parseString()
		if err != nil {
			return nil, err
		}

		// skip hashAlgo, hash
		p.expect(',')
		if _, err := p.parseString(); err != nil {
			return nil, err
		}

		p.expect(',')
		if _, err := p.parseString(); err != nil {
			return nil, err
		}

		p.expect(')')

		outs = append(outs, output{name: name, path: path})

		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
		}
	}

	p.expect(']')

	return outs, nil
}

// parseInputDrvs parses [(drvPath,[outputNames...]), ...], returning only
// the derivation paths; per-output selection is not needed by the
// Coordinator (it re-derives what it needs via OutputPath on the referenced
// derivation).
func (p *parser) parseInputDrvs() ([]string, error) {
	p.expect('[')

	var drvs []string

	for p.pos < len(p.s) && p.s[p.pos] != ']' {
		p.expect('(')

		path, err := p.parseString()
		if err != nil {
			return nil, err
		}

		p.expect(',')

		if _, err := p.parseStringList(); err != nil {
			return nil, err
		}

		p.expect(')')

		drvs = append(drvs, path)

		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
		}
	}

	p.expect(']')

	return drvs, nil
}
