// Package pdbreader wraps github.com/jtang613/gopdb to enumerate the
// symbols, modules and RVA map a downloaded PDB exposes.
package pdbreader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jtang613/gopdb/pkg/pdb"
)

// source is the subset of *pdb.PDB's API the reader depends on; tests
// substitute a fake to avoid needing real PDB fixtures.
type source interface {
	Functions() []pdb.Function
	Variables() []pdb.Variable
	PublicSymbols() []pdb.PublicSymbol
	Modules() []pdb.ModuleInfo
	Close() error
}

// PDB wraps an opened PDB file.
type PDB struct {
	inner source
}

// Open opens the PDB file at path.
func Open(path string) (*PDB, error) {
	p, err := pdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdb %s: %w", path, err)
	}
	return &PDB{inner: p}, nil
}

// Close releases the underlying PDB file.
func (p *PDB) Close() error {
	return p.inner.Close()
}

// ExtractSymbols returns the ordered, de-duplicated set of normalized
// symbol names: a public symbol that looks like a function is suffixed
// with "()", a public non-function keeps its bare name, a data symbol
// keeps its bare name, and every procedure symbol is suffixed with "()".
// Every other kind is dropped.
func (p *PDB) ExtractSymbols() []string {
	set := map[string]struct{}{}

	for _, pub := range p.inner.PublicSymbols() {
		name := pub.Name
		if looksLikeFunction(pub) {
			name += "()"
		}
		set[name] = struct{}{}
	}
	for _, v := range p.inner.Variables() {
		set[v.Name] = struct{}{}
	}
	for _, fn := range p.inner.Functions() {
		set[fn.Name+"()"] = struct{}{}
	}

	return sortedKeys(set)
}

// looksLikeFunction approximates the public-symbol function bit: gopdb's
// PublicSymbol doesn't carry the raw CodeView flags, so a symbol the
// demangler resolved to a non-empty call prototype is treated as a
// function.
func looksLikeFunction(pub pdb.PublicSymbol) bool {
	return pub.Prototype != "" || strings.HasSuffix(pub.DemangledName, ")")
}

// ExtractModules returns the ordered, de-duplicated set of module names.
func (p *PDB) ExtractModules() []string {
	set := map[string]struct{}{}
	for _, mod := range p.inner.Modules() {
		if mod.Name != "" {
			set[mod.Name] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// ExtractSymbolsWithOffset returns an RVA -> name map covering functions,
// variables and public symbols, without dropping symbols the way
// ExtractSymbols' normalization does: every symbol with a resolvable RVA
// is kept under its bare name. Used by the syscall extractor to resolve
// service-table entries.
func (p *PDB) ExtractSymbolsWithOffset() map[uint32]string {
	out := map[uint32]string{}
	for _, fn := range p.inner.Functions() {
		if fn.RVA != 0 {
			out[fn.RVA] = fn.Name
		}
	}
	for _, pub := range p.inner.PublicSymbols() {
		if pub.RVA != 0 {
			if _, exists := out[pub.RVA]; !exists {
				out[pub.RVA] = pub.Name
			}
		}
	}
	for _, v := range p.inner.Variables() {
		if v.RVA != 0 {
			if _, exists := out[v.RVA]; !exists {
				out[v.RVA] = v.Name
			}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
