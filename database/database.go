// Package database assembles per-binary JSON records from the data the
// rest of the pipeline extracts, and writes the gzip-compressed output
// tree: one record per (binary, OS version, update, architecture) plus
// a global index.
package database

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pe "github.com/ergrelet/windiff"
	"github.com/ergrelet/windiff/internal/config"
	"github.com/ergrelet/windiff/pdbreader"
	"github.com/ergrelet/windiff/syscalls"
	"github.com/ergrelet/windiff/typeextract"
)

// Metadata identifies one record's binary, OS, and architecture.
type Metadata struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Architecture config.Architecture `json:"architecture"`
}

// Binary is the output record for a single analyzed PE file. All
// set/map-like fields are serialized in sorted-by-key order so repeated
// runs over identical input produce byte-identical output. Features that
// weren't requested are present as empty collections, never omitted.
type Binary struct {
	Metadata Metadata       `json:"metadata"`
	Exports  []string       `json:"exports"`
	Symbols  []string       `json:"symbols"`
	Modules  []string       `json:"modules"`
	Types    []TypeEntry    `json:"types"`
	Syscalls []SyscallEntry `json:"syscalls"`
}

// TypeEntry is one entry of the ordered type-name -> definition mapping.
type TypeEntry struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// SyscallEntry is one entry of the ordered syscall-id -> name mapping.
type SyscallEntry struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// Inputs bundles everything AssembleBinary needs beyond the feature
// mask: the raw PE bytes (already read into memory), the binary's
// display name, its OS/architecture context, and the collaborators
// needed to populate each optional field.
type Inputs struct {
	PEName       string
	PEData       []byte
	OSVersion    string
	OSUpdate     string
	Architecture config.Architecture
	PEVersion    string

	// PDBPath is empty when no PDB was located/downloaded for this PE.
	PDBPath string

	Extractor *typeextract.Extractor
}

// AssembleBinary parses peData, verifies it's a well-formed PE, and
// populates only the fields named in features.
func AssembleBinary(in Inputs, features config.FeatureSet) (*Binary, error) {
	f, err := pe.NewBytes(in.PEData, nil)
	if err != nil {
		return nil, fmt.Errorf("instantiating PE: %w", err)
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		return nil, fmt.Errorf("parsing PE: %w", err)
	}

	record := &Binary{
		Metadata: Metadata{
			Name:         in.PEName,
			Version:      in.PEVersion,
			Architecture: in.Architecture,
		},
		Exports:  []string{},
		Symbols:  []string{},
		Modules:  []string{},
		Types:    []TypeEntry{},
		Syscalls: []SyscallEntry{},
	}

	var reader *pdbreader.PDB
	if in.PDBPath != "" {
		reader, err = pdbreader.Open(in.PDBPath)
		if err != nil {
			return nil, fmt.Errorf("opening PDB: %w", err)
		}
		defer reader.Close()
	}

	if features.Has(config.FeatureExports) {
		record.Exports = exportedNames(f)
	}

	if features.Has(config.FeatureDebugSymbols) {
		if reader != nil {
			record.Symbols = reader.ExtractSymbols()
		}
	}

	if features.Has(config.FeatureModules) {
		if reader != nil {
			record.Modules = reader.ExtractModules()
		}
	}

	if features.Has(config.FeatureTypes) {
		types, err := assembleTypes(in)
		if err != nil {
			return nil, err
		}
		record.Types = types
	}

	if features.Has(config.FeatureSyscalls) {
		entries, err := assembleSyscalls(f, in, reader)
		if err != nil {
			return nil, err
		}
		record.Syscalls = entries
	}

	return record, nil
}

func exportedNames(f *pe.File) []string {
	names := make([]string, 0, len(f.Export.Functions))
	for _, fn := range f.Export.Functions {
		if fn.Name == "" {
			continue
		}
		names = append(names, fn.Name)
	}
	sort.Strings(names)
	return names
}

func assembleTypes(in Inputs) ([]TypeEntry, error) {
	if in.PDBPath == "" || in.Extractor == nil {
		return []TypeEntry{}, nil
	}
	entries, err := in.Extractor.ExtractTypes(context.Background(), 0, in.PDBPath)
	if err != nil {
		return nil, fmt.Errorf("extracting types: %w", err)
	}
	out := make([]TypeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, TypeEntry{Name: e.Name, Definition: e.Definition})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func assembleSyscalls(f *pe.File, in Inputs, reader *pdbreader.PDB) ([]SyscallEntry, error) {
	var entries []syscalls.Entry
	var err error

	if isKernelModeTarget(f) {
		if reader == nil {
			return []SyscallEntry{}, nil
		}
		symbols := reader.ExtractSymbolsWithOffset()
		entries, err = syscalls.ExtractKernel(f, in.PEData, symbols, f.Export.Name)
	} else {
		entries, err = syscalls.ExtractUser(f, in.PEData)
	}
	if err != nil {
		return nil, fmt.Errorf("extracting syscalls: %w", err)
	}

	out := make([]SyscallEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, SyscallEntry{ID: e.ID, Name: e.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// isKernelModeTarget dispatches on the PE's own export-table name, not
// the configuration's binary-name key, so a renamed-on-disk copy of
// ntoskrnl.exe/win32k.sys is still routed to kernel-mode extraction.
func isKernelModeTarget(f *pe.File) bool {
	switch strings.ToLower(f.Export.Name) {
	case "ntoskrnl.exe", "win32k.sys":
		return true
	default:
		return false
	}
}

// OutputFileName is the per-binary record's filename under the output
// directory.
func OutputFileName(peName, osVersion, osUpdate string, arch config.Architecture) string {
	return fmt.Sprintf("%s_%s_%s_%s.json.gz", peName, osVersion, osUpdate, arch.String())
}

// WriteBinaryRecord serializes record to JSON and gzip-streams it to
// <outputDir>/<peName>_<osVersion>_<osUpdate>_<arch>.json.gz.
func WriteBinaryRecord(record *Binary, osVersion, osUpdate, outputDir string) (string, error) {
	path := filepath.Join(outputDir, OutputFileName(record.Metadata.Name, osVersion, osUpdate, record.Metadata.Architecture))
	if err := writeGzippedJSON(path, record); err != nil {
		return "", err
	}
	return path, nil
}

func writeGzippedJSON(path string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(payload); err != nil {
		gz.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return gz.Close()
}

// OSTriplet is one (version, update, architecture) entry of the index.
type OSTriplet struct {
	Version      string              `json:"version"`
	Update       string              `json:"update"`
	Architecture config.Architecture `json:"architecture"`
}

// Index is the global output listing every OS triplet and binary name
// encountered across all successfully produced records.
type Index struct {
	OSes     []OSTriplet `json:"oses"`
	Binaries []string    `json:"binaries"`
}

// IndexBuilder accumulates the deduplicated OS triplets and binary names
// seen across a run's successful records.
type IndexBuilder struct {
	oses     map[OSTriplet]struct{}
	binaries map[string]struct{}
}

// NewIndexBuilder returns an empty IndexBuilder.
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{
		oses:     map[OSTriplet]struct{}{},
		binaries: map[string]struct{}{},
	}
}

// Add records one successfully produced record's OS triplet and binary
// name.
func (b *IndexBuilder) Add(peName, osVersion, osUpdate string, arch config.Architecture) {
	b.oses[OSTriplet{Version: osVersion, Update: osUpdate, Architecture: arch}] = struct{}{}
	b.binaries[peName] = struct{}{}
}

// Build returns the accumulated Index with both sets in total order.
func (b *IndexBuilder) Build() Index {
	oses := make([]OSTriplet, 0, len(b.oses))
	for t := range b.oses {
		oses = append(oses, t)
	}
	sort.Slice(oses, func(i, j int) bool {
		if oses[i].Version != oses[j].Version {
			return oses[i].Version < oses[j].Version
		}
		if oses[i].Update != oses[j].Update {
			return oses[i].Update < oses[j].Update
		}
		return oses[i].Architecture < oses[j].Architecture
	})

	binaries := make([]string, 0, len(b.binaries))
	for name := range b.binaries {
		binaries = append(binaries, name)
	}
	sort.Strings(binaries)

	return Index{OSes: oses, Binaries: binaries}
}

// WriteIndex gzip-streams the index to <outputDir>/index.json.gz.
func WriteIndex(idx Index, outputDir string) (string, error) {
	path := filepath.Join(outputDir, "index.json.gz")
	if err := writeGzippedJSON(path, idx); err != nil {
		return "", err
	}
	return path, nil
}

// ReadIndex reads back a gzip-compressed index file written by
// WriteIndex. The pipeline does not call it; the tests use it.
func ReadIndex(path string) (Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Index{}, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Index{}, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	var idx Index
	if err := json.NewDecoder(gz).Decode(&idx); err != nil {
		return Index{}, fmt.Errorf("decoding index: %w", err)
	}
	return idx, nil
}
